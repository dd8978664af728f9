package bridge

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/pkg/chain"
	"github.com/chainsafe/tokenbridge/pkg/db"
)

func newTestSweep(t *testing.T, store db.Store, evm, canton chain.Adapter, opts Options) (*Orchestrator, *Sweep) {
	t.Helper()
	orch, err := NewOrchestrator(context.Background(), store, evm, canton, opts, zap.NewNop())
	require.NoError(t, err)
	return orch, NewSweep(orch, store, time.Minute, zap.NewNop())
}

func seedTransfer(t *testing.T, store db.Store, mutate func(*db.Transfer)) *db.Transfer {
	t.Helper()
	destAmount := "100"
	record := &db.Transfer{
		ID:                  newTransferID(),
		Direction:           db.DirectionEvmToCanton,
		State:               db.StateInitiated,
		Amount:              "10000000000", // 100 tokens at 8 fewer destination decimals
		DestAmount:          &destAmount,
		DestinationIdentity: "alice::abcdef1234",
	}
	if mutate != nil {
		mutate(record)
	}
	require.NoError(t, store.CreateTransfer(context.Background(), record))
	return record
}

func TestSweepCompletesPendingMintWithoutResubmitting(t *testing.T) {
	store := db.NewMemoryStore()
	evm := newMockEvm()
	canton := newMockCanton()

	// First finality check times out, the next one confirms.
	var calls int64
	canton.AwaitFinalityFunc = func(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.FinalityStatus, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return chain.FinalityTimedOut, nil
		}
		return chain.FinalityConfirmed, nil
	}

	orch, sweep := newTestSweep(t, store, evm, canton, Options{})

	accepted, err := orch.ExecuteTransfer(context.Background(), db.DirectionEvmToCanton, bigIntFromString(t, "1000000000000000000"), "alice::abcdef1234")
	require.NoError(t, err)
	orch.Wait()

	parked, err := store.GetTransfer(context.Background(), accepted.ID)
	require.NoError(t, err)
	require.Equal(t, db.StateMintPending, parked.State)

	require.NoError(t, sweep.RunCycle(context.Background()))

	final, err := store.GetTransfer(context.Background(), accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateCompleted, final.State)
	// The mint was already broadcast; the sweep re-checked finality
	// instead of submitting a second one.
	assert.Equal(t, int64(1), canton.MintCalls)
}

func TestSweepResubmitsAbandonedMintWithSameKey(t *testing.T) {
	store := db.NewMemoryStore()
	evm := newMockEvm()
	canton := newMockCanton()

	var mintKey string
	canton.SubmitMintFunc = func(ctx context.Context, amount *big.Int, destination, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error) {
		mintKey = idempotencyKey
		ref := chain.TxRef{ChainID: canton.Network, Hash: "update-1"}
		if err := recordRef(ref); err != nil {
			return chain.TxRef{}, err
		}
		return ref, nil
	}

	_, sweep := newTestSweep(t, store, evm, canton, Options{StalenessThreshold: time.Nanosecond})

	// A crashed process wrote mint_submitted but never recorded the tx ref.
	record := seedTransfer(t, store, func(tr *db.Transfer) {
		chainID, hash := "31337", "0xburn"
		tr.State = db.StateMintSubmitted
		tr.SourceChainID = &chainID
		tr.SourceTxHash = &hash
	})
	time.Sleep(time.Millisecond)

	require.NoError(t, sweep.RunCycle(context.Background()))

	final, err := store.GetTransfer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateCompleted, final.State)
	assert.Equal(t, int64(1), canton.MintCalls)
	assert.Equal(t, record.ID, mintKey)
}

func TestSweepAfterRestartNeverMintsTwice(t *testing.T) {
	store := db.NewMemoryStore()
	evm := newMockEvm()
	canton := newMockCanton()

	_, sweep := newTestSweep(t, store, evm, canton, Options{StalenessThreshold: time.Nanosecond})

	// The mint tx ref was recorded before broadcast; the process died
	// before finality came back. A fresh process holds no adapter state,
	// so only the durable ref stands between this record and a second
	// mint.
	record := seedTransfer(t, store, func(tr *db.Transfer) {
		burnChain, burnHash := "31337", "0xburn"
		mintChain, mintHash := "canton-devnet", "update-1"
		tr.State = db.StateMintSubmitted
		tr.SourceChainID = &burnChain
		tr.SourceTxHash = &burnHash
		tr.DestChainID = &mintChain
		tr.DestTxHash = &mintHash
	})
	time.Sleep(time.Millisecond)

	require.NoError(t, sweep.RunCycle(context.Background()))

	final, err := store.GetTransfer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateCompleted, final.State)
	assert.Equal(t, int64(0), canton.MintCalls)
	require.NotNil(t, final.DestTxHash)
	assert.Equal(t, "update-1", *final.DestTxHash)
}

func TestSweepResolvesUnconfirmedBurn(t *testing.T) {
	store := db.NewMemoryStore()
	evm := newMockEvm()
	canton := newMockCanton()
	_, sweep := newTestSweep(t, store, evm, canton, Options{})

	record := seedTransfer(t, store, func(tr *db.Transfer) {
		chainID, hash := "31337", "0xburn"
		tr.State = db.StateBurnUnconfirmed
		tr.SourceChainID = &chainID
		tr.SourceTxHash = &hash
		tr.DestAmount = nil
	})

	require.NoError(t, sweep.RunCycle(context.Background()))

	final, err := store.GetTransfer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateCompleted, final.State)
	require.NotNil(t, final.DestAmount)
	assert.Equal(t, "100", *final.DestAmount)
	assert.Equal(t, int64(1), canton.MintCalls)
}

func TestSweepFlagsExhaustedRetries(t *testing.T) {
	store := db.NewMemoryStore()
	evm := newMockEvm()
	canton := newMockCanton()
	canton.AwaitFinalityFunc = func(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.FinalityStatus, error) {
		return chain.FinalityTimedOut, nil
	}

	_, sweep := newTestSweep(t, store, evm, canton, Options{MaxRetries: 3})

	record := seedTransfer(t, store, func(tr *db.Transfer) {
		chainID, burnHash, mintHash := "31337", "0xburn", "update-1"
		tr.State = db.StateMintPending
		tr.SourceChainID = &chainID
		tr.SourceTxHash = &burnHash
		tr.DestChainID = &chainID
		tr.DestTxHash = &mintHash
		tr.RetryCount = 4
	})

	require.NoError(t, sweep.RunCycle(context.Background()))

	final, err := store.GetTransfer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateFailed, final.State)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, db.ReasonRetriesExhausted, *final.FailureReason)
	assert.True(t, final.IsFlagged())
	assert.Equal(t, int64(0), canton.MintCalls)
}

func TestSweepIncrementsRetryCountOnRepeatedTimeout(t *testing.T) {
	store := db.NewMemoryStore()
	evm := newMockEvm()
	canton := newMockCanton()
	canton.AwaitFinalityFunc = func(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.FinalityStatus, error) {
		return chain.FinalityTimedOut, nil
	}

	_, sweep := newTestSweep(t, store, evm, canton, Options{MaxRetries: 3})

	record := seedTransfer(t, store, func(tr *db.Transfer) {
		chainID, burnHash, mintHash := "31337", "0xburn", "update-1"
		tr.State = db.StateMintPending
		tr.SourceChainID = &chainID
		tr.SourceTxHash = &burnHash
		tr.DestChainID = &chainID
		tr.DestTxHash = &mintHash
		tr.RetryCount = 1
	})

	require.NoError(t, sweep.RunCycle(context.Background()))

	after, err := store.GetTransfer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateMintPending, after.State)
	assert.Equal(t, 2, after.RetryCount)
}

func TestSweepLeavesFlaggedTransfersAlone(t *testing.T) {
	store := db.NewMemoryStore()
	evm := newMockEvm()
	canton := newMockCanton()
	_, sweep := newTestSweep(t, store, evm, canton, Options{})

	record := seedTransfer(t, store, func(tr *db.Transfer) {
		reason := db.ReasonAuthorityUnavailable
		tr.State = db.StateFailed
		tr.FailureReason = &reason
	})

	require.NoError(t, sweep.RunCycle(context.Background()))

	after, err := store.GetTransfer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateFailed, after.State)
	assert.Equal(t, int64(0), canton.MintCalls)
	assert.Equal(t, int64(0), evm.BurnCalls)
}

func TestSweepLifecycle(t *testing.T) {
	store := db.NewMemoryStore()
	orch, err := NewOrchestrator(context.Background(), store, newMockEvm(), newMockCanton(), Options{}, zap.NewNop())
	require.NoError(t, err)

	sweep := NewSweep(orch, store, 10*time.Millisecond, zap.NewNop())
	sweep.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sweep.Stop()
}

func bigIntFromString(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "malformed big int %q", s)
	return v
}
