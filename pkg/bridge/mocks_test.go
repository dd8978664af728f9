package bridge

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/chainsafe/tokenbridge/pkg/chain"
)

// MockAdapter is a mock implementation of chain.Adapter
type MockAdapter struct {
	Network       string
	TokenDecimals int

	ValidateDestinationFunc func(identity string) error
	SubmitBurnFunc          func(ctx context.Context, amount *big.Int, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error)
	SubmitMintFunc          func(ctx context.Context, amount *big.Int, destination, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error)
	AwaitFinalityFunc       func(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.FinalityStatus, error)

	BurnCalls int64
	MintCalls int64
}

func (m *MockAdapter) NetworkID() string {
	return m.Network
}

func (m *MockAdapter) Decimals() int {
	return m.TokenDecimals
}

func (m *MockAdapter) ValidateDestination(identity string) error {
	if m.ValidateDestinationFunc != nil {
		return m.ValidateDestinationFunc(identity)
	}
	return nil
}

func (m *MockAdapter) SubmitBurn(ctx context.Context, amount *big.Int, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error) {
	atomic.AddInt64(&m.BurnCalls, 1)
	if m.SubmitBurnFunc != nil {
		return m.SubmitBurnFunc(ctx, amount, idempotencyKey, recordRef)
	}
	ref := chain.TxRef{ChainID: m.Network, Hash: fmt.Sprintf("burn-%s", idempotencyKey)}
	if recordRef != nil {
		if err := recordRef(ref); err != nil {
			return chain.TxRef{}, err
		}
	}
	return ref, nil
}

func (m *MockAdapter) SubmitMint(ctx context.Context, amount *big.Int, destination, idempotencyKey string, recordRef chain.RecordRef) (chain.TxRef, error) {
	atomic.AddInt64(&m.MintCalls, 1)
	if m.SubmitMintFunc != nil {
		return m.SubmitMintFunc(ctx, amount, destination, idempotencyKey, recordRef)
	}
	ref := chain.TxRef{ChainID: m.Network, Hash: fmt.Sprintf("mint-%s", idempotencyKey)}
	if recordRef != nil {
		if err := recordRef(ref); err != nil {
			return chain.TxRef{}, err
		}
	}
	return ref, nil
}

func (m *MockAdapter) AwaitFinality(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.FinalityStatus, error) {
	if m.AwaitFinalityFunc != nil {
		return m.AwaitFinalityFunc(ctx, ref, timeout)
	}
	return chain.FinalityConfirmed, nil
}

var _ chain.Adapter = (*MockAdapter)(nil)

func newMockEvm() *MockAdapter {
	return &MockAdapter{Network: "31337", TokenDecimals: 18}
}

func newMockCanton() *MockAdapter {
	return &MockAdapter{Network: "canton-devnet", TokenDecimals: 10}
}
