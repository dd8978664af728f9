// Package bridge drives cross-chain transfers through their state
// machine: burn on the source chain, wait for finality, mint on the
// destination chain, reconcile whatever gets stuck in between.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/internal/metrics"
	"github.com/chainsafe/tokenbridge/pkg/chain"
	"github.com/chainsafe/tokenbridge/pkg/db"
)

// errLostRace means another writer (orchestrator or sweep) advanced the
// record first. The loser abandons the leg; the sweep picks the record
// up on its next cycle if anything is left to do.
var errLostRace = errors.New("lost transfer update race")

// Options tunes the orchestrator. Zero values take defaults.
type Options struct {
	// MaxRetries bounds automatic mint resubmissions before a transfer
	// is flagged for manual intervention.
	MaxRetries int `default:"3"`

	// FinalityTimeout bounds a single AwaitFinality call per chain,
	// keyed by network id. DefaultFinalityTimeout applies otherwise.
	FinalityTimeouts       map[string]time.Duration
	DefaultFinalityTimeout time.Duration `default:"5m"`

	// StalenessThreshold is how long a record may sit in an in-flight
	// state before the sweep considers it abandoned by a dead process.
	StalenessThreshold time.Duration `default:"10m"`
}

// Orchestrator executes transfers against a pair of chain adapters and
// records every step in the ledger before acting on it, so a restart
// resumes from the last durable state.
type Orchestrator struct {
	store  db.Store
	evm    chain.Adapter
	canton chain.Adapter
	queues *queueSet
	opts   Options
	logger *zap.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. baseCtx bounds the lifetime
// of background transfer executions.
func NewOrchestrator(baseCtx context.Context, store db.Store, evm, canton chain.Adapter, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if err := defaults.Set(&opts); err != nil {
		return nil, fmt.Errorf("apply option defaults: %w", err)
	}
	return &Orchestrator{
		store:   store,
		evm:     evm,
		canton:  canton,
		queues:  newQueueSet(),
		opts:    opts,
		logger:  logger,
		baseCtx: baseCtx,
	}, nil
}

// Wait blocks until all in-flight transfer executions return.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ExecuteTransfer records a new transfer and drives it asynchronously.
// The returned record is the accepted Initiated snapshot; everything
// after acceptance is reported through the ledger, never by error.
func (o *Orchestrator) ExecuteTransfer(ctx context.Context, direction db.TransferDirection, amount *big.Int, destination string) (*db.Transfer, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be strictly positive")
	}
	_, dest, err := o.pair(direction)
	if err != nil {
		return nil, err
	}
	if err := dest.ValidateDestination(destination); err != nil {
		return nil, err
	}

	record := &db.Transfer{
		ID:                  newTransferID(),
		Direction:           direction,
		State:               db.StateInitiated,
		Amount:              amount.String(),
		DestinationIdentity: destination,
	}
	if err := o.store.CreateTransfer(ctx, record); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	o.logger.Info("Transfer accepted",
		zap.String("transfer_id", record.ID),
		zap.String("direction", string(direction)),
		zap.String("amount", record.Amount),
		zap.String("destination", destination))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(o.baseCtx, record)
	}()

	snapshot := *record
	return &snapshot, nil
}

// Cancel refuses once a burn submission is durably recorded; before
// that it moves the record to a terminal cancelled failure.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*db.Transfer, error) {
	for {
		record, err := o.store.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.State != db.StateInitiated {
			return record, ErrCannotCancelAfterBurn
		}

		record.State = db.StateFailed
		reason := db.ReasonCancelled
		record.FailureReason = &reason
		err = o.store.UpdateTransfer(ctx, record)
		if err == nil {
			o.logger.Info("Transfer cancelled", zap.String("transfer_id", id))
			return record, nil
		}
		if !errors.Is(err, db.ErrStaleWrite) {
			return nil, err
		}
		// Raced with the burn submission write; re-read and re-check.
	}
}

// ErrCannotCancelAfterBurn is returned when cancellation arrives after
// the burn was durably submitted; the operation is no longer reversible.
var ErrCannotCancelAfterBurn = errors.New("cannot cancel: burn already submitted")

// drive advances a transfer until it is terminal or parked in a state
// owned by the sweep (burn_unconfirmed, mint_pending).
func (o *Orchestrator) drive(ctx context.Context, record *db.Transfer) {
	start := time.Now()

	for {
		var err error
		switch record.State {
		case db.StateInitiated, db.StateBurnSubmitted:
			record, err = o.burnStep(ctx, record)
		case db.StateBurnUnconfirmed:
			record, err = o.resolveBurn(ctx, record)
		case db.StateBurnConfirmed, db.StateMintSubmitted, db.StateMintPending:
			record, err = o.mintStep(ctx, record)
		default:
			err = fmt.Errorf("unexpected state %q", record.State)
		}

		if errors.Is(err, errLostRace) {
			return
		}
		if err != nil {
			o.logger.Error("Transfer execution interrupted",
				zap.String("transfer_id", record.ID),
				zap.String("state", string(record.State)),
				zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("orchestrator", "execution").Inc()
			return
		}

		if record.IsTerminal() {
			o.finish(record, start)
			return
		}
		if record.State == db.StateBurnUnconfirmed || record.State == db.StateMintPending {
			// Parked; the sweep owns it from here.
			o.logger.Info("Transfer parked for reconciliation",
				zap.String("transfer_id", record.ID),
				zap.String("state", string(record.State)))
			return
		}
	}
}

// burnStep submits the source-chain burn (write-ahead) and waits for
// finality. Also resumes a burn_submitted record after a crash.
func (o *Orchestrator) burnStep(ctx context.Context, record *db.Transfer) (*db.Transfer, error) {
	source, _, err := o.pair(record.Direction)
	if err != nil {
		return record, err
	}
	amount, err := parseAmount(record.Amount)
	if err != nil {
		return record, err
	}

	if record.State == db.StateInitiated {
		record, err = o.advance(ctx, record, db.StateBurnSubmitted, nil)
		if err != nil {
			return record, err
		}
	}

	if record.SourceTxHash == nil {
		var recordErr error
		recordRef := func(ref chain.TxRef) error {
			updated, err := o.advance(ctx, record, db.StateBurnSubmitted, func(t *db.Transfer) {
				t.SourceChainID = &ref.ChainID
				t.SourceTxHash = &ref.Hash
			})
			if err != nil {
				recordErr = err
				return err
			}
			record = updated
			return nil
		}

		// The burn uses the same signer credential as mints on this
		// chain, so it takes the same submission slot.
		submitErr := o.queues.forChain(source.NetworkID()).Do(func() error {
			_, err := source.SubmitBurn(ctx, amount, record.ID, recordRef)
			return err
		})
		if recordErr != nil {
			return record, recordErr
		}
		if submitErr != nil {
			metrics.SubmissionsTotal.WithLabelValues(source.NetworkID(), "burn", "error").Inc()
			return o.fail(ctx, record, db.ReasonSubmitBurnError, submitErr)
		}
		metrics.SubmissionsTotal.WithLabelValues(source.NetworkID(), "burn", "ok").Inc()
	}

	return o.resolveBurn(ctx, record)
}

// resolveBurn waits for source-chain finality of a submitted burn and
// records the outcome, including the explicit decimal conversion of the
// destination amount once the burn is irreversible.
func (o *Orchestrator) resolveBurn(ctx context.Context, record *db.Transfer) (*db.Transfer, error) {
	source, dest, err := o.pair(record.Direction)
	if err != nil {
		return record, err
	}
	amount, err := parseAmount(record.Amount)
	if err != nil {
		return record, err
	}

	ref := chain.TxRef{ChainID: deref(record.SourceChainID), Hash: deref(record.SourceTxHash)}
	status, err := source.AwaitFinality(ctx, ref, o.finalityTimeout(source))
	if err != nil {
		status = chain.FinalityTimedOut
	}

	switch status {
	case chain.FinalityConfirmed:
		destAmount, convErr := chain.ConvertAmount(amount, source.Decimals(), dest.Decimals())
		if convErr != nil {
			return record, convErr
		}
		converted := destAmount.String()
		return o.advance(ctx, record, db.StateBurnConfirmed, func(t *db.Transfer) {
			t.DestAmount = &converted
		})
	case chain.FinalityReverted:
		return o.fail(ctx, record, db.ReasonBurnReverted, nil)
	default:
		return o.advance(ctx, record, db.StateBurnUnconfirmed, nil)
	}
}

// mintStep submits the destination-chain mint (write-ahead, serialized
// per chain) and waits for finality. Resumable from burn_confirmed,
// mint_pending, and a crashed mint_submitted.
func (o *Orchestrator) mintStep(ctx context.Context, record *db.Transfer) (*db.Transfer, error) {
	_, dest, err := o.pair(record.Direction)
	if err != nil {
		return record, err
	}
	if record.DestAmount == nil {
		return record, fmt.Errorf("transfer %s has no recorded destination amount", record.ID)
	}
	destAmount, err := parseAmount(*record.DestAmount)
	if err != nil {
		return record, err
	}

	if record.State != db.StateMintSubmitted {
		record, err = o.advance(ctx, record, db.StateMintSubmitted, nil)
		if err != nil {
			return record, err
		}
	}

	if record.DestTxHash == nil {
		var recordErr error
		recordRef := func(ref chain.TxRef) error {
			updated, err := o.advance(ctx, record, db.StateMintSubmitted, func(t *db.Transfer) {
				t.DestChainID = &ref.ChainID
				t.DestTxHash = &ref.Hash
			})
			if err != nil {
				recordErr = err
				return err
			}
			record = updated
			return nil
		}

		submitErr := o.queues.forChain(dest.NetworkID()).Do(func() error {
			_, err := dest.SubmitMint(ctx, destAmount, record.DestinationIdentity, record.ID, recordRef)
			return err
		})
		if recordErr != nil {
			return record, recordErr
		}
		if submitErr != nil {
			metrics.SubmissionsTotal.WithLabelValues(dest.NetworkID(), "mint", "error").Inc()
			if errors.Is(submitErr, chain.ErrAuthorityUnavailable) {
				// The burn is already final; flag, never drop.
				return o.fail(ctx, record, db.ReasonAuthorityUnavailable, submitErr)
			}
			return o.advance(ctx, record, db.StateMintPending, func(t *db.Transfer) {
				t.RetryCount++
			})
		}
		metrics.SubmissionsTotal.WithLabelValues(dest.NetworkID(), "mint", "ok").Inc()
	}

	ref := chain.TxRef{ChainID: deref(record.DestChainID), Hash: deref(record.DestTxHash)}
	status, err := dest.AwaitFinality(ctx, ref, o.finalityTimeout(dest))
	if err != nil {
		status = chain.FinalityTimedOut
	}

	switch status {
	case chain.FinalityConfirmed:
		return o.advance(ctx, record, db.StateCompleted, nil)
	case chain.FinalityReverted:
		// Funds burned but not minted; requires operator remediation.
		return o.fail(ctx, record, db.ReasonMintReverted, nil)
	default:
		return o.advance(ctx, record, db.StateMintPending, func(t *db.Transfer) {
			t.RetryCount++
		})
	}
}

// advance writes a state transition to the ledger before the caller
// takes the corresponding chain action. On a stale write it re-reads
// once and reapplies if the transition is still legal; otherwise the
// competing writer owns the record.
func (o *Orchestrator) advance(ctx context.Context, record *db.Transfer, to db.TransferState, mutate func(*db.Transfer)) (*db.Transfer, error) {
	if !db.CanTransition(record.State, to) {
		return record, fmt.Errorf("illegal transition %s -> %s for transfer %s",
			record.State, to, record.ID)
	}

	for attempt := 0; attempt < 2; attempt++ {
		next := *record
		next.State = to
		if mutate != nil {
			mutate(&next)
		}

		err := o.store.UpdateTransfer(ctx, &next)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, db.ErrStaleWrite) {
			return record, err
		}

		fresh, getErr := o.store.GetTransfer(ctx, record.ID)
		if getErr != nil {
			return record, getErr
		}
		// The competing writer may have moved the record somewhere this
		// transition no longer applies from; that is a lost race, not a
		// caller bug.
		if !db.CanTransition(fresh.State, to) {
			return fresh, errLostRace
		}
		record = fresh
	}
	return record, errLostRace
}

// fail moves a transfer to its terminal failed state.
func (o *Orchestrator) fail(ctx context.Context, record *db.Transfer, reason db.FailureReason, cause error) (*db.Transfer, error) {
	return o.advance(ctx, record, db.StateFailed, func(t *db.Transfer) {
		t.FailureReason = &reason
		if cause != nil {
			msg := cause.Error()
			t.ErrorMessage = &msg
		}
	})
}

func (o *Orchestrator) finish(record *db.Transfer, start time.Time) {
	outcome := string(record.State)
	if record.FailureReason != nil {
		outcome = fmt.Sprintf("failed_%s", *record.FailureReason)
	}
	metrics.TransfersTotal.WithLabelValues(string(record.Direction), outcome).Inc()
	metrics.TransferDuration.WithLabelValues(string(record.Direction)).Observe(time.Since(start).Seconds())

	o.logger.Info("Transfer reached terminal state",
		zap.String("transfer_id", record.ID),
		zap.String("state", string(record.State)),
		zap.String("outcome", outcome))
}

func (o *Orchestrator) pair(direction db.TransferDirection) (source, dest chain.Adapter, err error) {
	switch direction {
	case db.DirectionEvmToCanton:
		return o.evm, o.canton, nil
	case db.DirectionCantonToEvm:
		return o.canton, o.evm, nil
	default:
		return nil, nil, fmt.Errorf("unknown direction %q", direction)
	}
}

func (o *Orchestrator) finalityTimeout(a chain.Adapter) time.Duration {
	if d, ok := o.opts.FinalityTimeouts[a.NetworkID()]; ok {
		return d
	}
	return o.opts.DefaultFinalityTimeout
}

// newTransferID mints the record id, which doubles as the idempotency
// key for both chain submissions.
func newTransferID() string {
	return uuid.NewString()
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return amount, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
