package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/internal/metrics"
	"github.com/chainsafe/tokenbridge/pkg/db"
)

// Sweep periodically scans the ledger for transfers stuck in an
// intermediate state and resumes them through the orchestrator, using
// each record's stored idempotency key. It runs independently of any
// in-flight execution; the ledger's optimistic concurrency guard
// ensures at most one of them advances a given record.
type Sweep struct {
	orch     *Orchestrator
	store    db.Store
	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweep creates a reconciliation sweep.
func NewSweep(orch *Orchestrator, store db.Store, interval time.Duration, logger *zap.Logger) *Sweep {
	return &Sweep{
		orch:     orch,
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweep) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.RunCycle(ctx); err != nil {
					s.logger.Error("Reconciliation sweep failed", zap.Error(err))
					metrics.SweepRunsTotal.WithLabelValues("error").Inc()
				} else {
					metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
				}
			}
		}
	}()
}

// Stop stops the sweep loop and waits for the current cycle.
func (s *Sweep) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunCycle performs one reconciliation pass.
func (s *Sweep) RunCycle(ctx context.Context) error {
	unconfirmed, err := s.store.ListTransfersByState(ctx, db.StateBurnUnconfirmed)
	if err != nil {
		return fmt.Errorf("list unconfirmed burns: %w", err)
	}
	for _, record := range unconfirmed {
		s.resume(ctx, record)
	}

	pending, err := s.store.ListTransfersByState(ctx, db.StateMintPending)
	if err != nil {
		return fmt.Errorf("list pending mints: %w", err)
	}
	for _, record := range pending {
		if record.RetryCount > s.orch.opts.MaxRetries {
			s.exhaust(ctx, record)
			continue
		}
		s.resume(ctx, record)
	}

	if err := s.resumeAbandoned(ctx); err != nil {
		return err
	}

	if err := s.reportGauges(ctx); err != nil {
		return err
	}

	s.logger.Info("Reconciliation sweep complete",
		zap.Int("burn_unconfirmed", len(unconfirmed)),
		zap.Int("mint_pending", len(pending)))
	return nil
}

// resumeAbandoned picks up in-flight records a dead process left
// behind. A record still in burn_submitted or mint_submitted past the
// staleness threshold has no live execution attached; finality is
// re-checked (or the submission re-sent under its original key) rather
// than assuming anything about the crashed run.
func (s *Sweep) resumeAbandoned(ctx context.Context) error {
	inflight, err := s.store.ListTransfersByState(ctx, db.StateBurnSubmitted, db.StateMintSubmitted)
	if err != nil {
		return fmt.Errorf("list in-flight transfers: %w", err)
	}

	cutoff := time.Now().Add(-s.orch.opts.StalenessThreshold)
	for _, record := range inflight {
		if record.UpdatedAt.After(cutoff) {
			continue
		}
		s.logger.Warn("Resuming abandoned transfer",
			zap.String("transfer_id", record.ID),
			zap.String("state", string(record.State)),
			zap.Time("last_update", record.UpdatedAt))
		s.resume(ctx, record)
	}
	return nil
}

func (s *Sweep) resume(ctx context.Context, record *db.Transfer) {
	s.orch.drive(ctx, record)
}

// exhaust flags a transfer whose mint keeps failing transiently. The
// burn is final, so this is surfaced for manual remediation rather
// than retried forever.
func (s *Sweep) exhaust(ctx context.Context, record *db.Transfer) {
	cause := fmt.Errorf("mint retries exhausted after %d attempts", record.RetryCount)
	if _, err := s.orch.fail(ctx, record, db.ReasonRetriesExhausted, cause); err != nil {
		s.logger.Error("Failed to flag exhausted transfer",
			zap.String("transfer_id", record.ID),
			zap.Error(err))
		return
	}
	s.logger.Warn("Transfer flagged for manual intervention",
		zap.String("transfer_id", record.ID),
		zap.Int("retry_count", record.RetryCount))
}

// reportGauges refreshes the per-state and flagged gauges.
func (s *Sweep) reportGauges(ctx context.Context) error {
	liveStates := []db.TransferState{
		db.StateInitiated, db.StateBurnSubmitted, db.StateBurnUnconfirmed,
		db.StateBurnConfirmed, db.StateMintSubmitted, db.StateMintPending,
	}
	for _, state := range liveStates {
		records, err := s.store.ListTransfersByState(ctx, state)
		if err != nil {
			return fmt.Errorf("count %s transfers: %w", state, err)
		}
		metrics.TransfersByState.WithLabelValues(string(state)).Set(float64(len(records)))
	}

	failed, err := s.store.ListTransfersByState(ctx, db.StateFailed)
	if err != nil {
		return fmt.Errorf("count failed transfers: %w", err)
	}
	flagged := 0
	for _, record := range failed {
		if record.IsFlagged() {
			flagged++
		}
	}
	metrics.FlaggedTransfers.Set(float64(flagged))
	return nil
}
