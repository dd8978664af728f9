package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/pkg/db"
)

// ErrInvalidRequest wraps request validation failures so the transport
// layer can map them to a 400 without inspecting details.
var ErrInvalidRequest = errors.New("invalid transfer request")

// TransferRequest is an inbound request to move tokens across chains.
// Amount is a human-readable decimal string in whole token units; it is
// rescaled to the source chain's smallest unit before execution.
type TransferRequest struct {
	Direction   db.TransferDirection `json:"direction" validate:"required,oneof=evm_to_canton canton_to_evm"`
	Amount      string               `json:"amount" validate:"required"`
	Destination string               `json:"destination" validate:"required"`
}

// Service is the request-facing layer over the orchestrator: it
// validates and normalizes inbound requests and answers status queries
// straight from the ledger.
type Service struct {
	orch     *Orchestrator
	store    db.Store
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService creates a transfer service.
func NewService(orch *Orchestrator, store db.Store, logger *zap.Logger) *Service {
	return &Service{
		orch:     orch,
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// RequestTransfer validates the request, converts the amount to the
// source chain's smallest unit, and hands the transfer off for
// asynchronous execution. The returned record is the accepted snapshot.
// Only validation failures carry ErrInvalidRequest; an execution error
// past that point (ledger unavailable) surfaces as-is.
func (s *Service) RequestTransfer(ctx context.Context, req TransferRequest) (*db.Transfer, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	source, dest, err := s.orch.pair(req.Direction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := dest.ValidateDestination(req.Destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	amount, err := parseUnitAmount(req.Amount, source.Decimals())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return s.orch.ExecuteTransfer(ctx, req.Direction, amount, req.Destination)
}

// GetTransfer returns the current ledger record for a transfer.
func (s *Service) GetTransfer(ctx context.Context, id string) (*db.Transfer, error) {
	return s.store.GetTransfer(ctx, id)
}

// ListTransfers returns the most recent transfers.
func (s *Service) ListTransfers(ctx context.Context, limit int) ([]*db.Transfer, error) {
	return s.store.ListTransfers(ctx, limit)
}

// ListFlaggedTransfers returns failed transfers awaiting manual
// remediation: the burn is final but the mint never completed.
func (s *Service) ListFlaggedTransfers(ctx context.Context) ([]*db.Transfer, error) {
	failed, err := s.store.ListTransfersByState(ctx, db.StateFailed)
	if err != nil {
		return nil, err
	}
	flagged := make([]*db.Transfer, 0, len(failed))
	for _, record := range failed {
		if record.IsFlagged() {
			flagged = append(flagged, record)
		}
	}
	return flagged, nil
}

// CancelTransfer attempts to cancel a transfer that has not yet reached
// the source chain.
func (s *Service) CancelTransfer(ctx context.Context, id string) (*db.Transfer, error) {
	return s.orch.Cancel(ctx, id)
}

// parseUnitAmount rescales a whole-token decimal string to an integer
// in the chain's smallest unit. Amounts with more fractional digits
// than the chain supports are rejected rather than silently truncated;
// truncation only ever happens on the already-burned side, where it is
// recorded explicitly.
func parseUnitAmount(s string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed amount %q: %v", s, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be strictly positive, got %q", s)
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", s, decimals)
	}
	return shifted.BigInt(), nil
}
