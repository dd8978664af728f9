package db

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateID is returned by CreateTransfer when a record with the
	// same id already exists.
	ErrDuplicateID = errors.New("transfer id already exists")

	// ErrNotFound is returned when no transfer matches the given id.
	ErrNotFound = errors.New("transfer not found")

	// ErrStaleWrite is returned by UpdateTransfer when the record changed
	// since it was read. Callers re-read and reapply.
	ErrStaleWrite = errors.New("transfer was modified concurrently")
)

// Store is the durable transfer ledger. All writes are atomic with
// respect to a single record; UpdateTransfer uses the record's Version
// for optimistic concurrency, so at most one of several concurrent
// writers advances a given record.
type Store interface {
	// CreateTransfer inserts a new record. Fails with ErrDuplicateID if
	// the id is taken.
	CreateTransfer(ctx context.Context, transfer *Transfer) error

	// UpdateTransfer writes the record back, matching on the Version the
	// caller read. On success the stored Version is incremented and the
	// in-memory record updated to match. Fails with ErrStaleWrite if
	// another writer got there first.
	UpdateTransfer(ctx context.Context, transfer *Transfer) error

	// GetTransfer retrieves a transfer by id.
	GetTransfer(ctx context.Context, id string) (*Transfer, error)

	// ListTransfersByState returns all transfers in any of the given
	// states, oldest first.
	ListTransfersByState(ctx context.Context, states ...TransferState) ([]*Transfer, error)

	// ListTransfers returns the most recent transfers, newest first.
	ListTransfers(ctx context.Context, limit int) ([]*Transfer, error)
}
