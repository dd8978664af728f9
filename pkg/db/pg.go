package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

const pgUniqueViolation = "23505"

// PgStore is the Postgres-backed transfer ledger.
type PgStore struct {
	db *bun.DB
}

// NewPgStore wraps an established bun connection.
func NewPgStore(db *bun.DB) *PgStore {
	return &PgStore{db: db}
}

// Close closes the underlying database connection.
func (s *PgStore) Close() error {
	return s.db.Close()
}

// CreateTransfer inserts a new transfer record.
func (s *PgStore) CreateTransfer(ctx context.Context, transfer *Transfer) error {
	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now
	if transfer.Version == 0 {
		transfer.Version = 1
	}

	_, err := s.db.NewInsert().Model(transfer).Exec(ctx)
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.Field('C') == pgUniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// UpdateTransfer writes the record back if nobody else advanced it since
// it was read. The version predicate makes the write-ahead discipline
// safe under a concurrent sweep.
func (s *PgStore) UpdateTransfer(ctx context.Context, transfer *Transfer) error {
	prev := transfer.Version
	transfer.Version = prev + 1
	transfer.UpdatedAt = time.Now().UTC()

	res, err := s.db.NewUpdate().
		Model(transfer).
		ExcludeColumn("id", "created_at").
		Where("id = ?", transfer.ID).
		Where("version = ?", prev).
		Exec(ctx)
	if err != nil {
		transfer.Version = prev
		return fmt.Errorf("update transfer: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		transfer.Version = prev
		return fmt.Errorf("update transfer: %w", err)
	}
	if rows == 0 {
		transfer.Version = prev
		exists, err := s.db.NewSelect().
			Model((*Transfer)(nil)).
			Where("id = ?", transfer.ID).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("update transfer: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	return nil
}

// GetTransfer retrieves a transfer by id.
func (s *PgStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	transfer := new(Transfer)
	err := s.db.NewSelect().Model(transfer).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return transfer, nil
}

// ListTransfersByState returns all transfers in any of the given states,
// oldest first so the sweep resumes the longest-stuck records first.
func (s *PgStore) ListTransfersByState(ctx context.Context, states ...TransferState) ([]*Transfer, error) {
	var transfers []*Transfer
	err := s.db.NewSelect().
		Model(&transfers).
		Where("state IN (?)", bun.In(states)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transfers by state: %w", err)
	}
	return transfers, nil
}

// ListTransfers returns the most recent transfers.
func (s *PgStore) ListTransfers(ctx context.Context, limit int) ([]*Transfer, error) {
	var transfers []*Transfer
	err := s.db.NewSelect().
		Model(&transfers).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return transfers, nil
}

var _ Store = (*PgStore)(nil)
