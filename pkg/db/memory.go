package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transfer ledger with the same optimistic
// concurrency semantics as PgStore. Used in tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[string]*Transfer)}
}

// CreateTransfer inserts a new transfer record.
func (s *MemoryStore) CreateTransfer(_ context.Context, transfer *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[transfer.ID]; ok {
		return ErrDuplicateID
	}

	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now
	if transfer.Version == 0 {
		transfer.Version = 1
	}

	stored := *transfer
	s.transfers[transfer.ID] = &stored
	return nil
}

// UpdateTransfer writes the record back, matching on the version the
// caller read.
func (s *MemoryStore) UpdateTransfer(_ context.Context, transfer *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transfers[transfer.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != transfer.Version {
		return ErrStaleWrite
	}

	transfer.Version++
	transfer.UpdatedAt = time.Now().UTC()
	transfer.CreatedAt = current.CreatedAt

	stored := *transfer
	s.transfers[transfer.ID] = &stored
	return nil
}

// GetTransfer retrieves a copy of the transfer by id.
func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, ok := s.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *current
	return &copied, nil
}

// ListTransfersByState returns all transfers in any of the given states,
// oldest first.
func (s *MemoryStore) ListTransfersByState(_ context.Context, states ...TransferState) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var transfers []*Transfer
	for _, t := range s.transfers {
		for _, state := range states {
			if t.State == state {
				copied := *t
				transfers = append(transfers, &copied)
				break
			}
		}
	}
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].CreatedAt.Before(transfers[j].CreatedAt)
	})
	return transfers, nil
}

// ListTransfers returns the most recent transfers.
func (s *MemoryStore) ListTransfers(_ context.Context, limit int) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transfers := make([]*Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		copied := *t
		transfers = append(transfers, &copied)
	}
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].CreatedAt.After(transfers[j].CreatedAt)
	})
	if limit > 0 && len(transfers) > limit {
		transfers = transfers[:limit]
	}
	return transfers, nil
}

var _ Store = (*MemoryStore)(nil)
