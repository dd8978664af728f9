package bridge

import "sync"

// submitQueue serializes all submissions per chain. Burns and mints on
// a chain go out under one shared signer credential, and chains with
// per-account sequence numbers reject out-of-order submissions.
type submitQueue struct {
	mu sync.Mutex
}

// Do runs fn while holding the chain's submission slot.
func (q *submitQueue) Do(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fn()
}

// queueSet hands out one submitQueue per chain network id.
type queueSet struct {
	mu     sync.Mutex
	queues map[string]*submitQueue
}

func newQueueSet() *queueSet {
	return &queueSet{queues: make(map[string]*submitQueue)}
}

func (s *queueSet) forChain(networkID string) *submitQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[networkID]
	if !ok {
		q = &submitQueue{}
		s.queues[networkID] = q
	}
	return q
}
