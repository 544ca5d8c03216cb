package limiter

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// memoryStore implements the Store interface using an in-memory map.
// State is local to the process, so it only enforces a global limit when a
// single instance serves the traffic. Useful for tests and local development.
type memoryStore struct {
	mu    sync.Mutex
	state map[string]bucketState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		state: make(map[string]bucketState),
	}
}

// Load is a no-op, there is nothing to register.
func (s *memoryStore) Load(ctx context.Context) error {
	return nil
}

// Admit implements the Store interface for memory storage.
func (s *memoryStore) Admit(ctx context.Context, key string, req AdmitRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.state[key]
	if !exists {
		// first request for this key, bucket starts full
		current = bucketState{Tokens: req.Capacity, LastRefill: req.NowMillis}
		log.Debug().Str("key", key).Float64("capacity", req.Capacity).Msg("new bucket")
	}

	next, allowed := current.admit(req)
	s.state[key] = next
	return allowed, nil
}

// bucket returns the stored state for key, used by tests.
func (s *memoryStore) bucket(key string) (bucketState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[key]
	return st, ok
}
