package history

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent runs in process. The oldest run is evicted once
// capacity is reached.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	runs     []Run
}

// NewMemoryStore creates a MemoryStore. A non-positive capacity means 100.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryStore{capacity: capacity, runs: make([]Run, 0, capacity)}
}

// Save stores run, replacing an existing run with the same id.
func (s *MemoryStore) Save(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	if len(s.runs) == s.capacity {
		copy(s.runs, s.runs[1:])
		s.runs = s.runs[:len(s.runs)-1]
	}
	s.runs = append(s.runs, run)
	return nil
}

// Get returns the run with id.
func (s *MemoryStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return Run{}, ErrNotFound
}

// List returns up to limit runs, most recently saved first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Run, 0, min(limit, len(s.runs)))
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// NopStore discards runs. It backs history.type=none.
type NopStore struct{}

func (NopStore) Save(context.Context, Run) error { return nil }

func (NopStore) Get(context.Context, string) (Run, error) { return Run{}, ErrNotFound }

func (NopStore) List(context.Context, int) ([]Run, error) { return []Run{}, nil }

func (NopStore) Close() error { return nil }
