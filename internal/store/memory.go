package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps up to capacity runs, evicting the oldest finished run
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	capacity int
}

// NewMemoryStore creates a MemoryStore. A capacity below 1 keeps a single run.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryStore{
		runs:     make(map[string]*Run),
		capacity: capacity,
	}
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists && len(s.runs) >= s.capacity {
		var oldest *Run
		for _, r := range s.runs {
			if oldest == nil || r.FinishedAt.Before(oldest.FinishedAt) {
				oldest = r
			}
		}
		delete(s.runs, oldest.ID)
	}
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *run
	return &out, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	s.mu.RLock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if opts.State != "" && r.State != opts.State {
			continue
		}
		out := *r
		runs = append(runs, &out)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].FinishedAt.After(runs[j].FinishedAt)
	})

	if opts.Offset >= len(runs) {
		return []*Run{}, nil
	}
	runs = runs[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// Len returns the number of stored runs
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func (s *MemoryStore) Close() error {
	return nil
}
