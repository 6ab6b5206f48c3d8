package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilianp07/leadalloc/core/model"
)

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.AllocationEvent
	keys   map[key]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[key]struct{}{}}
}

func (s *MemoryStore) Append(_ context.Context, ev model.AllocationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey(ev)
	if _, ok := s.keys[k]; ok {
		return fmt.Errorf("%w: %s/%d", ErrDuplicate, ev.LeadID, ev.Sequence)
	}
	s.keys[k] = struct{}{}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]model.AllocationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AllocationEvent
	for _, ev := range s.events {
		if q.match(ev) {
			out = append(out, ev)
		}
	}
	return limit(out, q.Limit), nil
}

func (s *MemoryStore) Close() error { return nil }
