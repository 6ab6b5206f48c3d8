package balancer

import (
	"context"
	"sync"
	"time"
)

// CooldownStore remembers which contractors are in saturation cooldown.
// Implementations may be shared between engine instances.
type CooldownStore interface {
	// Start begins a cooldown lasting d from now. An active cooldown is not
	// extended. It reports whether a new cooldown was started.
	Start(ctx context.Context, contractorID string, now time.Time, d time.Duration) (bool, error)
	// Active reports whether the contractor is cooling down at now.
	Active(ctx context.Context, contractorID string, now time.Time) (bool, error)
}

// MemoryCooldowns is an in-process CooldownStore.
type MemoryCooldowns struct {
	until sync.Map // contractor id -> time.Time
}

// NewMemoryCooldowns returns an empty store.
func NewMemoryCooldowns() *MemoryCooldowns { return &MemoryCooldowns{} }

func (m *MemoryCooldowns) Start(_ context.Context, id string, now time.Time, d time.Duration) (bool, error) {
	end := now.Add(d)
	for {
		v, loaded := m.until.LoadOrStore(id, end)
		if !loaded {
			return true, nil
		}
		if now.Before(v.(time.Time)) {
			return false, nil
		}
		if m.until.CompareAndSwap(id, v, end) {
			return true, nil
		}
	}
}

func (m *MemoryCooldowns) Active(_ context.Context, id string, now time.Time) (bool, error) {
	v, ok := m.until.Load(id)
	return ok && now.Before(v.(time.Time)), nil
}
