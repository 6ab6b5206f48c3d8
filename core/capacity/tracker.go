// Package capacity tracks live contractor load against configured ceilings.
package capacity

import (
	"sync"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

type entry struct {
	mu    sync.Mutex
	cap   model.ContractorCapacity
	leads map[string]struct{}
	week  int
	month time.Month
}

// Tracker holds one locked entry per contractor. The outer lock only guards
// the map, never the counters, so unrelated contractors never contend.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry), now: time.Now}
}

func (t *Tracker) get(id string) *entry {
	t.mu.RLock()
	e := t.entries[id]
	t.mu.RUnlock()
	return e
}

// Upsert sets ceilings for a contractor. Counters are taken from c only the
// first time the contractor is seen; afterwards the live counters win.
func (t *Tracker) Upsert(id string, c model.ContractorCapacity) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		_, wk := t.now().ISOWeek()
		e = &entry{cap: c, leads: make(map[string]struct{}), week: wk, month: t.now().Month()}
		t.entries[id] = e
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	e.mu.Lock()
	e.cap.MaxActiveJobs = c.MaxActiveJobs
	e.cap.MaxWeeklyJobs = c.MaxWeeklyJobs
	e.cap.MaxMonthlyJobs = c.MaxMonthlyJobs
	e.mu.Unlock()
}

// Snapshot returns the current counters of a contractor.
func (t *Tracker) Snapshot(id string) (model.ContractorCapacity, bool) {
	e := t.get(id)
	if e == nil {
		return model.ContractorCapacity{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cap, true
}

func headroom(c model.ContractorCapacity, maxUtilization float64) bool {
	if c.AtCeiling() {
		return false
	}
	return maxUtilization <= 0 || c.UtilizationRate() < maxUtilization
}

// HasHeadroom reports whether the contractor can take another job. A
// contractor whose utilization is at or above maxUtilization has none, so
// 80% against a ceiling of 80 is refused. A maxUtilization of zero disables
// the utilization check.
func (t *Tracker) HasHeadroom(id string, maxUtilization float64) bool {
	e := t.get(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return headroom(e.cap, maxUtilization)
}

// Reserve takes one job slot for leadID. Reserving the same lead twice is a
// no-op. It returns the counters after the call and whether the lead holds a
// reservation.
func (t *Tracker) Reserve(id, leadID string, maxUtilization float64) (model.ContractorCapacity, bool) {
	e := t.get(id)
	if e == nil {
		return model.ContractorCapacity{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.leads[leadID]; ok {
		return e.cap, true
	}
	if !headroom(e.cap, maxUtilization) {
		return e.cap, false
	}
	e.leads[leadID] = struct{}{}
	e.cap.CurrentActiveJobs++
	e.cap.WeeklyJobs++
	e.cap.MonthlyJobs++
	return e.cap, true
}

// Release undoes a reservation that did not turn into work. Unknown pairs are
// ignored so callers may release on every exit path.
func (t *Tracker) Release(id, leadID string) bool {
	return t.drop(id, leadID, true)
}

// Complete frees the active slot of finished work while keeping it in the
// weekly and monthly totals.
func (t *Tracker) Complete(id, leadID string) bool {
	return t.drop(id, leadID, false)
}

func (t *Tracker) drop(id, leadID string, rollback bool) bool {
	e := t.get(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.leads[leadID]; !ok {
		return false
	}
	delete(e.leads, leadID)
	e.cap.CurrentActiveJobs = max(0, e.cap.CurrentActiveJobs-1)
	if rollback {
		e.cap.WeeklyJobs = max(0, e.cap.WeeklyJobs-1)
		e.cap.MonthlyJobs = max(0, e.cap.MonthlyJobs-1)
	}
	return true
}

// Utilizations returns the utilization rate of every contractor.
func (t *Tracker) Utilizations() map[string]float64 {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if c, ok := t.Snapshot(id); ok {
			out[id] = c.UtilizationRate()
		}
	}
	return out
}

// Rollover resets weekly and monthly counters when now enters a new ISO week
// or calendar month.
func (t *Tracker) Rollover(now time.Time) {
	_, wk := now.ISOWeek()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		e.mu.Lock()
		if e.week != wk {
			e.cap.WeeklyJobs = 0
			e.week = wk
		}
		if e.month != now.Month() {
			e.cap.MonthlyJobs = 0
			e.month = now.Month()
		}
		e.mu.Unlock()
	}
}
