// Package contractor keeps contractor profiles and rolling lead statistics.
package contractor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/leadalloc/core/capacity"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/kpi"
	"github.com/kilianp07/leadalloc/core/model"
)

// ErrNotFound is returned for unknown contractor IDs.
var ErrNotFound = errors.New("contractor not found")

type record struct {
	mu sync.Mutex
	c  model.Contractor
}

// Registry applies profile upserts and fans them out to the geo index, the
// capacity tracker and the KPI store. Contractors are never deleted.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*record
	geo      *geo.Index
	capacity *capacity.Tracker
	kpi      *kpi.Store
	now      func() time.Time
}

// NewRegistry wires a registry to its collaborators.
func NewRegistry(g *geo.Index, c *capacity.Tracker, k *kpi.Store) *Registry {
	return &Registry{records: map[string]*record{}, geo: g, capacity: c, kpi: k, now: time.Now}
}

func (r *Registry) get(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// Upsert creates or replaces a contractor profile. Live counters and lead
// statistics of an existing contractor are kept.
func (r *Registry) Upsert(c model.Contractor) error {
	if c.ID == "" {
		return fmt.Errorf("contractor id is required")
	}
	if c.Status == "" {
		c.Status = model.ContractorActive
	}
	if c.Availability == "" {
		c.Availability = model.AvailabilityAvailable
	}
	c.UpdatedAt = r.now()

	r.mu.Lock()
	rec, ok := r.records[c.ID]
	if !ok {
		rec = &record{c: c}
		r.records[c.ID] = rec
	}
	r.mu.Unlock()
	if ok {
		rec.mu.Lock()
		c.Stats = rec.c.Stats
		rec.c = c
		rec.mu.Unlock()
	}

	r.geo.Upsert(c.ID, c.Location, c.ServiceArea)
	r.capacity.Upsert(c.ID, c.Capacity)
	if c.KPI.OverallScore > 0 {
		r.kpi.Put(c.ID, c.KPI)
	}
	return nil
}

// Get returns the contractor with live capacity and the current KPI score
// merged in.
func (r *Registry) Get(id string) (model.Contractor, bool) {
	rec := r.get(id)
	if rec == nil {
		return model.Contractor{}, false
	}
	rec.mu.Lock()
	c := rec.c
	rec.mu.Unlock()
	if live, ok := r.capacity.Snapshot(id); ok {
		c.Capacity = live
	}
	if sc, ok := r.kpi.Snapshot().Score(id); ok {
		c.KPI = sc
	}
	return c, true
}

// List returns all contractors ordered by ID.
func (r *Registry) List() []model.Contractor {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	out := make([]model.Contractor, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) update(id string, fn func(*model.Contractor)) error {
	rec := r.get(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	fn(&rec.c)
	rec.mu.Unlock()
	return nil
}

// SetStatus applies a soft status transition.
func (r *Registry) SetStatus(id string, s model.ContractorStatus) error {
	return r.update(id, func(c *model.Contractor) { c.Status = s; c.UpdatedAt = r.now() })
}

// SetAvailability records the contractor's availability.
func (r *Registry) SetAvailability(id string, a model.AvailabilityStatus) error {
	return r.update(id, func(c *model.Contractor) { c.Availability = a; c.UpdatedAt = r.now() })
}

// RecordMetric forwards a raw KPI metric to the score store.
func (r *Registry) RecordMetric(id string, m model.KPIMetric, v float64) error {
	if r.get(id) == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.kpi.Record(id, m, v)
	return nil
}

// RecordOffer counts a lead offered to the contractor.
func (r *Registry) RecordOffer(id string, at time.Time) {
	_ = r.update(id, func(c *model.Contractor) {
		c.Stats.TotalReceived++
		c.Stats.LastLeadAssignedAt = at
	})
}

// RecordResponse folds an accept or decline into the rolling statistics.
func (r *Registry) RecordResponse(id string, accepted bool, latency time.Duration) {
	_ = r.update(id, func(c *model.Contractor) {
		s := &c.Stats
		if accepted {
			s.Accepted++
		} else {
			s.Declined++
		}
		answered := s.Accepted + s.Declined
		s.AcceptanceRate = float64(s.Accepted) / float64(answered) * 100
		s.AverageResponseTime += (latency - s.AverageResponseTime) / time.Duration(answered)
	})
}

// SetShare publishes the contractor's latest lead share.
func (r *Registry) SetShare(id string, share float64) {
	_ = r.update(id, func(c *model.Contractor) { c.Stats.LeadSharePercentage = share })
}
