// Package audit persists allocation events. Events are append-only and keyed
// by lead ID and sequence number.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

// ErrDuplicate is returned when an event with the same lead and sequence
// already exists.
var ErrDuplicate = errors.New("duplicate allocation event")

// Query filters events. Zero fields match everything.
type Query struct {
	LeadID       string
	ContractorID string
	Type         model.EventType
	Start        time.Time
	End          time.Time
	Limit        int
}

// Store persists AllocationEvents and supports querying. Implementations never
// update or delete events.
type Store interface {
	Append(ctx context.Context, ev model.AllocationEvent) error
	Query(ctx context.Context, q Query) ([]model.AllocationEvent, error)
	Close() error
}

func (q Query) match(ev model.AllocationEvent) bool {
	if q.LeadID != "" && ev.LeadID != q.LeadID {
		return false
	}
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	ts := ev.Audit.Timestamp
	if !q.Start.IsZero() && ts.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && ts.After(q.End) {
		return false
	}
	if q.ContractorID != "" && !involves(ev, q.ContractorID) {
		return false
	}
	return true
}

func involves(ev model.AllocationEvent, id string) bool {
	if ev.ContractorID == id {
		return true
	}
	for _, c := range ev.Candidates {
		if c.ContractorID == id {
			return true
		}
	}
	return false
}

func eventKey(ev model.AllocationEvent) key {
	return key{lead: ev.LeadID, seq: ev.Sequence}
}

type key struct {
	lead string
	seq  int64
}

func limit(out []model.AllocationEvent, n int) []model.AllocationEvent {
	if n > 0 && len(out) > n {
		return out[:n]
	}
	return out
}
