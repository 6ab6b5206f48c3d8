package analytics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kilianp07/leadalloc/core/audit"
	"github.com/kilianp07/leadalloc/core/logger"
	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
)

// EventSource is the read side of the audit store.
type EventSource interface {
	Query(ctx context.Context, q audit.Query) ([]model.AllocationEvent, error)
}

// Snapshotter recomputes a report over a trailing window.
type Snapshotter struct {
	src        EventSource
	sink       coremetrics.AnalyticsRecorder
	window     time.Duration
	thresholds func() Thresholds
	log        logger.Logger
	now        func() time.Time
	latest     atomic.Pointer[Report]
}

// NewSnapshotter creates a snapshotter. thresholds is read on every refresh so
// operator edits to the load-balancing config apply to the next report.
func NewSnapshotter(src EventSource, sink coremetrics.AnalyticsRecorder, window time.Duration, thresholds func() Thresholds, log logger.Logger) *Snapshotter {
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Snapshotter{src: src, sink: sink, window: window, thresholds: thresholds, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (s *Snapshotter) SetClock(now func() time.Time) { s.now = now }

// Refresh computes and publishes a new report.
func (s *Snapshotter) Refresh(ctx context.Context) (Report, error) {
	to := s.now()
	from := to.Add(-s.window)
	evs, err := s.src.Query(ctx, audit.Query{Start: from, End: to})
	if err != nil {
		return Report{}, fmt.Errorf("query events: %w", err)
	}
	rep := ComputeWith(evs, from, to, s.thresholds())
	rep.GeneratedAt = to
	s.latest.Store(&rep)
	if err := s.sink.RecordAnalytics(rep.Snapshot()); err != nil {
		s.log.Warnf("record analytics: %v", err)
	}
	s.log.Debugw("analytics refreshed", map[string]any{
		"events": len(evs), "fairness": rep.FairnessScore, "acceptance_rate": rep.AcceptanceRate,
	})
	return rep, nil
}

// Latest returns the last computed report.
func (s *Snapshotter) Latest() (Report, bool) {
	r := s.latest.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Run refreshes immediately and then on every tick until ctx is done.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Warnf("analytics: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				s.log.Warnf("analytics: %v", err)
			}
		}
	}
}
