package metrics

import (
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

// Outcome is how an allocation step ended.
type Outcome string

const (
	OutcomeOffered   Outcome = "offered"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDeclined  Outcome = "declined"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeCompleted Outcome = "completed"
)

// AllocationResult is one allocation step to be recorded.
type AllocationResult struct {
	LeadID       string
	ContractorID string
	Zone         string
	Priority     model.LeadPriority
	Method       model.AssignmentMethod
	Outcome      Outcome
	Reason       string
	Score        float64
	Attempt      int
	Latency      time.Duration
	Time         time.Time
}

// AnalyticsSnapshot is the periodic aggregate published to dashboards.
type AnalyticsSnapshot struct {
	From            time.Time
	To              time.Time
	Totals          map[string]int
	AcceptanceRate  float64
	FairnessScore   float64
	EfficiencyScore float64
	Shares          map[string]float64
	Time            time.Time
}

// SaturationEvent is a contractor entering saturation cooldown.
type SaturationEvent struct {
	ContractorID string
	Utilization  float64
	Until        time.Time
	Time         time.Time
}

// FairnessEvent is the fairness score of one zone after a rebalance.
type FairnessEvent struct {
	Zone   string
	Score  float64
	Alerts int
	Time   time.Time
}

// MetricsSink records allocation results for observability purposes.
type MetricsSink interface {
	RecordAllocation(res AllocationResult) error
}

// AnalyticsRecorder is implemented by sinks able to store analytics snapshots.
type AnalyticsRecorder interface {
	RecordAnalytics(s AnalyticsSnapshot) error
}

// SaturationRecorder is implemented by sinks tracking saturation cooldowns.
type SaturationRecorder interface {
	RecordSaturation(ev SaturationEvent) error
}

// FairnessRecorder is implemented by sinks tracking per-zone fairness.
type FairnessRecorder interface {
	RecordFairness(ev FairnessEvent) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordAllocation(AllocationResult) error { return nil }
func (NopSink) RecordAnalytics(AnalyticsSnapshot) error { return nil }
func (NopSink) RecordSaturation(SaturationEvent) error  { return nil }
func (NopSink) RecordFairness(FairnessEvent) error      { return nil }

// MultiSink fans records out to several sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAllocation forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordAllocation(res AllocationResult) error {
	for _, s := range m.Sinks {
		if err := s.RecordAllocation(res); err != nil {
			return err
		}
	}
	return nil
}

// RecordAnalytics forwards snapshots to sinks that support them.
func (m *MultiSink) RecordAnalytics(snap AnalyticsSnapshot) error {
	for _, s := range m.Sinks {
		if r, ok := s.(AnalyticsRecorder); ok {
			if err := r.RecordAnalytics(snap); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordSaturation forwards saturation events.
func (m *MultiSink) RecordSaturation(ev SaturationEvent) error {
	for _, s := range m.Sinks {
		if r, ok := s.(SaturationRecorder); ok {
			if err := r.RecordSaturation(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordFairness forwards fairness events.
func (m *MultiSink) RecordFairness(ev FairnessEvent) error {
	for _, s := range m.Sinks {
		if r, ok := s.(FairnessRecorder); ok {
			if err := r.RecordFairness(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the sinks holding connections.
func (m *MultiSink) Close() {
	for _, s := range m.Sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
