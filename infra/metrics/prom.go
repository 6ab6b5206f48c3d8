package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
)

// PromSink records allocation results and analytics in Prometheus metrics.
type PromSink struct {
	results    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	score      *prometheus.HistogramVec
	saturation *prometheus.CounterVec
	fairness   *prometheus.GaugeVec
	analytics  *prometheus.GaugeVec
	shares     *prometheus.GaugeVec
}

// NewPromSink registers allocation metrics on the default Prometheus registerer.
// The Prometheus server is started separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadalloc_allocation_results_total",
			Help: "Allocation steps by outcome, method and priority",
		}, []string{"outcome", "method", "priority"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadalloc_response_latency_seconds",
			Help:    "Time between offer and contractor response",
			Buckets: []float64{30, 60, 300, 600, 900, 1800, 3600, 7200},
		}, []string{"outcome", "priority"}),
		score: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadalloc_offer_score",
			Help:    "Final score of contractors receiving offers",
			Buckets: prometheus.LinearBuckets(0, 10, 12),
		}, []string{"method"}),
		saturation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadalloc_saturation_cooldowns_total",
			Help: "Saturation cooldowns started per contractor",
		}, []string{"contractor_id"}),
		fairness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leadalloc_zone_fairness_score",
			Help: "Fairness score per zone after the last rebalance",
		}, []string{"zone"}),
		analytics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leadalloc_analytics",
			Help: "Latest analytics snapshot values",
		}, []string{"kind"}),
		shares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leadalloc_contractor_share_percent",
			Help: "Lead share per contractor in the latest analytics window",
		}, []string{"contractor_id"}),
	}
	var err error
	if s.results, err = register(reg, s.results); err != nil {
		return nil, err
	}
	if s.latency, err = register(reg, s.latency); err != nil {
		return nil, err
	}
	if s.score, err = register(reg, s.score); err != nil {
		return nil, err
	}
	if s.saturation, err = register(reg, s.saturation); err != nil {
		return nil, err
	}
	if s.fairness, err = register(reg, s.fairness); err != nil {
		return nil, err
	}
	if s.analytics, err = register(reg, s.analytics); err != nil {
		return nil, err
	}
	if s.shares, err = register(reg, s.shares); err != nil {
		return nil, err
	}
	return s, nil
}

// register returns the already registered collector when one exists so that
// several sinks can share a registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (s *PromSink) RecordAllocation(r coremetrics.AllocationResult) error {
	s.results.WithLabelValues(string(r.Outcome), string(r.Method), string(r.Priority)).Inc()
	switch r.Outcome {
	case coremetrics.OutcomeOffered:
		s.score.WithLabelValues(string(r.Method)).Observe(r.Score)
	case coremetrics.OutcomeAccepted, coremetrics.OutcomeDeclined, coremetrics.OutcomeExpired:
		if r.Latency > 0 {
			s.latency.WithLabelValues(string(r.Outcome), string(r.Priority)).Observe(r.Latency.Seconds())
		}
	}
	return nil
}

func (s *PromSink) RecordAnalytics(snap coremetrics.AnalyticsSnapshot) error {
	s.analytics.WithLabelValues("fairness_score").Set(snap.FairnessScore)
	s.analytics.WithLabelValues("efficiency_score").Set(snap.EfficiencyScore)
	s.analytics.WithLabelValues("acceptance_rate").Set(snap.AcceptanceRate)
	s.shares.Reset()
	for id, share := range snap.Shares {
		s.shares.WithLabelValues(id).Set(share)
	}
	return nil
}

func (s *PromSink) RecordSaturation(ev coremetrics.SaturationEvent) error {
	s.saturation.WithLabelValues(ev.ContractorID).Inc()
	return nil
}

func (s *PromSink) RecordFairness(ev coremetrics.FairnessEvent) error {
	s.fairness.WithLabelValues(ev.Zone).Set(ev.Score)
	return nil
}
