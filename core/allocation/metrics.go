package allocation

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	passLatency     *prometheus.HistogramVec
	offersSent      *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	capacityRaces   prometheus.Counter
	lookupTimeouts  prometheus.Counter
	publishFailures prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Counter) {
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allocation_pass_duration_seconds",
			Help:    "Duration of one ranking pass, from rule evaluation to offer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	off := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_offers_total",
			Help: "Number of offers sent to contractors",
		},
		[]string{"method", "priority"},
	)
	out := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_outcomes_total",
			Help: "Number of offer and lead outcomes",
		},
		[]string{"outcome", "reason"},
	)
	race := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_capacity_races_total",
			Help: "Number of reservations lost to a concurrent allocation",
		},
	)
	tmo := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_lookup_timeouts_total",
			Help: "Number of candidates excluded after a lookup timeout",
		},
	)
	pub := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_publish_failures_total",
			Help: "Number of offers the transport failed to deliver",
		},
	)
	return lat, off, out, race, tmo, pub
}

func init() {
	passLatency, offersSent, outcomes, capacityRaces, lookupTimeouts, publishFailures = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers allocation metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(passLatency, offersSent, outcomes, capacityRaces, lookupTimeouts, publishFailures)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	passLatency, offersSent, outcomes, capacityRaces, lookupTimeouts, publishFailures = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
