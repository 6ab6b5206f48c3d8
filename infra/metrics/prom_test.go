package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/leadalloc/core/events"
	"github.com/kilianp07/leadalloc/core/factory"
	coremetrics "github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/internal/eventbus"
)

func TestPromSinkRecordsAllocations(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	offered := coremetrics.AllocationResult{Outcome: coremetrics.OutcomeOffered, Method: model.MethodKPIBased, Priority: model.PriorityHigh, Score: 72}
	accepted := offered
	accepted.Outcome = coremetrics.OutcomeAccepted
	accepted.Latency = 2 * time.Minute
	require.NoError(t, sink.RecordAllocation(offered))
	require.NoError(t, sink.RecordAllocation(offered))
	require.NoError(t, sink.RecordAllocation(accepted))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.results.WithLabelValues("offered", "kpi_based", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.results.WithLabelValues("accepted", "kpi_based", "high")))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.latency))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.score))
}

func TestPromSinkSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	b, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, a.RecordSaturation(coremetrics.SaturationEvent{ContractorID: "c1"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.saturation.WithLabelValues("c1")))
}

func TestPromSinkAnalytics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, sink.RecordAnalytics(coremetrics.AnalyticsSnapshot{
		FairnessScore: 91, EfficiencyScore: 50, AcceptanceRate: 80,
		Shares: map[string]float64{"c1": 55, "c2": 45},
	}))
	assert.Equal(t, 91.0, testutil.ToFloat64(sink.analytics.WithLabelValues("fairness_score")))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.shares))

	require.NoError(t, sink.RecordAnalytics(coremetrics.AnalyticsSnapshot{Shares: map[string]float64{"c3": 100}}))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.shares), "stale contractors must be dropped")
}

func TestEventCollectorForwardsBalancerEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartEventCollector(ctx, bus, sink)

	bus.Publish(events.SaturationEvent{ContractorID: "c9", Utilization: 95})
	bus.Publish(events.RebalanceEvent{
		At:       time.Now(),
		Fairness: map[string]float64{"north": 77, "default": 100},
		Alerts:   []events.ShareAlert{{Zone: "north", ContractorID: "c9", Share: 60}},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(sink.saturation.WithLabelValues("c9")) == 1 &&
			testutil.ToFloat64(sink.fairness.WithLabelValues("north")) == 77
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, sink.RecordFairness(coremetrics.FairnessEvent{Zone: "default", Score: 99}))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `leadalloc_zone_fairness_score{zone="default"} 99`)
}

func TestRegisteredSinks(t *testing.T) {
	sink, err := coremetrics.NewMetricsSink([]factory.ModuleConfig{{Type: "nop"}})
	require.NoError(t, err)
	assert.IsType(t, coremetrics.NopSink{}, sink)

	_, err = coremetrics.NewMetricsSink([]factory.ModuleConfig{{Type: "prometheus", Conf: map[string]any{"unexpected": 1}}})
	assert.Error(t, err)
}
