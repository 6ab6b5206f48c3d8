package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/leadalloc/core/events"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/internal/eventbus"
)

type staticUtil map[string]float64

func (s staticUtil) Utilizations() map[string]float64 { return s }

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func newController(t *testing.T, util UtilizationSource) (*Controller, *time.Time) {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	c, err := NewController(model.DefaultLoadBalancingConfig(), nil, util, bus, nil)
	require.NoError(t, err)
	now := t0
	c.SetClock(func() time.Time { return now })
	return c, &now
}

func TestRebalanceComputesSharesOverWindow(t *testing.T) {
	c, now := newController(t, nil)
	cfg := c.Config()
	cfg.EvaluationPeriod = model.PeriodDaily
	require.NoError(t, c.SetConfig(cfg))

	c.RecordAssignment("north", "a", t0.Add(-48*time.Hour))
	for i := 0; i < 3; i++ {
		c.RecordAssignment("north", "a", t0.Add(-time.Hour))
	}
	c.RecordAssignment("north", "b", t0.Add(-time.Hour))
	c.RecordAssignment("south", "b", t0.Add(-time.Hour))

	rep := c.Rebalance(context.Background())
	assert.InDelta(t, 75, rep.Shares.Share("north", "a"), 1e-9)
	assert.InDelta(t, 25, rep.Shares.Share("north", "b"), 1e-9)
	assert.InDelta(t, 100, c.Shares().Share("south", "b"), 1e-9)
	assert.Equal(t, 3, rep.Shares.Zones["north"].Counts["a"], "entries outside the window must be pruned")
	require.Len(t, rep.Alerts, 2)
	assert.Equal(t, events.ShareAlert{Zone: "north", ContractorID: "a", Share: 75}, rep.Alerts[0])
	assert.Equal(t, 50.0, rep.Fairness["north"])
	assert.Equal(t, 100.0, rep.Fairness["south"])

	*now = t0.Add(24 * time.Hour)
	assert.Zero(t, c.Rebalance(context.Background()).Shares.Share("north", "a"))
}

func TestAdjustment(t *testing.T) {
	cfg := model.DefaultLoadBalancingConfig()
	fair := FairShare(4)
	assert.Equal(t, 25.0, fair)
	assert.Equal(t, 100.0, Adjustment(0, fair, cfg))
	assert.Equal(t, 0.0, Adjustment(25, fair, cfg))
	assert.Equal(t, -20.0, Adjustment(30, fair, cfg))
	assert.Equal(t, -100.0, Adjustment(51, fair, cfg), "share past ceiling plus threshold gets full penalty")
	cfg.Enabled = false
	assert.Equal(t, 0.0, Adjustment(90, fair, cfg))
}

func TestFairnessScore(t *testing.T) {
	assert.Equal(t, 100.0, FairnessScore([]float64{50, 50}))
	assert.Equal(t, 100.0, FairnessScore([]float64{100}))
	assert.Equal(t, 0.0, FairnessScore([]float64{100, 0}))
	assert.Equal(t, 80.0, FairnessScore([]float64{60, 40}))
}

func TestSaturationCooldown(t *testing.T) {
	c, now := newController(t, staticUtil{"busy": 85, "idle": 10})
	ctx := context.Background()

	rep := c.Rebalance(ctx)
	assert.Equal(t, []string{"busy"}, rep.Saturated)

	in, err := c.InCooldown(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, in)
	in, _ = c.InCooldown(ctx, "idle")
	assert.False(t, in)

	started, err := c.CheckSaturation(ctx, "busy", 90)
	require.NoError(t, err)
	assert.False(t, started, "active cooldown must not be restarted")

	*now = t0.Add(31 * time.Minute)
	in, _ = c.InCooldown(ctx, "busy")
	assert.False(t, in, "cooldown must lapse")

	cfg := c.Config()
	cfg.Saturation.Enabled = false
	require.NoError(t, c.SetConfig(cfg))
	started, _ = c.CheckSaturation(ctx, "busy", 100)
	assert.False(t, started)
}

func TestSetConfigRejectsBadWeights(t *testing.T) {
	c, _ := newController(t, nil)
	cfg := c.Config()
	cfg.FairnessWeight = 0.9
	assert.Error(t, c.SetConfig(cfg))
	assert.Equal(t, 0.4, c.Config().FairnessWeight)
}
