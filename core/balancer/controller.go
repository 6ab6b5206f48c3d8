// Package balancer keeps lead shares fair across overlapping contractors and
// applies saturation cooldowns.
package balancer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kilianp07/leadalloc/core/events"
	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/internal/eventbus"
)

// UtilizationSource exposes live utilization per contractor.
type UtilizationSource interface {
	Utilizations() map[string]float64
}

// Controller owns the share ledger, the published share snapshot and the
// cooldown store.
type Controller struct {
	cfg       atomic.Pointer[model.LoadBalancingConfig]
	ledger    Ledger
	shares    atomic.Pointer[Shares]
	cooldowns CooldownStore
	util      UtilizationSource
	bus       eventbus.EventBus
	log       logger.Logger
	now       func() time.Time
}

// NewController validates cfg and returns a controller. A nil store selects
// the in-memory one.
func NewController(cfg model.LoadBalancingConfig, store CooldownStore, util UtilizationSource, bus eventbus.EventBus, log logger.Logger) (*Controller, error) {
	if store == nil {
		store = NewMemoryCooldowns()
	}
	c := &Controller{cooldowns: store, util: util, bus: bus, log: log, now: time.Now}
	if err := c.SetConfig(cfg); err != nil {
		return nil, err
	}
	c.shares.Store(&Shares{Zones: map[string]ZoneShares{}})
	return c, nil
}

// SetClock replaces the time source.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Config returns the configuration in effect. Allocation passes capture it
// once so an update never applies mid-cycle.
func (c *Controller) Config() model.LoadBalancingConfig { return *c.cfg.Load() }

// SetConfig validates and installs a new configuration.
func (c *Controller) SetConfig(cfg model.LoadBalancingConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("load balancing config: %w", err)
	}
	c.cfg.Store(&cfg)
	return nil
}

// RecordAssignment counts one lead for the contractor in the zone.
func (c *Controller) RecordAssignment(zone, contractorID string, at time.Time) {
	c.ledger.Record(zone, contractorID, at)
}

// Shares returns the last published share snapshot.
func (c *Controller) Shares() *Shares { return c.shares.Load() }

// InCooldown reports whether the contractor is excluded by saturation
// protection.
func (c *Controller) InCooldown(ctx context.Context, contractorID string) (bool, error) {
	cfg := c.cfg.Load()
	if !cfg.Saturation.Enabled {
		return false, nil
	}
	return c.cooldowns.Active(ctx, contractorID, c.now())
}

// CheckSaturation starts a cooldown when utilization reaches the ceiling.
func (c *Controller) CheckSaturation(ctx context.Context, contractorID string, utilization float64) (bool, error) {
	cfg := c.cfg.Load()
	s := cfg.Saturation
	if !s.Enabled || utilization < s.MaxCapacityUtilization {
		return false, nil
	}
	now := c.now()
	started, err := c.cooldowns.Start(ctx, contractorID, now, s.Cooldown())
	if err != nil {
		return false, fmt.Errorf("start cooldown: %w", err)
	}
	if started {
		if c.log != nil {
			c.log.Infow("contractor saturated", map[string]any{
				"contractor_id": contractorID,
				"utilization":   utilization,
				"cooldown_min":  s.CooldownMinutes,
			})
		}
		if c.bus != nil {
			c.bus.Publish(events.SaturationEvent{ContractorID: contractorID, Utilization: utilization, Until: now.Add(s.Cooldown())})
		}
	}
	return started, nil
}

// Report is the outcome of one rebalance.
type Report struct {
	Shares    *Shares
	Fairness  map[string]float64
	Alerts    []events.ShareAlert
	Saturated []string
}

// Rebalance recomputes shares over the evaluation period, flags contractors
// above the ceiling and sweeps utilizations for saturation.
func (c *Controller) Rebalance(ctx context.Context) Report {
	cfg := c.cfg.Load()
	now := c.now()
	shares := c.ledger.Compute(now, cfg.EvaluationPeriod.Duration())
	c.shares.Store(shares)

	rep := Report{Shares: shares, Fairness: map[string]float64{}}
	limit := cfg.MaxLeadSharePercentage + cfg.RebalanceThreshold
	for _, zone := range shares.ZoneIDs() {
		z := shares.Zones[zone]
		vals := make([]float64, 0, len(z.Shares))
		for id, s := range z.Shares {
			vals = append(vals, s)
			if s > limit {
				rep.Alerts = append(rep.Alerts, events.ShareAlert{Zone: zone, ContractorID: id, Share: s})
			}
		}
		rep.Fairness[zone] = FairnessScore(vals)
	}
	if c.util != nil {
		for id, u := range c.util.Utilizations() {
			started, err := c.CheckSaturation(ctx, id, u)
			if err != nil && c.log != nil {
				c.log.Warnw("saturation check failed", map[string]any{"contractor_id": id, "error": err.Error()})
			}
			if started {
				rep.Saturated = append(rep.Saturated, id)
			}
		}
	}
	if c.log != nil && len(rep.Alerts) > 0 {
		for _, a := range rep.Alerts {
			c.log.Warnw("lead share above ceiling", map[string]any{
				"zone": a.Zone, "contractor_id": a.ContractorID, "share": a.Share, "limit": limit,
			})
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.RebalanceEvent{At: now, Zones: len(shares.Zones), Fairness: rep.Fairness, Alerts: rep.Alerts})
	}
	return rep
}

// Run rebalances on every tick until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Rebalance(ctx)
		}
	}
}
