package config

import (
	"fmt"
	"time"
)

// BalancerConfig schedules the periodic share recomputation and selects
// where saturation cooldowns live.
type BalancerConfig struct {
	RebalanceInterval time.Duration `json:"rebalance_interval"`
	// CooldownBackend is "memory" or "redis".
	CooldownBackend string `json:"cooldown_backend"`
	// RolloverInterval is how often weekly and monthly counters are checked
	// for a calendar rollover.
	RolloverInterval time.Duration `json:"rollover_interval"`
}

func (c *BalancerConfig) SetDefaults() {
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 5 * time.Minute
	}
	if c.CooldownBackend == "" {
		c.CooldownBackend = "memory"
	}
	if c.RolloverInterval <= 0 {
		c.RolloverInterval = time.Hour
	}
}

func (c BalancerConfig) Validate() error {
	if c.CooldownBackend != "memory" && c.CooldownBackend != "redis" {
		return fmt.Errorf("unknown cooldown_backend %s", c.CooldownBackend)
	}
	return nil
}

// AnalyticsConfig controls the periodic analytics snapshot.
type AnalyticsConfig struct {
	Window   time.Duration `json:"window"`
	Interval time.Duration `json:"interval"`
}

func (c *AnalyticsConfig) SetDefaults() {
	if c.Window <= 0 {
		c.Window = 7 * 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
}

func (c AnalyticsConfig) Validate() error {
	if c.Interval > c.Window {
		return fmt.Errorf("interval %s exceeds window %s", c.Interval, c.Window)
	}
	return nil
}
