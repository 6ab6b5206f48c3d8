package model

import (
	"fmt"
	"math"
	"time"
)

// EvaluationPeriod is the window over which lead shares are measured.
type EvaluationPeriod string

const (
	PeriodDaily   EvaluationPeriod = "daily"
	PeriodWeekly  EvaluationPeriod = "weekly"
	PeriodMonthly EvaluationPeriod = "monthly"
)

// Duration converts the period to a trailing window length.
func (p EvaluationPeriod) Duration() time.Duration {
	switch p {
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// SaturationProtection removes contractors whose utilization reaches a
// ceiling for a cooldown.
type SaturationProtection struct {
	Enabled                bool    `json:"enabled"`
	MaxCapacityUtilization float64 `json:"max_capacity_utilization"`
	CooldownMinutes        int     `json:"cooldown_minutes"`
}

// Cooldown returns the cooldown as a duration.
func (s SaturationProtection) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// LoadBalancingConfig holds the process-wide fairness and scoring tunables.
type LoadBalancingConfig struct {
	Enabled                bool                 `json:"enabled"`
	MaxLeadSharePercentage float64              `json:"max_lead_share_percentage"`
	EvaluationPeriod       EvaluationPeriod     `json:"evaluation_period"`
	RebalanceThreshold     float64              `json:"rebalance_threshold"`
	Saturation             SaturationProtection `json:"saturation_protection"`
	FairnessWeight         float64              `json:"fairness_weight"`
	PerformanceWeight      float64              `json:"performance_weight"`
	ProximityWeight        float64              `json:"proximity_weight"`
	// ProximityCapMiles is the distance at which the proximity bonus reaches
	// zero for contractors without a max radius.
	ProximityCapMiles float64 `json:"proximity_cap_miles"`
}

// DefaultLoadBalancingConfig returns the stock tunables.
func DefaultLoadBalancingConfig() LoadBalancingConfig {
	c := LoadBalancingConfig{Enabled: true}
	c.Saturation.Enabled = true
	c.SetDefaults()
	return c
}

// SetDefaults fills zero fields.
func (c *LoadBalancingConfig) SetDefaults() {
	if c.MaxLeadSharePercentage == 0 {
		c.MaxLeadSharePercentage = 40
	}
	if c.EvaluationPeriod == "" {
		c.EvaluationPeriod = PeriodMonthly
	}
	if c.RebalanceThreshold == 0 {
		c.RebalanceThreshold = 10
	}
	if c.Saturation.MaxCapacityUtilization == 0 {
		c.Saturation.MaxCapacityUtilization = 80
	}
	if c.Saturation.CooldownMinutes == 0 {
		c.Saturation.CooldownMinutes = 30
	}
	if c.FairnessWeight == 0 && c.PerformanceWeight == 0 && c.ProximityWeight == 0 {
		c.FairnessWeight, c.PerformanceWeight, c.ProximityWeight = 0.4, 0.4, 0.2
	}
	if c.ProximityCapMiles == 0 {
		c.ProximityCapMiles = 50
	}
}

// Validate checks ranges and that the blending weights sum to 1.
func (c LoadBalancingConfig) Validate() error {
	for name, w := range map[string]float64{
		"fairness_weight":    c.FairnessWeight,
		"performance_weight": c.PerformanceWeight,
		"proximity_weight":   c.ProximityWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, w)
		}
	}
	if sum := c.FairnessWeight + c.PerformanceWeight + c.ProximityWeight; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0, got %v", sum)
	}
	if c.MaxLeadSharePercentage <= 0 || c.MaxLeadSharePercentage > 100 {
		return fmt.Errorf("max_lead_share_percentage must be within (0,100]")
	}
	if c.RebalanceThreshold < 0 {
		return fmt.Errorf("rebalance_threshold must not be negative")
	}
	switch c.EvaluationPeriod {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		return fmt.Errorf("unknown evaluation_period %q", c.EvaluationPeriod)
	}
	s := c.Saturation
	if s.MaxCapacityUtilization <= 0 || s.MaxCapacityUtilization > 100 {
		return fmt.Errorf("max_capacity_utilization must be within (0,100]")
	}
	if s.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must not be negative")
	}
	if c.ProximityCapMiles <= 0 {
		return fmt.Errorf("proximity_cap_miles must be positive")
	}
	return nil
}
