// Package simulator generates synthetic contractors and leads and plays
// contractor responses, either in process against an allocation engine or
// over MQTT against a running service.
package simulator

import (
	"errors"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

// Config holds parameters for the simulator.
type Config struct {
	Contractors int
	Leads       int
	Seed        uint64
	// Center and RadiusMiles bound where contractors and leads are placed.
	Center      model.Coordinates
	RadiusMiles float64
	AcceptRate  float64
	DropRate    float64
	// CompleteRate is the probability an accepted lead is finished before the
	// next lead arrives, releasing capacity.
	CompleteRate float64
	Latency      time.Duration
	// RebalanceEvery publishes fresh lead shares after this many leads.
	RebalanceEvery int
}

// DefaultConfig simulates a metro area around central London.
func DefaultConfig() Config {
	return Config{
		Contractors:    10,
		Leads:          200,
		Seed:           1,
		Center:         model.Coordinates{Lat: 51.5072, Lng: -0.1276},
		RadiusMiles:    12,
		AcceptRate:     0.8,
		CompleteRate:   0.7,
		RebalanceEvery: 10,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Contractors <= 0 {
		errs = append(errs, errors.New("contractors must be positive"))
	}
	if c.Leads < 0 {
		errs = append(errs, errors.New("leads must not be negative"))
	}
	if c.RebalanceEvery < 0 {
		errs = append(errs, errors.New("rebalance_every must not be negative"))
	}
	if c.RadiusMiles <= 0 {
		errs = append(errs, errors.New("radius must be positive"))
	}
	for name, p := range map[string]float64{"accept_rate": c.AcceptRate, "drop_rate": c.DropRate, "complete_rate": c.CompleteRate} {
		if p < 0 || p > 1 {
			errs = append(errs, errors.New(name+" must be within [0,1]"))
		}
	}
	return errors.Join(errs...)
}
