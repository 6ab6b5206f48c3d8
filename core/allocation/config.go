package allocation

import (
	"fmt"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

// Config tunes the allocation state machine.
type Config struct {
	Workers       int           `json:"workers"`
	QueueSize     int           `json:"queue_size"`
	MaxPasses     int           `json:"max_passes"`
	LookupTimeout time.Duration `json:"lookup_timeout"`
	// ResponseDeadlines is how long a contractor has to answer an offer.
	ResponseDeadlines map[model.LeadPriority]time.Duration `json:"response_deadlines"`
	// CompletionDeadlines is how long accepted work may take.
	CompletionDeadlines map[model.LeadPriority]time.Duration          `json:"completion_deadlines"`
	DefaultMethod       model.AssignmentMethod                        `json:"default_method"`
	Methods             map[model.LeadPriority]model.AssignmentMethod `json:"methods"`
	TopN                int                                           `json:"top_n"`
	ExpirySweep         time.Duration                                 `json:"expiry_sweep"`
	RequeueDelay        time.Duration                                 `json:"requeue_delay"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	var c Config
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = 5
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.ResponseDeadlines == nil {
		c.ResponseDeadlines = map[model.LeadPriority]time.Duration{}
	}
	for p, d := range map[model.LeadPriority]time.Duration{
		model.PriorityCritical: 15 * time.Minute,
		model.PriorityHigh:     30 * time.Minute,
		model.PriorityMedium:   60 * time.Minute,
		model.PriorityLow:      120 * time.Minute,
	} {
		if c.ResponseDeadlines[p] <= 0 {
			c.ResponseDeadlines[p] = d
		}
	}
	if c.CompletionDeadlines == nil {
		c.CompletionDeadlines = map[model.LeadPriority]time.Duration{}
	}
	for p, d := range map[model.LeadPriority]time.Duration{
		model.PriorityCritical: 24 * time.Hour,
		model.PriorityHigh:     72 * time.Hour,
		model.PriorityMedium:   7 * 24 * time.Hour,
		model.PriorityLow:      14 * 24 * time.Hour,
	} {
		if c.CompletionDeadlines[p] <= 0 {
			c.CompletionDeadlines[p] = d
		}
	}
	if c.DefaultMethod == "" {
		c.DefaultMethod = model.MethodKPIBased
	}
	if c.TopN <= 0 {
		c.TopN = 3
	}
	if c.ExpirySweep <= 0 {
		c.ExpirySweep = time.Minute
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Minute
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.DefaultMethod.Valid() {
		return fmt.Errorf("allocation: unknown default method %q", c.DefaultMethod)
	}
	for p, m := range c.Methods {
		if !p.Valid() {
			return fmt.Errorf("allocation: unknown priority %q", p)
		}
		if !m.Valid() {
			return fmt.Errorf("allocation: unknown method %q for %s", m, p)
		}
	}
	for p := range c.ResponseDeadlines {
		if !p.Valid() {
			return fmt.Errorf("allocation: unknown priority %q in response deadlines", p)
		}
	}
	return nil
}

// MethodFor returns the ranking method used for a priority.
func (c Config) MethodFor(p model.LeadPriority) model.AssignmentMethod {
	if m, ok := c.Methods[p]; ok {
		return m
	}
	return c.DefaultMethod
}

func (c Config) responseDeadline(p model.LeadPriority) time.Duration {
	if d, ok := c.ResponseDeadlines[p]; ok {
		return d
	}
	return c.ResponseDeadlines[model.PriorityMedium]
}

func (c Config) completionDeadline(p model.LeadPriority) time.Duration {
	if d, ok := c.CompletionDeadlines[p]; ok {
		return d
	}
	return c.CompletionDeadlines[model.PriorityMedium]
}
