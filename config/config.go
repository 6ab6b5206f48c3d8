package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/leadalloc/core/allocation"
	"github.com/kilianp07/leadalloc/core/geo"
	"github.com/kilianp07/leadalloc/core/kpi"
	"github.com/kilianp07/leadalloc/core/metrics"
	"github.com/kilianp07/leadalloc/core/model"
	"github.com/kilianp07/leadalloc/infra/mqtt"
	"github.com/kilianp07/leadalloc/infra/redis"
	"github.com/kilianp07/leadalloc/infra/webhook"
)

// EnvPrefix prefixes environment overrides. Sections are separated by a
// double underscore: LEADALLOC_HTTP__TOKEN sets http.token.
const EnvPrefix = "LEADALLOC_"

type Config struct {
	Allocation      allocation.Config         `json:"allocation"`
	LoadBalancing   model.LoadBalancingConfig `json:"load_balancing"`
	Balancer        BalancerConfig            `json:"balancer"`
	KPI             kpi.Config                `json:"kpi"`
	Zones           []geo.Zone                `json:"zones"`
	RulesPath       string                    `json:"rules_path"`
	ContractorsPath string                    `json:"contractors_path"`
	Audit           AuditConfig               `json:"audit"`
	Analytics       AnalyticsConfig           `json:"analytics"`
	Metrics         metrics.Config            `json:"metrics"`
	MQTT            mqtt.Config               `json:"mqtt"`
	Webhook         webhook.Config            `json:"webhook"`
	Redis           redis.Config              `json:"redis"`
	Sentry          SentryConfig              `json:"sentry"`
	HTTP            HTTPConfig                `json:"http"`
	Logging         LoggingConfig             `json:"logging"`
}

// Default returns a configuration with every section defaulted.
func Default() *Config {
	cfg := &Config{
		Allocation:    allocation.DefaultConfig(),
		LoadBalancing: model.DefaultLoadBalancingConfig(),
		KPI:           kpi.DefaultConfig(),
	}
	cfg.SetDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	// Decoding over the defaults keeps stock values for omitted keys,
	// including booleans that default to true.
	cfg := &Config{
		Allocation:    allocation.DefaultConfig(),
		LoadBalancing: model.DefaultLoadBalancingConfig(),
		KPI:           kpi.DefaultConfig(),
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.Allocation.SetDefaults()
	c.LoadBalancing.SetDefaults()
	c.Balancer.SetDefaults()
	c.KPI.SetDefaults()
	c.Audit.SetDefaults()
	c.Analytics.SetDefaults()
	c.HTTP.SetDefaults()
	c.Logging.SetDefaults()
	if c.MQTT.Broker != "" {
		c.MQTT.SetDefaults()
	}
	if c.Webhook.Enabled() {
		c.Webhook.SetDefaults()
	}
	if c.Redis.URL != "" {
		c.Redis.SetDefaults()
	}
}

// Validate checks every section. Optional transports are only validated
// when configured.
func (c *Config) Validate() error {
	var errs []error
	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}
	check("allocation", c.Allocation.Validate())
	check("load_balancing", c.LoadBalancing.Validate())
	check("balancer", c.Balancer.Validate())
	check("kpi", validateKPI(c.KPI))
	check("zones", validateZones(c.Zones))
	check("audit", c.Audit.Validate())
	check("analytics", c.Analytics.Validate())
	check("http", c.HTTP.Validate())
	check("logging", c.Logging.Validate())
	if c.MQTT.Broker != "" {
		check("mqtt", c.MQTT.Validate())
	}
	if c.Webhook.Enabled() {
		check("webhook", c.Webhook.Validate())
	}
	if c.Redis.URL != "" {
		check("redis", c.Redis.Validate())
	}
	if c.Balancer.CooldownBackend == "redis" && c.Redis.URL == "" {
		check("balancer", errors.New("cooldown_backend redis requires redis.url"))
	}
	return errors.Join(errs...)
}

func validateKPI(c kpi.Config) error {
	total := 0.0
	for m, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %s must not be negative", m)
		}
		total += w
	}
	if total <= 0 {
		return errors.New("weights must sum to a positive value")
	}
	for m, b := range c.Benchmarks {
		if b.Target <= 0 {
			return fmt.Errorf("benchmark for %s must be positive", m)
		}
	}
	return nil
}

func validateZones(zones []geo.Zone) error {
	seen := make(map[string]bool, len(zones))
	for _, z := range zones {
		if z.ID == "" {
			return errors.New("zone id is required")
		}
		if z.ID == geo.DefaultZone {
			return fmt.Errorf("zone id %q is reserved", z.ID)
		}
		if seen[z.ID] {
			return fmt.Errorf("duplicate zone %q", z.ID)
		}
		seen[z.ID] = true
		if len(z.Polygon) < 3 {
			return fmt.Errorf("zone %q needs at least 3 points", z.ID)
		}
	}
	return nil
}
