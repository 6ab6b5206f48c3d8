package config

import (
	"fmt"

	"github.com/kilianp07/leadalloc/core/audit"
)

// AuditConfig defines settings for audit event storage and rotation.
type AuditConfig struct {
	// Backend selects the store type: "memory", "jsonl", "jsonl_rotating" or "sqlite".
	Backend string `json:"backend"`
	// Path is the file location of the store.
	Path string `json:"path"`
	// MaxSizeMB triggers rotation when the file exceeds this size in megabytes.
	MaxSizeMB int `json:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int `json:"max_age_days"`
	// SystemVersion is stamped on every event.
	SystemVersion string `json:"system_version"`
}

// SetDefaults applies sane defaults.
func (c *AuditConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Path == "" {
		switch c.Backend {
		case "sqlite":
			c.Path = "allocation_events.db"
		case "jsonl", "jsonl_rotating":
			c.Path = "allocation_events.jsonl"
		}
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.SystemVersion == "" {
		c.SystemVersion = "dev"
	}
}

// Validate checks mandatory fields.
func (c AuditConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "jsonl", "jsonl_rotating", "sqlite":
	default:
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// Open creates the configured store.
func (c AuditConfig) Open() (audit.Store, error) {
	switch c.Backend {
	case "memory":
		return audit.NewMemoryStore(), nil
	case "jsonl":
		return audit.NewJSONLStore(c.Path)
	case "jsonl_rotating":
		return audit.NewRotatingJSONLStore(c.Path, c.MaxSizeMB, c.MaxBackups, c.MaxAgeDays)
	case "sqlite":
		return audit.NewSQLiteStore(c.Path)
	}
	return nil, fmt.Errorf("unknown backend %s", c.Backend)
}
