package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/leadalloc/core/model"
)

// LoadContractors reads the contractor seed file, a document with a
// top-level "contractors" list in YAML or JSON.
func LoadContractors(path string) ([]model.Contractor, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported contractors format: %s", path)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("load contractors: %w", err)
	}
	var out []model.Contractor
	if err := k.UnmarshalWithConf("contractors", &out, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode contractors: %w", err)
	}
	seen := make(map[string]bool, len(out))
	for i, c := range out {
		if c.ID == "" {
			return nil, fmt.Errorf("contractor %d: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("contractor %s: duplicate id", c.ID)
		}
		seen[c.ID] = true
	}
	return out, nil
}
