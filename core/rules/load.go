package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/leadalloc/core/model"
)

type file struct {
	Rules []model.AllocationRule `yaml:"rules"`
}

// Load reads and validates a YAML rule file.
func Load(path string) ([]model.AllocationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule document and validates it. Unknown fields are
// rejected so typos do not silently disable a rule.
func Parse(data []byte) ([]model.AllocationRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if err := Validate(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}
