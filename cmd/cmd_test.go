package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRulesValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(good, []byte("rules:\n  - id: a\n    enabled: true\n  - id: b\n"), 0o644))
	out, err := execute(t, "rules", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rules, 1 enabled")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules:\n  - id: a\n  - id: a\n"), 0o644))
	_, err = execute(t, "rules", "validate", bad)
	assert.ErrorContains(t, err, "duplicate")
}

func TestSimulate(t *testing.T) {
	out, err := execute(t, "simulate", "-c", filepath.Join(t.TempDir(), "none.yaml"),
		"--contractors", "4", "--leads", "12", "--seed", "9", "--drop-rate", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "simulated 12 leads")
	assert.Contains(t, out, "ctr0001")
	assert.Contains(t, out, `"analytics"`)
}
