package dlp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	detector := MustDefault()

	out := detector.Redact(`insert patient jane@x.com 5551234567 dob 1990-03-04: duplicate key`)
	assert.NotContains(t, out, "jane@x.com")
	assert.NotContains(t, out, "5551234567")
	assert.NotContains(t, out, "1990-03-04")
	assert.Contains(t, out, "duplicate key")

	var nilDetector *Detector
	assert.Equal(t, "a@b.co", nilDetector.Redact("a@b.co"))
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: MRN\n    type: mrn\n    pattern: 'MRN\\d+'\n    mask: MRN#\n    enabled: true\n"), 0o600))

	cfg, err := LoadRules(path)
	require.NoError(t, err)
	detector, err := NewDetector(cfg)
	require.NoError(t, err)
	assert.Equal(t, "chart MRN#", detector.Redact("chart MRN12345"))

	cfg, err = LoadRules("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Rules)
}
