package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Service.Addr)
	assert.Equal(t, "/v0", cfg.Service.BasePath)
	assert.Equal(t, config.PolicyPermissive, cfg.Lifecycle.TransitionPolicy)
	assert.Equal(t, 3, cfg.Lifecycle.MaxRetries)
	assert.Contains(t, cfg.Categories, "PLUMBING")
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := config.FromYAML([]byte("lifecycle:\n  transition_policy: strict\n"))
	require.NoError(t, err)
	assert.Equal(t, config.PolicyStrict, cfg.Lifecycle.TransitionPolicy)
	assert.Equal(t, 3, cfg.Lifecycle.MaxRetries)
	assert.Equal(t, "127.0.0.1:8080", cfg.Service.Addr)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"policy":    "lifecycle:\n  transition_policy: lenient\n",
		"retries":   "lifecycle:\n  max_retries: -1\n",
		"duplicate": "categories: [HVAC, HVAC]\n",
		"format":    "log:\n  format: xml\n",
		"base path": "service:\n  base_path: v0\n",
		"yaml":      "service: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestKnownCategory(t *testing.T) {
	cfg := config.Default()
	assert.True(t, cfg.KnownCategory("HVAC"))
	assert.False(t, cfg.KnownCategory("ROOFING"))
	assert.False(t, cfg.KnownCategory(""))

	cfg.Categories = nil
	assert.True(t, cfg.KnownCategory("ROOFING"))
	assert.False(t, cfg.KnownCategory(""))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Error(t, err)

	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
