package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	loader := NewLoader(LoaderOptions{})
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  port: 9191
scheduler:
  max_concurrent: 2
  model:
    provider: openai
    model: gpt-4o-mini
    api_key: test-key
logging:
  level: debug
roles:
  - id: analyst
    system_prompt: You analyze things.
`)

	cfg, err := NewLoader(LoaderOptions{Path: path}).Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Gateway.Port)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, "gpt-4o-mini", cfg.Scheduler.Model.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Roles, 1)
	assert.Equal(t, "analyst", cfg.Roles[0].ID)
	// Untouched sections keep their defaults.
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "gateway:\n  port: 9191\n")
	t.Setenv("STRAND_GATEWAY_PORT", "7070")

	cfg, err := NewLoader(LoaderOptions{Path: path}).Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Gateway.Port)
}

func TestEnvVarExpansionInFile(t *testing.T) {
	t.Setenv("TEST_MODEL_KEY", "sk-expanded")
	path := writeConfigFile(t, `
scheduler:
  model:
    provider: openai
    model: gpt-4o-mini
    api_key: ${TEST_MODEL_KEY}
database:
  dsn: ${TEST_MISSING_DSN:-fallback.db}
`)

	cfg, err := NewLoader(LoaderOptions{Path: path}).Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-expanded", cfg.Scheduler.Model.APIKey)
	assert.Equal(t, "fallback.db", cfg.Database.DSN)
}

func TestDuplicateRoleIDsRejected(t *testing.T) {
	path := writeConfigFile(t, `
roles:
  - id: analyst
    system_prompt: a
  - id: analyst
    system_prompt: b
`)

	_, err := NewLoader(LoaderOptions{Path: path}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate role id")
}

func TestMissingFileFails(t *testing.T) {
	_, err := NewLoader(LoaderOptions{Path: filepath.Join(t.TempDir(), "nope.yaml")}).Load()
	require.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, "gateway:\n  port: 9191\n")

	reloaded := make(chan *Config, 1)
	loader := NewLoader(LoaderOptions{
		Path: path,
		OnChange: func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		},
	})
	require.NoError(t, loader.Watch())
	t.Cleanup(func() { loader.Close() })

	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  port: 9292\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9292, cfg.Gateway.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload did not fire")
	}
}

func TestInvalidReloadIsDropped(t *testing.T) {
	path := writeConfigFile(t, "gateway:\n  port: 9191\n")

	reloaded := make(chan *Config, 1)
	loader := NewLoader(LoaderOptions{
		Path:     path,
		OnChange: func(cfg *Config) { reloaded <- cfg },
	})
	require.NoError(t, loader.Watch())
	t.Cleanup(func() { loader.Close() })

	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  port: -5\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid config must not reach OnChange")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestDumpRoundTrips(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	raw, err := Dump(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "gateway:")
	assert.Contains(t, string(raw), "scheduler:")
}
