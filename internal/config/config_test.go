package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	// Defaults must match the production scheduling contract.
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Polling.NewJobInterval)
	assert.Equal(t, time.Second, cfg.Polling.DebounceThreshold)
	assert.Equal(t, 5*time.Second, cfg.Polling.ActiveInterval)
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second,
	}, cfg.Polling.IdleBackoff)
	assert.Equal(t, 2*time.Second, cfg.Polling.TraceInterval)
	assert.Equal(t, 5*time.Minute, cfg.Session.SafetyTimeout)
	assert.Equal(t, 10*time.Second, cfg.Session.GraceWindow)
	assert.Equal(t, 2*time.Second, cfg.Session.SettleDelay)
	assert.True(t, cfg.Server.Enabled)
	assert.False(t, cfg.Archive.Enabled)
}

func TestNewFromEnvironment(t *testing.T) {
	t.Run("reads tenant and service URL", func(t *testing.T) {
		t.Setenv("RUNWATCH_JOB_SERVICE_URL", "http://jobs.internal:9000")
		t.Setenv("RUNWATCH_GROUP_ID", "G1")

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, "http://jobs.internal:9000", cfg.JobServiceURL)
		assert.Equal(t, "G1", cfg.GroupID)
	})

	t.Run("reads server settings", func(t *testing.T) {
		t.Setenv("RUNWATCH_SERVER_ENABLED", "false")
		t.Setenv("RUNWATCH_SERVER_PORT", "9090")

		cfg, err := New()
		require.NoError(t, err)
		assert.False(t, cfg.Server.Enabled)
		assert.Equal(t, 9090, cfg.Server.Port)
	})

	t.Run("rejects invalid port", func(t *testing.T) {
		t.Setenv("RUNWATCH_SERVER_PORT", "not-a-port")

		_, err := New()
		assert.Error(t, err)
	})

	t.Run("rejects invalid fetch limit", func(t *testing.T) {
		t.Setenv("RUNWATCH_FETCH_LIMIT", "-5")

		_, err := New()
		assert.Error(t, err)
	})

	t.Run("reads archive settings", func(t *testing.T) {
		t.Setenv("RUNWATCH_ARCHIVE_ENABLED", "true")
		t.Setenv("RUNWATCH_ARCHIVE_PATH", "/tmp/rw.db")

		cfg, err := New()
		require.NoError(t, err)
		assert.True(t, cfg.Archive.Enabled)
		assert.Equal(t, "/tmp/rw.db", cfg.Archive.Path)
	})
}

func TestConfigFileOverlay(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "runwatch.yaml")
		content := `
job_service_url: http://jobs.example.com
group_id: G7
polling:
  trace_interval: 500ms
  fetch_limit: 10
session:
  safety_timeout: 1m
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		t.Setenv("RUNWATCH_CONFIG", path)

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, "http://jobs.example.com", cfg.JobServiceURL)
		assert.Equal(t, "G7", cfg.GroupID)
		assert.Equal(t, 500*time.Millisecond, cfg.Polling.TraceInterval)
		assert.Equal(t, 10, cfg.Polling.FetchLimit)
		assert.Equal(t, time.Minute, cfg.Session.SafetyTimeout)
		// Untouched fields keep their defaults.
		assert.Equal(t, 3*time.Second, cfg.Polling.NewJobInterval)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		t.Setenv("RUNWATCH_CONFIG", "/nonexistent/runwatch.yaml")

		_, err := New()
		assert.Error(t, err)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("polling: ["), 0644))
		t.Setenv("RUNWATCH_CONFIG", path)

		_, err := New()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Polling.DebounceThreshold = time.Second
		cfg.Polling.NewJobInterval = 3 * time.Second
		cfg.Polling.IdleBackoff = DefaultIdleBackoff()
		cfg.Session.SafetyTimeout = 5 * time.Minute
		cfg.Server.Port = 8317
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("decreasing backoff ladder fails", func(t *testing.T) {
		cfg := valid()
		cfg.Polling.IdleBackoff = []time.Duration{10 * time.Second, 5 * time.Second}
		assert.Error(t, cfg.Validate())
	})

	t.Run("new job interval below debounce fails", func(t *testing.T) {
		cfg := valid()
		cfg.Polling.NewJobInterval = 500 * time.Millisecond
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero safety timeout fails", func(t *testing.T) {
		cfg := valid()
		cfg.Session.SafetyTimeout = 0
		assert.Error(t, cfg.Validate())
	})
}
