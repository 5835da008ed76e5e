// Package config provides configuration management for runwatch.
// It loads configuration from environment variables with sensible defaults,
// optionally overlaid by a YAML file pointed at by RUNWATCH_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PollingConfig holds the scheduling knobs for the run poller and the trace
// reconciler. The defaults implement the production cadence; tests lower
// them freely.
type PollingConfig struct {
	// NewJobInterval is the poll delay while a job was created recently
	NewJobInterval time.Duration `yaml:"new_job_interval"`

	// DebounceThreshold is the minimum spacing between two fetch attempts
	DebounceThreshold time.Duration `yaml:"debounce_threshold"`

	// ActiveInterval is the poll delay while any run is active
	ActiveInterval time.Duration `yaml:"active_interval"`

	// IdleBackoff is the delay ladder used when no run is active
	IdleBackoff []time.Duration `yaml:"idle_backoff"`

	// NewJobWindow is how long after creation a job counts as "new"
	NewJobWindow time.Duration `yaml:"new_job_window"`

	// TraceInterval is the trace fetch cadence while a job is bound
	TraceInterval time.Duration `yaml:"trace_interval"`

	// FetchLimit is the page size for run listing
	FetchLimit int `yaml:"fetch_limit"`
}

// SessionConfig holds the session controller timing knobs.
type SessionConfig struct {
	// SafetyTimeout force-completes a session stuck in running
	SafetyTimeout time.Duration `yaml:"safety_timeout"`

	// GraceWindow is how long task state survives after a run ends
	GraceWindow time.Duration `yaml:"grace_window"`

	// SettleDelay is the wait before fetching results on job completion
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// ServerConfig holds status server configuration.
type ServerConfig struct {
	// Enabled controls whether the HTTP status server is started
	Enabled bool `yaml:"enabled"`

	// Port is the HTTP server port
	Port int `yaml:"port"`
}

// ArchiveConfig holds message archive configuration.
type ArchiveConfig struct {
	// Enabled controls whether messages are persisted to sqlite
	Enabled bool `yaml:"enabled"`

	// Path is the sqlite database path
	Path string `yaml:"path"`
}

// Config holds all configuration for runwatch.
type Config struct {
	// JobServiceURL is the base URL of the job execution service
	JobServiceURL string `yaml:"job_service_url"`

	// GroupID is the caller's tenant scope; runs outside it are dropped
	GroupID string `yaml:"group_id"`

	// Polling holds poller and reconciler scheduling configuration
	Polling PollingConfig `yaml:"polling"`

	// Session holds session controller configuration
	Session SessionConfig `yaml:"session"`

	// Server holds status server configuration
	Server ServerConfig `yaml:"server"`

	// Archive holds message archive configuration
	Archive ArchiveConfig `yaml:"archive"`
}

// Default cadence values. These mirror the production scheduling contract
// and are the values New returns absent overrides.
const (
	DefaultNewJobInterval    = 3 * time.Second
	DefaultDebounceThreshold = 1 * time.Second
	DefaultActiveInterval    = 5 * time.Second
	DefaultNewJobWindow      = 60 * time.Second
	DefaultTraceInterval     = 2 * time.Second
	DefaultFetchLimit        = 50
	DefaultSafetyTimeout     = 5 * time.Minute
	DefaultGraceWindow       = 10 * time.Second
	DefaultSettleDelay       = 2 * time.Second
	DefaultServerPort        = 8317
	DefaultArchivePath       = "runwatch.db"
)

// DefaultIdleBackoff returns the idle poll delay ladder.
func DefaultIdleBackoff() []time.Duration {
	return []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second}
}

// New creates a new Config instance from environment variables.
func New() (*Config, error) {
	cfg := &Config{
		JobServiceURL: os.Getenv("RUNWATCH_JOB_SERVICE_URL"),
		GroupID:       os.Getenv("RUNWATCH_GROUP_ID"),
		Polling: PollingConfig{
			NewJobInterval:    DefaultNewJobInterval,
			DebounceThreshold: DefaultDebounceThreshold,
			ActiveInterval:    DefaultActiveInterval,
			IdleBackoff:       DefaultIdleBackoff(),
			NewJobWindow:      DefaultNewJobWindow,
			TraceInterval:     DefaultTraceInterval,
			FetchLimit:        DefaultFetchLimit,
		},
		Session: SessionConfig{
			SafetyTimeout: DefaultSafetyTimeout,
			GraceWindow:   DefaultGraceWindow,
			SettleDelay:   DefaultSettleDelay,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    DefaultServerPort,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    DefaultArchivePath,
		},
	}

	if v, exists := os.LookupEnv("RUNWATCH_SERVER_ENABLED"); exists {
		cfg.Server.Enabled = v == "true" || v == "1"
	}

	if portStr := os.Getenv("RUNWATCH_SERVER_PORT"); portStr != "" {
		port, err := parsePort(portStr)
		if err != nil {
			return nil, err
		}
		cfg.Server.Port = port
	}

	if v, exists := os.LookupEnv("RUNWATCH_ARCHIVE_ENABLED"); exists {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}

	if path := os.Getenv("RUNWATCH_ARCHIVE_PATH"); path != "" {
		cfg.Archive.Path = path
	}

	if limitStr := os.Getenv("RUNWATCH_FETCH_LIMIT"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid RUNWATCH_FETCH_LIMIT value: %s", limitStr)
		}
		cfg.Polling.FetchLimit = limit
	}

	if path := os.Getenv("RUNWATCH_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// overlayFile applies a YAML config file on top of the current values.
// Zero-valued fields in the file leave the existing value untouched.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if overlay.JobServiceURL != "" {
		c.JobServiceURL = overlay.JobServiceURL
	}
	if overlay.GroupID != "" {
		c.GroupID = overlay.GroupID
	}
	if overlay.Polling.NewJobInterval > 0 {
		c.Polling.NewJobInterval = overlay.Polling.NewJobInterval
	}
	if overlay.Polling.DebounceThreshold > 0 {
		c.Polling.DebounceThreshold = overlay.Polling.DebounceThreshold
	}
	if overlay.Polling.ActiveInterval > 0 {
		c.Polling.ActiveInterval = overlay.Polling.ActiveInterval
	}
	if len(overlay.Polling.IdleBackoff) > 0 {
		c.Polling.IdleBackoff = overlay.Polling.IdleBackoff
	}
	if overlay.Polling.NewJobWindow > 0 {
		c.Polling.NewJobWindow = overlay.Polling.NewJobWindow
	}
	if overlay.Polling.TraceInterval > 0 {
		c.Polling.TraceInterval = overlay.Polling.TraceInterval
	}
	if overlay.Polling.FetchLimit > 0 {
		c.Polling.FetchLimit = overlay.Polling.FetchLimit
	}
	if overlay.Session.SafetyTimeout > 0 {
		c.Session.SafetyTimeout = overlay.Session.SafetyTimeout
	}
	if overlay.Session.GraceWindow > 0 {
		c.Session.GraceWindow = overlay.Session.GraceWindow
	}
	if overlay.Session.SettleDelay > 0 {
		c.Session.SettleDelay = overlay.Session.SettleDelay
	}
	if overlay.Server.Port > 0 {
		c.Server.Port = overlay.Server.Port
	}
	if overlay.Archive.Path != "" {
		c.Archive.Path = overlay.Archive.Path
	}

	return nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Polling.DebounceThreshold <= 0 {
		return fmt.Errorf("debounce threshold must be positive")
	}
	if c.Polling.NewJobInterval < c.Polling.DebounceThreshold {
		return fmt.Errorf("new job interval %v must not be below the debounce threshold %v",
			c.Polling.NewJobInterval, c.Polling.DebounceThreshold)
	}
	if len(c.Polling.IdleBackoff) == 0 {
		return fmt.Errorf("idle backoff ladder cannot be empty")
	}
	for i := 1; i < len(c.Polling.IdleBackoff); i++ {
		if c.Polling.IdleBackoff[i] < c.Polling.IdleBackoff[i-1] {
			return fmt.Errorf("idle backoff ladder must be non-decreasing")
		}
	}
	if c.Session.SafetyTimeout <= 0 {
		return fmt.Errorf("safety timeout must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

// parsePort parses and validates a TCP port string.
func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port value: %s", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return port, nil
}
