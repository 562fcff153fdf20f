package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete agentspace configuration
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot" yaml:"snapshot"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Watcher   WatcherConfig   `mapstructure:"watcher" yaml:"watcher"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// WorkspaceConfig controls the shared workspace and lock arbitration
type WorkspaceConfig struct {
	// Root is the workspace directory shared by all agents (default: ./agent_workspace)
	Root string `mapstructure:"root" yaml:"root"`
	// LockTimeoutMs is how long Read and Write wait for a lock before giving up
	LockTimeoutMs int `mapstructure:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	// PollIntervalMs is the retry interval while waiting on a contended lock
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	// HistoryLimit caps the in-memory per-file history ring
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// SnapshotConfig controls periodic persistence of workspace state
type SnapshotConfig struct {
	// IntervalSeconds between periodic snapshots (0 = only on shutdown)
	IntervalSeconds int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	// HistoryRetained is how many history entries per file survive a snapshot
	HistoryRetained int `mapstructure:"history_retained" yaml:"history_retained"`
	// AgentIdleTTLMinutes prunes agents holding nothing after this long idle (0 = never)
	AgentIdleTTLMinutes int `mapstructure:"agent_idle_ttl_minutes" yaml:"agent_idle_ttl_minutes"`
}

// AuditConfig controls audit log queries
type AuditConfig struct {
	// QueryPartitions is how many daily partitions a query scans, newest first
	QueryPartitions int `mapstructure:"query_partitions" yaml:"query_partitions"`
	// RecentLimit is the number of events reported in an agent view
	RecentLimit int `mapstructure:"recent_limit" yaml:"recent_limit"`
}

// WatcherConfig controls external change detection
type WatcherConfig struct {
	// Enabled turns the filesystem watcher on (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// DebounceMs coalesces bursts of events on one path
	DebounceMs int `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	// Ignore lists extra glob patterns, relative to the workspace root
	Ignore []string `mapstructure:"ignore" yaml:"ignore"`
}

// ServerConfig controls the HTTP surface used by agent wrappers
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:7420)
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Metrics exposes Prometheus metrics on /metrics
	Metrics bool `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the maximum log file size before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress zstd-compresses rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root:           "./agent_workspace",
			LockTimeoutMs:  5000,
			PollIntervalMs: 100,
			HistoryLimit:   50,
		},
		Snapshot: SnapshotConfig{
			IntervalSeconds:     30,
			HistoryRetained:     10,
			AgentIdleTTLMinutes: 60,
		},
		Audit: AuditConfig{
			QueryPartitions: 3,
			RecentLimit:     10,
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMs: 50,
			Ignore:     []string{},
		},
		Server: ServerConfig{
			Addr:    "127.0.0.1:7420",
			Metrics: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// LockTimeout returns the default lock wait as a time.Duration
func (c *WorkspaceConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// PollInterval returns the contended-lock retry interval as a time.Duration
func (c *WorkspaceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Interval returns the snapshot interval (0 means disabled)
func (c *SnapshotConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// AgentIdleTTL returns the idle agent TTL (0 means never prune)
func (c *SnapshotConfig) AgentIdleTTL() time.Duration {
	return time.Duration(c.AgentIdleTTLMinutes) * time.Minute
}

// Debounce returns the watcher debounce window as a time.Duration
func (c *WatcherConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Workspace defaults
	viper.SetDefault("workspace.root", defaults.Workspace.Root)
	viper.SetDefault("workspace.lock_timeout_ms", defaults.Workspace.LockTimeoutMs)
	viper.SetDefault("workspace.poll_interval_ms", defaults.Workspace.PollIntervalMs)
	viper.SetDefault("workspace.history_limit", defaults.Workspace.HistoryLimit)

	// Snapshot defaults
	viper.SetDefault("snapshot.interval_seconds", defaults.Snapshot.IntervalSeconds)
	viper.SetDefault("snapshot.history_retained", defaults.Snapshot.HistoryRetained)
	viper.SetDefault("snapshot.agent_idle_ttl_minutes", defaults.Snapshot.AgentIdleTTLMinutes)

	// Audit defaults
	viper.SetDefault("audit.query_partitions", defaults.Audit.QueryPartitions)
	viper.SetDefault("audit.recent_limit", defaults.Audit.RecentLimit)

	// Watcher defaults
	viper.SetDefault("watcher.enabled", defaults.Watcher.Enabled)
	viper.SetDefault("watcher.debounce_ms", defaults.Watcher.DebounceMs)
	viper.SetDefault("watcher.ignore", defaults.Watcher.Ignore)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.metrics", defaults.Server.Metrics)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentspace")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentspace"
	}
	return filepath.Join(home, ".config", "agentspace")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
