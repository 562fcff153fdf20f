package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "workspace.lock_timeout_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateWorkspace()...)
	errors = append(errors, c.validateSnapshot()...)
	errors = append(errors, c.validateAudit()...)
	errors = append(errors, c.validateWatcher()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateWorkspace() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Workspace.Root) == "" {
		errors = append(errors, ValidationError{
			Field:   "workspace.root",
			Value:   c.Workspace.Root,
			Message: "must not be empty",
		})
	}

	if c.Workspace.LockTimeoutMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "workspace.lock_timeout_ms",
			Value:   c.Workspace.LockTimeoutMs,
			Message: "must be non-negative",
		})
	}

	// Polling faster than 1ms only burns CPU; slower than 10s makes timeouts meaningless
	if c.Workspace.PollIntervalMs < 1 || c.Workspace.PollIntervalMs > 10000 {
		errors = append(errors, ValidationError{
			Field:   "workspace.poll_interval_ms",
			Value:   c.Workspace.PollIntervalMs,
			Message: "must be between 1 and 10000",
		})
	}

	if c.Workspace.HistoryLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "workspace.history_limit",
			Value:   c.Workspace.HistoryLimit,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateSnapshot() []ValidationError {
	var errors []ValidationError

	if c.Snapshot.IntervalSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "snapshot.interval_seconds",
			Value:   c.Snapshot.IntervalSeconds,
			Message: "must be non-negative",
		})
	}

	if c.Snapshot.HistoryRetained < 0 {
		errors = append(errors, ValidationError{
			Field:   "snapshot.history_retained",
			Value:   c.Snapshot.HistoryRetained,
			Message: "must be non-negative",
		})
	}

	if c.Snapshot.HistoryRetained > c.Workspace.HistoryLimit {
		errors = append(errors, ValidationError{
			Field:   "snapshot.history_retained",
			Value:   c.Snapshot.HistoryRetained,
			Message: fmt.Sprintf("must not exceed workspace.history_limit (%d)", c.Workspace.HistoryLimit),
		})
	}

	if c.Snapshot.AgentIdleTTLMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "snapshot.agent_idle_ttl_minutes",
			Value:   c.Snapshot.AgentIdleTTLMinutes,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateAudit() []ValidationError {
	var errors []ValidationError

	if c.Audit.QueryPartitions < 1 {
		errors = append(errors, ValidationError{
			Field:   "audit.query_partitions",
			Value:   c.Audit.QueryPartitions,
			Message: "must be at least 1",
		})
	}

	if c.Audit.RecentLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "audit.recent_limit",
			Value:   c.Audit.RecentLimit,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateWatcher() []ValidationError {
	var errors []ValidationError

	if c.Watcher.DebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "watcher.debounce_ms",
			Value:   c.Watcher.DebounceMs,
			Message: "must be non-negative",
		})
	}

	for i, pattern := range c.Watcher.Ignore {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("watcher.ignore[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	} else if !strings.Contains(c.Server.Addr, ":") {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be in host:port form",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
