package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "workflow.parallel_coders")
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

	errors = append(errors, c.validateWorkflow()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func atLeast(field string, value, minimum int) []ValidationError {
	if value >= minimum {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be at least %d", minimum),
	}}
}

func oneOf(field, value string, valid []string) []ValidationError {
	if slices.Contains(valid, value) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
	}}
}

// validateWorkflow validates the WorkflowConfig
func (c *Config) validateWorkflow() []ValidationError {
	var errors []ValidationError
	w := c.Workflow

	errors = append(errors, atLeast("workflow.parallel_coders", w.ParallelCoders, 1)...)
	errors = append(errors, atLeast("workflow.parallel_testers", w.ParallelTesters, 1)...)
	errors = append(errors, atLeast("workflow.max_retries", w.MaxRetries, 0)...)
	errors = append(errors, atLeast("workflow.fix_cycles", w.FixCycles, 0)...)

	// Running more agents than this is almost certainly a typo
	const maxParallel = 32
	if w.ParallelCoders > maxParallel {
		errors = append(errors, ValidationError{
			Field:   "workflow.parallel_coders",
			Value:   w.ParallelCoders,
			Message: fmt.Sprintf("exceeds maximum of %d", maxParallel),
		})
	}

	if w.RetryBaseDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "workflow.retry_base_delay",
			Value:   w.RetryBaseDelay,
			Message: "must be non-negative",
		})
	}
	if w.RetryMaxDelay < w.RetryBaseDelay {
		errors = append(errors, ValidationError{
			Field:   "workflow.retry_max_delay",
			Value:   w.RetryMaxDelay,
			Message: "must not be less than workflow.retry_base_delay",
		})
	}

	errors = append(errors, oneOf("workflow.story_title_dedup", w.StoryTitleDedup, ValidDedupPolicies())...)
	errors = append(errors, oneOf("workflow.on_duplicate_start", w.OnDuplicateStart, ValidDuplicateStartPolicies())...)

	return errors
}

// validateAgent validates the AgentConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.ClaudePath) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.claude_path",
			Value:   c.Agent.ClaudePath,
			Message: "must not be empty",
		})
	}
	errors = append(errors, atLeast("agent.max_turns", c.Agent.MaxTurns, 1)...)
	if c.Agent.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.timeout",
			Value:   c.Agent.Timeout,
			Message: "must be positive",
		})
	}
	if c.Agent.PlanningTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.planning_timeout",
			Value:   c.Agent.PlanningTimeout,
			Message: "must be positive",
		})
	}
	return errors
}

// validateStorage validates the StorageConfig
func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	name := c.Storage.DirName
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "storage.dir_name",
			Value:   name,
			Message: "must be a single directory name",
		})
	}
	errors = append(errors, atLeast("storage.compact_threshold", c.Storage.CompactThreshold, 0)...)
	if c.Storage.SnapshotInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "storage.snapshot_interval",
			Value:   c.Storage.SnapshotInterval,
			Message: "must be positive",
		})
	}
	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}
	if c.Server.BasePath != "" && (!strings.HasPrefix(c.Server.BasePath, "/") || strings.HasSuffix(c.Server.BasePath, "/")) {
		errors = append(errors, ValidationError{
			Field:   "server.base_path",
			Value:   c.Server.BasePath,
			Message: "must start with / and not end with /",
		})
	}
	// HS256 keys shorter than the hash output weaken the signature
	const minSecretLen = 32
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < minSecretLen {
		errors = append(errors, ValidationError{
			Field:   "server.jwt_secret",
			Value:   "(redacted)",
			Message: fmt.Sprintf("must be at least %d bytes", minSecretLen),
		})
	}
	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
