// Package errors provides the error taxonomy shared by every Conductor
// component: domain errors for agent invocation, persistence and claim
// races, semantic errors for validation and lookups, and classification
// helpers used to decide whether a failure is retried, surfaced or fatal.
//
// # Error Types
//
// Domain errors:
//   - AgentInvocationError: a planner, coder, tester or security agent call failed
//   - PersistenceError: the project state could not be written or read
//   - ConcurrencyViolation: two workers held the same story (internal bug)
//
// Semantic errors:
//   - ValidationError: invalid input or state, rejected before any mutation
//   - NotFoundError: resource not found
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewAgentInvocationError("coder run failed", cause).
//		WithRole("coder").WithStoryID("story-1").WithAttempt(2)
//
//	if errors.IsRetryable(err) { ... }
//
//	var perr *errors.PersistenceError
//	if errors.As(err, &perr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Workflow sentinel errors
var (
	// ErrProjectNotFound indicates that no orchestrator or persisted state exists for a project.
	ErrProjectNotFound = New("project not found")
	// ErrAlreadyRunning indicates that an orchestrator is already active for a project.
	ErrAlreadyRunning = New("orchestrator already running")
	// ErrNotRunning indicates that the orchestrator is not in a state that accepts the request.
	ErrNotRunning = New("orchestrator not running")
	// ErrInvalidTransition indicates a lifecycle or story status transition that is not allowed.
	ErrInvalidTransition = New("invalid transition")
	// ErrPlanEmpty indicates that planning produced no stories.
	ErrPlanEmpty = New("plan contains no stories")
)

// Agent sentinel errors
var (
	// ErrMalformedOutput indicates that an agent reply lacked the expected structured block.
	ErrMalformedOutput = New("malformed agent output")
	// ErrAgentFailed indicates that the agent reported a failure of its own.
	ErrAgentFailed = New("agent reported failure")
)

// Persistence sentinel errors
var (
	// ErrStateCorrupted indicates that a persisted snapshot could not be decoded.
	ErrStateCorrupted = New("project state corrupted")
	// ErrStoreLocked indicates that another process holds the project write lock.
	ErrStoreLocked = New("project store is locked")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// ConductorError is the interface implemented by every error type in this package.
type ConductorError interface {
	error

	Unwrap() error
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable reports whether the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing reports whether the message is safe to show to end users.
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "prefix [k=v, ...]: message: cause".
func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// AgentInvocationError represents a failed agent call: a timeout, a tool
// failure, or a reply whose structured output could not be parsed. These are
// retried per story up to the configured budget.
//
// Example:
//
//	err := errors.NewAgentInvocationError("coder run failed", errors.ErrMalformedOutput)
//	err = err.WithRole("coder").WithStoryID("story-1").WithAttempt(2)
//	fmt.Println(err) // "agent error [role=coder, story=story-1, attempt=2]: coder run failed: malformed agent output"
type AgentInvocationError struct {
	baseError
	Role    string
	StoryID string
	Attempt int
	Output  string // Trailing agent output captured for diagnosis
}

// NewAgentInvocationError creates a new AgentInvocationError.
func NewAgentInvocationError(message string, cause error) *AgentInvocationError {
	return &AgentInvocationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithRole adds the agent role to the error context.
func (e *AgentInvocationError) WithRole(role string) *AgentInvocationError {
	e.Role = role
	return e
}

// WithStoryID adds a story ID to the error context.
func (e *AgentInvocationError) WithStoryID(id string) *AgentInvocationError {
	e.StoryID = id
	return e
}

// WithAttempt records which attempt failed (1-based).
func (e *AgentInvocationError) WithAttempt(n int) *AgentInvocationError {
	e.Attempt = n
	return e
}

// WithOutput attaches captured agent output.
func (e *AgentInvocationError) WithOutput(output string) *AgentInvocationError {
	e.Output = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *AgentInvocationError) WithRetryable(r bool) *AgentInvocationError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *AgentInvocationError) Error() string {
	var parts []string
	if e.Role != "" {
		parts = append(parts, fmt.Sprintf("role=%s", e.Role))
	}
	if e.StoryID != "" {
		parts = append(parts, fmt.Sprintf("story=%s", e.StoryID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("agent error", parts)
}

// Is checks if this error matches the target.
func (e *AgentInvocationError) Is(target error) bool {
	if _, ok := target.(*AgentInvocationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PersistenceError represents a failed read or write of durable project
// state. The orchestrator retries a failed write once; a second failure is
// fatal for the run.
type PersistenceError struct {
	baseError
	Operation string
	Path      string
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(message string, cause error) *PersistenceError {
	return &PersistenceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithOperation names the store operation that failed.
func (e *PersistenceError) WithOperation(op string) *PersistenceError {
	e.Operation = op
	return e
}

// WithPath adds the file path involved.
func (e *PersistenceError) WithPath(path string) *PersistenceError {
	e.Path = path
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *PersistenceError) WithRetryable(r bool) *PersistenceError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *PersistenceError) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Operation))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("persistence error", parts)
}

// Is checks if this error matches the target.
func (e *PersistenceError) Is(target error) bool {
	if _, ok := target.(*PersistenceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConcurrencyViolation reports that a story was held by two workers at
// once. Claims are structurally exclusive, so this is an internal bug and
// never retried.
type ConcurrencyViolation struct {
	baseError
	StoryID string
	Holders []string
}

// NewConcurrencyViolation creates a new ConcurrencyViolation.
func NewConcurrencyViolation(storyID string, holders ...string) *ConcurrencyViolation {
	return &ConcurrencyViolation{
		baseError: baseError{
			message:    "story claimed by more than one worker",
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: false,
		},
		StoryID: storyID,
		Holders: holders,
	}
}

// Error returns the formatted error message.
func (e *ConcurrencyViolation) Error() string {
	parts := []string{fmt.Sprintf("story=%s", e.StoryID)}
	if len(e.Holders) > 0 {
		parts = append(parts, fmt.Sprintf("holders=%s", strings.Join(e.Holders, "|")))
	}
	return e.format("concurrency violation", parts)
}

// Is checks if this error matches the target.
func (e *ConcurrencyViolation) Is(target error) bool {
	if _, ok := target.(*ConcurrencyViolation); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("project", "shop-api")
//	fmt.Println(err) // "project 'shop-api' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state. Validation happens
// before any mutation, so a ValidationError never leaves partial state behind.
//
// Example:
//
//	err := errors.NewValidationError("requirements cannot be empty").WithField("requirements")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("coder invocation", 20*time.Minute)
//	fmt.Println(err) // "timeout error: coder invocation (timeout: 20m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether a failed operation may be tried again. Fatal
// errors never are; errors from this package say so themselves; anything
// else, such as a crashed agent process, is assumed transient.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var ce ConductorError
	if As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var ce ConductorError
	if As(err, &ce) {
		return ce.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ConductorError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var ce ConductorError
	if As(err, &ce) {
		return ce.Severity()
	}
	return SeverityError
}

// IsFatal reports whether err must end the workflow: persistence failures
// that survived their retry and concurrency violations.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var cv *ConcurrencyViolation
	if As(err, &cv) {
		return true
	}
	var pe *PersistenceError
	return As(err, &pe) && !pe.IsRetryable()
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
