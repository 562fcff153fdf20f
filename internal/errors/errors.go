// Package errors provides centralized error definitions and error handling utilities
// for agentspace. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - LockError: errors raised while acquiring or releasing a path lock
//   - WorkspaceError: errors raised by workspace I/O (read, write, backup, snapshot)
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewLockError("release refused", errors.ErrNotHolder).
//		WithPath("tasks/plan.md").WithAgent("gemini")
//
//	if errors.Is(err, errors.ErrNotHolder) { ... }
//
//	var lockErr *errors.LockError
//	if errors.As(err, &lockErr) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
//
// Lock contention is deliberately not an error anywhere in agentspace:
// acquire operations report it as a false result so callers own their
// retry policy.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
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

// Lock-related sentinel errors
var (
	// ErrConflict indicates that the path is flagged as conflicted and
	// cannot be locked until an external actor clears it.
	ErrConflict = New("path is in conflict")
	// ErrNotHolder indicates that an agent tried to release a lock it does not hold.
	ErrNotHolder = New("agent does not hold this lock")
	// ErrIllegalTransition indicates a state change the file state machine forbids.
	ErrIllegalTransition = New("illegal state transition")
	// ErrInvalidAgent indicates an empty or malformed agent identity.
	ErrInvalidAgent = New("invalid agent identity")
)

// Workspace-related sentinel errors
var (
	// ErrPathOutsideWorkspace indicates a path that resolves outside the workspace root.
	ErrPathOutsideWorkspace = New("path escapes workspace root")
	// ErrSnapshotCorrupt indicates that a persisted snapshot could not be decoded.
	ErrSnapshotCorrupt = New("snapshot data corrupted")
	// ErrManagerClosed indicates use of a workspace manager after Close.
	ErrManagerClosed = New("workspace manager is closed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// AgentspaceError is the base interface for all agentspace errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type AgentspaceError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// LockError represents errors raised by the lock manager.
//
// Example:
//
//	err := errors.NewLockError("release refused", errors.ErrNotHolder)
//	err = err.WithPath("notes.md").WithAgent("B")
//	fmt.Println(err) // "lock error [path=notes.md, agent=B]: release refused: agent does not hold this lock"
type LockError struct {
	baseError
	Path  string
	Agent string
}

// NewLockError creates a new LockError.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithPath adds the workspace-relative path to the error context.
func (e *LockError) WithPath(path string) *LockError {
	e.Path = path
	return e
}

// WithAgent adds the agent identity to the error context.
func (e *LockError) WithAgent(agent string) *LockError {
	e.Agent = agent
	return e
}

// WithSeverity sets the error severity.
func (e *LockError) WithSeverity(s Severity) *LockError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *LockError) WithRetryable(r bool) *LockError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.Agent != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.Agent))
	}

	prefix := "lock error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("lock error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WorkspaceError represents I/O failures inside the shared workspace.
//
// Example:
//
//	err := errors.NewWorkspaceError("write failed", ioErr).WithPath("tasks/t1.md").WithOp("write")
type WorkspaceError struct {
	baseError
	Path string
	Op   string
}

// NewWorkspaceError creates a new WorkspaceError.
func NewWorkspaceError(message string, cause error) *WorkspaceError {
	return &WorkspaceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: false,
		},
	}
}

// WithPath adds the workspace-relative path to the error context.
func (e *WorkspaceError) WithPath(path string) *WorkspaceError {
	e.Path = path
	return e
}

// WithOp records the operation that failed (read, write, backup, snapshot).
func (e *WorkspaceError) WithOp(op string) *WorkspaceError {
	e.Op = op
	return e
}

// WithSeverity sets the error severity.
func (e *WorkspaceError) WithSeverity(s Severity) *WorkspaceError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *WorkspaceError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	prefix := "workspace error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("workspace error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *WorkspaceError) Is(target error) bool {
	if _, ok := target.(*WorkspaceError); ok {
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
//	err := errors.NewNotFoundError("file", "tasks/t1.md")
//	fmt.Println(err) // "file 'tasks/t1.md' not found"
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
			retryable:  false,
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

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("agent cannot be empty").WithField("agent")
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
			retryable:  false,
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

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
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
//	err := errors.NewTimeoutError("waiting for snapshot lock", 5*time.Second)
//	fmt.Println(err) // "timeout error: waiting for snapshot lock (timeout: 5s)"
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
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var asErr AgentspaceError
	if As(err, &asErr) {
		return asErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var asErr AgentspaceError
	if As(err, &asErr) {
		return asErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement AgentspaceError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var asErr AgentspaceError
	if As(err, &asErr) {
		return asErr.Severity()
	}
	return SeverityError
}
