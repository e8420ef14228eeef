// Package errors provides centralized error definitions and error handling utilities
// for picoord. It defines the coordination error taxonomy, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures of a coordination component:
//   - CapacityError: the lease pool could not satisfy a reservation
//   - LeaseError: a caller bookkeeping bug (unknown lease, double release)
//   - OwnershipError: a task is owned by another live instance
//
// Semantic errors represent common error conditions:
//   - ValidationError: invalid input or state
//   - TimeoutError: a wait budget was exceeded
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewCapacityError("requests: need 3, have 1").WithNeeded(3, 0)
//	err := errors.NewLeaseError(errors.ErrDoubleRelease).WithLeaseID(id)
//	err := errors.NewOwnershipError("task-1", "sess-42", 42)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrCapacityExhausted) { ... }
//
//	var leaseErr *errors.LeaseError
//	if errors.As(err, &leaseErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// CapacityExhausted and QueueTimeout are retryable: the caller backs off and
// re-checks. Cancellation and ownership conflicts are terminal. Lease errors
// are critical programmer errors and must never be swallowed.
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

// Lease pool sentinel errors
var (
	// ErrCapacityExhausted indicates the pool cannot satisfy a reservation right now.
	ErrCapacityExhausted = New("capacity exhausted")
	// ErrLeaseNotFound indicates a release for a lease id the pool never issued.
	ErrLeaseNotFound = New("lease not found")
	// ErrDoubleRelease indicates a release for a lease that was already released.
	ErrDoubleRelease = New("lease already released")
)

// Scheduling sentinel errors
var (
	// ErrQueueTimeout indicates a capacity wait exceeded its budget.
	ErrQueueTimeout = New("capacity wait timed out")
	// ErrCanceled indicates that an operation was canceled by the caller.
	ErrCanceled = New("operation canceled")
)

// Ownership sentinel errors
var (
	// ErrOwnershipConflict indicates a task is owned by another live instance.
	ErrOwnershipConflict = New("task owned by another instance")
	// ErrNotOwner indicates an instance tried to release a task it does not own.
	ErrNotOwner = New("instance does not own this task")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrStateCorrupted indicates a persisted coordination document could not be parsed.
	ErrStateCorrupted = New("coordination state corrupted")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CoordError is the base interface for all picoord errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type CoordError interface {
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

// CapacityError reports that a reservation could not be satisfied.
// The Reason names the first insufficient axis, e.g. "requests: need 3, have 1".
//
// Example:
//
//	err := errors.NewCapacityError("llm: need 2, have 0")
//	fmt.Println(err) // "capacity exhausted: llm: need 2, have 0"
type CapacityError struct {
	baseError
	Reason         string
	RequestsNeeded int
	LLMNeeded      int
}

// NewCapacityError creates a new CapacityError with the given reason.
func NewCapacityError(reason string) *CapacityError {
	return &CapacityError{
		baseError: baseError{
			message:    reason,
			cause:      ErrCapacityExhausted,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Reason: reason,
	}
}

// WithNeeded records the requested unit counts.
func (e *CapacityError) WithNeeded(requests, llm int) *CapacityError {
	e.RequestsNeeded = requests
	e.LLMNeeded = llm
	return e
}

// Error returns the formatted error message.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exhausted: %s", e.Reason)
}

// Is checks if this error matches the target.
func (e *CapacityError) Is(target error) bool {
	if _, ok := target.(*CapacityError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LeaseError represents a lease bookkeeping bug in the caller: releasing a
// lease that was never issued or releasing the same lease twice. These are
// critical and never retryable.
//
// Example:
//
//	err := errors.NewLeaseError(errors.ErrDoubleRelease).WithLeaseID("3f2a...")
//	fmt.Println(err) // "lease error [lease=3f2a...]: lease already released"
type LeaseError struct {
	baseError
	LeaseID string
}

// NewLeaseError creates a new LeaseError wrapping ErrLeaseNotFound or ErrDoubleRelease.
func NewLeaseError(cause error) *LeaseError {
	return &LeaseError{
		baseError: baseError{
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: false,
		},
	}
}

// WithLeaseID adds a lease ID to the error context.
func (e *LeaseError) WithLeaseID(id string) *LeaseError {
	e.LeaseID = id
	return e
}

// Error returns the formatted error message.
func (e *LeaseError) Error() string {
	prefix := "lease error"
	if e.LeaseID != "" {
		prefix = fmt.Sprintf("lease error [lease=%s]", e.LeaseID)
	}
	if e.message != "" {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %v", prefix, e.cause)
}

// Is checks if this error matches the target.
func (e *LeaseError) Is(target error) bool {
	if _, ok := target.(*LeaseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// OwnershipError reports that a task is owned by another live instance.
// It is terminal unless the caller explicitly force-claims.
//
// Example:
//
//	err := errors.NewOwnershipError("refactor-auth", "sess-a-4121", 4121)
//	fmt.Println(err) // "ownership error [task=refactor-auth, owner=sess-a-4121, pid=4121]: task owned by another instance"
type OwnershipError struct {
	baseError
	TaskID          string
	OwnerInstanceID string
	OwnerPID        int
}

// NewOwnershipError creates a new OwnershipError.
func NewOwnershipError(taskID, ownerInstanceID string, ownerPID int) *OwnershipError {
	return &OwnershipError{
		baseError: baseError{
			cause:      ErrOwnershipConflict,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		TaskID:          taskID,
		OwnerInstanceID: ownerInstanceID,
		OwnerPID:        ownerPID,
	}
}

// WithCause replaces the underlying sentinel, e.g. with ErrNotOwner.
func (e *OwnershipError) WithCause(cause error) *OwnershipError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *OwnershipError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.OwnerInstanceID != "" {
		parts = append(parts, fmt.Sprintf("owner=%s", e.OwnerInstanceID))
	}
	if e.OwnerPID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.OwnerPID))
	}

	prefix := "ownership error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("ownership error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %v", prefix, e.cause)
}

// Is checks if this error matches the target.
func (e *OwnershipError) Is(target error) bool {
	if _, ok := target.(*OwnershipError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("unit counts must be non-negative")
//	err = err.WithField("requests").WithValue(-1)
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

// TimeoutError represents an operation that exceeded its wait budget.
// Capacity waits use it with ErrQueueTimeout as the cause.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for capacity", 20*time.Second).WithCause(errors.ErrQueueTimeout)
//	fmt.Println(err) // "timeout error: waiting for capacity (timeout: 20s): capacity wait timed out"
type TimeoutError struct {
	baseError
	Operation  string
	Duration   time.Duration
	LastReason string
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
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

// WithLastReason records why capacity was unavailable on the final check.
func (e *TimeoutError) WithLastReason(reason string) *TimeoutError {
	e.LastReason = reason
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.LastReason != "" {
		base = fmt.Sprintf("%s [last: %s]", base, e.LastReason)
	}
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
// that may succeed on retry. This checks for:
//   - Errors implementing CoordError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout, ErrQueueTimeout or ErrCapacityExhausted
//
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrCanceled) {
		return false
	}

	var coordErr CoordError
	if As(err, &coordErr) {
		return coordErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrQueueTimeout) || Is(err, ErrCapacityExhausted)
}

// IsTerminal returns true for outcomes the layer above must not retry
// automatically: cancellation, ownership conflicts and lease bookkeeping bugs.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrCanceled) || Is(err, ErrOwnershipConflict) ||
		Is(err, ErrLeaseNotFound) || Is(err, ErrDoubleRelease)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var coordErr CoordError
	if As(err, &coordErr) {
		return coordErr.IsUserFacing()
	}

	return Is(err, ErrCanceled)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CoordError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var coordErr CoordError
	if As(err, &coordErr) {
		return coordErr.Severity()
	}

	if Is(err, ErrCanceled) {
		return SeverityInfo
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to persist lease table")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to read %s", path)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
