package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: store I/O failures, queue unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a resource locked by another execution.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed delta graphs, edge constraint violations, invariant violations.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	default:
		msg = fmt.Sprintf("[%s] %s", e.Class, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewPlanningError creates a permanent error raised while planning a delta graph.
// Planning errors are surfaced to the caller before anything is mutated and are
// never retried.
func NewPlanningError(code, message string) *EngineError {
	return &EngineError{
		Class:     ErrorClassPermanent,
		Code:      code,
		Message:   message,
		Operation: "plan",
	}
}

// NewLockConflictError creates a conflict error for a resource that is already
// reserved by another execution.
func NewLockConflictError(resourceID, owner string) *EngineError {
	return NewConflictError(fmt.Sprintf("resource is already locked by %s", owner), nil).
		WithCode(ErrCodeLockConflict).
		WithResource(resourceID).
		WithDetail("lock_owner", owner)
}

// NewInvariantError creates an error for a state combination that must never occur.
func NewInvariantError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeInvariant)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithCause attaches an underlying error.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Err = err
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsPlanningError returns true if the error rejected a delta graph before execution.
// Lock conflicts count as planning errors.
func IsPlanningError(err error) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	if e.Code == ErrCodeLockConflict {
		return true
	}
	return e.Class == ErrorClassPermanent && planningCodes[e.Code]
}

// IsLockConflict returns true if the error reports an already locked resource.
func IsLockConflict(err error) bool {
	return ErrorCode(err) == ErrCodeLockConflict
}

// IsInvariantViolation returns true if the error reports an impossible state.
func IsInvariantViolation(err error) bool {
	return ErrorCode(err) == ErrCodeInvariant
}

func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrorCode returns the code of the first EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeStore            = "STORE_ERROR"
)

// Planning error codes.
const (
	ErrCodeIDMismatch    = "ID_MISMATCH"
	ErrCodeConnectivity  = "CONNECTIVITY"
	ErrCodeCardinality   = "CARDINALITY"
	ErrCodeEdgeType      = "EDGE_TYPE"
	ErrCodeMissingParent = "MISSING_PARENT"
	ErrCodeMissingChild  = "MISSING_CHILD"
	ErrCodeTypeChange    = "TYPE_CHANGE"
	ErrCodeStaleID       = "STALE_ID"
	ErrCodeCycle         = "CYCLE"
	ErrCodeProcess       = "INVALID_PROCESS"
	ErrCodeLockConflict  = "LOCK_CONFLICT"
	ErrCodeInvariant     = "INVARIANT_VIOLATION"
)

var planningCodes = map[string]bool{
	ErrCodeValidation:    true,
	ErrCodeNotFound:      true,
	ErrCodeIDMismatch:    true,
	ErrCodeConnectivity:  true,
	ErrCodeCardinality:   true,
	ErrCodeEdgeType:      true,
	ErrCodeMissingParent: true,
	ErrCodeMissingChild:  true,
	ErrCodeTypeChange:    true,
	ErrCodeStaleID:       true,
	ErrCodeCycle:         true,
	ErrCodeProcess:       true,
}
