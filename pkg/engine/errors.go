package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary provider unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates provider rate limiting or quota exhaustion.
	// Retried with a longer exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, provider rejection, readiness timeout.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with node and operation context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the resource node address that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Node != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (node=%s, operation=%s): %s",
			e.Class, e.Message, e.Node, e.Operation, e.unwrapMessage())
	}
	if e.Node != "" {
		return fmt.Sprintf("[%s] %s (node=%s): %s",
			e.Class, e.Message, e.Node, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
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

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithNode adds node context to an error.
func (e *EngineError) WithNode(addr string) *EngineError {
	e.Node = addr
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

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// ErrCode extracts the error code from an error chain, or "" if absent.
func ErrCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes for the failure modes a run can surface.
const (
	// ErrCodeCyclicDependency is raised at graph build time when the desired
	// state contains a reference cycle. Fatal before any execution.
	ErrCodeCyclicDependency = "CYCLIC_DEPENDENCY"

	// ErrCodeUnresolvedReference is raised at graph build time when an
	// attribute references a node or output that does not exist.
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"

	// ErrCodeProviderRejected is raised when the remote API refused a call,
	// or when transient retries were exhausted.
	ErrCodeProviderRejected = "PROVIDER_REJECTED"

	// ErrCodeProviderTransient classifies a timeout or rate limit before the
	// retry budget is exhausted.
	ErrCodeProviderTransient = "PROVIDER_TRANSIENT"

	// ErrCodeReadinessTimeout is raised when a resource never reported ready
	// within its polling deadline.
	ErrCodeReadinessTimeout = "READINESS_TIMEOUT"

	// ErrCodeReadinessRejected is raised when the provider reported a
	// terminal readiness failure (e.g. certificate validation denied).
	ErrCodeReadinessRejected = "READINESS_REJECTED"

	// ErrCodeStateDrift is reported when the observed remote state disagrees
	// with the stored state at plan time.
	ErrCodeStateDrift = "STATE_DRIFT"

	// ErrCodeDependencyFailed marks a node blocked by a failed predecessor.
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"

	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeCancelled  = "CANCELLED"
	ErrCodeInternal   = "INTERNAL_ERROR"
)
