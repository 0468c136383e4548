package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openfroyo/towerconf/pkg/tower"
)

// ErrorClass represents the classification of an error. Nothing in the engine
// retries; the class tells the caller whether trying again later could help.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure, such as a 5xx response
	// or a network timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the remote API rejected the call for rate
	// reasons.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a remote state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeTransport        = "TRANSPORT_ERROR"
	ErrCodePartialSetup     = "PARTIAL_SETUP"
	ErrCodeLocalIdentity    = "LOCAL_IDENTITY"
	ErrCodeAgentTimeout     = "AGENT_TIMEOUT"
	ErrCodeAgentFailed      = "AGENT_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeCancelled        = "CANCELLED"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	Operation string     `json:"operation,omitempty"`

	// Remediation is shown to the user below the error.
	Remediation string `json:"remediation,omitempty"`

	// Compensations lists the cleanup actions taken before the error was
	// returned, in the order they ran.
	Compensations []string `json:"compensations,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
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
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
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

// WithRemediation sets the guidance printed with the error.
func (e *EngineError) WithRemediation(text string) *EngineError {
	e.Remediation = text
	return e
}

// WithCompensation records a cleanup action that ran.
func (e *EngineError) WithCompensation(action string) *EngineError {
	e.Compensations = append(e.Compensations, action)
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

// RemoteError classifies a failed remote call by status and wraps it with the
// TRANSPORT_ERROR code.
func RemoteError(op, resource string, err error) *EngineError {
	message := fmt.Sprintf("%s failed", op)
	var engErr *EngineError

	switch {
	case errors.Is(err, context.Canceled):
		engErr = NewPermanentError(message, err).WithCode(ErrCodeCancelled)
	case errors.Is(err, tower.ErrInvalidSpec):
		engErr = NewPermanentError(message, err).WithCode(ErrCodeValidation)
	case errors.Is(err, context.DeadlineExceeded):
		engErr = NewTransientError(message, err).WithCode(ErrCodeTransport)
	default:
		apiErr, ok := tower.AsAPIError(err)
		switch {
		case !ok:
			engErr = NewTransientError(message, err)
		case apiErr.Status == http.StatusTooManyRequests:
			engErr = NewThrottledError(message, err)
		case apiErr.Status == http.StatusConflict:
			engErr = NewConflictError(message, err)
		case apiErr.Status >= 500:
			engErr = NewTransientError(message, err)
		default:
			engErr = NewPermanentError(message, err)
		}
		engErr.WithCode(ErrCodeTransport)
	}
	return engErr.WithOperation(op).WithResource(resource)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return hasClass(err, ErrorClassThrottled)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// IsRetryable returns true if running the command again later may succeed.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsPartialSetup reports a compute failure after a fresh credential.
func IsPartialSetup(err error) bool { return hasCode(err, ErrCodePartialSetup) }

// IsAgentTimeout reports an agent that never connected.
func IsAgentTimeout(err error) bool { return hasCode(err, ErrCodeAgentTimeout) }

// IsLocalIdentity reports a key generation or key file failure.
func IsLocalIdentity(err error) bool { return hasCode(err, ErrCodeLocalIdentity) }

// IsValidation reports invalid input.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsTransport reports a failed remote call.
func IsTransport(err error) bool { return hasCode(err, ErrCodeTransport) }

// IsPolicyDenied reports a plan rejected by policy.
func IsPolicyDenied(err error) bool { return hasCode(err, ErrCodePolicyDenied) }

// IsCancelled reports a run stopped by its context.
func IsCancelled(err error) bool { return hasCode(err, ErrCodeCancelled) }

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// hasCode walks the whole chain so an outer error with a different code does
// not hide an inner one.
func hasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}
