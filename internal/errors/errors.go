// Package errors provides the unified error handling system for the runtime.
// Every error that crosses a component boundary is a *RuntimeError carrying a
// Kind from the taxonomy below, so transport layers can map failures to HTTP
// statuses and gRPC codes without string matching.
package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ============================================================================
// ERROR KINDS
// ============================================================================

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindNotFound           Kind = "NOT_FOUND"
	KindPermissionDenied   Kind = "PERMISSION_DENIED"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"
	KindDeadlineExceeded   Kind = "DEADLINE_EXCEEDED"
	KindFailedPrecondition Kind = "FAILED_PRECONDITION"
	KindUnavailable        Kind = "UNAVAILABLE"
	KindCanceled           Kind = "CANCELED"
	KindInternal           Kind = "INTERNAL"
)

// ============================================================================
// UNIFIED ERROR STRUCTURE
// ============================================================================

// RuntimeError is the single error type shared by all runtime components.
type RuntimeError struct {
	Kind      Kind   `json:"kind"`
	Code      string `json:"code"`    // Specific error code for programmatic handling
	Message   string `json:"message"` // Human-readable message
	Details   string `json:"details"` // Additional context information
	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Kind, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// GRPCCode maps the error kind to its gRPC status code.
func (e *RuntimeError) GRPCCode() codes.Code {
	switch e.Kind {
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindPermissionDenied:
		return codes.PermissionDenied
	case KindUnauthenticated:
		return codes.Unauthenticated
	case KindResourceExhausted:
		return codes.ResourceExhausted
	case KindDeadlineExceeded:
		return codes.DeadlineExceeded
	case KindFailedPrecondition:
		return codes.FailedPrecondition
	case KindUnavailable:
		return codes.Unavailable
	case KindCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error kind to its HTTP response status.
func (e *RuntimeError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidArgument, KindFailedPrecondition:
		return 400
	case KindUnauthenticated:
		return 401
	case KindPermissionDenied:
		return 403
	case KindNotFound:
		return 404
	case KindResourceExhausted:
		return 429
	case KindCanceled:
		return 499
	case KindDeadlineExceeded:
		return 504
	case KindUnavailable:
		return 503
	default:
		return 500
	}
}

// ============================================================================
// ERROR BUILDER
// ============================================================================

// Builder provides a fluent interface for constructing RuntimeError values.
type Builder struct {
	err *RuntimeError
}

// New creates a new error builder with the specified kind, code and message.
func New(kind Kind, code, message string) *Builder {
	return &Builder{err: &RuntimeError{Kind: kind, Code: code, Message: message}}
}

// WithDetails adds additional details to the error.
func (b *Builder) WithDetails(details string) *Builder {
	b.err.Details = details
	return b
}

// WithDetailsf adds formatted details to the error.
func (b *Builder) WithDetailsf(format string, args ...any) *Builder {
	b.err.Details = fmt.Sprintf(format, args...)
	return b
}

// WithOperation specifies the operation that failed.
func (b *Builder) WithOperation(operation string) *Builder {
	b.err.Operation = operation
	return b
}

// WithResource specifies the resource being operated on.
func (b *Builder) WithResource(resource string) *Builder {
	b.err.Resource = resource
	return b
}

// WithRetryable marks the error as retryable.
func (b *Builder) WithRetryable(retryable bool) *Builder {
	b.err.Retryable = retryable
	return b
}

// WithCause attaches the underlying cause error.
func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// Build returns the constructed RuntimeError.
func (b *Builder) Build() *RuntimeError {
	return b.err
}

// ============================================================================
// CONVENIENCE CONSTRUCTORS
// ============================================================================

// InvalidArgument creates an invalid-argument error.
func InvalidArgument(code, message string) *Builder {
	return New(KindInvalidArgument, code, message)
}

// NotFound creates a not-found error.
func NotFound(code, message string) *Builder {
	return New(KindNotFound, code, message)
}

// PermissionDenied creates a permission-denied error.
func PermissionDenied(code, message string) *Builder {
	return New(KindPermissionDenied, code, message)
}

// Unauthenticated creates an unauthenticated error.
func Unauthenticated(code, message string) *Builder {
	return New(KindUnauthenticated, code, message)
}

// ResourceExhausted creates a resource-exhausted error.
func ResourceExhausted(code, message string) *Builder {
	return New(KindResourceExhausted, code, message).WithRetryable(true)
}

// DeadlineExceeded creates a deadline-exceeded error.
func DeadlineExceeded(code, message string) *Builder {
	return New(KindDeadlineExceeded, code, message).WithRetryable(true)
}

// FailedPrecondition creates a failed-precondition error.
func FailedPrecondition(code, message string) *Builder {
	return New(KindFailedPrecondition, code, message)
}

// Unavailable creates an unavailable error.
func Unavailable(code, message string) *Builder {
	return New(KindUnavailable, code, message).WithRetryable(true)
}

// Canceled creates a canceled error.
func Canceled(code, message string) *Builder {
	return New(KindCanceled, code, message)
}

// Internal creates an internal error.
func Internal(code, message string) *Builder {
	return New(KindInternal, code, message)
}

// ============================================================================
// CLASSIFICATION HELPERS
// ============================================================================

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// IsRetryable reports whether the operation that produced err can be retried.
func IsRetryable(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// Wrap wraps err with an operation while preserving its kind and code.
// Foreign errors become KindInternal.
func Wrap(err error, operation, message string) *RuntimeError {
	if err == nil {
		return nil
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return &RuntimeError{
			Kind:      re.Kind,
			Code:      re.Code,
			Message:   message,
			Details:   re.Message,
			Operation: operation,
			Resource:  re.Resource,
			Retryable: re.Retryable,
			Cause:     err,
		}
	}
	return &RuntimeError{
		Kind:      KindInternal,
		Code:      "WRAPPED_ERROR",
		Message:   message,
		Details:   err.Error(),
		Operation: operation,
		Cause:     err,
	}
}
