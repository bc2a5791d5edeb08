// Package apierrors defines the typed error surface of the client library.
//
// Every failure an invocation can produce carries a Kind so callers can
// branch on the failure class programmatically instead of matching strings.
package apierrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Kind is the category of a failure.
type Kind string

const (
	KindConfig            Kind = "CONFIG"
	KindRegistry          Kind = "REGISTRY"
	KindSchema            Kind = "SCHEMA"
	KindValidation        Kind = "VALIDATION"
	KindRequest           Kind = "REQUEST"
	KindTransport         Kind = "TRANSPORT"
	KindTimeout           Kind = "TIMEOUT"
	KindMalformedResponse Kind = "MALFORMED_RESPONSE"
	KindMediaConversion   Kind = "MEDIA_CONVERSION"
	KindUnsupportedMedia  Kind = "UNSUPPORTED_MEDIA"
	KindCancelled         Kind = "CANCELLED"
)

// APIError is the error type returned by every component of the library.
type APIError struct {
	Kind    Kind
	Message string
	Err     error

	// TaskID is set once the remote service has assigned a task.
	TaskID string

	// Fields lists individual violations for KindValidation errors so a
	// caller sees every problem in one round-trip.
	Fields []string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Fields, "; "))
	}
	if e.TaskID != "" {
		fmt.Fprintf(&b, " [taskId: %s]", e.TaskID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error {
	return e.Err
}

// WithTaskID returns a copy of the error annotated with the remote task id.
func (e *APIError) WithTaskID(taskID string) *APIError {
	clone := *e
	clone.TaskID = taskID
	return &clone
}

// New creates an APIError of the given kind.
func New(kind Kind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// Newf creates an APIError with a formatted message.
func Newf(kind Kind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an APIError wrapping a cause.
func Wrap(kind Kind, message string, err error) *APIError {
	return &APIError{Kind: kind, Message: message, Err: err}
}

// Validation creates a KindValidation error carrying every violation found.
func Validation(violations []string) *APIError {
	return &APIError{
		Kind:    KindValidation,
		Message: fmt.Sprintf("input validation failed with %d violation(s)", len(violations)),
		Fields:  violations,
	}
}

// KindOf returns the Kind of err, or the empty Kind when err is not an
// APIError.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// LogError logs an APIError with its structured fields.
func LogError(logger zerolog.Logger, err error) {
	if err == nil {
		return
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		logger.Error().Err(err).Msg("unclassified error")
		return
	}

	event := logger.Error().Str("kind", string(apiErr.Kind))
	if apiErr.TaskID != "" {
		event = event.Str("task_id", apiErr.TaskID)
	}
	if len(apiErr.Fields) > 0 {
		event = event.Strs("fields", apiErr.Fields)
	}
	if apiErr.Err != nil {
		event = event.Err(apiErr.Err)
	}
	event.Msg(apiErr.Message)
}
