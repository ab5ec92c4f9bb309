package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when a scope already runs a unit of work.
	ErrBusy = errors.New("scope is busy")
	// ErrUnknownBackend is returned when no adapter is registered under a name.
	ErrUnknownBackend = errors.New("unknown backend")
)

// FailureClass classifies a backend failure for the retry and fallback policy.
type FailureClass string

const (
	// FailureDecode is malformed or truncated streamed output.
	FailureDecode FailureClass = "decode"
	// FailureConnection is a dropped or refused connection.
	FailureConnection FailureClass = "connection"
	// FailureTimeout is an exceeded operation deadline.
	FailureTimeout FailureClass = "timeout"
	// FailureAggregate is a grouped failure from concurrent sub-operations.
	FailureAggregate FailureClass = "aggregate"
	// FailureInvalidArgument is a request the backend cannot accept.
	FailureInvalidArgument FailureClass = "invalid_argument"
	// FailurePermission is an authorization failure or a denied tool use.
	FailurePermission FailureClass = "permission"
	// FailureValidation is input rejected by validation.
	FailureValidation FailureClass = "validation"
	// FailureSessionNotFound is a resume token the backend does not know.
	FailureSessionNotFound FailureClass = "session_not_found"
	// FailureCancelled is a cooperative cancellation.
	FailureCancelled FailureClass = "cancelled"
	// FailureProcess is any other backend failure, e.g. a non-zero exit.
	FailureProcess FailureClass = "process"
)

// Retryable reports whether a failure of this class qualifies for fallback.
func (c FailureClass) Retryable() bool {
	switch c {
	case FailureDecode, FailureConnection, FailureTimeout, FailureAggregate:
		return true
	default:
		return false
	}
}

// BackendError is a classified failure raised by an adapter.
type BackendError struct {
	Class   FailureClass `json:"class"`
	Backend string       `json:"backend,omitempty"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// NewBackendError creates a classified backend failure.
func NewBackendError(class FailureClass, backend, message string, err error) *BackendError {
	return &BackendError{Class: class, Backend: backend, Message: message, Err: err}
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	prefix := string(e.Class)
	if e.Backend != "" {
		prefix = e.Backend + "/" + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error { return e.Err }

// Is matches another BackendError of the same class.
func (e *BackendError) Is(target error) bool {
	t, ok := target.(*BackendError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// Classify maps any error to a FailureClass. Errors that carry no
// classification are treated as FailureProcess.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}

	if multi, ok := err.(interface{ Unwrap() []error }); ok && len(multi.Unwrap()) > 1 {
		return FailureAggregate
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureDecode
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureConnection
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return FailureConnection
	}

	return FailureProcess
}

// ErrorKind is the category of a failed dispatch as seen by frontends.
type ErrorKind string

const (
	// KindRetryableExhausted means transport failures persisted after fallback
	// (or fallback was not allowed). Frontends suggest trying again.
	KindRetryableExhausted ErrorKind = "retryable_exhausted"
	// KindFatalInput means the request itself was rejected.
	KindFatalInput ErrorKind = "fatal_input"
	// KindFatalApproval means a permission was denied or expired.
	KindFatalApproval ErrorKind = "fatal_approval"
	// KindBusy means the scope already runs a unit of work.
	KindBusy ErrorKind = "busy"
	// KindCancelled means the user cancelled the unit of work.
	KindCancelled ErrorKind = "cancelled"
	// KindBackendFailure is any other backend failure.
	KindBackendFailure ErrorKind = "backend_failure"
)

// DispatchError is the single typed error returned by the dispatch boundary.
type DispatchError struct {
	Kind    ErrorKind    `json:"kind"`
	Class   FailureClass `json:"class,omitempty"`
	Backend string       `json:"backend,omitempty"`
	// Attempts counts adapter invocations, including fallback.
	Attempts int    `json:"attempts"`
	Message  string `json:"message"`
	Err      error  `json:"-"`
	// Result is set when the backend succeeded but recording the session
	// failed afterwards.
	Result *Result `json:"-"`
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error { return e.Err }

// Is matches another DispatchError of the same kind, or ErrBusy for busy errors.
func (e *DispatchError) Is(target error) bool {
	if target == ErrBusy {
		return e.Kind == KindBusy
	}
	t, ok := target.(*DispatchError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindFor maps a failure class to the dispatch error kind.
func KindFor(class FailureClass) ErrorKind {
	switch {
	case class.Retryable():
		return KindRetryableExhausted
	case class == FailureInvalidArgument || class == FailureValidation:
		return KindFatalInput
	case class == FailurePermission:
		return KindFatalApproval
	case class == FailureCancelled:
		return KindCancelled
	default:
		return KindBackendFailure
	}
}

// AsDispatchError extracts a DispatchError from err.
func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
