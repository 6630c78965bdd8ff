package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a control-plane error.
type ErrorType string

const (
	// ErrorTypeConfiguration is fatal at trigger time: unresolved source,
	// missing credential, unknown provider kind.
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeStageFailure means a stage action failed and halted its run.
	ErrorTypeStageFailure ErrorType = "stage_failure"

	// ErrorTypeInvalidTransition means a signal does not apply to the run's
	// current state (e.g. approving a run that is not awaiting approval).
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"

	// ErrorTypeNotFound indicates a run or artifact was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInvalidRequest indicates a malformed inbound payload.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeDelivery indicates a downstream delivery (comment post,
	// notification send) failed.
	ErrorTypeDelivery ErrorType = "delivery"
)

// ErrRunNotFound is returned by run stores and the machine for unknown ids.
var ErrRunNotFound = &Error{Type: ErrorTypeNotFound, Message: "run not found"}

// ErrArtifactNotFound is returned by artifact stores for missing keys.
var ErrArtifactNotFound = &Error{Type: ErrorTypeNotFound, Message: "artifact not found"}

// Error is the canonical error type of the control plane.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	RunID   string    `json:"run_id,omitempty"`
	Stage   StageName `json:"stage,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage %s): %s", e.Type, e.Stage, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on type and message so sentinel values like ErrRunNotFound can
// be compared with errors.Is after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && (t.Message == "" || e.Message == t.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeInvalidTransition:
		return http.StatusConflict
	case ErrorTypeConfiguration:
		return http.StatusUnprocessableEntity
	case ErrorTypeDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewStageError creates a stage failure error for the given run and stage.
func NewStageError(runID string, stage StageName, cause error) *Error {
	return &Error{Type: ErrorTypeStageFailure, Message: "stage failed", RunID: runID, Stage: stage, Err: cause}
}

// NewTransitionError creates an invalid transition error.
func NewTransitionError(runID string, format string, args ...any) *Error {
	return &Error{Type: ErrorTypeInvalidTransition, Message: fmt.Sprintf(format, args...), RunID: runID}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// NewDeliveryError wraps a downstream delivery failure.
func NewDeliveryError(target string, cause error) *Error {
	return &Error{Type: ErrorTypeDelivery, Message: "delivery to " + target + " failed", Err: cause}
}

// WithCause sets the underlying cause and returns the error for chaining.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	e, ok := AsError(err)
	return ok && e.Type == ErrorTypeConfiguration
}

// IsTransitionError reports whether err is an invalid transition error.
func IsTransitionError(err error) bool {
	e, ok := AsError(err)
	return ok && e.Type == ErrorTypeInvalidTransition
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	e, ok := AsError(err)
	return ok && e.Type == ErrorTypeNotFound
}
