// Package errs defines the error taxonomy shared by every component of the
// alerting core. Callers classify failures with errors.As / errors.Is rather
// than matching on message text.
package errs

import (
	"errors"
	"fmt"
)

// ErrLockTimeout is returned when a component's lock could not be acquired
// within its bounded wait. Ingestion paths fail fast instead of queueing.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ValidationError reports malformed input. The operation was rejected before
// any state changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports an operation against an unknown entity ID.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// CollaboratorError wraps a failure reported by an external collaborator
// (notification transport, action executor). It is absorbed at the call site
// and surfaced through error counters, never propagated to the caller of
// Evaluate/Execute.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s failed: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Collaborator wraps err as a CollaboratorError.
func Collaborator(name string, err error) error {
	return &CollaboratorError{Collaborator: name, Err: err}
}
