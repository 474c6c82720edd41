// Package errs defines the error kinds the runtime core distinguishes.
// Callers classify failures with errors.As against the concrete types, or
// errors.Is against the exported sentinels for kinds that carry no fields.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for kinds that need no structured payload.
var (
	// ErrNotFound indicates a workspace, session or run id is not present.
	ErrNotFound = errors.New("not found")

	// ErrCancelled indicates a run or step was aborted by an operator.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError reports malformed caller input: a bad secret name, an
// unknown step kind, a missing required field, geometry out of range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for the given field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthError reports an invalid or expired token, or an ownership mismatch.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// ConflictError reports a duplicate that survived forced cleanup, such as a
// container name collision or a secret create-only collision.
type ConflictError struct {
	Resource string
	Name     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s %q already exists", e.Resource, e.Name)
}

// ResourceError reports the container runtime refusing a CPU, memory or
// disk request.
type ResourceError struct {
	Reason string
	Err    error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resource: %s: %v", e.Reason, e.Err)
	}
	return "resource: " + e.Reason
}

func (e *ResourceError) Unwrap() error { return e.Err }

// TimeoutError reports a step exceeding its configured timeout.
type TimeoutError struct {
	Op      string
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %ds", e.Op, e.Seconds)
}

// BackendError reports a transport failure talking to the container
// runtime, the cache, or the relational store.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
