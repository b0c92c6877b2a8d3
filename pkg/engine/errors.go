// Package engine executes ordered plays of host-targeted tasks: it resolves
// host groups, converges each task in order per host, collects handler
// notifications raised by changed tasks, and flushes each notified handler
// at most once after the play's tasks complete.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an execution failure for propagation decisions.
type ErrorKind string

const (
	// KindResolution is an unknown or invalid host group. Fatal: the run
	// aborts before any task executes.
	KindResolution ErrorKind = "resolution"

	// KindCheck means an adapter could not determine current state.
	KindCheck ErrorKind = "check"

	// KindApply means an adapter's apply step failed.
	KindApply ErrorKind = "apply"

	// KindDependency means a phase ran without its prerequisite phase
	// having completed. Fatal.
	KindDependency ErrorKind = "dependency"

	// KindTimeout means a task exceeded its per-task deadline.
	KindTimeout ErrorKind = "timeout"

	// KindValidation is a malformed play, such as a task notifying a
	// handler the play does not define. Fatal before any task executes.
	KindValidation ErrorKind = "validation"
)

// Error is a classified execution error with host and task context.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind

	// Message is the human-readable error message.
	Message string

	// Host is the target host, if applicable.
	Host string

	// Task is the task name, if applicable.
	Task string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Host != "" && e.Task != "":
		return fmt.Sprintf("[%s] %s (host=%s, task=%s)%s", e.Kind, e.Message, e.Host, e.Task, e.unwrapMessage())
	case e.Host != "":
		return fmt.Sprintf("[%s] %s (host=%s)%s", e.Kind, e.Message, e.Host, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is matches errors of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithHost adds host context to the error.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithTask adds task context to the error.
func (e *Error) WithTask(task string) *Error {
	e.Task = task
	return e
}

// NewResolutionError creates an unknown-group error.
func NewResolutionError(message string, err error) *Error {
	return &Error{Kind: KindResolution, Message: message, Err: err}
}

// NewCheckError creates a state-determination error.
func NewCheckError(message string, err error) *Error {
	return &Error{Kind: KindCheck, Message: message, Err: err}
}

// NewApplyError creates an apply-step error.
func NewApplyError(message string, err error) *Error {
	return &Error{Kind: KindApply, Message: message, Err: err}
}

// NewDependencyError creates an unmet-phase-dependency error.
func NewDependencyError(message string, err error) *Error {
	return &Error{Kind: KindDependency, Message: message, Err: err}
}

// NewTimeoutError creates a deadline-exceeded error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// NewValidationError creates a malformed-play error.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsResolution reports whether the error is an unknown-group failure.
func IsResolution(err error) bool { return isKind(err, KindResolution) }

// IsTimeout reports whether the error is a per-task deadline failure.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

// IsDependencyUnmet reports whether the error is an unmet phase dependency.
func IsDependencyUnmet(err error) bool { return isKind(err, KindDependency) }

// IsValidation reports whether the error is a malformed play.
func IsValidation(err error) bool { return isKind(err, KindValidation) }
