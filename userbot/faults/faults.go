// Package faults defines the error taxonomy shared by the userbot packages.
//
// Every failure that crosses a component boundary is classified into one of
// the classes below so callers can decide between retrying, discarding state,
// or reporting the problem to the user.
package faults

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures that may succeed on a later attempt:
	// network drops, flood waits, timeouts while opening a connection.
	ErrTransient = errors.New("transient connection error")
	// ErrPermanentAuth marks credentials the platform will never accept again:
	// revoked or unregistered sessions, deactivated accounts.
	ErrPermanentAuth = errors.New("permanent auth error")
	// ErrProtocolTimeout marks an interactive login step that did not answer in time.
	ErrProtocolTimeout = errors.New("protocol timeout")

	// ErrPasswordRequired is returned by code submission when the account has a second factor.
	ErrPasswordRequired = errors.New("second factor required")
	// ErrPasswordInvalid is returned when the submitted second factor is wrong.
	ErrPasswordInvalid = errors.New("invalid password")
	// ErrCodeInvalid is returned when the one-time code is wrong or expired.
	ErrCodeInvalid = errors.New("invalid or expired code")
)

// Class is the coarse category of an error.
type Class string

const (
	ClassNone       Class = ""
	ClassValidation Class = "validation"
	ClassTransient  Class = "transient"
	ClassPermanent  Class = "permanent_auth"
	ClassTaskAttach Class = "task_attach"
	ClassTimeout    Class = "protocol_timeout"
	ClassUnknown    Class = "unknown"
)

// ValidationError reports malformed user input. The flow re-prompts instead of failing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid constructs a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TaskAttachError reports a task that failed to attach to a connection.
// Only that task is skipped; the connection stays healthy.
type TaskAttachError struct {
	TaskID string
	Err    error
}

func (e *TaskAttachError) Error() string {
	return fmt.Sprintf("attach task %s: %v", e.TaskID, e.Err)
}

func (e *TaskAttachError) Unwrap() error { return e.Err }

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.class, c.err} }

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &classified{class: ErrTransient, err: err}
}

// Permanent wraps err so that errors.Is(err, ErrPermanentAuth) holds.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanentAuth) {
		return err
	}
	return &classified{class: ErrPermanentAuth, err: err}
}

// Classify maps err to its Class. Context deadlines count as protocol timeouts,
// unknown errors are reported as ClassUnknown so callers never silently drop them.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var verr *ValidationError
	var terr *TaskAttachError
	switch {
	case errors.As(err, &verr):
		return ClassValidation
	case errors.As(err, &terr):
		return ClassTaskAttach
	case errors.Is(err, ErrPermanentAuth):
		return ClassPermanent
	case errors.Is(err, ErrProtocolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrTransient):
		return ClassTransient
	}
	return ClassUnknown
}

// IsPermanent reports whether err invalidates the stored credentials.
func IsPermanent(err error) bool { return Classify(err) == ClassPermanent }

// IsTransient reports whether err is worth retrying later. Timeouts and
// unclassified transport errors are treated as transient for connection opens.
func IsTransient(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassTimeout, ClassUnknown:
		return true
	}
	return false
}
