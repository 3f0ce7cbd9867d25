// Package zerr defines the kernel's error taxonomy. Every error the kernel
// produces is one of these kinds so that protocol handlers can serialize a
// stable {error: string} envelope instead of leaking internal error types
// across the transport boundary.
package zerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for logging and ack serialization.
type Kind string

const (
	KindProtocol           Kind = "protocol_error"
	KindLockViolation      Kind = "lock_violation"
	KindQueueOverflow      Kind = "queue_overflow"
	KindHandlerError       Kind = "handler_error"
	KindThunkRegistration  Kind = "thunk_registration_error"
	KindAccessDenied       Kind = "access_denied"
	KindTimeout            Kind = "timeout"
	KindDestroyed          Kind = "destroyed"
)

// Error is a kernel error tagged with a Kind so callers can branch on
// classification without string matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapErr(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Protocol reports a malformed or missing field on the wire.
func Protocol(message string) error { return newErr(KindProtocol, message) }

// LockViolation reports an attempt to release a lock not held by the caller.
func LockViolation(message string) error { return newErr(KindLockViolation, message) }

// QueueOverflow reports rejected admission into a bounded queue.
func QueueOverflow(message string) error { return newErr(KindQueueOverflow, message) }

// HandlerError wraps a panic or returned error from user-supplied processAction logic.
func HandlerError(actionType, handlerName string, err error) error {
	return wrapErr(KindHandlerError, fmt.Sprintf("handler %q failed for action %q", handlerName, actionType), err)
}

// ThunkRegistration reports an ineligible thunk registration attempt.
func ThunkRegistration(message string) error { return newErr(KindThunkRegistration, message) }

// AccessDenied reports a read or dispatch touching keys outside the caller's subscription.
func AccessDenied(message string) error { return newErr(KindAccessDenied, message) }

// Timeout reports an action or update that exceeded its deadline.
func Timeout(message string) error { return newErr(KindTimeout, message) }

// Destroyed reports an operation rejected because its owner was torn down.
func Destroyed(message string) error { return newErr(KindDestroyed, message) }

// KindOf extracts the Kind of err, returning "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
