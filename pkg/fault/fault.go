// Package fault is the error taxonomy shared by the review, snapshot, document and lock packages.
//
// Every error a caller can act on is a *Error carrying a Kind and structured Details
// (current status, allowed transitions, required role ...). The HTTP layer maps Kind to a status code.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindConflict          Kind = "CONFLICT"
	KindNotFound          Kind = "NOT_FOUND"
	KindCollision         Kind = "COLLISION"
	KindInternal          Kind = "INTERNAL"
)

// Error is a classified error with machine-readable details.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error   { return newf(KindValidation, format, args...) }
func Unauthorized(format string, args ...any) *Error { return newf(KindUnauthorized, format, args...) }
func Forbidden(format string, args ...any) *Error    { return newf(KindForbidden, format, args...) }
func Conflict(format string, args ...any) *Error     { return newf(KindConflict, format, args...) }
func NotFound(format string, args ...any) *Error     { return newf(KindNotFound, format, args...) }

// InvalidTransition reports a state-machine violation together with the statuses that would have been accepted.
func InvalidTransition(from, to string, allowed []string, format string, args ...any) *Error {
	e := newf(KindInvalidTransition, format, args...)
	if allowed == nil {
		allowed = []string{}
	}
	e.Details = map[string]any{
		"current_status":   from,
		"requested_status": to,
		"allowed":          allowed,
	}
	return e
}

// Collision reports that a create-only write could not find a free name.
func Collision(attempts int, err error) *Error {
	e := newf(KindCollision, "no unique name after %d attempts", attempts)
	e.Err = err
	e.Details = map[string]any{"attempts": attempts}
	return e
}

// MissingInput is the validation error raised when a calculation method lacks its prerequisites.
func MissingInput(method string, fields ...string) *Error {
	e := newf(KindValidation, "%s method requires %v", method, fields)
	e.Details = map[string]any{"method": method, "missing": fields}
	return e
}

// Wrap classifies err as kind unless it already is a *Error.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// DetailsOf returns the structured details of err, if any.
func DetailsOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Details
	}
	return nil
}
