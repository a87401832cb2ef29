// Package errors defines the typed error taxonomy (§7) shared by the session
// manager, agent resolver, and PTY backend so callers can branch on Kind
// instead of matching error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react differently
// depending on the failure category (§7).
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindGitFailure  Kind = "git_failure"
	KindIOFailure   Kind = "io_failure"
	KindAgentLaunch Kind = "agent_launch"
	KindCrash       Kind = "crash"
	KindInternal    Kind = "internal"
)

// Error is a typed error carrying a Kind plus the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind, wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindInternal if err is not a typed Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
