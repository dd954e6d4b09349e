// Package taskerror defines the error classification used across the
// automation engine. Every failure crossing the task boundary is wrapped in
// one of these kinds so the scheduler and retry policy can act on the class
// rather than on error strings.
package taskerror

import (
	"errors"
	"fmt"
)

// Kind classifies a task failure.
type Kind string

const (
	// Transient covers network-ish failures that are expected to succeed on
	// a later attempt (timeouts, connection resets, rate limiting).
	Transient Kind = "TRANSIENT"

	// Terminal covers permanent failures: malformed input, missing
	// preconditions. Never retried regardless of policy.
	Terminal Kind = "TERMINAL"

	// Cycle marks a dependency cycle detected at campaign submission.
	Cycle Kind = "CYCLE"

	// Cancelled marks tasks aborted by an engine stop request.
	Cancelled Kind = "CANCELLED"

	// Timeout marks tasks force-failed by the campaign-level deadline.
	Timeout Kind = "TIMEOUT"
)

// Error carries a classified failure plus the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Transientf and Terminalf are shorthands for the two kinds task bodies
// report most often.
func Transientf(format string, args ...interface{}) error {
	return Newf(Transient, format, args...)
}

func Terminalf(format string, args ...interface{}) error {
	return Newf(Terminal, format, args...)
}

// KindOf returns the classification of err. Unclassified errors default to
// Transient: an unknown failure is worth one more attempt, and the retry
// policy's attempt cap bounds the damage either way.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Transient
}

// IsRetryable reports whether the retry policy is allowed to consider err at
// all. Only transient failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}

// Is lets callers match on the kind with errors.Is using kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil
}

// Sentinels for errors.Is matching, e.g.
// errors.Is(err, taskerror.ErrCancelled).
var (
	ErrTransient = &Error{Kind: Transient}
	ErrTerminal  = &Error{Kind: Terminal}
	ErrCycle     = &Error{Kind: Cycle}
	ErrCancelled = &Error{Kind: Cancelled}
	ErrTimeout   = &Error{Kind: Timeout}
)
