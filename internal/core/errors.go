package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrSequenceExhausted is returned when voucher number allocation gives up
// after its bounded insert-race retries. Surfaces as 503.
var ErrSequenceExhausted = errors.New("sequence allocation retries exhausted")

// ValidationError reports malformed input or a violated business rule.
// Line is 1-based when the error concerns a specific line; 0 means the
// error is header-level. Surfaces as 400.
type ValidationError struct {
	Line int
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// Invalidf builds a header-level ValidationError.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidLinef builds a line-scoped ValidationError.
func InvalidLinef(line int, format string, args ...any) error {
	return &ValidationError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an absent entity, or one in the wrong status for the
// requested operation. Surfaces as 404.
type NotFoundError struct {
	Entity string
	Ref    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Ref)
}

// ConflictError reports a state conflict the client can resolve by reloading
// or retrying later: duplicate create, stale optimistic timestamp, in-flight
// idempotency token, actively held lock. Surfaces as 409; RetryAfter, when
// set, becomes the Retry-After response header.
type ConflictError struct {
	Msg        string
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string { return e.Msg }

// Conflictf builds a ConflictError without a retry hint.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}
