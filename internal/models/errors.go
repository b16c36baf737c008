package models

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures so the orchestrator can decide whether to absorb or escalate them.
type Kind string

const (
	KindProviderTransient Kind = "provider_transient"
	KindProviderPermanent Kind = "provider_permanent"
	KindToolTimeout       Kind = "tool_timeout"
	KindToolExecution     Kind = "tool_execution"
	KindConfiguration     Kind = "configuration"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindCancelled         Kind = "cancelled"
	KindRunTimeout        Kind = "run_timeout"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnknownTool       = errors.New("tool not registered")
	ErrEmptyQuery        = errors.New("query is empty")
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewErrorf builds a kinded error from a format string.
func NewErrorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err. Context errors map to cancelled / run timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimitExceeded
	case errors.Is(err, context.DeadlineExceeded):
		return KindRunTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Escalates reports whether err must fail the whole run rather than a single subtask.
func Escalates(err error) bool {
	switch KindOf(err) {
	case KindProviderPermanent, KindProviderTransient, KindConfiguration, KindCancelled, KindRunTimeout:
		return true
	}
	return false
}
