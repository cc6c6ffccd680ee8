package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorKind tags a failure with how callers should react to it. REST and
// WebSocket paths share the same enumeration.
type ErrorKind string

const (
	// KindAuth covers signing and credential failures. Fatal, never retried.
	KindAuth ErrorKind = "auth"
	// KindRateLimit is a quota rejection, retried after the server-supplied
	// retry_after when present.
	KindRateLimit ErrorKind = "rate_limit"
	// KindTransient covers network and 5xx-class failures, retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindRejected means the exchange refused a well-formed request. Not retried.
	KindRejected ErrorKind = "rejected"
	// KindRisk is an intent rejected before submission.
	KindRisk ErrorKind = "risk"
	// KindProtocol marks an unexpected or duplicate event; logged, never raised.
	KindProtocol ErrorKind = "protocol"
	// KindStateStore is a persistence failure; the engine keeps running in memory.
	KindStateStore ErrorKind = "state_store"
)

type Error struct {
	Kind       ErrorKind
	Op         string
	Status     int
	RetryAfter time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		b.WriteString(" status=")
		b.WriteString(strconv.Itoa(e.Status))
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(" (")
			b.WriteString(e.Err.Error())
			b.WriteString(")")
		} else {
			b.WriteString(": ")
			b.WriteString(e.Err.Error())
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the tagged kind, or "" for untagged errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the transport may retry the failed attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient:
		return true
	}
	return false
}

// RetryAfterOf returns the server-supplied retry delay, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
