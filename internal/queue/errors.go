package queue

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed queue API call
type Kind string

const (
	KindValidation   Kind = "validation"
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindNetwork      Kind = "network"
	KindServer       Kind = "server"
)

// Error is returned by every Client operation
type Error struct {
	Kind    Kind
	Message string

	// Field identifier to message, for validation failures
	Fields map[string]string

	RetryAfter time.Duration
	Status     int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Kind, msg, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// AsError extracts a *Error from err
func AsError(err error) (*Error, bool) {
	var qe *Error
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// IsKind reports whether err is a *Error of the given kind
func IsKind(err error, kind Kind) bool {
	qe, ok := AsError(err)
	return ok && qe.Kind == kind
}

func newError(kind Kind, status int, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}
