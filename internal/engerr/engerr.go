// Package engerr implements the classified error taxonomy every actor in the
// crawling engine propagates by: Task Workers recover NetworkTransient up to
// MaxAttempts, everything else bubbles up classified so Stage/Batch/Session
// actors can apply the escalation policy of spec section 7.
package engerr

import (
	"errors"
	"fmt"

	"mattercrawl/internal/domain"
)

// Error wraps an underlying cause with a domain.ErrorKind classification.
type Error struct {
	Kind  domain.ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(kind domain.ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an existing error.
func Wrap(kind domain.ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Classify extracts the domain.ErrorKind of err, defaulting to
// NetworkPermanent for unclassified errors (treated as non-retryable, the
// conservative choice per spec section 7's Permanent default).
func Classify(err error) domain.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return domain.ErrNetworkPermanent
}

// Retryable reports whether err should be retried by a Task Worker per the
// retry policy of spec section 4.4.
func Retryable(err error) bool {
	return Classify(err) == domain.ErrNetworkTransient
}

// IsCancelled reports whether err represents cooperative cancellation, which
// must propagate upward without being recorded as a failure.
func IsCancelled(err error) bool {
	return Classify(err) == domain.ErrCancelled
}
