// Package mjerrors defines the typed error taxonomy terminal and
// retryable outcomes are classified into (spec.md §7). Each error
// carries the triggering message id and elapsed time where available,
// so callers never need a stack trace to explain a failure.
package mjerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one of the distinct error kinds surfaced to callers.
type Kind string

const (
	KindAuth                  Kind = "AuthError"
	KindPreModeration         Kind = "PreModerationError"
	KindPostModeration        Kind = "PostModerationError"
	KindEphemeralModeration   Kind = "EphemeralModerationError"
	KindInvalidRequest        Kind = "InvalidRequestError"
	KindQueueFull             Kind = "QueueFullError"
	KindJobQueued             Kind = "JobQueuedError"
	KindTransientNetwork      Kind = "TransientNetworkError"
	KindDeadline              Kind = "DeadlineError"
	KindCorrelation           Kind = "CorrelationError"
)

// Error is the concrete type behind every Kind. It is comparable with
// errors.As and exposes the fields spec.md §7 requires on every
// terminal error: the triggering message id (if any), the normalized
// prompt fingerprint, and elapsed time since the generation started.
type Error struct {
	Kind        Kind
	MessageID   string // empty if no triggering message
	Fingerprint string
	Elapsed     time.Duration
	Err         error // wrapped cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: fingerprint=%q elapsed=%s", e.Kind, e.Fingerprint, e.Elapsed)
	if e.MessageID != "" {
		msg += fmt.Sprintf(" message_id=%s", e.MessageID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// callers can write errors.Is(err, mjerrors.New(KindPreModeration, ...))
// or, more idiomatically, define sentinel Kind checks with Is below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, fingerprint string, messageID string, elapsed time.Duration, cause error) *Error {
	return &Error{
		Kind:        kind,
		MessageID:   messageID,
		Fingerprint: fingerprint,
		Elapsed:     elapsed,
		Err:         cause,
	}
}

// Sentinel values for use with errors.Is when only the kind matters.
var (
	sentinelAuth                = &Error{Kind: KindAuth}
	sentinelPreModeration       = &Error{Kind: KindPreModeration}
	sentinelPostModeration      = &Error{Kind: KindPostModeration}
	sentinelEphemeralModeration = &Error{Kind: KindEphemeralModeration}
	sentinelInvalidRequest      = &Error{Kind: KindInvalidRequest}
	sentinelQueueFull           = &Error{Kind: KindQueueFull}
	sentinelJobQueued           = &Error{Kind: KindJobQueued}
	sentinelTransientNetwork    = &Error{Kind: KindTransientNetwork}
	sentinelDeadline            = &Error{Kind: KindDeadline}
	sentinelCorrelation         = &Error{Kind: KindCorrelation}
)

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool { return errors.Is(err, sentinelAuth) }

// IsPreModeration reports whether err is (or wraps) a PreModerationError.
func IsPreModeration(err error) bool { return errors.Is(err, sentinelPreModeration) }

// IsPostModeration reports whether err is (or wraps) a PostModerationError.
func IsPostModeration(err error) bool { return errors.Is(err, sentinelPostModeration) }

// IsEphemeralModeration reports whether err is (or wraps) an EphemeralModerationError.
func IsEphemeralModeration(err error) bool { return errors.Is(err, sentinelEphemeralModeration) }

// IsInvalidRequest reports whether err is (or wraps) an InvalidRequestError.
func IsInvalidRequest(err error) bool { return errors.Is(err, sentinelInvalidRequest) }

// IsQueueFull reports whether err is (or wraps) a QueueFullError.
func IsQueueFull(err error) bool { return errors.Is(err, sentinelQueueFull) }

// IsJobQueued reports whether err is (or wraps) a JobQueuedError.
func IsJobQueued(err error) bool { return errors.Is(err, sentinelJobQueued) }

// IsTransientNetwork reports whether err is (or wraps) a TransientNetworkError.
func IsTransientNetwork(err error) bool { return errors.Is(err, sentinelTransientNetwork) }

// IsDeadline reports whether err is (or wraps) a DeadlineError.
func IsDeadline(err error) bool { return errors.Is(err, sentinelDeadline) }

// IsCorrelation reports whether err is (or wraps) a CorrelationError.
func IsCorrelation(err error) bool { return errors.Is(err, sentinelCorrelation) }
