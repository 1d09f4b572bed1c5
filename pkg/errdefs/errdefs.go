package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error into the platform taxonomy. Transient kinds are
// recovered locally with bounded retry; all others surface to the
// coordinator that initiated the operation.
type Kind string

const (
	// KindValidationFailed marks input that violates a stated precondition.
	// Never retried.
	KindValidationFailed Kind = "validation_failed"

	// KindNotFound marks an absent photo, job, or blob.
	KindNotFound Kind = "not_found"

	// KindTransientBackend marks a temporarily unavailable backend
	// (blob store, metadata store, queue, event transport).
	KindTransientBackend Kind = "transient_backend"

	// KindConflict marks concurrent claims, duplicate identifiers, or
	// terminal-state mutations.
	KindConflict Kind = "conflict"

	// KindStageFatal marks a stage-declared non-retryable failure
	// (corrupt image, unsupported format).
	KindStageFatal Kind = "stage_fatal"

	// KindTimeout marks a stage or operation that exceeded its deadline.
	// Retryable until attempts are exhausted.
	KindTimeout Kind = "timeout"

	// KindCancelled marks cooperative cancellation.
	KindCancelled Kind = "cancelled"

	// KindInternal marks a programming-level invariant breach.
	KindInternal Kind = "internal"
)

// Error is a classified error carrying its taxonomy kind alongside the
// wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause. Wrapping
// nil returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified
// errors report KindInternal; context cancellation and deadline errors are
// mapped to their kinds even when never explicitly wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether the error should ride the queue's backoff
// schedule rather than terminate the job. Internal errors are retryable so
// a single invariant breach does not poison a photo; the queue's attempt
// cap converts repeats into dead letters.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientBackend, KindTimeout, KindInternal:
		return true
	}
	return false
}

// IsValidationFailed reports whether err is a validation failure
func IsValidationFailed(err error) bool { return KindOf(err) == KindValidationFailed }

// IsNotFound reports whether err marks an absent entity
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err marks a temporarily unavailable backend
func IsTransient(err error) bool { return KindOf(err) == KindTransientBackend }

// IsConflict reports whether err marks a conflicting operation
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsStageFatal reports whether err was declared non-retryable by a stage
func IsStageFatal(err error) bool { return KindOf(err) == KindStageFatal }

// IsTimeout reports whether err marks an exceeded deadline
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsCancelled reports whether err marks cooperative cancellation
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }
