// Package kgerr defines the error-kind taxonomy shared by the scheduler,
// job store, and ingestion executor.
package kgerr

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies an error for the purposes of retry and terminal-state
// reporting. It is deliberately small and closed; callers switch on it
// rather than matching error strings.
type Kind string

const (
	Validation          Kind = "VALIDATION"
	Duplicate           Kind = "DUPLICATE"
	CapabilityTransient Kind = "CAPABILITY_TRANSIENT"
	CapabilityPermanent Kind = "CAPABILITY_PERMANENT"
	StorageTransient    Kind = "STORAGE_TRANSIENT"
	StoragePermanent    Kind = "STORAGE_PERMANENT"
	Cancelled           Kind = "CANCELLED"
	Stuck               Kind = "STUCK"
)

// Error wraps an underlying cause with a stable machine-readable Kind and a
// free-form human message, matching the job record's error.kind/error.message
// shape.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a kind-tagged error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to StoragePermanent when the
// error carries no kgerr.Error in its chain (an unclassified error is
// treated as non-retryable so it fails fast rather than looping forever).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return StoragePermanent
}

// IsRetryable reports whether err's kind is one the scheduler/executor
// should retry rather than fail terminally.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case CapabilityTransient, StorageTransient:
		return true
	default:
		return isTransientHeuristic(err)
	}
}

// isTransientHeuristic catches errors surfaced by dependencies (pgx, HTTP
// clients, provider SDKs) that were never wrapped in a kgerr.Error.
func isTransientHeuristic(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "temporary", "transient", "retry", "too many requests", "connection reset", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsCancelled reports whether err represents a cancellation or deadline
// expiry, which the executor treats identically per the concurrency model.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == Cancelled {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
