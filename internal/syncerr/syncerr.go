// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package syncerr defines the closed set of failure kinds the sync path
// distinguishes. Every error recorded on a queued operation is classified
// into exactly one Kind, and the retry scheduler decides what to do from the
// Kind alone.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a sync failure.
type Kind int

const (
	// Unknown errors are retried like transient ones.
	Unknown Kind = iota
	// TransientNetwork covers timeouts, resets, 5xx and rate limiting.
	TransientNetwork
	// PermanentRejection means the server refused the payload; retrying the
	// same request cannot succeed.
	PermanentRejection
	// Conflict means the server holds a concurrently modified version.
	Conflict
	// StorageExhausted means local storage limits were reached.
	StorageExhausted
)

// String returns the stable name used in logs, metrics and persisted records.
func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case PermanentRejection:
		return "permanent_rejection"
	case Conflict:
		return "conflict"
	case StorageExhausted:
		return "storage_exhausted"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of String. Unrecognized names map to Unknown.
func ParseKind(s string) Kind {
	switch s {
	case "transient_network":
		return TransientNetwork
	case "permanent_rejection":
		return PermanentRejection
	case "conflict":
		return Conflict
	case "storage_exhausted":
		return StorageExhausted
	default:
		return Unknown
	}
}

// Retryable reports whether the scheduler may try again automatically.
func (k Kind) Retryable() bool {
	return k == TransientNetwork || k == Unknown
}

// Error wraps a cause with its Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient is shorthand for New(TransientNetwork, op, err).
func Transient(op string, err error) error { return New(TransientNetwork, op, err) }

// Permanent is shorthand for New(PermanentRejection, op, err).
func Permanent(op string, err error) error { return New(PermanentRejection, op, err) }

// KindOf classifies err. Explicitly tagged errors keep their Kind; context
// deadlines and net errors are transient; anything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientNetwork
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
