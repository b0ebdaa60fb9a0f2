// Package zerr defines the error kinds used across the runtime and helpers
// for tagging and classifying them. Every user-visible failure carries
// exactly one kind so callers can decide between retry, report, and abort.
package zerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation decisions.
type Kind string

const (
	// KindNotFound means an id or name resolved to nothing.
	KindNotFound Kind = "not_found"
	// KindAlreadyExists means a unique constraint was violated.
	KindAlreadyExists Kind = "already_exists"
	// KindIllegalTransition means a status transition was rejected.
	KindIllegalTransition Kind = "illegal_transition"
	// KindCycle means a dependency graph has a cycle.
	KindCycle Kind = "cycle"
	// KindClosed means an operation targeted a closed room.
	KindClosed Kind = "closed"
	// KindTimeout means a wait exhausted its budget.
	KindTimeout Kind = "timeout"
	// KindChildSpawn means a process spawn failed at the OS boundary.
	KindChildSpawn Kind = "child_spawn"
	// KindStoreCorruption means a row failed to parse into its schema. Fatal.
	KindStoreCorruption Kind = "store_corruption"
	// KindTransportUnavailable means the dashboard connector could not reach
	// the dashboard. Never affects the core.
	KindTransportUnavailable Kind = "transport_unavailable"
)

// Error is a kind-tagged error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error { return e.Err }

// New creates a kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and context message.
// Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of an error, or an empty Kind when the error
// carries no tag anywhere in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return Is(err, KindAlreadyExists) }

// IsFatal reports whether the error must terminate the process.
// Store corruption is the only fatal kind.
func IsFatal(err error) bool { return Is(err, KindStoreCorruption) }
