// Package forgeerr centralizes the error-kind taxonomy of spec.md §7 so
// every component surfaces errors the same way to its caller (gateway,
// dashboard, WebSocket error frame) without ad-hoc string codes.
package forgeerr

import "fmt"

// Kind classifies a failure by the policy it implies, not by its type.
type Kind string

const (
	KindTransient   Kind = "transient"   // retry at the operation boundary
	KindNotFound    Kind = "not_found"   // surface immediately
	KindValidation  Kind = "validation"  // surface immediately, never retry
	KindForbidden   Kind = "forbidden"   // surface, never retry
	KindTimeout     Kind = "timeout"     // treated as Failed for the bounded operation
	KindConflict    Kind = "conflict"    // idempotency collision or optimistic concurrency
	KindExternal    Kind = "external"    // propagates; workflows compensate, jobs retry
	KindInternal    Kind = "internal"    // log and drop, never crash the caller
)

// Error carries a Kind alongside the wrapped cause, so callers can
// branch on Kind with errors.As while %w-chains stay intact.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to KindInternal for anything else — an unclassified
// failure is treated as a bug, not a condition callers should branch on.
func KindOf(err error) Kind {
	var fe *Error
	if asError(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
