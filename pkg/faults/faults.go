// Package faults is the error taxonomy shared by the sync engine.
//
// Failures that cross the boundary to the UI layer are never raw transport
// errors: they are classified into one of the kinds below and carried inside
// a Result, so callers can render the outcome without unwrapping anything.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that only branch on category.
type Kind int

const (
	KindNone Kind = iota
	// KindNetwork is transient. The operation may be retried with backoff
	// and any affected records stay dirty.
	KindNetwork
	// KindAuth means the session is invalid. Triggers session recovery.
	KindAuth
	// KindValidation means the remote side rejected a specific record.
	// It never blocks other records.
	KindValidation
	// KindMalformedEvent marks an inbound realtime payload that was dropped.
	KindMalformedEvent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindMalformedEvent:
		return "malformed_event"
	}
	return "unknown"
}

// NetworkError wraps a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError indicates the current session was rejected by the remote service.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError is a per-record rejection from the remote service.
type ValidationError struct {
	RecordID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %s rejected: %s", e.RecordID, e.Reason)
}

// MalformedEventError describes an inbound realtime payload that could not
// be applied. The event is dropped; the cache is never partially mutated.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed realtime event: %s", e.Reason)
}

// Credential-shaped sentinels surfaced by the session manager.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateAccount   = errors.New("an account with this identifier already exists")
	ErrNoSession          = errors.New("no active session")
)

// KindOf classifies err into a Kind. Errors outside the taxonomy classify
// as KindNone and are surfaced verbatim.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return KindNetwork
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return KindAuth
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var me *MalformedEventError
	if errors.As(err, &me) {
		return KindMalformedEvent
	}
	return KindNone
}

// Retryable reports whether the operation that produced err may be retried
// as-is, without first recovering the session or fixing the record.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// Result is the discriminated outcome returned across the UI boundary.
// A zero Result is success.
type Result struct {
	Err error
}

// OK returns a successful Result.
func OK() Result { return Result{} }

// Fail wraps err in a failed Result. Fail(nil) is success.
func Fail(err error) Result { return Result{Err: err} }

// Success reports whether the operation completed.
func (r Result) Success() bool { return r.Err == nil }

// Kind returns the failure category, KindNone on success.
func (r Result) Kind() Kind { return KindOf(r.Err) }
