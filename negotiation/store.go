// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"context"
	"errors"
	"fmt"
)

// Version is an opaque optimistic-concurrency token returned by the
// store on every write. NoVersion as a Put precondition means "write
// unconditionally".
type Version string

// NoVersion disables the version precondition on Put.
const NoVersion Version = ""

// Cursor is an opaque resume point for incremental change reads. The
// empty cursor means "read everything" and is used only on the first
// poll after a (re)start.
type Cursor string

// Record is one stored entry as the engine sees it: the computed key,
// the structural fields the engine inspects (kind, owner), the opaque
// CBOR payload, and the store's version token.
type Record struct {
	Key     string
	Session SessionKey
	Kind    RecordKind
	Owner   ParticipantID
	Payload []byte
	Version Version
}

// RecordStore is the shared rendezvous store contract: eventually
// consistent, point lookups by deterministic key only, per-write rate
// limits, no cross-writer transactions. Each record slot is written
// by exactly one logical owner; the conflict path exists for an
// owner's own retried writes racing across a restart, not for foreign
// writers.
type RecordStore interface {
	// Get returns the record at key, or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// Put writes a record. When expected is not NoVersion, the write
	// succeeds only if the stored version still matches, returning
	// ErrConflict otherwise. Transient failures (rate limit,
	// unavailability) and fatal failures (permission, malformed
	// payload) are reported as *StoreError.
	Put(ctx context.Context, record Record, expected Version) (Version, error)

	// PollChanges returns records of the session changed since
	// cursor, plus the cursor to resume from. An empty cursor reads
	// the session's full current state.
	PollChanges(ctx context.Context, session SessionKey, cursor Cursor) ([]Record, Cursor, error)

	// SubscribeHints returns a best-effort "something changed, look"
	// channel for the session. Hints may be delayed, dropped, or
	// spurious; the poll timer is the delivery guarantee. The cancel
	// function releases the subscription.
	SubscribeHints(ctx context.Context, session SessionKey) (<-chan struct{}, func(), error)
}

// ErrNotFound reports a Get miss.
var ErrNotFound = errors.New("negotiation: record not found")

// ErrConflict reports a Put whose version precondition failed.
var ErrConflict = errors.New("negotiation: version conflict")

// StoreError is a classified store failure. Callers use errors.As and
// the classification helpers rather than matching messages.
type StoreError struct {
	// Transient marks failures worth retrying: rate limits,
	// temporary unavailability, connection errors.
	Transient bool

	// Status is the underlying protocol status code when one exists
	// (HTTP store), zero otherwise.
	Status int

	// Message describes the failure.
	Message string

	// Err is the wrapped cause, if any.
	Err error
}

func (e *StoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("store: %s (status %d)", e.Message, e.Status)
	}
	return "store: " + e.Message
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Classified store
// errors answer for themselves; conflicts and misses are not
// transient (they have dedicated handling); anything unclassified
// (connection refused, timeout, EOF) is assumed transient, matching
// how network failures actually behave.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return false
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Transient
	}
	return true
}

// IsFatal reports whether err is a permanent store failure
// (permission denied, payload rejected). Fatal failures abort the
// pending publish instead of retrying.
func IsFatal(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && !storeErr.Transient
}
