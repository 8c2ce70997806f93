// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

// newTestPublisher uses the real clock with a tiny backoff so retry
// paths run in real time without meaningful delay.
func newTestPublisher(store *fakeStore, attempts int) *publisher {
	return newPublisher(store, clock.Real(), slog.New(slog.DiscardHandler), attempts, time.Millisecond)
}

func testRecord() Record {
	return Record{
		Key:     "room/alice|bob/offer",
		Session: "room/alice|bob",
		Kind:    KindOffer,
		Owner:   "alice",
		Payload: []byte{0x01},
	}
}

func TestPublishSucceeds(t *testing.T) {
	store := newFakeStore()
	pub := newTestPublisher(store, 4)

	version, err := pub.publish(t.Context(), publishRequest{record: testRecord()})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if version == NoVersion {
		t.Error("publish returned no version")
	}
	if store.putCount() != 1 {
		t.Errorf("store saw %d puts, want 1", store.putCount())
	}
}

func TestPublishRetriesTransient(t *testing.T) {
	store := newFakeStore()
	store.injectPutErrors(
		&StoreError{Transient: true, Status: 429, Message: "rate limited"},
		&StoreError{Transient: true, Message: "unavailable"},
	)
	pub := newTestPublisher(store, 4)

	if _, err := pub.publish(t.Context(), publishRequest{record: testRecord()}); err != nil {
		t.Fatalf("publish failed despite remaining budget: %v", err)
	}
	if store.putCount() != 1 {
		t.Errorf("store recorded %d successful puts, want 1", store.putCount())
	}
}

func TestPublishExhaustsBudget(t *testing.T) {
	store := newFakeStore()
	transient := &StoreError{Transient: true, Message: "unavailable"}
	store.injectPutErrors(transient, transient, transient)
	pub := newTestPublisher(store, 3)

	_, err := pub.publish(t.Context(), publishRequest{record: testRecord()})
	if err == nil {
		t.Fatal("publish succeeded with an exhausted budget")
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Errorf("exhaustion error %v does not wrap the last store error", err)
	}
}

func TestPublishFatalAborts(t *testing.T) {
	store := newFakeStore()
	fatal := &StoreError{Transient: false, Status: 403, Message: "permission denied"}
	store.injectPutErrors(fatal, nil, nil)
	pub := newTestPublisher(store, 4)

	_, err := pub.publish(t.Context(), publishRequest{record: testRecord()})
	if err == nil {
		t.Fatal("publish retried past a fatal error")
	}
	if store.putCount() != 0 {
		t.Errorf("store saw %d puts after the fatal failure, want 0", store.putCount())
	}
}

func TestPublishSuppressedWhenSuperseded(t *testing.T) {
	store := newFakeStore()
	pub := newTestPublisher(store, 4)

	_, err := pub.publish(t.Context(), publishRequest{
		record:     testRecord(),
		superseded: func() bool { return true },
	})
	if err != errSuperseded {
		t.Fatalf("publish returned %v, want errSuperseded", err)
	}
	if store.putCount() != 0 {
		t.Errorf("suppressed publish still wrote %d records", store.putCount())
	}
}

func TestPublishConflictMergesAndRetries(t *testing.T) {
	store := newFakeStore()

	// Seed the slot so the conflicting write has something to merge
	// with, then force one conflict.
	seeded := testRecord()
	seeded.Payload = []byte("stored")
	if _, err := store.Put(t.Context(), seeded, NoVersion); err != nil {
		t.Fatalf("seeding failed: %v", err)
	}
	store.injectPutErrors(ErrConflict)

	pub := newTestPublisher(store, 4)
	merged := false
	version, err := pub.publish(t.Context(), publishRequest{
		record:   testRecord(),
		expected: "v999", // stale on purpose
		merge: func(current Record) ([]byte, error) {
			merged = true
			if string(current.Payload) != "stored" {
				t.Errorf("merge saw payload %q, want the stored record", current.Payload)
			}
			return append(current.Payload, []byte("+mine")...), nil
		},
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !merged {
		t.Error("merge hook never ran")
	}
	if version == NoVersion {
		t.Error("publish returned no version")
	}

	record, ok := store.record(seeded.Key)
	if !ok {
		t.Fatal("record missing after merge")
	}
	if string(record.Payload) != "stored+mine" {
		t.Errorf("stored payload %q, want the merged result", record.Payload)
	}
}

func TestPublishConflictWithoutMergeOverwrites(t *testing.T) {
	store := newFakeStore()
	store.injectPutErrors(ErrConflict)
	pub := newTestPublisher(store, 4)

	if _, err := pub.publish(t.Context(), publishRequest{
		record:   testRecord(),
		expected: "v999",
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if store.putCount() != 1 {
		t.Errorf("store saw %d puts, want the unconditional retry", store.putCount())
	}
}

func TestPublishHonorsContext(t *testing.T) {
	store := newFakeStore()
	transient := &StoreError{Transient: true, Message: "unavailable"}
	store.injectPutErrors(transient, transient, transient)

	// A fake clock whose After never fires makes the backoff wait
	// block until the context is cancelled.
	fake := clock.Fake(time.UnixMilli(0))
	pub := newPublisher(store, fake, slog.New(slog.DiscardHandler), 4, time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := pub.publish(ctx, publishRequest{record: testRecord()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("publish returned %v, want context.Canceled", err)
	}
}
