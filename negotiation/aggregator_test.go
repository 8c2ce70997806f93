// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

func newTestAggregator(fake *clock.FakeClock, maxPending int, flushes *atomic.Int32) *candidateAggregator {
	agg := newCandidateAggregator(fake, slog.New(slog.DiscardHandler),
		"room/alice|bob", 250*time.Millisecond, maxPending,
		func() { flushes.Add(1) })
	agg.reset(1, "alice", CandidateKey("room/alice|bob", "alice"))
	return agg
}

func TestAggregatorDebounce(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 8, &flushes)

	if agg.add(CandidateDescriptor("a")) {
		t.Error("first add demanded an immediate flush")
	}
	if agg.add(CandidateDescriptor("b")) {
		t.Error("second add demanded an immediate flush")
	}

	// Nothing until the window elapses; then exactly one flush is
	// scheduled regardless of how many candidates arrived.
	fake.Advance(200 * time.Millisecond)
	if flushes.Load() != 0 {
		t.Errorf("flush scheduled %d times before the window elapsed", flushes.Load())
	}
	fake.Advance(100 * time.Millisecond)
	if flushes.Load() != 1 {
		t.Errorf("flush scheduled %d times, want 1", flushes.Load())
	}
}

func TestAggregatorThresholdForcesFlush(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 2, &flushes)

	if agg.add(CandidateDescriptor("a")) {
		t.Error("add below threshold demanded a flush")
	}
	if !agg.add(CandidateDescriptor("b")) {
		t.Error("add at threshold did not demand a flush")
	}

	// The debounce timer was cancelled by the threshold flush.
	fake.Advance(time.Second)
	if flushes.Load() != 0 {
		t.Errorf("debounce timer fired %d times after a threshold flush", flushes.Load())
	}
}

func TestAggregatorDeduplicates(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 8, &flushes)

	agg.add(CandidateDescriptor("a"))
	agg.add(CandidateDescriptor("a"))
	if len(agg.pending) != 1 {
		t.Errorf("pending holds %d candidates, want 1", len(agg.pending))
	}
}

func TestAggregatorFlushPublishesMergedBatch(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	store := newFakeStore()
	pub := newTestPublisher(store, 4)
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 8, &flushes)

	agg.add(CandidateDescriptor("a"))
	agg.add(CandidateDescriptor("b"))
	if err := agg.flush(t.Context(), pub, nil); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	record, ok := store.record(CandidateKey("room/alice|bob", "alice"))
	if !ok {
		t.Fatal("no candidate record stored")
	}
	if record.Session != "room/alice|bob" || record.Kind != KindCandidates || record.Owner != "alice" {
		t.Errorf("stored record fields %+v are wrong", record)
	}
	batch, err := DecodeCandidateBatch(record.Payload)
	if err != nil {
		t.Fatalf("stored payload does not decode: %v", err)
	}
	if len(batch.Candidates) != 2 {
		t.Errorf("stored batch holds %d candidates, want 2", len(batch.Candidates))
	}

	// Next flush republishes the union including the new candidate.
	agg.add(CandidateDescriptor("c"))
	if err := agg.flush(t.Context(), pub, nil); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	record, _ = store.record(CandidateKey("room/alice|bob", "alice"))
	batch, err = DecodeCandidateBatch(record.Payload)
	if err != nil {
		t.Fatalf("stored payload does not decode: %v", err)
	}
	if len(batch.Candidates) != 3 {
		t.Errorf("merged batch holds %d candidates, want 3", len(batch.Candidates))
	}

	// A candidate already published is not re-buffered.
	if agg.add(CandidateDescriptor("a")) {
		t.Error("published candidate re-added")
	}
	if len(agg.pending) != 0 {
		t.Errorf("pending holds %d candidates after re-add, want 0", len(agg.pending))
	}
}

func TestAggregatorEmptyFlushIsNoop(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	store := newFakeStore()
	pub := newTestPublisher(store, 4)
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 8, &flushes)

	if err := agg.flush(t.Context(), pub, nil); err != nil {
		t.Fatalf("empty flush failed: %v", err)
	}
	if store.putCount() != 0 {
		t.Errorf("empty flush wrote %d records", store.putCount())
	}
}

func TestAggregatorKeepsPendingAcrossFailures(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	store := newFakeStore()
	pub := newTestPublisher(store, 1) // no internal retries
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 8, &flushes)

	agg.add(CandidateDescriptor("a"))

	transient := &StoreError{Transient: true, Message: "unavailable"}

	// First two failed flushes keep the batch and rearm the timer.
	for i := 0; i < maxFlushFailures-1; i++ {
		store.injectPutErrors(transient)
		if err := agg.flush(t.Context(), pub, nil); err != nil {
			t.Fatalf("flush %d surfaced an error before the failure cap: %v", i+1, err)
		}
		if len(agg.pending) != 1 {
			t.Fatalf("pending dropped after failure %d", i+1)
		}
	}

	// The capping failure drops the batch and surfaces the error.
	store.injectPutErrors(transient)
	if err := agg.flush(t.Context(), pub, nil); err == nil {
		t.Fatal("capping failure surfaced no error")
	}
	if len(agg.pending) != 0 {
		t.Errorf("pending holds %d candidates after the cap, want 0", len(agg.pending))
	}
}

func TestAggregatorResetDiscardsPending(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	store := newFakeStore()
	pub := newTestPublisher(store, 4)
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 8, &flushes)

	agg.add(CandidateDescriptor("old"))
	agg.reset(2, "alice", CandidateKey("room/alice|bob", "alice"))

	if err := agg.flush(t.Context(), pub, nil); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if store.putCount() != 0 {
		t.Errorf("discarded candidates were published anyway (%d puts)", store.putCount())
	}

	// The pending debounce timer from the old epoch is dead too.
	fake.Advance(time.Second)
	if flushes.Load() != 0 {
		t.Errorf("old epoch's timer fired %d times after reset", flushes.Load())
	}
}

func TestAggregatorSupersededClearsPending(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	store := newFakeStore()
	pub := newTestPublisher(store, 4)
	var flushes atomic.Int32
	agg := newTestAggregator(fake, 8, &flushes)

	agg.add(CandidateDescriptor("a"))
	if err := agg.flush(t.Context(), pub, func() bool { return true }); err != nil {
		t.Fatalf("superseded flush surfaced an error: %v", err)
	}
	if store.putCount() != 0 {
		t.Errorf("superseded flush wrote %d records", store.putCount())
	}
	if len(agg.pending) != 0 {
		t.Errorf("pending holds %d candidates after supersede, want 0", len(agg.pending))
	}
}
