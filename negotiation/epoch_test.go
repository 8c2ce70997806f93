// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"testing"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

func TestEpochAllocatorMonotonic(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(1_000_000))
	allocator := NewEpochAllocator(fake)

	first := allocator.Next()
	if first != 1_000_000 {
		t.Errorf("first epoch = %d, want the wall-clock millis", first)
	}

	// Same millisecond: strictly increasing anyway.
	second := allocator.Next()
	if second <= first {
		t.Errorf("second epoch %d not greater than first %d", second, first)
	}

	// Clock regression must not reissue an epoch.
	regressed := clock.Fake(time.UnixMilli(500_000))
	allocator.clock = regressed
	third := allocator.Next()
	if third <= second {
		t.Errorf("epoch %d after clock regression not greater than %d", third, second)
	}
}

func TestEpochAllocatorObserve(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(1_000_000))
	allocator := NewEpochAllocator(fake)

	// A remote peer with a fast clock initiated at a future epoch.
	allocator.Observe(2_000_000)
	next := allocator.Next()
	if next <= 2_000_000 {
		t.Errorf("epoch %d after observing 2000000 should exceed it", next)
	}

	// Observing something older changes nothing.
	allocator.Observe(10)
	if following := allocator.Next(); following <= next {
		t.Errorf("epoch %d not greater than %d after stale observe", following, next)
	}
}
