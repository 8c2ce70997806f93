// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"sync"

	"github.com/parley-net/parley/lib/clock"
)

// CallEpoch scopes one negotiation attempt. Epochs are generated only
// by the peer initiating a (re)negotiation and travel inside record
// payloads, never inside storage keys. Comparison is plain integer
// ordering; equal epochs are the same generation.
type CallEpoch int64

// EpochAllocator issues strictly increasing epochs. The base value is
// wall-clock milliseconds; a monotonic floor guards against clock
// regression (NTP step, suspend/resume) and against two allocations
// landing in the same millisecond.
type EpochAllocator struct {
	clock clock.Clock

	mu   sync.Mutex
	last CallEpoch
}

// NewEpochAllocator creates an allocator reading time from clk.
func NewEpochAllocator(clk clock.Clock) *EpochAllocator {
	return &EpochAllocator{clock: clk}
}

// Next returns an epoch strictly greater than every epoch previously
// returned by or observed through this allocator.
func (a *EpochAllocator) Next() CallEpoch {
	a.mu.Lock()
	defer a.mu.Unlock()

	epoch := CallEpoch(a.clock.Now().UnixMilli())
	if epoch <= a.last {
		epoch = a.last + 1
	}
	a.last = epoch
	return epoch
}

// Observe raises the allocator's floor to at least epoch. Sessions
// call this when adopting a remote epoch, so that a later restart
// allocates an epoch strictly greater than the active one even when
// the remote peer's clock runs ahead of ours.
func (a *EpochAllocator) Observe(epoch CallEpoch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch > a.last {
		a.last = epoch
	}
}
