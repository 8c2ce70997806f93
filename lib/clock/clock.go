// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time so that timers and timestamps are controllable
// in tests. Production code injects Real(); tests inject Fake() and
// drive time with Advance.
//
// Any production function that would call time.Now, time.After,
// time.AfterFunc, or time.NewTicker takes a Clock instead (or is a
// method on a struct holding one).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Stop releases it; Stop does
// not close C. C is buffered with capacity 1, so a slow consumer
// drops ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks arrive on C after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// Timer is a pending AfterFunc call. C is always nil, matching
// time.AfterFunc.
type Timer struct {
	C <-chan time.Time

	stop func() bool
}

// Stop cancels the pending call. Returns false if the timer already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }
