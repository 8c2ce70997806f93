// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. [Real] wraps the
// standard time package; [Fake] provides a deterministic clock whose
// timers and tickers fire only when the test calls Advance. The
// negotiation engine's debounce windows, poll tickers, answer
// deadlines, and retry backoffs all run against this interface, which
// is what lets the state machine tests run instantly and without
// flakes.
package clock
