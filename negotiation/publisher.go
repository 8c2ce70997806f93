// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

// errSuperseded reports a publish that was suppressed before reaching
// the store because a newer local generation made it moot. Not a
// failure: callers treat it as "nothing to do".
var errSuperseded = errors.New("negotiation: publish superseded")

// publishRequest is one store write with its retry policy hooks.
type publishRequest struct {
	record Record

	// expected is the version precondition for the first attempt.
	expected Version

	// superseded, when non-nil, is checked before every attempt. A
	// true result suppresses the write entirely (the Stale outcome).
	superseded func() bool

	// merge, when non-nil, resolves a version conflict: it receives
	// the current stored record and returns the payload to resubmit.
	// Without a merge hook a conflict is retried as a blind
	// overwrite, which is correct for single-owner envelope slots.
	merge func(current Record) ([]byte, error)
}

// publisher wraps every store write with classification-aware retry:
// transient failures back off exponentially with jitter, conflicts
// refetch-merge-retry, fatal failures abort immediately.
type publisher struct {
	store       RecordStore
	clock       clock.Clock
	logger      *slog.Logger
	maxAttempts int
	baseBackoff time.Duration
}

func newPublisher(store RecordStore, clk clock.Clock, logger *slog.Logger, maxAttempts int, baseBackoff time.Duration) *publisher {
	return &publisher{
		store:       store,
		clock:       clk,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
	}
}

// publish writes the request's record, retrying per classification.
// Returns the stored version on success, errSuperseded when the write
// was suppressed, and the last error once the retry budget is
// exhausted or a fatal failure occurs.
func (p *publisher) publish(ctx context.Context, request publishRequest) (Version, error) {
	record := request.record
	expected := request.expected

	var lastError error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, attempt); err != nil {
				return NoVersion, err
			}
		}

		if request.superseded != nil && request.superseded() {
			p.logger.Debug("publish suppressed, superseded locally",
				"key", record.Key,
				"kind", record.Kind,
			)
			return NoVersion, errSuperseded
		}

		version, err := p.store.Put(ctx, record, expected)
		if err == nil {
			return version, nil
		}
		lastError = err

		switch {
		case errors.Is(err, ErrConflict):
			merged, mergeErr := p.resolveConflict(ctx, request, &record, &expected)
			if mergeErr != nil {
				return NoVersion, mergeErr
			}
			if !merged {
				// No merge hook: retry as an unconditional write.
				expected = NoVersion
			}
			p.logger.Debug("publish conflict, merged and retrying",
				"key", record.Key,
				"attempt", attempt+1,
			)

		case IsTransient(err):
			p.logger.Warn("transient publish failure, retrying",
				"key", record.Key,
				"kind", record.Kind,
				"attempt", attempt+1,
				"error", err,
			)

		default:
			// Fatal: permission denied, payload rejected. Abort.
			return NoVersion, fmt.Errorf("publishing %s: %w", record.Key, err)
		}
	}

	return NoVersion, fmt.Errorf("publishing %s: retry budget exhausted: %w", record.Key, lastError)
}

// resolveConflict refetches the current record and applies the merge
// hook, updating the pending payload and version precondition.
// Returns false when there is no merge hook.
func (p *publisher) resolveConflict(ctx context.Context, request publishRequest, record *Record, expected *Version) (bool, error) {
	if request.merge == nil {
		return false, nil
	}

	current, err := p.store.Get(ctx, record.Key)
	if errors.Is(err, ErrNotFound) {
		// The record vanished between the conflict and the refetch.
		// Resubmit unconditionally.
		*expected = NoVersion
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("refetching %s after conflict: %w", record.Key, err)
	}

	merged, err := request.merge(current)
	if err != nil {
		return false, fmt.Errorf("merging %s after conflict: %w", record.Key, err)
	}
	record.Payload = merged
	*expected = current.Version
	return true, nil
}

// wait sleeps for the attempt's backoff: base << (attempt-1) plus up
// to 50% jitter, honoring context cancellation.
func (p *publisher) wait(ctx context.Context, attempt int) error {
	backoff := p.baseBackoff << (attempt - 1)
	backoff += rand.N(backoff/2 + 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(backoff):
		return nil
	}
}
