// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

// maxFlushFailures is how many consecutive failed batch publishes the
// aggregator tolerates before dropping its pending candidates. Each
// flush already carries the publisher's own retry budget, so reaching
// this limit means the store has been rejecting writes for a while.
const maxFlushFailures = 3

// candidateAggregator coalesces locally generated candidates to
// minimize write volume against the rate-limited store. Candidates
// accumulate under a debounce window and the whole merged batch is
// republished at most once per window, or immediately once the
// pending count crosses a threshold. All methods run on the session
// actor goroutine; the debounce timer only enqueues a flush event,
// it never touches aggregator state itself.
type candidateAggregator struct {
	clock      clock.Clock
	logger     *slog.Logger
	session    SessionKey
	interval   time.Duration
	maxPending int

	// scheduleFlush enqueues a flush event on the owning session's
	// queue. Called from the debounce timer goroutine.
	scheduleFlush func()

	epoch CallEpoch
	owner ParticipantID
	key   string

	// pending holds candidates not yet acknowledged by the store.
	pending    []CandidateDescriptor
	pendingSet map[Fingerprint]struct{}

	// published is the merged batch the store currently holds, with
	// its version. Never republishes a candidate already in it.
	published CandidateBatch
	version   Version

	timer         *clock.Timer
	flushFailures int
}

func newCandidateAggregator(clk clock.Clock, logger *slog.Logger, session SessionKey, interval time.Duration, maxPending int, scheduleFlush func()) *candidateAggregator {
	return &candidateAggregator{
		clock:         clk,
		logger:        logger,
		session:       session,
		interval:      interval,
		maxPending:    maxPending,
		scheduleFlush: scheduleFlush,
		pendingSet:    make(map[Fingerprint]struct{}),
	}
}

// reset rebinds the aggregator to a new epoch, discarding buffered
// but unpublished candidates from the previous one.
func (a *candidateAggregator) reset(epoch CallEpoch, owner ParticipantID, key string) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.epoch = epoch
	a.owner = owner
	a.key = key
	a.pending = nil
	a.pendingSet = make(map[Fingerprint]struct{})
	a.published = CandidateBatch{Epoch: epoch, Owner: owner}
	a.version = NoVersion
	a.flushFailures = 0
}

// add buffers a locally generated candidate. Returns true when the
// pending count crossed the threshold and the caller should flush
// immediately instead of waiting out the debounce window.
func (a *candidateAggregator) add(candidate CandidateDescriptor) bool {
	fingerprint := candidate.Fingerprint()
	if _, ok := a.pendingSet[fingerprint]; ok {
		return false
	}
	for _, existing := range a.published.Candidates {
		if existing.Fingerprint() == fingerprint {
			return false
		}
	}

	a.pending = append(a.pending, candidate)
	a.pendingSet[fingerprint] = struct{}{}

	if len(a.pending) >= a.maxPending {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		return true
	}

	if a.timer == nil {
		a.timer = a.clock.AfterFunc(a.interval, a.scheduleFlush)
	}
	return false
}

// flush publishes the merged batch (published ∪ pending) for the
// current epoch. On success the pending set is folded into the
// published batch; on failure pending candidates are kept for the
// next window until maxFlushFailures is reached.
func (a *candidateAggregator) flush(ctx context.Context, pub *publisher, superseded func() bool) error {
	a.timer = nil
	if len(a.pending) == 0 || a.epoch == 0 {
		return nil
	}

	merged := CandidateBatch{
		Epoch:      a.epoch,
		Owner:      a.owner,
		Candidates: append([]CandidateDescriptor(nil), a.published.Candidates...),
	}
	merged.Merge(a.pending...)

	payload, err := EncodeCandidateBatch(merged)
	if err != nil {
		return err
	}

	epoch := a.epoch
	version, err := pub.publish(ctx, publishRequest{
		record: Record{
			Key:     a.key,
			Session: a.session,
			Kind:    KindCandidates,
			Owner:   a.owner,
			Payload: payload,
		},
		expected:   a.version,
		superseded: superseded,
		merge: func(current Record) ([]byte, error) {
			// Our own slot raced with our own earlier write. Union
			// with whatever is stored if it belongs to this epoch;
			// a foreign-epoch batch is replaced wholesale.
			stored, decodeErr := DecodeCandidateBatch(current.Payload)
			if decodeErr != nil || stored.Epoch != epoch {
				return payload, nil
			}
			stored.Merge(merged.Candidates...)
			return EncodeCandidateBatch(stored)
		},
	})
	if err == errSuperseded {
		a.pending = nil
		a.pendingSet = make(map[Fingerprint]struct{})
		return nil
	}
	if err != nil {
		a.flushFailures++
		if a.flushFailures >= maxFlushFailures {
			a.logger.Error("dropping pending candidates after repeated publish failures",
				"key", a.key,
				"pending", len(a.pending),
				"error", err,
			)
			a.pending = nil
			a.pendingSet = make(map[Fingerprint]struct{})
			a.flushFailures = 0
			return fmt.Errorf("candidate batch publish: %w", err)
		}
		// Keep pending; rearm so the batch retries next window.
		a.timer = a.clock.AfterFunc(a.interval, a.scheduleFlush)
		a.logger.Warn("candidate batch publish failed, will retry",
			"key", a.key,
			"failures", a.flushFailures,
			"error", err,
		)
		return nil
	}

	a.published = merged
	a.version = version
	a.pending = nil
	a.pendingSet = make(map[Fingerprint]struct{})
	a.flushFailures = 0
	return nil
}

// stop cancels any pending debounce timer.
func (a *candidateAggregator) stop() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
