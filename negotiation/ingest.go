// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"context"
	"log/slog"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

// ingestor merges the two delivery channels (best-effort change
// hints and the periodic poll) into one deduplicated event stream
// for the session actor. Both channels trigger the same incremental
// read using the persisted cursor; a dedup filter keyed by
// (kind, owner, content hash) drops records the actor has already
// seen, which is what makes redundant delivery harmless.
//
// The cursor and the dedup filter live on the struct and survive
// restarts (only the cursor is reset, so the first poll of a new
// generation reads everything). The run goroutine is per-start, and
// at most one may exist at a time: the session waits for the previous
// run to exit before resetting the cursor and relaunching, which is
// what makes the unguarded cursor and seen fields safe.
type ingestor struct {
	store        RecordStore
	session      SessionKey
	localID      ParticipantID
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration

	// deliver pushes an event onto the session queue, blocking until
	// the actor accepts it, the session is done, or ctx is cancelled.
	// The ctx escape matters: the actor itself waits for a cancelled
	// run goroutine during restart.
	deliver func(context.Context, sessionEvent)

	cursor Cursor
	seen   map[string]Fingerprint // "kind/owner" → payload hash
}

func newIngestor(store RecordStore, session SessionKey, localID ParticipantID, clk clock.Clock, logger *slog.Logger, pollInterval time.Duration, deliver func(context.Context, sessionEvent)) *ingestor {
	return &ingestor{
		store:        store,
		session:      session,
		localID:      localID,
		clock:        clk,
		logger:       logger,
		pollInterval: pollInterval,
		deliver:      deliver,
		seen:         make(map[string]Fingerprint),
	}
}

// resetCursor arranges for the next poll to read the session's full
// state. Called on (re)start.
func (in *ingestor) resetCursor() {
	in.cursor = ""
}

// run polls until ctx is cancelled. It subscribes to change hints as
// an accelerator; the ticker remains the delivery guarantee, so a
// hint channel that never fires costs nothing but latency.
func (in *ingestor) run(ctx context.Context) {
	hints, cancelHints, err := in.store.SubscribeHints(ctx, in.session)
	if err != nil {
		in.logger.Warn("change hint subscription unavailable, polling only",
			"session", in.session,
			"error", err,
		)
		hints = nil
	} else {
		defer cancelHints()
	}

	ticker := in.clock.NewTicker(in.pollInterval)
	defer ticker.Stop()

	// Immediate first read so an already-published offer is picked
	// up without waiting out a full interval.
	in.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.poll(ctx)
		case _, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			in.poll(ctx)
		}
	}
}

// poll reads changes since the cursor and dispatches new records.
// Read failures are transient by nature here: the next tick retries,
// so they are logged and swallowed.
func (in *ingestor) poll(ctx context.Context) {
	records, next, err := in.store.PollChanges(ctx, in.session, in.cursor)
	if err != nil {
		if ctx.Err() == nil {
			in.logger.Warn("change poll failed",
				"session", in.session,
				"error", err,
			)
		}
		return
	}
	in.cursor = next

	for _, record := range records {
		in.dispatch(ctx, record)
	}
}

// dispatch filters one record and converts it into a session event.
func (in *ingestor) dispatch(ctx context.Context, record Record) {
	// Our own writes echo back through the change feed; the actor
	// only ever wants the remote peer's records.
	if record.Owner == in.localID {
		return
	}

	dedupKey := string(record.Kind) + "/" + string(record.Owner)
	hash := ContentHash(record.Payload)
	if previous, ok := in.seen[dedupKey]; ok && previous == hash {
		return
	}
	// Malformed records are also remembered: they are treated as
	// absent, and re-reading identical bytes should not re-log.
	in.seen[dedupKey] = hash

	switch record.Kind {
	case KindOffer, KindAnswer:
		envelope, err := DecodeEnvelope(record.Payload)
		if err != nil {
			in.logger.Warn("dropping malformed envelope record",
				"key", record.Key,
				"error", err,
			)
			return
		}
		if envelope.Kind != record.Kind {
			in.logger.Warn("dropping envelope with mismatched kind",
				"key", record.Key,
				"record_kind", record.Kind,
				"payload_kind", envelope.Kind,
			)
			return
		}
		if envelope.Kind == KindOffer {
			in.deliver(ctx, remoteOfferEvent{epoch: envelope.Epoch, description: envelope.Description})
		} else {
			in.deliver(ctx, remoteAnswerEvent{epoch: envelope.Epoch, description: envelope.Description})
		}

	case KindCandidates:
		batch, err := DecodeCandidateBatch(record.Payload)
		if err != nil {
			in.logger.Warn("dropping malformed candidate batch record",
				"key", record.Key,
				"error", err,
			)
			return
		}
		in.deliver(ctx, remoteCandidatesEvent{
			epoch:      batch.Epoch,
			owner:      batch.Owner,
			candidates: batch.Candidates,
		})

	default:
		in.logger.Warn("dropping record of unknown kind",
			"key", record.Key,
			"kind", record.Kind,
		)
	}
}
