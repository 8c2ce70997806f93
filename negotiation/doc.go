// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package negotiation establishes exactly one live peer-to-peer media
// session between two participants using a shared rendezvous record
// store that is eventually consistent, rate limited, and queryable
// only by deterministic key.
//
// [Resolve] derives the canonical [SessionKey] and the pair's
// complementary roles: the lexicographically smaller participant is
// the offerer (and impolite), the larger is the polite answerer. Each
// negotiation generation is scoped by a [CallEpoch] carried inside
// record payloads, so staleness is a content comparison and records
// are only ever overwritten in place, never enumerated or deleted.
//
// [Engine] is the registry: one session actor per key, created on
// demand by Start and removed on close. A [Session] serializes
// application commands, store events, and transport callbacks through
// a single event queue, which makes the ordering guarantees
// structural: glare resolution, stale-epoch ignores, and the
// deferred-close rule all fall out of handling one event at a time.
//
// The store side is split into three small pieces: an ingestor that
// merges change hints and periodic polls into one deduplicated event
// stream (keyed by kind, owner, and BLAKE3 content hash), a candidate
// aggregator that debounces merged-batch republishes to respect the
// store's write rate limits, and a publisher that classifies write
// failures (suppressed-stale, transient with backoff and jitter,
// conflict with refetch-merge-retry, fatal).
//
// [RecordStore] and [MediaTransport] are the two consumed contracts;
// see the recordstore and media packages for implementations.
package negotiation
