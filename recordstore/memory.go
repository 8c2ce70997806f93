// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-net/parley/negotiation"
)

// Compile-time interface check.
var _ negotiation.RecordStore = (*MemoryStore)(nil)

// MemoryStore is an in-process RecordStore: a versioned map plus a
// monotonic change log and best-effort hint fan-out. It backs the
// rendezvous server by default and lets two engine instances in one
// process negotiate without any network, which is how most of the
// engine's tests run.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]storedRecord
	seq     int64
	subs    map[negotiation.SessionKey]map[*hintSub]struct{}
}

type storedRecord struct {
	record negotiation.Record
	seq    int64
}

type hintSub struct {
	ch chan struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]storedRecord),
		subs:    make(map[negotiation.SessionKey]map[*hintSub]struct{}),
	}
}

// Get returns the record at key.
func (s *MemoryStore) Get(_ context.Context, key string) (negotiation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[key]
	if !ok {
		return negotiation.Record{}, negotiation.ErrNotFound
	}
	return copyRecord(stored.record), nil
}

// Put writes a record, enforcing the version precondition, and
// notifies hint subscribers of the record's session.
func (s *MemoryStore) Put(_ context.Context, record negotiation.Record, expected negotiation.Version) (negotiation.Version, error) {
	s.mu.Lock()

	current, exists := s.records[record.Key]
	if expected != negotiation.NoVersion {
		if !exists || current.record.Version != expected {
			s.mu.Unlock()
			return negotiation.NoVersion, negotiation.ErrConflict
		}
	}

	s.seq++
	version := negotiation.Version(uuid.NewString())
	stored := copyRecord(record)
	stored.Version = version
	s.records[record.Key] = storedRecord{record: stored, seq: s.seq}

	var waiting []*hintSub
	for sub := range s.subs[record.Session] {
		waiting = append(waiting, sub)
	}
	s.mu.Unlock()

	for _, sub := range waiting {
		select {
		case sub.ch <- struct{}{}:
		default: // hint already pending
		}
	}
	return version, nil
}

// PollChanges returns the session's records written after cursor, in
// write order, plus the cursor to resume from.
func (s *MemoryStore) PollChanges(_ context.Context, session negotiation.SessionKey, cursor negotiation.Cursor) ([]negotiation.Record, negotiation.Cursor, error) {
	after := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(string(cursor), 10, 64)
		if err != nil {
			return nil, "", &negotiation.StoreError{Message: "malformed cursor " + string(cursor)}
		}
		after = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type sequenced struct {
		record negotiation.Record
		seq    int64
	}
	var changed []sequenced
	for _, stored := range s.records {
		if stored.record.Session != session || stored.seq <= after {
			continue
		}
		changed = append(changed, sequenced{record: copyRecord(stored.record), seq: stored.seq})
	}
	slices.SortFunc(changed, func(a, b sequenced) int {
		return cmp.Compare(a.seq, b.seq)
	})

	records := make([]negotiation.Record, 0, len(changed))
	for _, entry := range changed {
		records = append(records, entry.record)
	}
	return records, negotiation.Cursor(strconv.FormatInt(s.seq, 10)), nil
}

// SubscribeHints registers a buffered hint channel for the session.
func (s *MemoryStore) SubscribeHints(ctx context.Context, session negotiation.SessionKey) (<-chan struct{}, func(), error) {
	sub := &hintSub{ch: make(chan struct{}, 1)}

	s.mu.Lock()
	if s.subs[session] == nil {
		s.subs[session] = make(map[*hintSub]struct{})
	}
	s.subs[session][sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[session], sub)
			s.mu.Unlock()
		})
	}

	// Release the subscription when the caller's context ends, so
	// callers that only cancel the context don't leak entries.
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, cancel, nil
}

func copyRecord(record negotiation.Record) negotiation.Record {
	duplicate := record
	duplicate.Payload = append([]byte(nil), record.Payload...)
	return duplicate
}
