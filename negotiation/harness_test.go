// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

// fakeStore is an in-package RecordStore with failure injection and a
// write log. Tests that need two engines talking to each other share
// one instance.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]Record
	seq     int64
	seqs    map[string]int64
	subs    map[SessionKey][]chan struct{}

	// putErrs is consumed one entry per Put call; a nil entry means
	// that call succeeds.
	putErrs []error

	putLog []Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]Record),
		seqs:    make(map[string]int64),
		subs:    make(map[SessionKey][]chan struct{}),
	}
}

func (f *fakeStore) injectPutErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErrs = append(f.putErrs, errs...)
}

func (f *fakeStore) puts() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.putLog...)
}

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.putLog)
}

func (f *fakeStore) record(key string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[key]
	return record, ok
}

func (f *fakeStore) Get(_ context.Context, key string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) Put(_ context.Context, record Record, expected Version) (Version, error) {
	f.mu.Lock()

	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return NoVersion, err
		}
	}

	current, exists := f.records[record.Key]
	if expected != NoVersion && (!exists || current.Version != expected) {
		f.mu.Unlock()
		return NoVersion, ErrConflict
	}

	f.seq++
	record.Version = Version("v" + strconv.FormatInt(f.seq, 10))
	f.records[record.Key] = record
	f.seqs[record.Key] = f.seq
	f.putLog = append(f.putLog, record)

	subs := append([]chan struct{}(nil), f.subs[record.Session]...)
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
	return record.Version, nil
}

func (f *fakeStore) PollChanges(_ context.Context, session SessionKey, cursor Cursor) ([]Record, Cursor, error) {
	after := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(string(cursor), 10, 64)
		if err != nil {
			return nil, "", &StoreError{Message: "malformed cursor"}
		}
		after = parsed
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var records []Record
	for key, record := range f.records {
		if record.Session != session || f.seqs[key] <= after {
			continue
		}
		records = append(records, record)
	}
	// Deterministic order by write sequence.
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Compare(f.seqs[a.Key], f.seqs[b.Key])
	})
	return records, Cursor(strconv.FormatInt(f.seq, 10)), nil
}

func (f *fakeStore) SubscribeHints(_ context.Context, session SessionKey) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs[session] = append(f.subs[session], ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[session]
		for i, sub := range subs {
			if sub == ch {
				f.subs[session] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel, nil
}

// fakeTransport records every call the session makes and lets tests
// emit candidates and state changes as if gathered by a media stack.
type fakeTransport struct {
	mu          sync.Mutex
	onCandidate func(CandidateDescriptor)
	onState     func(TransportState)

	offers    int
	answers   int
	rollbacks int
	locals    []Description
	remotes   []Description
	added     []CandidateDescriptor
	closed    bool

	createOfferErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) CreateOffer(_ context.Context) (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOfferErr != nil {
		return Description{}, f.createOfferErr
	}
	f.offers++
	return Description{Type: "offer", SDP: fmt.Sprintf("offer-sdp-%d", f.offers)}, nil
}

func (f *fakeTransport) CreateAnswer(_ context.Context) (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return Description{Type: "answer", SDP: fmt.Sprintf("answer-sdp-%d", f.answers)}, nil
}

func (f *fakeTransport) SetLocalDescription(_ context.Context, description Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locals = append(f.locals, description)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(_ context.Context, description Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remotes = append(f.remotes, description)
	return nil
}

func (f *fakeTransport) RollbackLocalDescription(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *fakeTransport) AddCandidate(_ context.Context, candidate CandidateDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, candidate)
	return nil
}

func (f *fakeTransport) OnLocalCandidate(callback func(CandidateDescriptor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = callback
}

func (f *fakeTransport) OnStateChange(callback func(TransportState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = callback
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emitCandidate(candidate CandidateDescriptor) {
	f.mu.Lock()
	callback := f.onCandidate
	f.mu.Unlock()
	if callback != nil {
		callback(candidate)
	}
}

func (f *fakeTransport) emitState(state TransportState) {
	f.mu.Lock()
	callback := f.onState
	f.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}

func (f *fakeTransport) rollbackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rollbacks
}

func (f *fakeTransport) addedCandidates() []CandidateDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CandidateDescriptor(nil), f.added...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) remoteDescriptions() []Description {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Description(nil), f.remotes...)
}

// testTunables keeps the defaults but can be overridden per test.
func testTunables() sessionTunables {
	return sessionTunables{
		pollInterval:         defaultPollInterval,
		debounceWindow:       defaultDebounceWindow,
		maxPendingCandidates: defaultMaxPendingCandidates,
		answerTimeout:        defaultAnswerTimeout,
		restartCooldown:      defaultRestartCooldown,
		maxAutoRestarts:      defaultMaxAutoRestarts,
	}
}

// newTestSession wires a session directly, bypassing the engine, so
// tests can pick arbitrary roles (glare needs a polite offerer, which
// Resolve never produces).
func newTestSession(t *testing.T, store RecordStore, transport *fakeTransport, role Role, clk clock.Clock, tunables sessionTunables) *Session {
	t.Helper()
	key := SessionKey("room/alice|bob")
	localID, remoteID := ParticipantID("alice"), ParticipantID("bob")
	if !role.Offerer {
		localID, remoteID = "bob", "alice"
	}
	session := newSession(key, "room", localID, remoteID, role,
		store, transport, clk, slog.New(slog.DiscardHandler),
		NewEpochAllocator(clk), tunables, defaultPublishAttempts, time.Millisecond, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Close(ctx, "test cleanup")
	})
	return session
}

// waitUntil polls condition with a real-time deadline. Used to
// synchronize with the session actor between fake-clock advances.
func waitUntil(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", message)
}

// waitForState blocks until the session reports the wanted state.
func waitForState(t *testing.T, session *Session, want State) {
	t.Helper()
	waitUntil(t, func() bool { return session.State() == want },
		fmt.Sprintf("session state %s (at %s)", want, session.State()))
}
