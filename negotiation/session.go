// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-net/parley/lib/clock"
)

// defaultPollInterval is how often the ingestion pipeline polls the
// store for changes when no hint arrives.
const defaultPollInterval = 2 * time.Second

// defaultDebounceWindow bounds how often the candidate aggregator
// republishes the merged batch.
const defaultDebounceWindow = 250 * time.Millisecond

// defaultMaxPendingCandidates triggers an immediate batch publish
// once this many candidates are buffered, debounce notwithstanding.
const defaultMaxPendingCandidates = 8

// defaultAnswerTimeout is how long the offerer waits for an answer
// before restarting negotiation with a fresh epoch.
const defaultAnswerTimeout = 30 * time.Second

// defaultRestartCooldown is the minimum interval between
// application-requested restarts, preventing restart storms.
const defaultRestartCooldown = 5 * time.Second

// defaultMaxAutoRestarts bounds consecutive timeout-driven restarts
// before the session gives up and fails.
const defaultMaxAutoRestarts = 3

// defaultPublishAttempts is the retry budget for each store write.
const defaultPublishAttempts = 4

// defaultPublishBackoff is the base backoff between write retries.
const defaultPublishBackoff = 500 * time.Millisecond

// sessionQueueCapacity buffers the actor's event queue. Producers
// block (backpressure) when the actor falls behind.
const sessionQueueCapacity = 64

// State is a session's negotiation state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateAwaitingRemote
	StateNegotiating
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateAwaitingRemote:
		return "awaiting-remote"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state can only be exited via restart.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ErrSessionClosed is returned by commands against a closed session.
var ErrSessionClosed = errors.New("negotiation: session closed")

// ErrRestartThrottled is returned when a restart is requested before
// the cooldown since the previous restart has elapsed.
var ErrRestartThrottled = errors.New("negotiation: restart throttled")

// sessionTunables are the per-session timing and budget knobs,
// normalized from the engine config.
type sessionTunables struct {
	pollInterval         time.Duration
	debounceWindow       time.Duration
	maxPendingCandidates int
	answerTimeout        time.Duration
	restartCooldown      time.Duration
	maxAutoRestarts      int
}

// bufferedCandidate is a remote candidate held until the matching
// remote description has been applied.
type bufferedCandidate struct {
	epoch     CallEpoch
	candidate CandidateDescriptor
}

// Session coordinates one negotiation between two participants. It is
// a single logical actor: application commands, ingestion events, and
// transport callbacks all flow through one queue and are handled
// strictly in order by one goroutine. Calls into the transport and
// the store complete before the next event is dequeued, so every
// state transition is totally ordered. Sessions for different keys
// share nothing and run fully concurrently.
type Session struct {
	key      SessionKey
	channel  ChannelID
	localID  ParticipantID
	remoteID ParticipantID
	role     Role

	transport MediaTransport
	clock     clock.Clock
	logger    *slog.Logger
	epochs    *EpochAllocator
	pub       *publisher
	agg       *candidateAggregator
	ingest    *ingestor
	tunables  sessionTunables

	queue   chan sessionEvent
	done    chan struct{}
	updates chan State

	ctx    context.Context
	cancel context.CancelFunc

	// onClosed deregisters the session from the engine registry.
	onClosed func(SessionKey)

	// Actor-owned state. Touched only by the run goroutine.
	state           State
	activeEpoch     CallEpoch
	hasRemoteDesc   bool
	pendingOffer    bool
	applied         map[Fingerprint]struct{}
	buffered        []bufferedCandidate
	pendingCloses   []closeCommand
	answerTimer     *clock.Timer
	ingestCancel    context.CancelFunc
	ingestDone      chan struct{}
	autoRestarts    int
	lastRestartTime time.Time

	// Observable snapshot for the application.
	obsMu    sync.Mutex
	obsState State
	obsErr   error
}

func newSession(key SessionKey, channel ChannelID, localID, remoteID ParticipantID, role Role,
	store RecordStore, transport MediaTransport, clk clock.Clock, logger *slog.Logger,
	epochs *EpochAllocator, tunables sessionTunables, publishAttempts int, publishBackoff time.Duration,
	onClosed func(SessionKey)) *Session {

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:       key,
		channel:   channel,
		localID:   localID,
		remoteID:  remoteID,
		role:      role,
		transport: transport,
		clock:     clk,
		logger:    logger.With("session", key, "role", roleLabel(role)),
		epochs:    epochs,
		tunables:  tunables,
		queue:     make(chan sessionEvent, sessionQueueCapacity),
		done:      make(chan struct{}),
		updates:   make(chan State, 16),
		ctx:       ctx,
		cancel:    cancel,
		onClosed:  onClosed,
		state:     StateIdle,
		obsState:  StateIdle,
		applied:   make(map[Fingerprint]struct{}),
	}
	s.pub = newPublisher(store, clk, s.logger, publishAttempts, publishBackoff)
	s.agg = newCandidateAggregator(clk, s.logger, key, tunables.debounceWindow, tunables.maxPendingCandidates,
		func() { s.enqueue(flushCandidatesEvent{}) })
	s.ingest = newIngestor(store, key, localID, clk, s.logger, tunables.pollInterval,
		func(ctx context.Context, event sessionEvent) {
			select {
			case s.queue <- event:
			case <-s.done:
			case <-ctx.Done():
			}
		})

	transport.OnLocalCandidate(func(candidate CandidateDescriptor) {
		s.enqueue(localCandidateEvent{candidate: candidate})
	})
	transport.OnStateChange(func(state TransportState) {
		s.enqueue(transportStateEvent{state: state})
	})

	go s.run()
	return s
}

func roleLabel(role Role) string {
	if role.Offerer {
		return "offerer"
	}
	return "answerer"
}

// Key returns the canonical session key.
func (s *Session) Key() SessionKey { return s.key }

// Role returns this peer's derived role.
func (s *Session) Role() Role { return s.role }

// State returns the current negotiation state.
func (s *Session) State() State {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.obsState
}

// LastError returns the most recent surfaced error, or nil. Only
// fatal store failures, transport failures, and restart-budget
// exhaustion ever appear here; everything else is recovered locally.
func (s *Session) LastError() error {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.obsErr
}

// Updates returns a channel carrying state transitions. The channel
// is buffered; transitions are dropped if the consumer falls behind.
func (s *Session) Updates() <-chan State { return s.updates }

// Done is closed when the session actor has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close releases the session. From Connecting the request is deferred
// until the transport reports connected or failed, then executes
// immediately. Idempotent.
func (s *Session) Close(ctx context.Context, reason string) error {
	command := closeCommand{reason: reason, done: make(chan struct{})}
	if !s.send(ctx, command) {
		return nil // already closed
	}
	select {
	case <-command.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart begins a fresh negotiation generation. Allowed from
// Connected, Failed, or any in-flight state; throttled by the restart
// cooldown.
func (s *Session) Restart(ctx context.Context, reason string) error {
	command := restartCommand{reason: reason, done: make(chan error, 1)}
	if !s.send(ctx, command) {
		return ErrSessionClosed
	}
	select {
	case err := <-command.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start kicks off negotiation. Called once by the engine.
func (s *Session) start(ctx context.Context) error {
	command := startCommand{done: make(chan error, 1)}
	if !s.send(ctx, command) {
		return ErrSessionClosed
	}
	select {
	case err := <-command.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send enqueues a command, failing fast if the actor has exited.
func (s *Session) send(ctx context.Context, event sessionEvent) bool {
	select {
	case s.queue <- event:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// enqueue pushes an event from a background goroutine (ingestion,
// transport callback, timer), dropping it if the actor has exited.
func (s *Session) enqueue(event sessionEvent) {
	select {
	case s.queue <- event:
	case <-s.done:
	}
}

// run is the actor loop. One event at a time, in arrival order.
func (s *Session) run() {
	defer close(s.done)
	for event := range s.queue {
		s.handle(event)
		if s.state == StateClosed {
			return
		}
	}
}

// handle dispatches one event. The switch is exhaustive over the
// sealed sessionEvent set.
func (s *Session) handle(event sessionEvent) {
	switch ev := event.(type) {
	case startCommand:
		s.handleStart(ev)
	case closeCommand:
		s.handleClose(ev)
	case restartCommand:
		s.handleRestart(ev)
	case remoteOfferEvent:
		s.handleRemoteOffer(ev)
	case remoteAnswerEvent:
		s.handleRemoteAnswer(ev)
	case remoteCandidatesEvent:
		s.handleRemoteCandidates(ev)
	case localCandidateEvent:
		s.handleLocalCandidate(ev)
	case transportStateEvent:
		s.handleTransportState(ev)
	case flushCandidatesEvent:
		s.flushCandidates()
	case answerTimeoutEvent:
		s.handleAnswerTimeout(ev)
	default:
		s.logger.Error("unhandled session event", "event", fmt.Sprintf("%T", event))
	}
}

func (s *Session) setState(state State) {
	if state == s.state {
		return
	}
	s.logger.Debug("state transition", "from", s.state, "to", state)
	s.state = state

	s.obsMu.Lock()
	s.obsState = state
	s.obsMu.Unlock()

	select {
	case s.updates <- state:
	default: // consumer behind, drop
	}
}

func (s *Session) setError(err error) {
	s.obsMu.Lock()
	s.obsErr = err
	s.obsMu.Unlock()
}

// --- command handlers ---

func (s *Session) handleStart(command startCommand) {
	if s.state != StateIdle {
		command.done <- fmt.Errorf("negotiation: start from state %s", s.state)
		return
	}
	err := s.beginNegotiation()
	if err != nil {
		s.fail(err)
	}
	command.done <- err
}

func (s *Session) handleRestart(command restartCommand) {
	command.done <- s.restartNow(command.reason, false)
}

// restartNow validates and performs a restart. auto restarts (answer
// timeout) bypass the cooldown: their pacing is the timeout itself.
func (s *Session) restartNow(reason string, auto bool) error {
	switch s.state {
	case StateIdle, StateClosed:
		return fmt.Errorf("negotiation: restart from state %s", s.state)
	}
	if !auto && !s.lastRestartTime.IsZero() {
		if elapsed := s.clock.Now().Sub(s.lastRestartTime); elapsed < s.tunables.restartCooldown {
			return fmt.Errorf("%w: %s since previous restart", ErrRestartThrottled, elapsed)
		}
	}
	if !auto {
		// A manual restart is fresh application intent, so the
		// consecutive timeout count starts over.
		s.autoRestarts = 0
	}
	s.lastRestartTime = s.clock.Now()

	s.logger.Info("restarting negotiation", "reason", reason, "auto", auto)

	err := s.beginNegotiation()
	if err != nil {
		s.fail(err)
	}
	return err
}

// beginNegotiation starts a fresh generation: resets per-generation
// state, (re)starts the ingestion pipeline with an empty cursor, and
// on the offerer side allocates an epoch, publishes the offer, and
// arms the answer deadline.
func (s *Session) beginNegotiation() error {
	s.setState(StateStarting)

	s.hasRemoteDesc = false
	s.pendingOffer = false
	s.applied = make(map[Fingerprint]struct{})
	s.buffered = nil
	s.stopAnswerTimer()

	// Restart the pipeline with a full read: the first poll of a new
	// generation legitimately uses the empty cursor. The previous run
	// goroutine must be fully gone before the reset, or a poll still
	// in flight would race the new generation over the cursor and the
	// dedup filter.
	if s.ingestCancel != nil {
		s.ingestCancel()
		s.ingestCancel = nil
	}
	if s.ingestDone != nil {
		<-s.ingestDone
		s.ingestDone = nil
	}
	s.ingest.resetCursor()
	ingestCtx, cancel := context.WithCancel(s.ctx)
	s.ingestCancel = cancel
	done := make(chan struct{})
	s.ingestDone = done
	go func() {
		defer close(done)
		s.ingest.run(ingestCtx)
	}()

	if !s.role.Offerer {
		// The answerer keeps its previous activeEpoch so genuinely
		// stale offers stay ignored; the next offer's higher epoch
		// will be adopted on arrival.
		s.agg.reset(0, s.localID, CandidateKey(s.key, s.localID))
		s.setState(StateAwaitingRemote)
		return nil
	}

	epoch := s.epochs.Next()
	s.activeEpoch = epoch
	s.agg.reset(epoch, s.localID, CandidateKey(s.key, s.localID))

	offer, err := s.transport.CreateOffer(s.ctx)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := s.transport.SetLocalDescription(s.ctx, offer); err != nil {
		return fmt.Errorf("setting local offer: %w", err)
	}
	s.pendingOffer = true

	if err := s.publishEnvelope(KindOffer, epoch, offer); err != nil {
		return err
	}

	s.logger.Info("offer published", "epoch", epoch)
	s.setState(StateAwaitingRemote)

	s.answerTimer = s.clock.AfterFunc(s.tunables.answerTimeout, func() {
		s.enqueue(answerTimeoutEvent{epoch: epoch})
	})
	return nil
}

func (s *Session) handleClose(command closeCommand) {
	if s.state == StateClosed {
		close(command.done)
		return
	}
	if s.state == StateConnecting {
		// Deferred: executes the instant the transport reports
		// connected or failed.
		s.logger.Info("close deferred until connection settles", "reason", command.reason)
		s.pendingCloses = append(s.pendingCloses, command)
		return
	}
	s.executeClose(command)
}

// executeClose tears the session down: pipeline, timers, transport,
// registry entry. After this the actor exits; no further store writes
// can happen.
func (s *Session) executeClose(command closeCommand) {
	s.logger.Info("closing session", "reason", command.reason)

	if s.ingestCancel != nil {
		s.ingestCancel()
		s.ingestCancel = nil
	}
	s.stopAnswerTimer()
	s.agg.stop()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close error", "error", err)
	}
	s.cancel()
	s.setState(StateClosed)

	if s.onClosed != nil {
		s.onClosed(s.key)
	}

	for _, pending := range s.pendingCloses {
		close(pending.done)
	}
	s.pendingCloses = nil
	close(command.done)
}

// fail moves the session to Failed: the pipeline and timers stop, the
// error surfaces, and any deferred close executes immediately. Failed
// is exited only via restart.
func (s *Session) fail(err error) {
	s.logger.Error("negotiation failed", "error", err)
	s.setError(err)

	if s.ingestCancel != nil {
		s.ingestCancel()
		s.ingestCancel = nil
	}
	s.stopAnswerTimer()
	s.agg.stop()
	s.setState(StateFailed)

	if len(s.pendingCloses) > 0 {
		first := s.pendingCloses[0]
		s.pendingCloses = s.pendingCloses[1:]
		s.executeClose(first)
	}
}

func (s *Session) stopAnswerTimer() {
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
}

// --- ingestion handlers ---

func (s *Session) handleRemoteOffer(event remoteOfferEvent) {
	if s.state == StateIdle || s.state.Terminal() {
		return
	}
	if s.activeEpoch != 0 && event.epoch < s.activeEpoch {
		s.logger.Debug("ignoring stale offer", "epoch", event.epoch, "active", s.activeEpoch)
		return
	}

	if s.pendingOffer {
		// Glare: both sides hold a pending offer. Resolution is
		// purely by role, never by epoch value.
		if !s.role.Polite {
			s.logger.Info("glare: ignoring remote offer, local offer wins", "epoch", event.epoch)
			return
		}
		s.logger.Info("glare: yielding, rolling back local offer", "epoch", event.epoch)
		if err := s.transport.RollbackLocalDescription(s.ctx); err != nil {
			s.fail(fmt.Errorf("rolling back local offer: %w", err))
			return
		}
		s.pendingOffer = false
	}

	s.setState(StateNegotiating)

	if err := s.transport.SetRemoteDescription(s.ctx, event.description); err != nil {
		s.fail(fmt.Errorf("applying remote offer: %w", err))
		return
	}
	s.hasRemoteDesc = true
	s.adoptEpoch(event.epoch)

	answer, err := s.transport.CreateAnswer(s.ctx)
	if err != nil {
		s.fail(fmt.Errorf("creating answer: %w", err))
		return
	}
	if err := s.transport.SetLocalDescription(s.ctx, answer); err != nil {
		s.fail(fmt.Errorf("setting local answer: %w", err))
		return
	}

	if err := s.publishEnvelope(KindAnswer, event.epoch, answer); err != nil {
		s.fail(err)
		return
	}
	s.logger.Info("answer published", "epoch", event.epoch)

	s.flushBufferedCandidates()
	s.setState(StateConnecting)
}

func (s *Session) handleRemoteAnswer(event remoteAnswerEvent) {
	if !s.role.Offerer {
		return
	}
	if s.state != StateAwaitingRemote && s.state != StateNegotiating {
		s.logger.Debug("ignoring answer in state", "state", s.state, "epoch", event.epoch)
		return
	}
	if event.epoch != s.activeEpoch {
		s.logger.Debug("ignoring answer for wrong epoch", "epoch", event.epoch, "active", s.activeEpoch)
		return
	}

	s.stopAnswerTimer()

	if err := s.transport.SetRemoteDescription(s.ctx, event.description); err != nil {
		s.fail(fmt.Errorf("applying remote answer: %w", err))
		return
	}
	s.hasRemoteDesc = true
	s.pendingOffer = false

	s.logger.Info("answer applied", "epoch", event.epoch)
	s.flushBufferedCandidates()
	s.setState(StateConnecting)
}

func (s *Session) handleRemoteCandidates(event remoteCandidatesEvent) {
	if s.state == StateIdle || s.state.Terminal() {
		return
	}

	if s.activeEpoch != 0 && event.epoch != s.activeEpoch {
		if event.epoch < s.activeEpoch {
			// Stale generation: silently ignored, no reset. (A full
			// renegotiation here would let one late record kill a
			// healthy call.)
			s.logger.Debug("ignoring stale candidate batch", "epoch", event.epoch, "active", s.activeEpoch)
			return
		}
		// Future generation: the matching offer has not arrived yet.
		// Hold the candidates; adoptEpoch flushes or discards them.
		for _, candidate := range event.candidates {
			s.buffered = append(s.buffered, bufferedCandidate{epoch: event.epoch, candidate: candidate})
		}
		return
	}

	for _, candidate := range event.candidates {
		fingerprint := candidate.Fingerprint()
		if _, ok := s.applied[fingerprint]; ok {
			continue
		}
		if s.hasRemoteDesc {
			if err := s.transport.AddCandidate(s.ctx, candidate); err != nil {
				s.logger.Warn("adding remote candidate failed", "error", err)
				continue
			}
			s.applied[fingerprint] = struct{}{}
		} else {
			s.buffered = append(s.buffered, bufferedCandidate{epoch: event.epoch, candidate: candidate})
		}
	}
}

// adoptEpoch records the remote-initiated generation and rebinds the
// aggregator, discarding unpublished candidates from the prior epoch.
func (s *Session) adoptEpoch(epoch CallEpoch) {
	s.epochs.Observe(epoch)
	if epoch == s.activeEpoch {
		return
	}
	s.activeEpoch = epoch
	s.applied = make(map[Fingerprint]struct{})
	s.agg.reset(epoch, s.localID, CandidateKey(s.key, s.localID))
}

// flushBufferedCandidates applies candidates held for the active
// epoch now that the remote description is in place. Candidates from
// other epochs are dropped.
func (s *Session) flushBufferedCandidates() {
	buffered := s.buffered
	s.buffered = nil
	for _, held := range buffered {
		if held.epoch != 0 && held.epoch != s.activeEpoch {
			continue
		}
		fingerprint := held.candidate.Fingerprint()
		if _, ok := s.applied[fingerprint]; ok {
			continue
		}
		if err := s.transport.AddCandidate(s.ctx, held.candidate); err != nil {
			s.logger.Warn("adding buffered candidate failed", "error", err)
			continue
		}
		s.applied[fingerprint] = struct{}{}
	}
}

// --- transport handlers ---

func (s *Session) handleLocalCandidate(event localCandidateEvent) {
	if s.state == StateIdle || s.state.Terminal() {
		return
	}
	if s.agg.add(event.candidate) {
		s.flushCandidates()
	}
}

func (s *Session) flushCandidates() {
	if s.state.Terminal() {
		return
	}
	epoch := s.agg.epoch
	superseded := func() bool { return s.activeEpoch != epoch }
	if err := s.agg.flush(s.ctx, s.pub, superseded); err != nil {
		// Candidate publishes are not progress-critical: surface the
		// error without a state change. The connection may still
		// establish on the candidates already stored.
		s.setError(err)
	}
}

func (s *Session) handleTransportState(event transportStateEvent) {
	switch event.state {
	case TransportConnected:
		if s.state != StateConnecting {
			return
		}
		s.logger.Info("connected", "epoch", s.activeEpoch)
		s.autoRestarts = 0
		s.setState(StateConnected)
		if len(s.pendingCloses) > 0 {
			first := s.pendingCloses[0]
			s.pendingCloses = s.pendingCloses[1:]
			s.executeClose(first)
		}

	case TransportFailed:
		if s.state.Terminal() {
			return
		}
		s.fail(fmt.Errorf("negotiation: media transport failed"))

	default:
		s.logger.Debug("transport state", "state", event.state)
	}
}

// --- timers ---

func (s *Session) handleAnswerTimeout(event answerTimeoutEvent) {
	if s.state != StateAwaitingRemote || event.epoch != s.activeEpoch {
		return
	}
	s.autoRestarts++
	if s.autoRestarts > s.tunables.maxAutoRestarts {
		s.fail(fmt.Errorf("negotiation: no answer after %d attempts", s.autoRestarts-1))
		return
	}
	s.logger.Info("answer deadline elapsed, restarting",
		"epoch", event.epoch,
		"attempt", s.autoRestarts,
	)
	// Errors surface through fail() inside restartNow.
	_ = s.restartNow("answer timeout", true)
}

// --- publishing ---

// publishEnvelope writes an offer or answer record. These writes are
// progress-critical: exhausting the retry budget or hitting a fatal
// store error is surfaced by the caller as session failure.
func (s *Session) publishEnvelope(kind RecordKind, epoch CallEpoch, description Description) error {
	payload, err := EncodeEnvelope(Envelope{
		Kind:        kind,
		Epoch:       epoch,
		Owner:       s.localID,
		Description: description,
	})
	if err != nil {
		return err
	}

	_, err = s.pub.publish(s.ctx, publishRequest{
		record: Record{
			Key:     EnvelopeKey(s.key, kind),
			Session: s.key,
			Kind:    kind,
			Owner:   s.localID,
			Payload: payload,
		},
		expected:   NoVersion,
		superseded: func() bool { return s.activeEpoch != epoch },
	})
	if err == errSuperseded {
		return nil
	}
	return err
}
