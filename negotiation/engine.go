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

// Config configures an Engine. Store and NewTransport are required;
// everything else has defaults.
type Config struct {
	// Store is the shared rendezvous record store.
	Store RecordStore

	// NewTransport creates the media transport for a new session.
	// Called once per session, under no locks.
	NewTransport func(ctx context.Context, key SessionKey) (MediaTransport, error)

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger

	// PollInterval, DebounceWindow, AnswerTimeout, RestartCooldown,
	// MaxPendingCandidates, MaxAutoRestarts, PublishAttempts, and
	// PublishBackoff override the session defaults when non-zero.
	PollInterval         time.Duration
	DebounceWindow       time.Duration
	AnswerTimeout        time.Duration
	RestartCooldown      time.Duration
	MaxPendingCandidates int
	MaxAutoRestarts      int
	PublishAttempts      int
	PublishBackoff       time.Duration
}

// ErrEngineClosed is returned by Start after the engine shut down.
var ErrEngineClosed = errors.New("negotiation: engine closed")

// Engine routes commands and events to per-pair negotiation sessions.
// It is an explicit registry from SessionKey to session actor, with
// creation on demand in Start and teardown when a session reaches
// Closed. There are no ambient singletons; two engines in one process
// (as in tests simulating both peers) never interfere.
type Engine struct {
	store        RecordStore
	newTransport func(ctx context.Context, key SessionKey) (MediaTransport, error)
	clock        clock.Clock
	logger       *slog.Logger
	epochs       *EpochAllocator
	tunables     sessionTunables

	publishAttempts int
	publishBackoff  time.Duration

	mu       sync.Mutex
	sessions map[SessionKey]*Session
	closed   bool
}

// NewEngine validates the config and creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("negotiation: Config.Store is required")
	}
	if cfg.NewTransport == nil {
		return nil, fmt.Errorf("negotiation: Config.NewTransport is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tunables := sessionTunables{
		pollInterval:         cfg.PollInterval,
		debounceWindow:       cfg.DebounceWindow,
		maxPendingCandidates: cfg.MaxPendingCandidates,
		answerTimeout:        cfg.AnswerTimeout,
		restartCooldown:      cfg.RestartCooldown,
		maxAutoRestarts:      cfg.MaxAutoRestarts,
	}
	if tunables.pollInterval <= 0 {
		tunables.pollInterval = defaultPollInterval
	}
	if tunables.debounceWindow <= 0 {
		tunables.debounceWindow = defaultDebounceWindow
	}
	if tunables.maxPendingCandidates <= 0 {
		tunables.maxPendingCandidates = defaultMaxPendingCandidates
	}
	if tunables.answerTimeout <= 0 {
		tunables.answerTimeout = defaultAnswerTimeout
	}
	if tunables.restartCooldown <= 0 {
		tunables.restartCooldown = defaultRestartCooldown
	}
	if tunables.maxAutoRestarts <= 0 {
		tunables.maxAutoRestarts = defaultMaxAutoRestarts
	}

	publishAttempts := cfg.PublishAttempts
	if publishAttempts <= 0 {
		publishAttempts = defaultPublishAttempts
	}
	publishBackoff := cfg.PublishBackoff
	if publishBackoff <= 0 {
		publishBackoff = defaultPublishBackoff
	}

	return &Engine{
		store:           cfg.Store,
		newTransport:    cfg.NewTransport,
		clock:           clk,
		logger:          logger,
		epochs:          NewEpochAllocator(clk),
		tunables:        tunables,
		publishAttempts: publishAttempts,
		publishBackoff:  publishBackoff,
		sessions:        make(map[SessionKey]*Session),
	}, nil
}

// Start establishes (or returns) the session for the participant
// pair. If a live session for the key already exists it is returned
// as-is; otherwise a new session is created and negotiation begins.
// A non-nil session may be returned alongside an error when the
// initial negotiation failed; the session is then in StateFailed and
// can be revived with Restart.
func (e *Engine) Start(ctx context.Context, channelID ChannelID, localID, remoteID ParticipantID) (*Session, error) {
	key, role, err := Resolve(channelID, localID, remoteID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if existing, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	transport, err := e.newTransport(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("creating media transport for %s: %w", key, err)
	}

	session := newSession(key, channelID, localID, remoteID, role,
		e.store, transport, e.clock, e.logger, e.epochs,
		e.tunables, e.publishAttempts, e.publishBackoff,
		e.removeSession)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = session.Close(ctx, "engine closed")
		return nil, ErrEngineClosed
	}
	if existing, ok := e.sessions[key]; ok {
		// Another Start for the same pair raced us.
		e.mu.Unlock()
		_ = session.Close(ctx, "duplicate session")
		return existing, nil
	}
	e.sessions[key] = session
	e.mu.Unlock()

	if err := session.start(ctx); err != nil {
		return session, err
	}
	return session, nil
}

// Session returns the live session for key, if any.
func (e *Engine) Session(key SessionKey) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[key]
	return session, ok
}

// Close shuts down every session and rejects further Starts.
func (e *Engine) Close(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, session := range e.sessions {
		sessions = append(sessions, session)
	}
	e.mu.Unlock()

	var firstError error
	for _, session := range sessions {
		if err := session.Close(ctx, reason); err != nil && firstError == nil {
			firstError = err
		}
	}
	return firstError
}

// removeSession deregisters a session that reached Closed.
func (e *Engine) removeSession(key SessionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, key)
}
