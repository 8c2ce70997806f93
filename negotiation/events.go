// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

// sessionEvent is the sealed set of items a session actor dequeues.
// Three sources feed the queue: application commands, ingestion
// events from the store, and transport callbacks. The actor handles
// one event at a time, so all state transitions are totally ordered.
type sessionEvent interface {
	isSessionEvent()
}

// startCommand begins negotiation. done receives the outcome of the
// initial start work (role resolution happened at session creation).
type startCommand struct {
	done chan error
}

// closeCommand releases the session. From Connecting it is deferred
// until the transport reports connected or failed. done is closed
// when the close has executed.
type closeCommand struct {
	reason string
	done   chan struct{}
}

// restartCommand begins a fresh negotiation generation.
type restartCommand struct {
	reason string
	done   chan error
}

// remoteOfferEvent is a deduplicated offer envelope read from the
// store.
type remoteOfferEvent struct {
	epoch       CallEpoch
	description Description
}

// remoteAnswerEvent is a deduplicated answer envelope read from the
// store.
type remoteAnswerEvent struct {
	epoch       CallEpoch
	description Description
}

// remoteCandidatesEvent is a deduplicated candidate batch read from
// the store.
type remoteCandidatesEvent struct {
	epoch      CallEpoch
	owner      ParticipantID
	candidates []CandidateDescriptor
}

// localCandidateEvent is a candidate gathered by the local transport.
type localCandidateEvent struct {
	candidate CandidateDescriptor
}

// transportStateEvent is a connection state change reported by the
// transport.
type transportStateEvent struct {
	state TransportState
}

// flushCandidatesEvent asks the actor to publish the aggregator's
// pending batch. Enqueued by the debounce timer.
type flushCandidatesEvent struct{}

// answerTimeoutEvent fires when no answer arrived within the deadline
// for the given epoch. Stale timeouts (epoch moved on) are ignored.
type answerTimeoutEvent struct {
	epoch CallEpoch
}

func (startCommand) isSessionEvent()          {}
func (closeCommand) isSessionEvent()          {}
func (restartCommand) isSessionEvent()        {}
func (remoteOfferEvent) isSessionEvent()      {}
func (remoteAnswerEvent) isSessionEvent()     {}
func (remoteCandidatesEvent) isSessionEvent() {}
func (localCandidateEvent) isSessionEvent()   {}
func (transportStateEvent) isSessionEvent()   {}
func (flushCandidatesEvent) isSessionEvent()  {}
func (answerTimeoutEvent) isSessionEvent()    {}
