// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import "context"

// TransportState is the media transport's connection state as
// reported through OnStateChange.
type TransportState int

const (
	// TransportConnecting means a connectivity attempt is in flight.
	TransportConnecting TransportState = iota

	// TransportConnected means the media session is live.
	TransportConnected

	// TransportFailed means connectivity was lost and will not
	// recover without renegotiation.
	TransportFailed

	// TransportClosed means the transport released its resources.
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaTransport is the capability interface of the underlying media
// stack. The engine drives signaling through it and never touches the
// media planes. Callbacks registered via OnLocalCandidate and
// OnStateChange may fire from transport-internal goroutines; the
// session converts them into queue events, so handlers stay trivial.
type MediaTransport interface {
	// CreateOffer produces a local offer description.
	CreateOffer(ctx context.Context) (Description, error)

	// CreateAnswer produces a local answer description. Valid only
	// after a remote offer has been applied.
	CreateAnswer(ctx context.Context) (Description, error)

	// SetLocalDescription applies a locally created description.
	SetLocalDescription(ctx context.Context, description Description) error

	// SetRemoteDescription applies the remote peer's description.
	SetRemoteDescription(ctx context.Context, description Description) error

	// RollbackLocalDescription discards the pending local
	// description. The polite peer uses this to yield during glare.
	RollbackLocalDescription(ctx context.Context) error

	// AddCandidate feeds a remote connectivity candidate into the
	// transport.
	AddCandidate(ctx context.Context, candidate CandidateDescriptor) error

	// OnLocalCandidate registers the callback for locally gathered
	// candidates (trickle).
	OnLocalCandidate(callback func(CandidateDescriptor))

	// OnStateChange registers the callback for connection state
	// transitions.
	OnStateChange(callback func(TransportState))

	// Close releases transport resources. Idempotent.
	Close() error
}
