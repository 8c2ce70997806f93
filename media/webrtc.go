// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parley-net/parley/negotiation"
)

// Compile-time interface check.
var _ negotiation.MediaTransport = (*Transport)(nil)

// Transport wraps one pion PeerConnection as a MediaTransport. It
// uses trickle ICE: candidates surface through OnLocalCandidate as
// they are gathered, so descriptions publish without waiting for
// gathering to finish.
type Transport struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	// mu guards the registered callbacks. pion fires its handlers
	// from internal goroutines.
	mu          sync.Mutex
	onCandidate func(negotiation.CandidateDescriptor)
	onState     func(negotiation.TransportState)

	closeOnce sync.Once
	closeErr  error
}

// New creates a transport. A keepalive data channel is opened
// immediately so the first offer always carries a media section, even
// before the application attaches tracks or channels of its own.
func New(config ICEConfig, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.webrtcServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t := &Transport{pc: pc, logger: logger}

	if _, err := pc.CreateDataChannel("keepalive", nil); err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating keepalive channel: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// End-of-candidates marker; trickle consumers don't need it.
			return
		}
		blob, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			t.logger.Warn("encoding local candidate failed", "error", err)
			return
		}
		t.mu.Lock()
		callback := t.onCandidate
		t.mu.Unlock()
		if callback != nil {
			callback(negotiation.CandidateDescriptor(blob))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		mapped, ok := mapConnectionState(state)
		if !ok {
			return
		}
		t.mu.Lock()
		callback := t.onState
		t.mu.Unlock()
		if callback != nil {
			callback(mapped)
		}
	})

	return t, nil
}

// PeerConnection exposes the underlying connection so the application
// can attach tracks and data channels once negotiation completes.
func (t *Transport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

// CreateOffer produces a local offer description.
func (t *Transport) CreateOffer(_ context.Context) (negotiation.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return negotiation.Description{}, fmt.Errorf("creating offer: %w", err)
	}
	return negotiation.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer produces a local answer description.
func (t *Transport) CreateAnswer(_ context.Context) (negotiation.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return negotiation.Description{}, fmt.Errorf("creating answer: %w", err)
	}
	return negotiation.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetLocalDescription applies a locally created description. Setting
// an offer starts candidate gathering.
func (t *Transport) SetLocalDescription(_ context.Context, description negotiation.Description) error {
	session, err := toSessionDescription(description)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(session); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

// SetRemoteDescription applies the remote peer's description.
func (t *Transport) SetRemoteDescription(_ context.Context, description negotiation.Description) error {
	session, err := toSessionDescription(description)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(session); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// RollbackLocalDescription discards the pending local offer.
func (t *Transport) RollbackLocalDescription(_ context.Context) error {
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if err := t.pc.SetLocalDescription(rollback); err != nil {
		return fmt.Errorf("rolling back local description: %w", err)
	}
	return nil
}

// AddCandidate feeds a remote candidate into the connection.
func (t *Transport) AddCandidate(_ context.Context, candidate negotiation.CandidateDescriptor) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decoding remote candidate: %w", err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

// OnLocalCandidate registers the trickle candidate callback.
func (t *Transport) OnLocalCandidate(callback func(negotiation.CandidateDescriptor)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = callback
}

// OnStateChange registers the connection state callback.
func (t *Transport) OnStateChange(callback func(negotiation.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = callback
}

// Close releases the peer connection. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func toSessionDescription(description negotiation.Description) (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(description.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown description type %q", description.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: description.SDP}, nil
}

// mapConnectionState folds pion's connection states onto the engine's
// four. Disconnected maps to connecting because pion may still
// recover it without renegotiation; New and Unknown produce nothing.
func mapConnectionState(state webrtc.PeerConnectionState) (negotiation.TransportState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return negotiation.TransportConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return negotiation.TransportConnected, true
	case webrtc.PeerConnectionStateFailed:
		return negotiation.TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return negotiation.TransportClosed, true
	default:
		return 0, false
	}
}
