// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package media implements the negotiation engine's MediaTransport
// contract over pion WebRTC. The engine owns signaling; this package
// owns the PeerConnection, trickle ICE candidate gathering, and the
// connection state machine.
package media
