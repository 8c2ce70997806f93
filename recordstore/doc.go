// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package recordstore provides the rendezvous side of negotiation:
// implementations of the engine's RecordStore contract.
//
// [MemoryStore] is the in-process versioned map used for tests and
// ephemeral rendezvous. [SQLiteStore] persists records so a restarted
// rendezvous keeps its slots and cursors. [Server] exposes either one
// over HTTP with WebSocket change hints, and [Client] is the matching
// remote RecordStore for engines on other machines.
package recordstore
