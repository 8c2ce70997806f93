// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/parley-net/parley/negotiation"
)

// TestClientServer runs the full store contract through the HTTP
// layer: Client against Server against MemoryStore, including the
// WebSocket hint feed.
func TestClientServer(t *testing.T) {
	server := httptest.NewServer(NewServer(NewMemoryStore(), nil))
	t.Cleanup(server.Close)

	testStoreContract(t, NewClient(server.URL, nil))
}

func TestClientKeyEscaping(t *testing.T) {
	backing := NewMemoryStore()
	server := httptest.NewServer(NewServer(backing, nil))
	t.Cleanup(server.Close)
	client := NewClient(server.URL, nil)

	// Keys carry both "/" (path structure) and "|" (pair separator).
	record := negotiation.Record{
		Key:     "room/alice|bob/candidates/alice",
		Session: "room/alice|bob",
		Kind:    negotiation.KindCandidates,
		Owner:   "alice",
		Payload: []byte{0x80},
	}
	if _, err := client.Put(t.Context(), record, negotiation.NoVersion); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The backing store must see the unescaped key.
	if _, err := backing.Get(t.Context(), record.Key); err != nil {
		t.Fatalf("backing store does not hold the unescaped key: %v", err)
	}
	if _, err := client.Get(t.Context(), record.Key); err != nil {
		t.Fatalf("Get through the client failed: %v", err)
	}
}

func TestServerRejectsIncompleteRecord(t *testing.T) {
	server := httptest.NewServer(NewServer(NewMemoryStore(), nil))
	t.Cleanup(server.Close)
	client := NewClient(server.URL, nil)

	record := negotiation.Record{Key: "room/alice|bob/offer"}
	_, err := client.Put(t.Context(), record, negotiation.NoVersion)
	var storeErr *negotiation.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("incomplete record returned %v, want a StoreError", err)
	}
	if storeErr.Transient {
		t.Error("validation failure classified as transient")
	}
}

func TestClientUnreachableServerIsTransient(t *testing.T) {
	// Grab a port that is closed by the time the client dials it.
	server := httptest.NewServer(NewServer(NewMemoryStore(), nil))
	url := server.URL
	server.Close()

	client := NewClient(url, nil)
	_, err := client.Get(t.Context(), "room/alice|bob/offer")
	if err == nil {
		t.Fatal("Get against a closed server succeeded")
	}
	if !negotiation.IsTransient(err) {
		t.Errorf("connection failure %v not classified as transient", err)
	}
}
