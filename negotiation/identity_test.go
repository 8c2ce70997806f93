// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import "testing"

func TestResolveSymmetric(t *testing.T) {
	keyA, roleA, err := Resolve("room", "alice", "bob")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	keyB, roleB, err := Resolve("room", "bob", "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if keyA != keyB {
		t.Errorf("keys differ by call order: %q vs %q", keyA, keyB)
	}
	if keyA != "room/alice|bob" {
		t.Errorf("key = %q, want %q", keyA, "room/alice|bob")
	}

	// Exactly one offerer, exactly one polite peer, never the same one.
	if !roleA.Offerer || roleA.Polite {
		t.Errorf("alice role = %+v, want offerer and impolite", roleA)
	}
	if roleB.Offerer || !roleB.Polite {
		t.Errorf("bob role = %+v, want answerer and polite", roleB)
	}
}

func TestResolveChannelScoping(t *testing.T) {
	keyA, _, err := Resolve("room-one", "alice", "bob")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	keyB, _, err := Resolve("room-two", "alice", "bob")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if keyA == keyB {
		t.Errorf("same key %q across channels", keyA)
	}
}

func TestResolveRejections(t *testing.T) {
	cases := []struct {
		name    string
		channel ChannelID
		local   ParticipantID
		remote  ParticipantID
	}{
		{"EmptyChannel", "", "alice", "bob"},
		{"EmptyLocal", "room", "", "bob"},
		{"EmptyRemote", "room", "alice", ""},
		{"SelfPairing", "room", "alice", "alice"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, _, err := Resolve(testCase.channel, testCase.local, testCase.remote); err == nil {
				t.Error("Resolve accepted invalid input")
			}
		})
	}
}
