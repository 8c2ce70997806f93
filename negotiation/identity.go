// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import "fmt"

// ParticipantID identifies a peer. IDs are opaque but totally ordered
// (lexicographic); the ordering is what makes role assignment
// deterministic and symmetric.
type ParticipantID string

// ChannelID scopes a logical conversation between two participants.
type ChannelID string

// SessionKey canonically identifies the pairing of two participants
// within a channel. It is order-independent: both peers derive the
// same key regardless of which side they are on.
type SessionKey string

func (k SessionKey) String() string { return string(k) }

// sessionKeySeparator separates the two participant IDs inside a
// session key. The pipe character keeps the boundary unambiguous as
// long as participant IDs avoid it, matching the record keys the
// store sees.
const sessionKeySeparator = "|"

// Role holds the two derived negotiation roles. The lexicographically
// smaller participant is the offerer, the larger is the polite peer,
// so under this rule the offerer is always impolite and the answerer
// always polite. Exactly one peer of a pair has Offerer set.
type Role struct {
	// Offerer means this peer initiates negotiation by creating and
	// publishing the offer.
	Offerer bool

	// Polite means this peer yields (rolls back its own pending
	// offer) when both sides offer simultaneously.
	Polite bool
}

// Resolve derives the canonical session key and this peer's role from
// the participant pair. Pure and symmetric:
// Resolve(c, a, b) and Resolve(c, b, a) produce the same SessionKey
// and complementary Roles. Empty identifiers are rejected; so is a
// peer paired with itself, since no role assignment could then be
// complementary.
func Resolve(channelID ChannelID, localID, remoteID ParticipantID) (SessionKey, Role, error) {
	if channelID == "" {
		return "", Role{}, fmt.Errorf("negotiation: empty channel ID")
	}
	if localID == "" || remoteID == "" {
		return "", Role{}, fmt.Errorf("negotiation: empty participant ID")
	}
	if localID == remoteID {
		return "", Role{}, fmt.Errorf("negotiation: participant %q paired with itself", localID)
	}

	low, high := localID, remoteID
	if high < low {
		low, high = high, low
	}

	key := SessionKey(string(channelID) + "/" + string(low) + sessionKeySeparator + string(high))

	role := Role{
		Offerer: localID == low,
		Polite:  localID == high,
	}
	return key, role, nil
}
