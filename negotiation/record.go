// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/parley-net/parley/lib/codec"
)

// RecordKind discriminates the three record variants a session
// exchanges through the store.
type RecordKind string

const (
	// KindOffer is the offerer's session description envelope.
	KindOffer RecordKind = "offer"

	// KindAnswer is the answerer's session description envelope.
	KindAnswer RecordKind = "answer"

	// KindCandidates is a peer's merged connectivity candidate batch.
	KindCandidates RecordKind = "candidates"
)

// Description is a media session description as produced and consumed
// by the transport capability. The engine treats SDP as opaque.
type Description struct {
	Type string `cbor:"type"`
	SDP  string `cbor:"sdp"`
}

// CandidateDescriptor is an opaque connectivity candidate blob. The
// engine only ever hashes and forwards it.
type CandidateDescriptor []byte

// Fingerprint is a BLAKE3 content hash used to deduplicate candidates
// and ingested records.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:8]) }

// Fingerprint returns the candidate's dedup key.
func (c CandidateDescriptor) Fingerprint() Fingerprint {
	return blake3.Sum256(c)
}

// ContentHash fingerprints an encoded record payload. Payloads are
// deterministic CBOR, so equal logical records hash equally.
func ContentHash(payload []byte) Fingerprint {
	return blake3.Sum256(payload)
}

// Envelope carries one session description generation. Storage
// identity is (sessionKey, kind) only: a later publish overwrites the
// prior record, and staleness is decided by comparing the epoch in
// the content.
type Envelope struct {
	Kind        RecordKind    `cbor:"kind"`
	Epoch       CallEpoch     `cbor:"epoch"`
	Owner       ParticipantID `cbor:"owner"`
	Description Description   `cbor:"description"`
}

// CandidateBatch is the full set of candidates a peer has published
// for one epoch. Storage identity is (sessionKey, owner); new local
// candidates are unioned into the batch and the whole batch
// republished. A new epoch discards prior entries.
type CandidateBatch struct {
	Epoch      CallEpoch             `cbor:"epoch"`
	Owner      ParticipantID         `cbor:"owner"`
	Candidates []CandidateDescriptor `cbor:"candidates"`
}

// Merge unions candidates into the batch by fingerprint, preserving
// first-seen order. Returns the number of candidates actually added.
func (b *CandidateBatch) Merge(candidates ...CandidateDescriptor) int {
	present := make(map[Fingerprint]struct{}, len(b.Candidates))
	for _, existing := range b.Candidates {
		present[existing.Fingerprint()] = struct{}{}
	}
	added := 0
	for _, candidate := range candidates {
		fingerprint := candidate.Fingerprint()
		if _, ok := present[fingerprint]; ok {
			continue
		}
		present[fingerprint] = struct{}{}
		b.Candidates = append(b.Candidates, candidate)
		added++
	}
	return added
}

// EnvelopeKey computes the storage key for a session's offer or
// answer envelope. Every key the engine needs is a pure function of
// local knowledge; the store never has to support queries.
func EnvelopeKey(session SessionKey, kind RecordKind) string {
	return string(session) + "/" + string(kind)
}

// CandidateKey computes the storage key for a peer's candidate batch.
func CandidateKey(session SessionKey, owner ParticipantID) string {
	return string(session) + "/" + string(KindCandidates) + "/" + string(owner)
}

// EncodeEnvelope serializes an envelope to deterministic CBOR.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	payload, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("negotiation: encoding %s envelope: %w", envelope.Kind, err)
	}
	return payload, nil
}

// DecodeEnvelope parses an envelope payload. Structural problems
// (missing kind or epoch) are reported as errors so the caller can
// treat the record as absent.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("negotiation: malformed envelope: %w", err)
	}
	if envelope.Kind != KindOffer && envelope.Kind != KindAnswer {
		return Envelope{}, fmt.Errorf("negotiation: envelope with unknown kind %q", envelope.Kind)
	}
	if envelope.Epoch <= 0 {
		return Envelope{}, fmt.Errorf("negotiation: envelope without epoch")
	}
	if envelope.Owner == "" {
		return Envelope{}, fmt.Errorf("negotiation: envelope without owner")
	}
	return envelope, nil
}

// EncodeCandidateBatch serializes a batch to deterministic CBOR.
func EncodeCandidateBatch(batch CandidateBatch) ([]byte, error) {
	payload, err := codec.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("negotiation: encoding candidate batch: %w", err)
	}
	return payload, nil
}

// DecodeCandidateBatch parses a candidate batch payload.
func DecodeCandidateBatch(payload []byte) (CandidateBatch, error) {
	var batch CandidateBatch
	if err := codec.Unmarshal(payload, &batch); err != nil {
		return CandidateBatch{}, fmt.Errorf("negotiation: malformed candidate batch: %w", err)
	}
	if batch.Epoch <= 0 {
		return CandidateBatch{}, fmt.Errorf("negotiation: candidate batch without epoch")
	}
	if batch.Owner == "" {
		return CandidateBatch{}, fmt.Errorf("negotiation: candidate batch without owner")
	}
	return batch, nil
}
