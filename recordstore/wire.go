// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import "github.com/parley-net/parley/negotiation"

// wireRecord is the JSON projection of a record on the HTTP API.
// Payload travels base64-encoded (encoding/json's []byte default).
type wireRecord struct {
	Key     string `json:"key"`
	Session string `json:"session"`
	Kind    string `json:"kind"`
	Owner   string `json:"owner"`
	Payload []byte `json:"payload"`
	Version string `json:"version,omitempty"`
}

type wireChanges struct {
	Records []wireRecord `json:"records"`
	Cursor  string       `json:"cursor"`
}

type wirePutResult struct {
	Version string `json:"version"`
}

type wireError struct {
	Error string `json:"error"`
}

func toWire(record negotiation.Record) wireRecord {
	return wireRecord{
		Key:     record.Key,
		Session: string(record.Session),
		Kind:    string(record.Kind),
		Owner:   string(record.Owner),
		Payload: record.Payload,
		Version: string(record.Version),
	}
}

func fromWire(wire wireRecord) negotiation.Record {
	return negotiation.Record{
		Key:     wire.Key,
		Session: negotiation.SessionKey(wire.Session),
		Kind:    negotiation.RecordKind(wire.Kind),
		Owner:   negotiation.ParticipantID(wire.Owner),
		Payload: wire.Payload,
		Version: negotiation.Version(wire.Version),
	}
}
