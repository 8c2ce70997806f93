// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	// Maps with the same entries must encode identically regardless
	// of insertion order.
	first, err := Marshal(map[string]int{"alpha": 1, "beta": 2, "gamma": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(map[string]int{"gamma": 3, "alpha": 1, "beta": 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type wide struct {
		Kept    string `cbor:"kept"`
		Dropped string `cbor:"dropped"`
	}
	type narrow struct {
		Kept string `cbor:"kept"`
	}

	data, err := Marshal(wide{Kept: "value", Dropped: "extra"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out narrow
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Kept != "value" {
		t.Errorf("Kept = %q, want %q", out.Kept, "value")
	}
}
