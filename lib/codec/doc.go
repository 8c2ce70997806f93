// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for record
// payloads. Determinism matters here: the ingestion pipeline
// deduplicates records by content hash, and the candidate aggregator
// compares published batches byte-wise, so equal logical values must
// encode to equal bytes.
package codec
