// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with WAL mode
// and standard pragmas. The durable rendezvous record store builds on
// it; everything else in the module is storage-agnostic.
package sqlitepool
