// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by tests: channel
// receive/close assertions with built-in timeouts so individual tests
// never hang indefinitely on a broken channel.
package testutil
