// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package conflict classifies and resolves divergence between a locally
// edited encounter and the server's copy. Detect and Merge are pure; the
// Resolver applies a policy through one store transaction.
package conflict
