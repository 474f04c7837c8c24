// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package app builds the sync daemon from configuration.
//
// New constructs every component exactly once, leaf first: store, token
// source, sync API client, network monitor, realtime stream, engine,
// conflict resolver, optional live capture and the control API. Nothing is
// global; the CLI and tests reach components through the accessors. Run
// hands the long-running parts to a supervisor tree.
package app
