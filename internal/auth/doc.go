// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package auth holds the client credentials used by the sync API and the
// realtime stream.
//
// TokenSource refreshes the access token when its JWT exp claim is near or
// when the server rejects it with 401. All concurrent refreshes share one
// request through singleflight, so a burst of rejected requests causes a
// single call to the refresh endpoint.
package auth
