// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package syncapi is the HTTP client for the remote encounter sync API.
//
// Endpoints:
//
//	POST /encounters/sync                 encounter snapshot -> {conflict, server_version}
//	POST /encounters/{id}/audio/chunks    one chunk (X-Upload-ID, X-Chunk-Index, X-Chunk-Total) -> {received}
//	POST /encounters/{id}/audio/complete  finish a chunked upload
//	POST /encounters/{id}/submit          finalize the encounter
//
// Every failure is classified into a syncerr.Kind:
//
//	transport errors, 408, 425, 429, 5xx   TransientNetwork
//	409                                    Conflict
//	other 4xx                              PermanentRejection
//
// A 401 triggers one shared token refresh and a single retry. Calls pass
// through a sony/gobreaker circuit breaker that trips on transient failures
// only, and an x/time/rate limiter that paces chunk bursts.
package syncapi
