// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package middleware holds the chi middleware shared by the control API.

  - RequestID: X-Request-ID propagation; the id doubles as the logging
    correlation id
  - PrometheusMetrics: per-route latency histogram

Both are func(http.Handler) http.Handler and go straight into r.Use.
*/
package middleware
