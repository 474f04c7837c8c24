// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package api provides the local HTTP control surface of the sync daemon.

The API is meant for a companion UI on the same device. It exposes the
queue, the locally held encounters, open conflicts and settings, and lets
the caller trigger a sync run, retry failed operations, edit SOAP sections
and resolve conflicts.

Every response uses the APIResponse envelope:

	{"success": true, "data": {...}, "meta": {"request_id": "...", ...}}
	{"success": false, "error": {"code": "NOT_FOUND", "message": "..."}}

Requests carry an X-Request-ID that becomes the correlation id of every
log line written while handling them. /api/v1 is rate limited per client
IP with httprate, and /metrics serves the Prometheus registry.
*/
package api
