// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package engine drains the durable operation queue against the remote sync
API.

A run:

 1. collapses duplicate updates (store.Coalesce)
 2. groups due ops by encounter, skipping encounters in conflict
 3. orders groups by priority, then by their oldest op
 4. runs groups on up to Workers goroutines (errgroup.SetLimit); ops of one
    encounter run one at a time in enqueue order, with a create moved
    to the front

A failure stops only its own encounter's group. Failures are classified
with syncerr: permanent rejections and ops that fail more than MaxRetries
times become terminal and wait for Retry; anything else is rescheduled at

	RetryDelay * 2^(attempts-1), capped at MaxRetryDelay

measured on the store's clock. A conflict response parks the encounter in
the conflict state with a ConflictRecord; nothing is resolved automatically.

Audio is uploaded in ChunkSizeBytes chunks. The acknowledged-chunk bitmap
lives on the op, so a retry sends only what the server has not confirmed.

TriggerSync is single-flight: concurrent callers share one run and one
report. Serve adds the triggers: start-up, network coming back, the
auto-sync interval and the earliest pending backoff.
*/
package engine
