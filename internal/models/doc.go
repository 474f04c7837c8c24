// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package models defines the records persisted by the queue store and
exchanged with the sync server.

Key Components:

  - OfflineEncounter: local snapshot of one encounter, with its sync status
  - SOAPNote: the four-section note plus its append-only edit log
  - SyncOperation: one queued unit of work (create, update, upload-audio,
    submit) with its retry state
  - ConflictRecord: a local snapshot paired with the server version that
    disagreed with it
  - Settings: the persisted, user-adjustable sync policy

All records serialize with goccy/go-json and carry json tags that match
the server's wire format. Clone methods return deep copies; the store
never hands out records it still references.

Operations of one encounter run in enqueue sequence, except that a create
is always moved ahead of the rest (OpType.Rank).
*/
package models
