// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package store is the durable queue store: the single source of truth for
locally held encounters, the sync operation queue, open conflicts and the
persisted settings record.

# Storage Layout

Records are JSON values in BadgerDB under prefix keys:

	enc:<encounter id>        models.OfflineEncounter
	op:<op id>                models.SyncOperation
	conflict:<encounter id>   models.ConflictRecord
	meta:settings             models.Settings
	meta:last_sync            time of the last sync run
	seq:ops                   badger sequence for SyncOperation.Seq

# Atomicity

Every mutation is a read-modify-write inside one badger transaction.
Transactions that lose a race with a concurrent writer (badger.ErrConflict)
are replayed, so callers never observe lost updates. Multi-record changes
(recording a conflict, resolving one, completing an op) go through
Atomically and commit as one unit.

# Queue Invariants

  - At most one active update per encounter. Enqueue merges new fields into
    the existing update; if it is in flight they wait in DeferredPayload.
  - One active create per encounter.
  - Seq strictly increases in enqueue order and survives restarts.

# Capacity

Save refuses to grow past MaxOfflineEncounters unless the oldest synced
encounter can be evicted. Encounters with pending, syncing, error or
conflict status are never evicted. The Housekeeper also evicts synced
encounters while stored audio exceeds MaxStorageMB, and runs value-log GC.

# Encryption

When Config.EncryptionKey is set, badger encrypts data at rest. The key is
derived from the configured passphrase by config.DeriveStoreKey.
*/
package store
