// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/scribesync/internal/metrics"
	"github.com/tomtom215/scribesync/internal/models"
)

// Tx is a view of the store inside one transaction. All reads observe the
// transaction's snapshot and all writes commit together.
type Tx struct {
	store    *Store
	txn      *badger.Txn
	now      time.Time
	readOnly bool

	removals  []string
	evictions []string
}

// Now returns the timestamp the transaction stamps records with.
func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) afterCommit() {
	for _, path := range tx.removals {
		removeFile(tx.store.logger, path)
	}
	for _, reason := range tx.evictions {
		metrics.RecordEviction(reason)
	}
}

// Encounter returns a copy of the encounter, or ErrNotFound.
func (tx *Tx) Encounter(id string) (*models.OfflineEncounter, error) {
	var enc models.OfflineEncounter
	if err := getJSON(tx.txn, prefixEncounter+id, &enc); err != nil {
		return nil, err
	}
	return &enc, nil
}

// Encounters returns every encounter, oldest first.
func (tx *Tx) Encounters() ([]*models.OfflineEncounter, error) {
	var out []*models.OfflineEncounter
	err := scanPrefix(tx.txn, prefixEncounter, func(val []byte) error {
		var enc models.OfflineEncounter
		if err := json.Unmarshal(val, &enc); err != nil {
			return err
		}
		out = append(out, &enc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutEncounter writes enc, stamping UpdatedAt (and CreatedAt if unset).
func (tx *Tx) PutEncounter(enc *models.OfflineEncounter) error {
	if enc == nil || enc.ID == "" {
		return fmt.Errorf("encounter id is required")
	}
	if enc.CreatedAt.IsZero() {
		enc.CreatedAt = tx.now
	}
	if enc.Status == "" {
		enc.Status = models.EncounterPending
	}
	enc.UpdatedAt = tx.now
	return setJSON(tx.txn, prefixEncounter+enc.ID, enc)
}

// DeleteEncounter removes the encounter together with its queued ops, any
// conflict record and, after commit, its audio file.
func (tx *Tx) DeleteEncounter(id string) error {
	enc, err := tx.Encounter(id)
	if err != nil {
		return err
	}

	ops, err := tx.OpsForEncounter(id)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := tx.DeleteOp(op.ID); err != nil {
			return err
		}
	}

	if err := tx.txn.Delete([]byte(prefixConflict + id)); err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	if err := tx.txn.Delete([]byte(prefixEncounter + id)); err != nil {
		return fmt.Errorf("delete encounter: %w", err)
	}

	if enc.AudioPath != "" {
		tx.removals = append(tx.removals, enc.AudioPath)
	}
	return nil
}

// evictOldestSynced deletes the oldest synced encounter. Reports false when
// no encounter is evictable. Encounters with unsynced work are never chosen.
func (tx *Tx) evictOldestSynced(reason string, exclude string) (*models.OfflineEncounter, error) {
	encs, err := tx.Encounters()
	if err != nil {
		return nil, err
	}
	for _, enc := range encs {
		if enc.ID == exclude || !enc.Status.Evictable() {
			continue
		}
		active, err := tx.hasActiveOps(enc.ID, "")
		if err != nil {
			return nil, err
		}
		if active {
			continue
		}
		if err := tx.DeleteEncounter(enc.ID); err != nil {
			return nil, err
		}
		tx.evictions = append(tx.evictions, reason)
		return enc, nil
	}
	return nil, nil
}

// Op returns a copy of the operation, or ErrNotFound.
func (tx *Tx) Op(id string) (*models.SyncOperation, error) {
	var op models.SyncOperation
	if err := getJSON(tx.txn, prefixOp+id, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Ops returns every queued operation in enqueue order.
func (tx *Tx) Ops() ([]*models.SyncOperation, error) {
	var out []*models.SyncOperation
	err := scanPrefix(tx.txn, prefixOp, func(val []byte) error {
		var op models.SyncOperation
		if err := json.Unmarshal(val, &op); err != nil {
			return err
		}
		out = append(out, &op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// OpsForEncounter returns the encounter's operations in enqueue order.
func (tx *Tx) OpsForEncounter(encounterID string) ([]*models.SyncOperation, error) {
	all, err := tx.Ops()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, op := range all {
		if op.EncounterID == encounterID {
			out = append(out, op)
		}
	}
	return out, nil
}

// hasActiveOps reports whether the encounter has a non-terminal op other
// than skipID.
func (tx *Tx) hasActiveOps(encounterID, skipID string) (bool, error) {
	ops, err := tx.OpsForEncounter(encounterID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.ID != skipID && op.Active() {
			return true, nil
		}
	}
	return false, nil
}

// PutOp writes op as is.
func (tx *Tx) PutOp(op *models.SyncOperation) error {
	if op == nil || op.ID == "" {
		return fmt.Errorf("op id is required")
	}
	return setJSON(tx.txn, prefixOp+op.ID, op)
}

// DeleteOp removes an operation. Deleting a missing op is not an error.
func (tx *Tx) DeleteOp(id string) error {
	if err := tx.txn.Delete([]byte(prefixOp + id)); err != nil {
		return fmt.Errorf("delete op: %w", err)
	}
	return nil
}

// Enqueue adds op to the queue, coalescing it into existing work where the
// queue invariants require:
//
//   - update: merged into the encounter's active update (later fields win).
//     If that update is in flight, the fields are held in its
//     DeferredPayload and sent once it completes.
//   - submit, upload-audio: an active op of the same type is returned as is.
//   - create: a second active create is rejected with ErrDuplicateCreate.
//
// The returned op is the one that now carries the intent.
func (tx *Tx) Enqueue(op *models.SyncOperation) (*models.SyncOperation, error) {
	if op == nil || op.EncounterID == "" || !op.Type.Valid() {
		return nil, ErrInvalidOp
	}
	if _, err := tx.Encounter(op.EncounterID); err != nil {
		return nil, fmt.Errorf("enqueue %s for %s: %w", op.Type, op.EncounterID, err)
	}

	existing, err := tx.OpsForEncounter(op.EncounterID)
	if err != nil {
		return nil, err
	}
	for _, cur := range existing {
		if cur.Type != op.Type || !cur.Active() {
			continue
		}
		switch op.Type {
		case models.OpCreate:
			return nil, ErrDuplicateCreate
		case models.OpSubmit, models.OpUploadAudio:
			return cur, nil
		case models.OpUpdate:
			if cur.Status == models.OpSyncing {
				cur.DeferredPayload = cur.DeferredPayload.Merge(op.Payload)
			} else {
				cur.Payload = cur.Payload.Merge(op.Payload)
			}
			if op.Priority > cur.Priority {
				cur.Priority = op.Priority
			}
			if err := tx.PutOp(cur); err != nil {
				return nil, err
			}
			return cur, nil
		}
	}

	seq, err := tx.store.nextSeq()
	if err != nil {
		return nil, err
	}

	out := op.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Seq = seq
	out.Status = models.OpPending
	out.Attempts = 0
	out.LastError = ""
	out.ErrorKind = ""
	out.NextAttemptAt = time.Time{}
	out.CreatedAt = tx.now
	if out.Payload == nil {
		out.Payload = models.Payload{}
	}
	if err := tx.PutOp(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conflict returns the encounter's conflict record, or ErrNotFound.
func (tx *Tx) Conflict(encounterID string) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	if err := getJSON(tx.txn, prefixConflict+encounterID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Conflicts returns every open conflict, oldest first.
func (tx *Tx) Conflicts() ([]*models.ConflictRecord, error) {
	var out []*models.ConflictRecord
	err := scanPrefix(tx.txn, prefixConflict, func(val []byte) error {
		var rec models.ConflictRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].EncounterID < out[j].EncounterID
	})
	return out, nil
}

// PutConflict stores rec and moves its encounter into the conflict state.
func (tx *Tx) PutConflict(rec *models.ConflictRecord) error {
	if rec == nil || rec.EncounterID == "" {
		return fmt.Errorf("conflict encounter id is required")
	}
	enc, err := tx.Encounter(rec.EncounterID)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = tx.now
	}
	if rec.Local == nil {
		rec.Local = enc.Clone()
	}
	if err := setJSON(tx.txn, prefixConflict+rec.EncounterID, rec); err != nil {
		return err
	}

	enc.Status = models.EncounterConflict
	enc.LastError = ""
	return tx.PutEncounter(enc)
}

// DeleteConflict removes the encounter's conflict record.
func (tx *Tx) DeleteConflict(encounterID string) error {
	if err := tx.txn.Delete([]byte(prefixConflict + encounterID)); err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	return nil
}

// Settings returns the persisted settings, or the configured defaults when
// none were saved.
func (tx *Tx) Settings() (models.Settings, error) {
	var s models.Settings
	err := getJSON(tx.txn, keySettings, &s)
	if errors.Is(err, ErrNotFound) {
		return tx.store.config.Defaults, nil
	}
	if err != nil {
		return models.Settings{}, err
	}
	return s, nil
}
