// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package store

import (
	"context"
	"fmt"

	"github.com/tomtom215/scribesync/internal/models"
)

// RecordConflict stores rec, moves the encounter to conflict and removes the
// op whose response reported the conflict, all in one transaction. opID may
// be empty when the conflict was detected outside the queue.
func (s *Store) RecordConflict(ctx context.Context, opID string, rec *models.ConflictRecord) (*models.ConflictRecord, error) {
	var out *models.ConflictRecord
	err := s.Atomically(ctx, func(tx *Tx) error {
		r := *rec
		if err := tx.PutConflict(&r); err != nil {
			return err
		}
		if opID != "" {
			if err := tx.DeleteOp(opID); err != nil {
				return err
			}
		}
		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn().
		Str("encounter_id", out.EncounterID).
		Str("conflict_id", out.ID).
		Msg("Conflict recorded")
	return out, nil
}

// GetConflict returns the encounter's open conflict, or ErrNotFound.
func (s *Store) GetConflict(ctx context.Context, encounterID string) (*models.ConflictRecord, error) {
	var out *models.ConflictRecord
	err := s.view(ctx, func(tx *Tx) error {
		rec, err := tx.Conflict(encounterID)
		out = rec
		return err
	})
	return out, err
}

// ListConflicts returns every open conflict, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	var out []*models.ConflictRecord
	err := s.view(ctx, func(tx *Tx) error {
		recs, err := tx.Conflicts()
		out = recs
		return err
	})
	return out, err
}

// ResolveConflict loads the encounter's conflict record and hands it to fn
// inside one transaction. fn applies the resolution through tx; the record
// is then deleted. If fn leaves the encounter in conflict the transaction
// is rolled back with ErrUnresolved. It returns the resolved encounter.
func (s *Store) ResolveConflict(ctx context.Context, encounterID string, fn func(tx *Tx, rec *models.ConflictRecord) error) (*models.OfflineEncounter, error) {
	var out *models.OfflineEncounter
	err := s.Atomically(ctx, func(tx *Tx) error {
		rec, err := tx.Conflict(encounterID)
		if err != nil {
			return fmt.Errorf("conflict for %s: %w", encounterID, err)
		}
		if err := fn(tx, rec); err != nil {
			return err
		}

		enc, err := tx.Encounter(encounterID)
		if err != nil {
			return err
		}
		if enc.Status == models.EncounterConflict {
			return ErrUnresolved
		}
		if err := tx.DeleteConflict(encounterID); err != nil {
			return err
		}
		out = enc
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("encounter_id", encounterID).
		Str("status", string(out.Status)).
		Msg("Conflict resolved")
	return out, nil
}
