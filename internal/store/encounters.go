// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package store

import (
	"context"
	"errors"

	"github.com/tomtom215/scribesync/internal/models"
)

// Eviction reasons, used as metric labels.
const (
	EvictCountLimit = "count_limit"
	EvictSizeLimit  = "size_limit"
)

// Save inserts or replaces an encounter and returns the stored copy.
//
// A new encounter that would exceed MaxOfflineEncounters evicts the oldest
// synced encounter first. If none is evictable, Save fails with
// ErrStorageLimit and nothing is written.
func (s *Store) Save(ctx context.Context, enc *models.OfflineEncounter) (*models.OfflineEncounter, error) {
	var out *models.OfflineEncounter
	err := s.Atomically(ctx, func(tx *Tx) error {
		rec := enc.Clone()
		if err := tx.SaveEncounter(rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("encounter_id", out.ID).Str("status", string(out.Status)).Msg("Encounter saved")
	return out.Clone(), nil
}

// SaveEncounter is Save inside a caller's transaction. enc is stamped in
// place.
func (tx *Tx) SaveEncounter(enc *models.OfflineEncounter) error {
	_, err := tx.Encounter(enc.ID)
	switch {
	case err == nil:
		// replacing an existing record never needs room
	case errors.Is(err, ErrNotFound):
		if err := tx.makeRoom(enc.ID); err != nil {
			return err
		}
	default:
		return err
	}
	return tx.PutEncounter(enc)
}

// makeRoom evicts synced encounters until one more fits under the count limit.
func (tx *Tx) makeRoom(newID string) error {
	settings, err := tx.Settings()
	if err != nil {
		return err
	}
	encs, err := tx.Encounters()
	if err != nil {
		return err
	}

	count := len(encs)
	for count >= settings.MaxOfflineEncounters {
		evicted, err := tx.evictOldestSynced(EvictCountLimit, newID)
		if err != nil {
			return err
		}
		if evicted == nil {
			return storageLimitErr("save encounter")
		}
		tx.store.logger.Info().
			Str("encounter_id", evicted.ID).
			Int("limit", settings.MaxOfflineEncounters).
			Msg("Evicted synced encounter to make room")
		count--
	}
	return nil
}

// Get returns the encounter, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.OfflineEncounter, error) {
	var out *models.OfflineEncounter
	err := s.view(ctx, func(tx *Tx) error {
		enc, err := tx.Encounter(id)
		out = enc
		return err
	})
	return out, err
}

// GetAll returns every encounter, oldest first.
func (s *Store) GetAll(ctx context.Context) ([]*models.OfflineEncounter, error) {
	var out []*models.OfflineEncounter
	err := s.view(ctx, func(tx *Tx) error {
		encs, err := tx.Encounters()
		out = encs
		return err
	})
	return out, err
}

// Update applies fn to the stored encounter and writes the result back in
// the same transaction. It returns the post-mutation copy, or ErrNotFound.
// fn may run more than once.
func (s *Store) Update(ctx context.Context, id string, fn func(enc *models.OfflineEncounter) error) (*models.OfflineEncounter, error) {
	var out *models.OfflineEncounter
	err := s.Atomically(ctx, func(tx *Tx) error {
		enc, err := tx.Encounter(id)
		if err != nil {
			return err
		}
		if err := fn(enc); err != nil {
			return err
		}
		enc.ID = id
		if err := tx.PutEncounter(enc); err != nil {
			return err
		}
		out = enc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Delete removes the encounter, its ops, its conflict and its audio file.
// It returns the deleted record, or ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) (*models.OfflineEncounter, error) {
	var out *models.OfflineEncounter
	err := s.Atomically(ctx, func(tx *Tx) error {
		enc, err := tx.Encounter(id)
		if err != nil {
			return err
		}
		out = enc
		return tx.DeleteEncounter(id)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("encounter_id", id).Msg("Encounter deleted")
	return out, nil
}

// Cleanup evicts the oldest synced encounters while the stored audio
// exceeds MaxStorageMB. It returns the number evicted.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	evicted := 0
	err := s.Atomically(ctx, func(tx *Tx) error {
		evicted = 0
		settings, err := tx.Settings()
		if err != nil {
			return err
		}
		encs, err := tx.Encounters()
		if err != nil {
			return err
		}

		var total int64
		for _, enc := range encs {
			total += enc.AudioSizeBytes
		}

		limit := settings.MaxStorageBytes()
		for total > limit {
			enc, err := tx.evictOldestSynced(EvictSizeLimit, "")
			if err != nil {
				return err
			}
			if enc == nil {
				break
			}
			total -= enc.AudioSizeBytes
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		s.logger.Info().Int("evicted", evicted).Msg("Storage cleanup evicted synced encounters")
	}
	return evicted, nil
}
