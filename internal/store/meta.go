// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/scribesync/internal/config"
	"github.com/tomtom215/scribesync/internal/metrics"
	"github.com/tomtom215/scribesync/internal/models"
)

// Settings returns the persisted settings, falling back to the defaults.
func (s *Store) Settings(ctx context.Context) (models.Settings, error) {
	var out models.Settings
	err := s.view(ctx, func(tx *Tx) error {
		settings, err := tx.Settings()
		out = settings
		return err
	})
	return out, err
}

// SaveSettings validates and persists settings.
func (s *Store) SaveSettings(ctx context.Context, settings models.Settings) error {
	if err := config.Validator().Struct(settings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	err := s.Atomically(ctx, func(tx *Tx) error {
		return setJSON(tx.txn, keySettings, settings)
	})
	if err != nil {
		return err
	}
	s.logger.Info().
		Int("max_offline_encounters", settings.MaxOfflineEncounters).
		Int("max_retries", settings.MaxRetries).
		Bool("auto_sync", settings.AutoSyncEnabled).
		Msg("Settings saved")
	return nil
}

// LastSyncAt returns the time of the last sync run that attempted work. The
// zero time means never.
func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	var out time.Time
	err := s.view(ctx, func(tx *Tx) error {
		err := getJSON(tx.txn, keyLastSync, &out)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	return out, err
}

// SetLastSyncAt persists the last sync time.
func (s *Store) SetLastSyncAt(ctx context.Context, at time.Time) error {
	return s.Atomically(ctx, func(tx *Tx) error {
		return setJSON(tx.txn, keyLastSync, at.UTC())
	})
}

// Stats summarizes the store contents.
type Stats struct {
	Encounters       int            `json:"encounters"`
	EncountersByStat map[string]int `json:"encounters_by_status"`
	Ops              int            `json:"ops"`
	OpsByStatus      map[string]int `json:"ops_by_status"`
	Conflicts        int            `json:"conflicts"`
	AudioBytes       int64          `json:"audio_bytes"`
	LastSyncAt       time.Time      `json:"last_sync_at,omitempty"`
}

// Stats reads a consistent snapshot of the store and refreshes the queue
// gauges.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		EncountersByStat: make(map[string]int),
		OpsByStatus:      make(map[string]int),
	}
	err := s.view(ctx, func(tx *Tx) error {
		encs, err := tx.Encounters()
		if err != nil {
			return err
		}
		for _, enc := range encs {
			st.EncountersByStat[string(enc.Status)]++
			st.AudioBytes += enc.AudioSizeBytes
		}
		st.Encounters = len(encs)

		ops, err := tx.Ops()
		if err != nil {
			return err
		}
		for _, op := range ops {
			st.OpsByStatus[string(op.Status)]++
		}
		st.Ops = len(ops)

		recs, err := tx.Conflicts()
		if err != nil {
			return err
		}
		st.Conflicts = len(recs)

		err = getJSON(tx.txn, keyLastSync, &st.LastSyncAt)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return Stats{}, err
	}

	metrics.RecordQueueDepth(st.OpsByStatus)
	metrics.StoreEncounters.Set(float64(st.Encounters))
	metrics.ConflictsOpen.Set(float64(st.Conflicts))
	return st, nil
}
