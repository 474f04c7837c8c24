// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package models

import "time"

// Settings is the persisted, user-adjustable sync policy. Values loaded from
// configuration are the defaults; a stored record overrides them.
type Settings struct {
	MaxOfflineEncounters int  `json:"max_offline_encounters" validate:"gte=1"`
	MaxStorageMB         int  `json:"max_storage_mb" validate:"gte=1"`
	AutoSyncEnabled      bool `json:"auto_sync_enabled"`
	SyncIntervalMinutes  int  `json:"sync_interval_minutes" validate:"gte=1,lte=1440"`
	RetryDelaySeconds    int  `json:"retry_delay_seconds" validate:"gte=1"`
	MaxRetries           int  `json:"max_retries" validate:"gte=1,lte=100"`
}

// SyncInterval returns SyncIntervalMinutes as a duration.
func (s Settings) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}

// RetryDelay returns RetryDelaySeconds as a duration.
func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// MaxStorageBytes returns MaxStorageMB in bytes.
func (s Settings) MaxStorageBytes() int64 {
	return int64(s.MaxStorageMB) * 1024 * 1024
}
