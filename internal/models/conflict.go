// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package models

import "time"

// ConflictPolicy selects how a detected conflict is resolved.
type ConflictPolicy string

const (
	PolicyLocal  ConflictPolicy = "local"
	PolicyServer ConflictPolicy = "server"
	PolicyMerge  ConflictPolicy = "merge"
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	return p == PolicyLocal || p == PolicyServer || p == PolicyMerge
}

// ServerVersion is the server's copy of an encounter as returned in a
// conflict response.
type ServerVersion struct {
	Version    string    `json:"version,omitempty"`
	Transcript string    `json:"transcript"`
	SOAPNote   *SOAPNote `json:"soap_note,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// ConflictRecord pairs the local snapshot with the server version until the
// user (or an automatic policy) resolves it.
type ConflictRecord struct {
	ID          string            `json:"id"`
	EncounterID string            `json:"encounter_id"`
	Local       *OfflineEncounter `json:"local"`
	Server      *ServerVersion    `json:"server"`
	Policy      ConflictPolicy    `json:"policy,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
}
