// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/store"
)

// ErrInvalidSection is returned for a section name outside the SOAP four.
var ErrInvalidSection = errors.New("invalid SOAP section")

// EditSection records a local edit to one SOAP section and queues an update
// carrying the note, in one transaction. The edit log entry is what a later
// merge replays. A synced encounter goes back to pending; any other state is
// kept, so an encounter in conflict holds the edit until it is resolved.
func (e *Engine) EditSection(ctx context.Context, encounterID, section, text string) (*models.OfflineEncounter, error) {
	if !models.ValidSection(section) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSection, section)
	}

	var out *models.OfflineEncounter
	err := e.store.Atomically(ctx, func(tx *store.Tx) error {
		enc, err := tx.Encounter(encounterID)
		if err != nil {
			return err
		}
		if enc.SOAPNote == nil {
			enc.SOAPNote = &models.SOAPNote{}
		}
		if enc.SOAPNote.Section(section) == text {
			out = enc
			return nil
		}
		enc.SOAPNote.ApplyEdit(section, text, tx.Now())
		if enc.Status == models.EncounterSynced {
			enc.Status = models.EncounterPending
		}
		if err := tx.PutEncounter(enc); err != nil {
			return err
		}

		payload, err := models.NewPayload(map[string]interface{}{"soap_note": enc.SOAPNote})
		if err != nil {
			return err
		}
		if _, err := tx.Enqueue(&models.SyncOperation{
			Type:        models.OpUpdate,
			EncounterID: encounterID,
			Payload:     payload,
		}); err != nil {
			return err
		}
		out = enc
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Ctx(ctx).Debug().
		Str("encounter_id", encounterID).
		Str("section", section).
		Msg("SOAP section edited")
	e.Kick()
	return out.Clone(), nil
}
