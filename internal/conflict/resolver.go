// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tomtom215/scribesync/internal/events"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/metrics"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/store"
)

// ErrInvalidPolicy is returned for a policy other than local, server or merge.
var ErrInvalidPolicy = errors.New("conflict: invalid resolution policy")

// ErrNoServerVersion is returned for the server and merge policies when the
// conflict was raised without a server copy, as a rejected submit is.
var ErrNoServerVersion = errors.New("conflict: no server version to resolve against")

// Resolution is published after a conflict is resolved.
type Resolution struct {
	EncounterID    string
	Policy         models.ConflictPolicy
	Status         models.EncounterStatus
	ReviewSections []string
}

// Resolver applies resolution policies through the store.
type Resolver struct {
	store  *store.Store
	bus    *events.Bus[Resolution]
	logger zerolog.Logger
}

// NewResolver creates a resolver backed by s.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{
		store:  s,
		bus:    events.NewBus[Resolution](),
		logger: logging.WithComponent("conflict"),
	}
}

// Subscribe registers fn for resolutions.
func (r *Resolver) Subscribe(fn func(Resolution)) *events.Subscription {
	return r.bus.Subscribe(fn)
}

// Resolve applies policy to the encounter's open conflict. The conflict
// record is removed and the encounter leaves the conflict state in the same
// transaction. It returns store.ErrNotFound when there is no open conflict.
//
//   - local: the local copy stays and a forced update is queued.
//   - server: the server copy replaces the local one and queued updates
//     are dropped.
//   - merge: see Merge; the result is queued as an update against the
//     server version.
func (r *Resolver) Resolve(ctx context.Context, encounterID string, policy models.ConflictPolicy) (*models.OfflineEncounter, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}

	enc, err := r.store.ResolveConflict(ctx, encounterID, func(tx *store.Tx, rec *models.ConflictRecord) error {
		current, err := tx.Encounter(encounterID)
		if err != nil {
			return err
		}
		switch policy {
		case models.PolicyLocal:
			return keepLocal(tx, current)
		case models.PolicyServer:
			return adoptServer(tx, current, rec.Server)
		default:
			return applyMerge(tx, current, rec.Server)
		}
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordConflictResolved(string(policy))
	r.logger.Info().
		Str("encounter_id", encounterID).
		Str("policy", string(policy)).
		Strs("review_sections", enc.ReviewSections).
		Msg("Applied conflict policy")
	r.bus.Publish(Resolution{
		EncounterID:    encounterID,
		Policy:         policy,
		Status:         enc.Status,
		ReviewSections: enc.ReviewSections,
	})
	return enc, nil
}

func keepLocal(tx *store.Tx, enc *models.OfflineEncounter) error {
	enc.Status = models.EncounterPending
	enc.LastError = ""
	enc.RetryCount = 0
	if err := tx.PutEncounter(enc); err != nil {
		return err
	}

	payload, err := models.NewPayload(map[string]interface{}{models.PayloadForce: true})
	if err != nil {
		return err
	}
	_, err = tx.Enqueue(&models.SyncOperation{
		Type:        models.OpUpdate,
		EncounterID: enc.ID,
		Payload:     payload,
	})
	return err
}

func adoptServer(tx *store.Tx, enc *models.OfflineEncounter, server *models.ServerVersion) error {
	if server == nil {
		return ErrNoServerVersion
	}

	ops, err := tx.OpsForEncounter(enc.ID)
	if err != nil {
		return err
	}
	remaining := 0
	for _, op := range ops {
		if op.Type == models.OpUpdate {
			if err := tx.DeleteOp(op.ID); err != nil {
				return err
			}
			continue
		}
		remaining++
	}

	enc.Transcript = server.Transcript
	enc.SOAPNote = server.SOAPNote.Clone()
	enc.ServerVersion = server.Version
	enc.ReviewSections = nil
	enc.LastError = ""
	enc.RetryCount = 0
	enc.Status = models.EncounterSynced
	if remaining > 0 {
		// a queued submit or upload still has to reach the server
		enc.Status = models.EncounterPending
	}
	return tx.PutEncounter(enc)
}

func applyMerge(tx *store.Tx, enc *models.OfflineEncounter, server *models.ServerVersion) error {
	if server == nil {
		return ErrNoServerVersion
	}

	merged := Merge(enc, server)
	merged.Status = models.EncounterPending
	merged.LastError = ""
	merged.RetryCount = 0
	if err := tx.PutEncounter(merged); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"transcript": merged.Transcript,
		"soap_note":  merged.SOAPNote,
	}
	if server.Version != "" {
		fields[models.PayloadBaseVersion] = server.Version
	}
	payload, err := models.NewPayload(fields)
	if err != nil {
		return err
	}
	_, err = tx.Enqueue(&models.SyncOperation{
		Type:        models.OpUpdate,
		EncounterID: merged.ID,
		Payload:     payload,
	})
	return err
}
