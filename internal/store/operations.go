// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/scribesync/internal/models"
)

// Enqueue adds op to the durable queue. See Tx.Enqueue for coalescing rules.
func (s *Store) Enqueue(ctx context.Context, op *models.SyncOperation) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		queued, err := tx.Enqueue(op)
		out = queued
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("op_id", out.ID).
		Str("type", string(out.Type)).
		Str("encounter_id", out.EncounterID).
		Uint64("seq", out.Seq).
		Msg("Operation enqueued")
	return out.Clone(), nil
}

// GetOp returns the operation, or ErrNotFound.
func (s *Store) GetOp(ctx context.Context, id string) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := s.view(ctx, func(tx *Tx) error {
		op, err := tx.Op(id)
		out = op
		return err
	})
	return out, err
}

// ListOps returns all queued operations in enqueue order.
func (s *Store) ListOps(ctx context.Context) ([]*models.SyncOperation, error) {
	var out []*models.SyncOperation
	err := s.view(ctx, func(tx *Tx) error {
		ops, err := tx.Ops()
		out = ops
		return err
	})
	return out, err
}

// OpsForEncounter returns one encounter's operations in enqueue order.
func (s *Store) OpsForEncounter(ctx context.Context, encounterID string) ([]*models.SyncOperation, error) {
	var out []*models.SyncOperation
	err := s.view(ctx, func(tx *Tx) error {
		ops, err := tx.OpsForEncounter(encounterID)
		out = ops
		return err
	})
	return out, err
}

// UpdateOp applies fn to the stored operation atomically and returns the
// post-mutation copy, or ErrNotFound.
func (s *Store) UpdateOp(ctx context.Context, id string, fn func(op *models.SyncOperation) error) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		op, err := tx.Op(id)
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
		op.ID = id
		out = op
		return tx.PutOp(op)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// DeleteOp removes the operation and returns it, or ErrNotFound.
func (s *Store) DeleteOp(ctx context.Context, id string) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		op, err := tx.Op(id)
		if err != nil {
			return err
		}
		out = op
		return tx.DeleteOp(id)
	})
	return out, err
}

// Coalesce collapses duplicate active updates of each encounter into the
// oldest one, shallow-merging payloads in enqueue order. Enqueue keeps the
// queue coalesced already; this repairs queues written by older builds or
// re-armed by a manual retry. It returns the number of ops removed.
func (s *Store) Coalesce(ctx context.Context) (int, error) {
	removed := 0
	err := s.Atomically(ctx, func(tx *Tx) error {
		removed = 0
		ops, err := tx.Ops()
		if err != nil {
			return err
		}

		keep := make(map[string]*models.SyncOperation)
		for _, op := range ops {
			if op.Type != models.OpUpdate || !op.Active() {
				continue
			}
			head, ok := keep[op.EncounterID]
			if !ok {
				keep[op.EncounterID] = op
				continue
			}
			if head.Status == models.OpSyncing {
				head.DeferredPayload = head.DeferredPayload.Merge(op.Payload).Merge(op.DeferredPayload)
			} else {
				head.Payload = head.Payload.Merge(op.Payload).Merge(op.DeferredPayload)
			}
			if op.Priority > head.Priority {
				head.Priority = op.Priority
			}
			if err := tx.PutOp(head); err != nil {
				return err
			}
			if err := tx.DeleteOp(op.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Coalesced duplicate update operations")
	}
	return removed, nil
}

// MarkSyncing claims op for an attempt: the op and its encounter move to
// syncing and the attempt time is recorded. It returns the claimed op.
func (s *Store) MarkSyncing(ctx context.Context, opID string) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		op, err := tx.Op(opID)
		if err != nil {
			return err
		}
		op.Status = models.OpSyncing
		op.LastAttemptAt = tx.Now()
		if err := tx.PutOp(op); err != nil {
			return err
		}

		enc, err := tx.Encounter(op.EncounterID)
		if err != nil {
			return err
		}
		if enc.Status != models.EncounterConflict {
			enc.Status = models.EncounterSyncing
			if err := tx.PutEncounter(enc); err != nil {
				return err
			}
		}
		out = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// CompleteOp records a successful attempt.
//
// An update that gathered a DeferredPayload while in flight is re-armed as
// pending with those fields; otherwise the op is removed. A completed submit
// removes the encounter itself, or marks it Submitted when ops enqueued
// after it are still active; the last of those to complete then removes
// it. Otherwise, when no active ops remain the encounter becomes synced. It returns the re-armed op, or nil if the op was removed.
func (s *Store) CompleteOp(ctx context.Context, opID string) (*models.SyncOperation, error) {
	var rearmed *models.SyncOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		rearmed = nil
		op, err := tx.Op(opID)
		if err != nil {
			return err
		}

		if op.Type == models.OpSubmit {
			later, err := tx.hasActiveOps(op.EncounterID, opID)
			if err != nil {
				return err
			}
			if !later {
				return tx.DeleteEncounter(op.EncounterID)
			}
			if err := tx.DeleteOp(opID); err != nil {
				return err
			}
			enc, err := tx.Encounter(op.EncounterID)
			if err != nil {
				return err
			}
			enc.Submitted = true
			enc.Status = models.EncounterPending
			return tx.PutEncounter(enc)
		}

		if op.Type == models.OpUpdate && len(op.DeferredPayload) > 0 {
			op.Payload = op.DeferredPayload
			op.DeferredPayload = nil
			op.Status = models.OpPending
			op.Attempts = 0
			op.LastError = ""
			op.ErrorKind = ""
			op.NextAttemptAt = time.Time{}
			rearmed = op
			if err := tx.PutOp(op); err != nil {
				return err
			}
		} else if err := tx.DeleteOp(opID); err != nil {
			return err
		}

		enc, err := tx.Encounter(op.EncounterID)
		if err != nil {
			return err
		}
		if enc.Status == models.EncounterConflict {
			return nil
		}

		active, err := tx.hasActiveOps(op.EncounterID, opIDIfRemoved(opID, rearmed))
		if err != nil {
			return err
		}
		if !active && rearmed == nil && enc.Submitted {
			return tx.DeleteEncounter(op.EncounterID)
		}
		if active || rearmed != nil {
			enc.Status = models.EncounterPending
		} else {
			enc.Status = models.EncounterSynced
			enc.LastError = ""
			enc.RetryCount = 0
		}
		return tx.PutEncounter(enc)
	})
	if err != nil {
		return nil, err
	}
	return rearmed.Clone(), nil
}

func opIDIfRemoved(opID string, rearmed *models.SyncOperation) string {
	if rearmed != nil {
		return ""
	}
	return opID
}

// FailOp records a failed attempt on op and its encounter. terminal moves
// the op to failed; otherwise it returns to error and becomes due again at
// next.
func (s *Store) FailOp(ctx context.Context, opID string, kind string, cause error, next time.Time, terminal bool) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		op, err := tx.Op(opID)
		if err != nil {
			return err
		}
		op.Attempts++
		op.LastError = cause.Error()
		op.ErrorKind = kind
		if terminal {
			op.Status = models.OpFailed
			op.NextAttemptAt = time.Time{}
		} else {
			op.Status = models.OpError
			op.NextAttemptAt = next
		}
		if err := tx.PutOp(op); err != nil {
			return err
		}

		enc, err := tx.Encounter(op.EncounterID)
		if err != nil {
			return err
		}
		if enc.Status != models.EncounterConflict {
			enc.Status = models.EncounterError
		}
		enc.RetryCount = op.Attempts
		enc.LastError = op.LastError
		out = op
		return tx.PutEncounter(enc)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Retry re-arms an op for immediate processing. A failed update is folded
// into the encounter's active update when one exists, keeping at most one
// active update per encounter; the op that now carries the work is returned.
func (s *Store) Retry(ctx context.Context, opID string) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		op, err := tx.Op(opID)
		if err != nil {
			return err
		}
		if op.Status == models.OpSyncing {
			return fmt.Errorf("op %s is in flight", opID)
		}

		if op.Type == models.OpUpdate && op.Status == models.OpFailed {
			ops, err := tx.OpsForEncounter(op.EncounterID)
			if err != nil {
				return err
			}
			for _, cur := range ops {
				if cur.ID == op.ID || cur.Type != models.OpUpdate || !cur.Active() {
					continue
				}
				// the failed op is older; the active op's fields win
				if cur.Status == models.OpSyncing {
					cur.DeferredPayload = op.Payload.Merge(cur.DeferredPayload)
				} else {
					cur.Payload = op.Payload.Merge(cur.Payload)
				}
				if err := tx.PutOp(cur); err != nil {
					return err
				}
				if err := tx.DeleteOp(op.ID); err != nil {
					return err
				}
				out = cur
				return tx.resetEncounterError(op.EncounterID)
			}
		}

		op.Status = models.OpPending
		op.Attempts = 0
		op.NextAttemptAt = time.Time{}
		op.LastError = ""
		op.ErrorKind = ""
		if err := tx.PutOp(op); err != nil {
			return err
		}
		out = op
		return tx.resetEncounterError(op.EncounterID)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("op_id", out.ID).Str("type", string(out.Type)).Msg("Operation re-armed for retry")
	return out.Clone(), nil
}

func (tx *Tx) resetEncounterError(encounterID string) error {
	enc, err := tx.Encounter(encounterID)
	if err != nil {
		return err
	}
	if enc.Status != models.EncounterError {
		return nil
	}
	enc.Status = models.EncounterPending
	enc.RetryCount = 0
	enc.LastError = ""
	return tx.PutEncounter(enc)
}

// RecoverInFlight returns ops and encounters left in syncing by a crash to
// pending. It returns the number of ops recovered.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0
	err := s.Atomically(ctx, func(tx *Tx) error {
		recovered = 0
		ops, err := tx.Ops()
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Status != models.OpSyncing {
				continue
			}
			op.Status = models.OpPending
			if len(op.DeferredPayload) > 0 {
				op.Payload = op.Payload.Merge(op.DeferredPayload)
				op.DeferredPayload = nil
			}
			if err := tx.PutOp(op); err != nil {
				return err
			}
			recovered++
		}

		encs, err := tx.Encounters()
		if err != nil {
			return err
		}
		for _, enc := range encs {
			if enc.Status != models.EncounterSyncing {
				continue
			}
			enc.Status = models.EncounterPending
			if err := tx.PutEncounter(enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		s.logger.Warn().Int("ops", recovered).Msg("Recovered operations interrupted mid-sync")
	}
	return recovered, nil
}
