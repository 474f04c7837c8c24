// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/metrics"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/store"
	"github.com/tomtom215/scribesync/internal/syncapi"
	"github.com/tomtom215/scribesync/internal/syncerr"
)

// group is the queued work of one encounter, in processing order.
type group struct {
	encounterID string
	ops         []*models.SyncOperation
	priority    int
	firstSeq    uint64
}

// runState collects a run's counters across workers.
type runState struct {
	mu       sync.Mutex
	report   *Report
	settings models.Settings
}

func (r *runState) add(fn func(rep *Report)) {
	r.mu.Lock()
	fn(r.report)
	r.mu.Unlock()
}

func (e *Engine) run(ctx context.Context) (*Report, error) {
	ctx = logging.ContextWithLogger(ctx, e.logger)
	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.Ctx(ctx)

	started := time.Now()
	report := &Report{
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		StartedAt:     e.clock.Now(),
	}
	// workers keep writing to report; subscribers get their own copy
	startedCopy := *report
	e.publish(Event{Type: EventRunStarted, Report: &startedCopy})

	coalesced, err := e.store.Coalesce(ctx)
	if err != nil {
		return nil, fmt.Errorf("coalesce queue: %w", err)
	}
	report.Coalesced = coalesced

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	groups, blocked, err := e.selectGroups(ctx)
	if err != nil {
		return nil, err
	}
	report.Blocked = blocked

	state := &runState{report: report, settings: settings}

	g := errgroup.Group{}
	g.SetLimit(e.cfg.Workers)
	for _, grp := range groups {
		if ctx.Err() != nil {
			break
		}
		grp := grp
		g.Go(func() error {
			e.runGroup(ctx, grp, state)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = e.clock.Now()
	report.Canceled = ctx.Err() != nil

	if report.Attempted > 0 {
		if err := e.store.SetLastSyncAt(context.WithoutCancel(ctx), report.FinishedAt); err != nil {
			log.Warn().Err(err).Msg("Failed to persist last sync time")
		}
	}
	if _, err := e.store.Stats(context.WithoutCancel(ctx)); err != nil {
		log.Debug().Err(err).Msg("Failed to refresh queue gauges")
	}

	result := "success"
	switch {
	case report.Canceled:
		result = "canceled"
	case report.Failed > 0 || report.Conflicts > 0:
		result = "partial"
	}
	metrics.RecordSyncRun(result, time.Since(started), report.Attempted)

	log.Info().
		Int("attempted", report.Attempted).
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("conflicts", report.Conflicts).
		Int("blocked", report.Blocked).
		Dur("duration", time.Since(started)).
		Msg("Sync run completed")
	e.publish(Event{Type: EventRunCompleted, Report: report})
	return report, nil
}

// selectGroups groups the queue by encounter. Groups are ordered by their
// highest priority, then by their earliest Seq. Within a group ops keep
// their enqueue order, except that a create is moved to the front. Encounters
// in conflict are left out and counted as blocked.
func (e *Engine) selectGroups(ctx context.Context) ([]*group, int, error) {
	ops, err := e.store.ListOps(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list ops: %w", err)
	}
	encs, err := e.store.GetAll(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list encounters: %w", err)
	}
	inConflict := make(map[string]bool)
	for _, enc := range encs {
		if enc.Status == models.EncounterConflict {
			inConflict[enc.ID] = true
		}
	}

	byEnc := make(map[string]*group)
	blocked := make(map[string]bool)
	for _, op := range ops {
		if inConflict[op.EncounterID] {
			blocked[op.EncounterID] = true
			continue
		}
		grp, ok := byEnc[op.EncounterID]
		if !ok {
			grp = &group{encounterID: op.EncounterID, priority: op.Priority, firstSeq: op.Seq}
			byEnc[op.EncounterID] = grp
		}
		grp.ops = append(grp.ops, op)
		if op.Priority > grp.priority {
			grp.priority = op.Priority
		}
		if op.Seq < grp.firstSeq {
			grp.firstSeq = op.Seq
		}
	}

	groups := make([]*group, 0, len(byEnc))
	for _, grp := range byEnc {
		sort.SliceStable(grp.ops, func(i, j int) bool {
			a, b := grp.ops[i], grp.ops[j]
			if a.Type.Rank() != b.Type.Rank() {
				return a.Type.Rank() < b.Type.Rank()
			}
			return a.Seq < b.Seq
		})
		groups = append(groups, grp)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].priority != groups[j].priority {
			return groups[i].priority > groups[j].priority
		}
		return groups[i].firstSeq < groups[j].firstSeq
	})
	return groups, len(blocked), nil
}

// runGroup processes one encounter's ops in order. It stops at the first
// op that is not due or does not succeed, so later ops never overtake it.
func (e *Engine) runGroup(ctx context.Context, grp *group, state *runState) {
	ctx = logging.ContextWithEncounterID(ctx, grp.encounterID)
	for _, op := range grp.ops {
		if ctx.Err() != nil {
			return
		}
		if !op.Due(e.clock.Now()) {
			return
		}
		if !e.processOp(ctx, op, state) {
			return
		}
	}
}

// processOp makes one attempt at op and records the outcome. It reports
// whether the encounter's remaining ops may proceed.
func (e *Engine) processOp(ctx context.Context, op *models.SyncOperation, state *runState) bool {
	log := logging.Ctx(ctx)

	claimed, err := e.store.MarkSyncing(ctx, op.ID)
	if err != nil {
		log.Warn().Err(err).Str("op_id", op.ID).Msg("Failed to claim operation")
		return false
	}
	state.add(func(r *Report) { r.Attempted++ })

	enc, err := e.store.Get(ctx, op.EncounterID)
	if err != nil {
		e.fail(ctx, claimed, syncerr.Permanent(string(op.Type), fmt.Errorf("load encounter: %w", err)), state)
		return false
	}

	resp, err := e.execute(ctx, claimed, enc)

	// The remote call may have taken effect; the bookkeeping must land even
	// when the run is being canceled.
	bg := context.WithoutCancel(ctx)

	if err == nil && resp != nil && resp.Conflict {
		e.conflict(bg, claimed, resp.ServerVersion, state)
		return false
	}
	if err != nil {
		if ctx.Err() != nil {
			e.release(bg, claimed)
			return false
		}
		if syncerr.Is(err, syncerr.Conflict) {
			e.conflict(bg, claimed, nil, state)
			return false
		}
		e.fail(bg, claimed, err, state)
		return false
	}

	if resp != nil && resp.Version != "" && op.Type != models.OpSubmit {
		if _, err := e.store.Update(bg, op.EncounterID, func(enc *models.OfflineEncounter) error {
			enc.ServerVersion = resp.Version
			return nil
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to record server version")
		}
	}

	rearmed, err := e.store.CompleteOp(bg, claimed.ID)
	if err != nil {
		log.Error().Err(err).Str("op_id", claimed.ID).Msg("Failed to complete operation")
		return false
	}

	metrics.RecordOpResult(string(op.Type), "synced")
	state.add(func(r *Report) { r.Synced++ })
	log.Debug().Str("op_id", claimed.ID).Str("type", string(op.Type)).Msg("Operation synced")
	e.publish(Event{Type: EventOpSynced, OpID: claimed.ID, OpType: claimed.Type, EncounterID: claimed.EncounterID})

	// fields deferred during this attempt go out on the next run
	return rearmed == nil
}

// execute performs the remote call for op.
func (e *Engine) execute(ctx context.Context, op *models.SyncOperation, enc *models.OfflineEncounter) (*syncapi.SyncResponse, error) {
	switch op.Type {
	case models.OpCreate:
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
		return e.api.SyncEncounter(callCtx, buildRequest(enc, nil))
	case models.OpUpdate:
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
		return e.api.SyncEncounter(callCtx, buildRequest(enc, op.Payload))
	case models.OpUploadAudio:
		return nil, e.upload(ctx, op, enc)
	case models.OpSubmit:
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
		return nil, e.api.Submit(callCtx, enc.ID)
	}
	return nil, syncerr.Permanent("sync", fmt.Errorf("unknown operation type %q", op.Type))
}

// buildRequest snapshots enc for the sync endpoint. Payload keys other than
// force and base_version are sent as changed fields.
func buildRequest(enc *models.OfflineEncounter, payload models.Payload) *syncapi.SyncRequest {
	req := &syncapi.SyncRequest{
		EncounterID:   enc.ID,
		PatientID:     enc.PatientID,
		EncounterType: enc.EncounterType,
		AudioDuration: enc.AudioDurationSec,
		Transcript:    enc.Transcript,
		SOAPNote:      enc.SOAPNote,
		CreatedAt:     enc.CreatedAt,
		BaseVersion:   enc.ServerVersion,
	}
	if enc.SOAPNote != nil {
		req.Edits = enc.SOAPNote.Edits
	}
	if len(payload) == 0 {
		return req
	}

	var force bool
	if ok, err := payload.Get(models.PayloadForce, &force); ok && err == nil {
		req.Force = force
	}
	var base string
	if ok, err := payload.Get(models.PayloadBaseVersion, &base); ok && err == nil && base != "" {
		req.BaseVersion = base
	}

	changes := make(models.Payload, len(payload))
	for k, v := range payload {
		if k == models.PayloadForce || k == models.PayloadBaseVersion {
			continue
		}
		changes[k] = v
	}
	if len(changes) > 0 {
		req.Changes = changes
	}
	return req
}

// fail records a failed attempt. Permanent rejections and attempts beyond
// MaxRetries are terminal.
func (e *Engine) fail(ctx context.Context, op *models.SyncOperation, cause error, state *runState) {
	kind := syncerr.KindOf(cause)
	attempts := op.Attempts + 1
	terminal := kind == syncerr.PermanentRejection || attempts > state.settings.MaxRetries
	next := e.clock.Now().Add(backoff(state.settings.RetryDelay(), e.cfg.MaxRetryDelay, attempts))

	failed, err := e.store.FailOp(ctx, op.ID, kind.String(), cause, next, terminal)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("op_id", op.ID).Msg("Failed to record operation failure")
		return
	}

	state.add(func(r *Report) {
		r.Failed++
		if terminal {
			r.Terminal++
		}
	})

	ev := Event{OpID: op.ID, OpType: op.Type, EncounterID: op.EncounterID, Kind: kind, Err: cause}
	log := logging.Ctx(ctx)
	if terminal {
		metrics.RecordOpResult(string(op.Type), "failed")
		log.Warn().
			Str("op_id", op.ID).
			Str("type", string(op.Type)).
			Str("kind", kind.String()).
			Int("attempts", failed.Attempts).
			Str("error", logging.RedactError(cause.Error())).
			Msg("Operation failed permanently")
		ev.Type = EventTerminalFailure
	} else {
		metrics.RecordOpResult(string(op.Type), "retry")
		log.Debug().
			Str("op_id", op.ID).
			Str("kind", kind.String()).
			Int("attempts", failed.Attempts).
			Time("next_attempt_at", failed.NextAttemptAt).
			Msg("Operation failed, will retry")
		ev.Type = EventOpFailed
	}
	e.publish(ev)
}

// conflict stores the conflict record and removes the op in one step.
func (e *Engine) conflict(ctx context.Context, op *models.SyncOperation, server *models.ServerVersion, state *runState) {
	rec, err := e.store.RecordConflict(ctx, op.ID, &models.ConflictRecord{
		EncounterID: op.EncounterID,
		Server:      server,
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("op_id", op.ID).Msg("Failed to record conflict")
		return
	}
	metrics.RecordOpResult(string(op.Type), "conflict")
	state.add(func(r *Report) { r.Conflicts++ })
	e.publish(Event{
		Type:        EventConflictDetected,
		OpID:        op.ID,
		OpType:      op.Type,
		EncounterID: rec.EncounterID,
		Kind:        syncerr.Conflict,
	})
}

// release hands an interrupted op back to the queue without counting the
// attempt.
func (e *Engine) release(ctx context.Context, op *models.SyncOperation) {
	_, err := e.store.UpdateOp(ctx, op.ID, func(o *models.SyncOperation) error {
		if o.Status == models.OpSyncing {
			o.Status = models.OpPending
			o.DeferredPayload, o.Payload = nil, o.Payload.Merge(o.DeferredPayload)
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.Ctx(ctx).Warn().Err(err).Str("op_id", op.ID).Msg("Failed to release interrupted operation")
	}
	_, _ = e.store.Update(ctx, op.EncounterID, func(enc *models.OfflineEncounter) error {
		if enc.Status == models.EncounterSyncing {
			enc.Status = models.EncounterPending
		}
		return nil
	})
}
