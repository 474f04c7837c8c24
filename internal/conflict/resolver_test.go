// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		InMemory: true,
		Defaults: models.Settings{MaxOfflineEncounters: 10, MaxStorageMB: 10, RetryDelaySeconds: 30, MaxRetries: 5},
	}, clock.NewManual(t0))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedConflict stores the local encounter with a queued update and records
// a conflict against server.
func seedConflict(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	local, server := conflictPair()
	local.Status = models.EncounterPending
	if _, err := s.Save(ctx, local); err != nil {
		t.Fatal(err)
	}
	payload, _ := models.NewPayload(map[string]interface{}{"transcript": "local transcript"})
	if _, err := s.Enqueue(ctx, &models.SyncOperation{Type: models.OpUpdate, EncounterID: local.ID, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordConflict(ctx, "", &models.ConflictRecord{EncounterID: local.ID, Server: server}); err != nil {
		t.Fatal(err)
	}
}

func opsOfType(t *testing.T, s *store.Store, encID string, typ models.OpType) []*models.SyncOperation {
	t.Helper()
	ops, err := s.OpsForEncounter(context.Background(), encID)
	if err != nil {
		t.Fatal(err)
	}
	var out []*models.SyncOperation
	for _, op := range ops {
		if op.Type == typ {
			out = append(out, op)
		}
	}
	return out
}

func assertConflictCleared(t *testing.T, s *store.Store, encID string) {
	t.Helper()
	if _, err := s.GetConflict(context.Background(), encID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetConflict() error = %v, want ErrNotFound", err)
	}
}

func TestResolveServerAdoptsServerVersion(t *testing.T) {
	s := openStore(t)
	seedConflict(t, s)
	r := NewResolver(s)

	var got []Resolution
	sub := r.Subscribe(func(res Resolution) { got = append(got, res) })
	defer sub.Unsubscribe()

	enc, err := r.Resolve(context.Background(), "enc_2", models.PolicyServer)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if enc.Status != models.EncounterSynced {
		t.Errorf("Status = %s, want synced", enc.Status)
	}
	if enc.Transcript != "server transcript" || enc.SOAPNote.Plan != "p-server" || enc.ServerVersion != "v7" {
		t.Errorf("encounter = %+v, want server copy", enc)
	}
	if ops := opsOfType(t, s, "enc_2", models.OpUpdate); len(ops) != 0 {
		t.Errorf("queued updates = %d, want 0", len(ops))
	}
	assertConflictCleared(t, s, "enc_2")

	if len(got) != 1 || got[0].Policy != models.PolicyServer {
		t.Errorf("resolutions = %+v", got)
	}
}

func TestResolveLocalQueuesForcedUpdate(t *testing.T) {
	s := openStore(t)
	seedConflict(t, s)

	enc, err := NewResolver(s).Resolve(context.Background(), "enc_2", models.PolicyLocal)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if enc.Status != models.EncounterPending || enc.Transcript != "local transcript" {
		t.Errorf("encounter = %+v", enc)
	}

	ops := opsOfType(t, s, "enc_2", models.OpUpdate)
	if len(ops) != 1 {
		t.Fatalf("updates = %d, want 1 coalesced update", len(ops))
	}
	var force bool
	if ok, _ := ops[0].Payload.Get(models.PayloadForce, &force); !ok || !force {
		t.Errorf("payload = %v, want force", ops[0].Payload)
	}
	assertConflictCleared(t, s, "enc_2")
}

func TestResolveMergeQueuesMergedRecord(t *testing.T) {
	s := openStore(t)
	seedConflict(t, s)

	enc, err := NewResolver(s).Resolve(context.Background(), "enc_2", models.PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if enc.Status != models.EncounterPending {
		t.Errorf("Status = %s, want pending", enc.Status)
	}
	if enc.SOAPNote.Objective != "o-local" || enc.SOAPNote.Subjective != "s-server" {
		t.Errorf("note = %+v", enc.SOAPNote)
	}
	if len(enc.ReviewSections) != 1 || enc.ReviewSections[0] != models.SectionPlan {
		t.Errorf("ReviewSections = %v", enc.ReviewSections)
	}

	ops := opsOfType(t, s, "enc_2", models.OpUpdate)
	if len(ops) != 1 {
		t.Fatalf("updates = %d, want 1", len(ops))
	}
	var base string
	if ok, _ := ops[0].Payload.Get(models.PayloadBaseVersion, &base); !ok || base != "v7" {
		t.Errorf("base_version = %q", base)
	}
	assertConflictCleared(t, s, "enc_2")
}

func TestResolveServerKeepsPendingWhenOtherWorkQueued(t *testing.T) {
	s := openStore(t)
	seedConflict(t, s)
	if _, err := s.Enqueue(context.Background(), &models.SyncOperation{Type: models.OpSubmit, EncounterID: "enc_2"}); err != nil {
		t.Fatal(err)
	}

	enc, err := NewResolver(s).Resolve(context.Background(), "enc_2", models.PolicyServer)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Status != models.EncounterPending {
		t.Errorf("Status = %s, want pending while a submit is queued", enc.Status)
	}
}

func TestResolveErrors(t *testing.T) {
	s := openStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "enc_2", "newest"); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("invalid policy error = %v", err)
	}
	if _, err := r.Resolve(ctx, "missing", models.PolicyServer); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing conflict error = %v, want ErrNotFound", err)
	}
}

func TestResolveWithoutServerVersion(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	local, _ := conflictPair()
	local.Status = models.EncounterPending
	if _, err := s.Save(ctx, local); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordConflict(ctx, "", &models.ConflictRecord{EncounterID: local.ID}); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(s)

	for _, policy := range []models.ConflictPolicy{models.PolicyServer, models.PolicyMerge} {
		if _, err := r.Resolve(ctx, local.ID, policy); !errors.Is(err, ErrNoServerVersion) {
			t.Errorf("Resolve(%s) error = %v, want ErrNoServerVersion", policy, err)
		}
	}
	if _, err := s.GetConflict(ctx, local.ID); err != nil {
		t.Fatalf("conflict should remain open: %v", err)
	}

	if _, err := r.Resolve(ctx, local.ID, models.PolicyLocal); err != nil {
		t.Fatalf("Resolve(local) error = %v", err)
	}
	assertConflictCleared(t, s, local.ID)
}
