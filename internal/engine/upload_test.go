// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/syncerr"
)

// saveRecording writes size bytes of audio and saves an encounter that
// points at it.
func (h *harness) saveRecording(t *testing.T, id string, size int) {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".wav")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x5a}, size), 0o600); err != nil {
		t.Fatal(err)
	}
	h.save(t, &models.OfflineEncounter{
		ID:             id,
		PatientID:      "pat-" + id,
		AudioPath:      path,
		AudioSizeBytes: int64(size),
	})
}

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}

// An encounter recorded offline is created and its audio uploaded once the
// network comes back.
func TestOfflineRecordingSyncsWhenOnline(t *testing.T) {
	h := newHarness(t, Config{ChunkSizeBytes: 1024})
	h.net.online.Store(false)
	h.saveRecording(t, "enc_1", 2600)
	h.enqueue(t, "enc_1", models.OpCreate, 0)
	h.enqueue(t, "enc_1", models.OpUploadAudio, 0)

	if rep := h.sync(t); !rep.Offline {
		t.Fatalf("report = %+v, want offline", rep)
	}
	if st := h.encounter(t, "enc_1").Status; st != models.EncounterPending {
		t.Fatalf("status while offline = %s, want pending", st)
	}

	h.net.online.Store(true)
	rep := h.sync(t)

	want := []string{"sync:enc_1", "chunk:enc_1:0", "chunk:enc_1:1", "chunk:enc_1:2", "complete:enc_1"}
	if got := h.api.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if rep.Synced != 2 {
		t.Errorf("Synced = %d, want 2", rep.Synced)
	}
	if st := h.encounter(t, "enc_1").Status; st != models.EncounterSynced {
		t.Errorf("status = %s, want synced", st)
	}
	if ops, _ := h.store.ListOps(context.Background()); len(ops) != 0 {
		t.Errorf("queue not empty: %d ops", len(ops))
	}
}

func TestFailedChunkResendsOnlyMissingChunks(t *testing.T) {
	h := newHarness(t, Config{ChunkSizeBytes: 1024, ChunkRetries: 0})
	h.saveRecording(t, "enc_1", 3000)
	op := h.enqueue(t, "enc_1", models.OpUploadAudio, 0)

	failed := false
	h.api.chunkFn = func(_ string, index int) error {
		if index == 1 && !failed {
			failed = true
			return syncerr.Transient("upload chunk", errors.New("connection reset"))
		}
		return nil
	}

	h.sync(t)
	got, _ := h.store.GetOp(context.Background(), op.ID)
	if got.Status != models.OpError || got.Upload == nil {
		t.Fatalf("op after failure = %+v", got)
	}
	if !reflect.DeepEqual(got.Upload.Acked, []bool{true, false, false}) {
		t.Errorf("Acked = %v, want [true false false]", got.Upload.Acked)
	}

	h.clock.Advance(10 * time.Second)
	h.sync(t)

	calls := h.api.Calls()
	if n := countCalls(calls, "chunk:enc_1:0"); n != 1 {
		t.Errorf("chunk 0 sent %d times, want 1", n)
	}
	if n := countCalls(calls, "chunk:enc_1:1"); n != 2 {
		t.Errorf("chunk 1 sent %d times, want 2", n)
	}
	if n := countCalls(calls, "complete:enc_1"); n != 1 {
		t.Errorf("complete sent %d times, want 1", n)
	}
	if st := h.encounter(t, "enc_1").Status; st != models.EncounterSynced {
		t.Errorf("status = %s, want synced", st)
	}
}

func TestChunkRetriesWithinOneRun(t *testing.T) {
	h := newHarness(t, Config{ChunkSizeBytes: 1024, ChunkRetries: 2})
	h.saveRecording(t, "enc_1", 2048)
	h.enqueue(t, "enc_1", models.OpUploadAudio, 0)

	fails := 0
	h.api.chunkFn = func(_ string, index int) error {
		if index == 0 && fails < 2 {
			fails++
			return syncerr.Transient("upload chunk", errors.New("timeout"))
		}
		return nil
	}

	rep := h.sync(t)
	if rep.Synced != 1 || rep.Failed != 0 {
		t.Errorf("report = %+v, want the upload to succeed in one run", rep)
	}
	if n := countCalls(h.api.Calls(), "chunk:enc_1:0"); n != 3 {
		t.Errorf("chunk 0 attempts = %d, want 3", n)
	}
}

func TestMissingAudioFileIsPermanent(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, &models.OfflineEncounter{ID: "enc_9", PatientID: "p", AudioPath: filepath.Join(t.TempDir(), "gone.wav")})
	op := h.enqueue(t, "enc_9", models.OpUploadAudio, 0)

	rep := h.sync(t)
	if rep.Terminal != 1 {
		t.Errorf("report = %+v, want a terminal failure", rep)
	}
	got, _ := h.store.GetOp(context.Background(), op.ID)
	if got.Status != models.OpFailed {
		t.Errorf("op status = %s, want failed", got.Status)
	}
}
