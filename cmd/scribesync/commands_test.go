// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scribesync/internal/capture"
	"github.com/tomtom215/scribesync/internal/store"
)

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scribesync.yaml")
	content := fmt.Sprintf(`storage:
  path: %s
  audio_dir: %s
  sync_writes: false
stream:
  auto_connect: false
control:
  enabled: false
logging:
  level: error
`, filepath.Join(dir, "queue"), filepath.Join(dir, "audio"))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeWAV(t *testing.T, path string) {
	t.Helper()
	format := capture.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	rec, err := capture.CreateRecording(path, format)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Write(make([]byte, format.BytesPerSecond())); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestImportThenStatus(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	wav := filepath.Join(dir, "visit.wav")
	writeWAV(t, wav)

	out, err := execute(t, "import", wav, "--config", cfgPath, "--patient", "p-1", "--encounter", "enc-1")
	if err != nil {
		t.Fatalf("import error = %v (output %q)", err, out)
	}
	if !strings.Contains(out, "Queued enc-1") {
		t.Errorf("import output = %q", out)
	}

	out, err = execute(t, "status", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	var stats store.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode status: %v (output %q)", err, out)
	}
	if stats.Encounters != 1 || stats.Ops != 2 {
		t.Errorf("encounters = %d ops = %d, want 1 and 2", stats.Encounters, stats.Ops)
	}
}

func TestImportRequiresIDs(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	wav := filepath.Join(dir, "visit.wav")
	writeWAV(t, wav)

	if _, err := execute(t, "import", wav, "--config", cfgPath, "--patient", "p-1"); err == nil {
		t.Error("import without --encounter succeeded")
	}
}

func TestConflictsListEmpty(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := execute(t, "conflicts", "list", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No open conflicts") {
		t.Errorf("output = %q", out)
	}
}

func TestResolveWithoutConflictFails(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	if _, err := execute(t, "conflicts", "resolve", "enc-1", "--config", cfgPath, "--policy", "local"); err == nil {
		t.Error("resolve without an open conflict succeeded")
	}
	if _, err := execute(t, "conflicts", "resolve", "enc-1", "--config", cfgPath, "--policy", "newest"); err == nil {
		t.Error("resolve with an unknown policy succeeded")
	}
}

func TestRetryUnknownOp(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	if _, err := execute(t, "retry", "op-missing", "--config", cfgPath); err == nil {
		t.Error("retry of a missing op succeeded")
	}
}

func TestEditQueuesUpdate(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	wav := filepath.Join(dir, "visit.wav")
	writeWAV(t, wav)
	if _, err := execute(t, "import", wav, "--config", cfgPath, "--patient", "p-1", "--encounter", "enc-1"); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "edit", "enc-1", "plan", "Recheck in two weeks", "--config", cfgPath)
	if err != nil {
		t.Fatalf("edit error = %v", err)
	}
	if !strings.Contains(out, "Updated plan of enc-1") {
		t.Errorf("edit output = %q", out)
	}

	if _, err := execute(t, "edit", "enc-1", "history", "x", "--config", cfgPath); err == nil {
		t.Error("edit of an unknown section succeeded")
	}
}

func TestBreakdown(t *testing.T) {
	got := breakdown(map[string]int{"pending": 2, "error": 1})
	if got != "(error=1 pending=2)" {
		t.Errorf("breakdown() = %q", got)
	}
	if breakdown(nil) != "" {
		t.Error("empty breakdown should be blank")
	}
}
