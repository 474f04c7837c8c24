// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/conflict"
	"github.com/tomtom215/scribesync/internal/engine"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/netmon"
	"github.com/tomtom215/scribesync/internal/store"
	"github.com/tomtom215/scribesync/internal/stream"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeEngine struct {
	syncs   int
	retried string
	edits   []string
}

func (f *fakeEngine) TriggerSync(ctx context.Context) (*engine.Report, error) {
	f.syncs++
	return &engine.Report{Attempted: 2, Synced: 2}, nil
}

func (f *fakeEngine) Retry(ctx context.Context, opID string) (*models.SyncOperation, error) {
	if opID == "missing" {
		return nil, store.ErrNotFound
	}
	f.retried = opID
	return &models.SyncOperation{ID: opID, Status: models.OpPending}, nil
}

func (f *fakeEngine) EditSection(ctx context.Context, encounterID, section, text string) (*models.OfflineEncounter, error) {
	if !models.ValidSection(section) {
		return nil, fmt.Errorf("%w: %q", engine.ErrInvalidSection, section)
	}
	f.edits = append(f.edits, section+"="+text)
	return &models.OfflineEncounter{ID: encounterID, Status: models.EncounterPending}, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, encounterID string, policy models.ConflictPolicy) (*models.OfflineEncounter, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: %q", conflict.ErrInvalidPolicy, policy)
	}
	if encounterID == "busy" {
		return nil, store.ErrUnresolved
	}
	return &models.OfflineEncounter{ID: encounterID, Status: models.EncounterPending}, nil
}

type fakeNetwork struct{}

func (fakeNetwork) CurrentStatus() netmon.Status {
	return netmon.Status{Online: true, Reachable: true}
}

type fakeStream struct {
	active      string
	regenerated []string
}

func (f *fakeStream) State() stream.State     { return stream.StateConnected }
func (f *fakeStream) QueueLen() int           { return 3 }
func (f *fakeStream) ActiveEncounter() string { return f.active }
func (f *fakeStream) RegenerateSection(section, sectionContext string) error {
	f.regenerated = append(f.regenerated, section+":"+sectionContext)
	return nil
}

type testServer struct {
	handler http.Handler
	store   *store.Store
	engine  *fakeEngine
	stream  *fakeStream
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.Open(store.Config{
		InMemory: true,
		Defaults: models.Settings{
			MaxOfflineEncounters: 50,
			MaxStorageMB:         10,
			AutoSyncEnabled:      true,
			SyncIntervalMinutes:  5,
			RetryDelaySeconds:    10,
			MaxRetries:           5,
		},
	}, clock.NewManual(testEpoch))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ts := &testServer{store: s, engine: &fakeEngine{}, stream: &fakeStream{active: "enc-live"}}
	ts.handler = NewRouter(Deps{
		Store:    s,
		Engine:   ts.engine,
		Resolver: fakeResolver{},
		Network:  fakeNetwork{},
		Stream:   ts.stream,
	}, RouterConfig{RateLimitReqs: 1000, RateLimitWindow: time.Minute})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Code != http.StatusNoContent {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s response: %v (body %q)", method, path, err, rec.Body.String())
		}
	}
	return rec, resp
}

func (ts *testServer) seed(t *testing.T, id string) {
	t.Helper()
	if _, err := ts.store.Save(context.Background(), &models.OfflineEncounter{
		ID:        id,
		PatientID: "patient-1",
		Status:    models.EncounterPending,
	}); err != nil {
		t.Fatalf("Save(%s) error = %v", id, err)
	}
}

func TestHealthCarriesRequestID(t *testing.T) {
	ts := newTestServer(t)
	rec, resp := ts.do(t, http.MethodGet, "/api/v1/health", nil)

	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d success = %v", rec.Code, resp.Success)
	}
	if resp.Meta == nil || resp.Meta.RequestID == "" {
		t.Fatal("meta.request_id missing")
	}
	if got := rec.Header().Get("X-Request-ID"); got != resp.Meta.RequestID {
		t.Errorf("X-Request-ID = %q, want %q", got, resp.Meta.RequestID)
	}
}

func TestStatusReportsComponents(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "enc-1")

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	raw, _ := json.Marshal(resp.Data)
	var status StatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatal(err)
	}
	if !status.Network.Online {
		t.Error("network.online = false")
	}
	if status.Store.Encounters != 1 {
		t.Errorf("store.encounters = %d, want 1", status.Store.Encounters)
	}
	if status.Stream != string(stream.StateConnected) || status.StreamQueue != 3 {
		t.Errorf("stream = %q queue = %d", status.Stream, status.StreamQueue)
	}
}

func TestTriggerSyncReturnsReport(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodPost, "/api/v1/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ts.engine.syncs != 1 {
		t.Errorf("TriggerSync called %d times, want 1", ts.engine.syncs)
	}
}

func TestEncounterLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "enc-1")
	ts.seed(t, "enc-2")

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/encounters", nil)
	if rec.Code != http.StatusOK || resp.Meta.Count == nil || *resp.Meta.Count != 2 {
		t.Fatalf("list: status = %d meta = %+v", rec.Code, resp.Meta)
	}

	rec, resp = ts.do(t, http.MethodGet, "/api/v1/encounters?status=synced", nil)
	if rec.Code != http.StatusOK || *resp.Meta.Count != 0 {
		t.Errorf("filtered list count = %d, want 0", *resp.Meta.Count)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/encounters/enc-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get: status = %d", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodDelete, "/api/v1/encounters/enc-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rec.Code)
	}

	rec, resp = ts.do(t, http.MethodGet, "/api/v1/encounters/enc-1", nil)
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Errorf("get deleted: status = %d error = %+v", rec.Code, resp.Error)
	}
}

func TestEditSection(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPut, "/api/v1/encounters/enc-1/soap/plan", map[string]string{"text": "Follow up in 2 weeks"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ts.engine.edits) != 1 || ts.engine.edits[0] != "plan=Follow up in 2 weeks" {
		t.Errorf("edits = %v", ts.engine.edits)
	}

	rec, _ = ts.do(t, http.MethodPut, "/api/v1/encounters/enc-1/soap/history", map[string]string{"text": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown section: status = %d, want 400", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPut, "/api/v1/encounters/enc-1/soap/plan", map[string]string{"txt": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}
}

func TestRegenerateSectionRequiresActiveEncounter(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/v1/encounters/enc-other/soap/plan/regenerate", map[string]string{"context": "shorter"})
	if rec.Code != http.StatusConflict {
		t.Errorf("inactive encounter: status = %d, want 409", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/encounters/enc-live/soap/plan/regenerate", map[string]string{"context": "shorter"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("active encounter: status = %d, want 202", rec.Code)
	}
	if len(ts.stream.regenerated) != 1 || ts.stream.regenerated[0] != "plan:shorter" {
		t.Errorf("regenerated = %v", ts.stream.regenerated)
	}
}

func TestRetryOp(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/v1/ops/op-7/retry", nil)
	if rec.Code != http.StatusOK || ts.engine.retried != "op-7" {
		t.Errorf("status = %d retried = %q", rec.Code, ts.engine.retried)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/ops/missing/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing op: status = %d, want 404", rec.Code)
	}
}

func TestResolveConflictStatuses(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		policy string
		want   int
	}{
		{"merge", "enc-1", "merge", http.StatusOK},
		{"invalid policy", "enc-1", "newest", http.StatusBadRequest},
		{"still in conflict", "busy", "local", http.StatusConflict},
	}
	ts := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := ts.do(t, http.MethodPost, "/api/v1/conflicts/"+tt.id+"/resolve", map[string]string{"policy": tt.policy})
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestConflictsEmpty(t *testing.T) {
	ts := newTestServer(t)
	rec, resp := ts.do(t, http.MethodGet, "/api/v1/conflicts", nil)
	if rec.Code != http.StatusOK || *resp.Meta.Count != 0 {
		t.Errorf("status = %d count = %v", rec.Code, resp.Meta.Count)
	}
	rec, _ = ts.do(t, http.MethodGet, "/api/v1/conflicts/enc-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing conflict: status = %d, want 404", rec.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPut, "/api/v1/settings", map[string]interface{}{"max_retries": 7})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d", rec.Code)
	}
	settings, err := ts.store.Settings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if settings.MaxRetries != 7 || settings.SyncIntervalMinutes != 5 {
		t.Errorf("settings = %+v", settings)
	}

	rec, _ = ts.do(t, http.MethodPut, "/api/v1/settings", map[string]interface{}{"max_retries": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid settings: status = %d, want 400", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s, err := store.Open(store.Config{InMemory: true, Defaults: models.Settings{
		MaxOfflineEncounters: 1, MaxStorageMB: 1, SyncIntervalMinutes: 1, RetryDelaySeconds: 1, MaxRetries: 1,
	}}, clock.NewManual(testEpoch))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h := NewRouter(Deps{Store: s}, RouterConfig{RateLimitReqs: 2, RateLimitWindow: time.Minute})

	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}
