// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/scribesync/internal/conflict"
	"github.com/tomtom215/scribesync/internal/engine"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/netmon"
	"github.com/tomtom215/scribesync/internal/store"
	"github.com/tomtom215/scribesync/internal/stream"
	"github.com/tomtom215/scribesync/internal/syncerr"
	"github.com/tomtom215/scribesync/internal/validation"
)

// maxBodyBytes bounds request bodies; SOAP sections are plain text.
const maxBodyBytes = 1 << 20

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Network       netmon.Status `json:"network"`
	Store         store.Stats   `json:"store"`
	Stream        string        `json:"stream,omitempty"`
	StreamQueue   int           `json:"stream_queue"`
	StreamActive  string        `json:"stream_encounter,omitempty"`
	Breaker       string        `json:"breaker,omitempty"`
	Capturing     string        `json:"capturing,omitempty"`
	LastSyncAt    *time.Time    `json:"last_sync_at,omitempty"`
	ConflictCount int           `json:"conflict_count"`
}

type editSectionRequest struct {
	Text string `json:"text" validate:"max=65536"`
}

type regenerateRequest struct {
	Context string `json:"context" validate:"max=4096"`
}

type resolveRequest struct {
	Policy models.ConflictPolicy `json:"policy" validate:"required,conflict_policy"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// Status summarizes connectivity, the queue and the realtime channel.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	stats, err := h.deps.Store.Stats(r.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}

	resp := StatusResponse{
		Store:         stats,
		ConflictCount: stats.Conflicts,
	}
	if h.deps.Network != nil {
		resp.Network = h.deps.Network.CurrentStatus()
	}
	if !stats.LastSyncAt.IsZero() {
		at := stats.LastSyncAt
		resp.LastSyncAt = &at
	}
	if h.deps.Stream != nil {
		resp.Stream = string(h.deps.Stream.State())
		resp.StreamQueue = h.deps.Stream.QueueLen()
		resp.StreamActive = h.deps.Stream.ActiveEncounter()
	}
	if h.deps.Breaker != nil {
		resp.Breaker = h.deps.Breaker.BreakerState()
	}
	if h.deps.Capture != nil {
		resp.Capturing = h.deps.Capture.Active()
	}
	rw.Success(resp)
}

// TriggerSync runs one sync pass and returns its report.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	report, err := h.deps.Engine.TriggerSync(r.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(report)
}

// ListOps lists queued operations in queue order.
func (h *Handler) ListOps(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ops, err := h.deps.Store.ListOps(r.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.List(ops, len(ops))
}

// RetryOp re-arms a failed operation.
func (h *Handler) RetryOp(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	op, err := h.deps.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(op)
}

// ListEncounters lists locally held encounters.
func (h *Handler) ListEncounters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	encs, err := h.deps.Store.GetAll(r.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := encs[:0]
		for _, enc := range encs {
			if string(enc.Status) == status {
				filtered = append(filtered, enc)
			}
		}
		encs = filtered
	}
	rw.List(encs, len(encs))
}

// GetEncounter returns one encounter.
func (h *Handler) GetEncounter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	enc, err := h.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(enc)
}

// DeleteEncounter discards an encounter with its queued ops and audio.
func (h *Handler) DeleteEncounter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if _, err := h.deps.Store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(rw, err)
		return
	}
	rw.NoContent()
}

// EditSection replaces the text of one SOAP section.
func (h *Handler) EditSection(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req editSectionRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	enc, err := h.deps.Engine.EditSection(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "section"), req.Text)
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(enc)
}

// RegenerateSection asks the realtime service to rewrite a section of the
// encounter it is currently generating.
func (h *Handler) RegenerateSection(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Stream == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeUnavailable, "realtime channel disabled")
		return
	}
	section := chi.URLParam(r, "section")
	if !models.ValidSection(section) {
		rw.BadRequest("unknown SOAP section")
		return
	}
	if active := h.deps.Stream.ActiveEncounter(); active != chi.URLParam(r, "id") {
		rw.Conflict("encounter is not active on the realtime channel")
		return
	}
	var req regenerateRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if err := h.deps.Stream.RegenerateSection(section, req.Context); err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Accepted(map[string]string{"section": section})
}

// ListConflicts lists open conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	recs, err := h.deps.Store.ListConflicts(r.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.List(recs, len(recs))
}

// GetConflict returns the open conflict for an encounter.
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rec, err := h.deps.Store.GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(rec)
}

// ResolveConflict applies a resolution policy.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req resolveRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	enc, err := h.deps.Resolver.Resolve(r.Context(), chi.URLParam(r, "id"), req.Policy)
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(enc)
}

// GetSettings returns the effective settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	settings, err := h.deps.Store.Settings(r.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(settings)
}

// PutSettings replaces the settings. Omitted fields keep their current
// values.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	settings, err := h.deps.Store.Settings(r.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}
	if !decodeBody(rw, r, &settings) {
		return
	}
	if err := h.deps.Store.SaveSettings(r.Context(), settings); err != nil {
		h.writeError(rw, err)
		return
	}
	rw.Success(settings)
}

// decodeBody decodes and validates a JSON request body, writing a 400 on
// failure.
func decodeBody(rw *ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw.w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return false
	}
	if verr := validation.ValidateStruct(v); verr != nil {
		rw.Error(http.StatusBadRequest, ErrCodeValidation, verr.Error())
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(rw *ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		rw.NotFound("not found")
	case errors.Is(err, conflict.ErrInvalidPolicy),
		errors.Is(err, engine.ErrInvalidSection):
		rw.BadRequest(err.Error())
	case errors.Is(err, store.ErrUnresolved),
		errors.Is(err, conflict.ErrNoServerVersion):
		rw.Conflict(err.Error())
	case errors.Is(err, stream.ErrNotConnected):
		rw.Error(http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case syncerr.Is(err, syncerr.StorageExhausted):
		rw.Error(http.StatusInsufficientStorage, ErrCodeStorageExhausted, err.Error())
	default:
		rw.InternalError(err)
	}
}
