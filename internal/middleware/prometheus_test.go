// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/scribesync/internal/metrics"
)

func TestPrometheusMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics)
	r.Post("/api/v1/ops/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.CollectAndCount(metrics.ControlRequestDuration)
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ops/"+id+"/retry", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	}

	// Three different ids share one series.
	if got := testutil.CollectAndCount(metrics.ControlRequestDuration) - before; got != 1 {
		t.Errorf("new series = %d, want 1", got)
	}
}

func TestMetricsResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &metricsResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	w.WriteHeader(http.StatusTeapot)
	if w.statusCode != http.StatusTeapot || rec.Code != http.StatusTeapot {
		t.Errorf("statusCode = %d, recorder = %d", w.statusCode, rec.Code)
	}
}
