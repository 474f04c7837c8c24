// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/scribesync/internal/engine"
	"github.com/tomtom215/scribesync/internal/middleware"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/netmon"
	"github.com/tomtom215/scribesync/internal/store"
	"github.com/tomtom215/scribesync/internal/stream"
)

// Syncer is the engine surface the control API drives.
type Syncer interface {
	TriggerSync(ctx context.Context) (*engine.Report, error)
	Retry(ctx context.Context, opID string) (*models.SyncOperation, error)
	EditSection(ctx context.Context, encounterID, section, text string) (*models.OfflineEncounter, error)
}

// ConflictResolver resolves a parked encounter.
type ConflictResolver interface {
	Resolve(ctx context.Context, encounterID string, policy models.ConflictPolicy) (*models.OfflineEncounter, error)
}

// NetworkStatus reports connectivity.
type NetworkStatus interface {
	CurrentStatus() netmon.Status
}

// StreamControl is the realtime client surface used for status and
// section regeneration.
type StreamControl interface {
	State() stream.State
	QueueLen() int
	ActiveEncounter() string
	RegenerateSection(section, sectionContext string) error
}

// BreakerStatus reports the sync API circuit breaker state.
type BreakerStatus interface {
	BreakerState() string
}

// CaptureStatus reports the encounter being captured.
type CaptureStatus interface {
	Active() string
}

// Deps are the components behind the control API. Stream, Breaker and
// Capture may be nil.
type Deps struct {
	Store    *store.Store
	Engine   Syncer
	Resolver ConflictResolver
	Network  NetworkStatus
	Stream   StreamControl
	Breaker  BreakerStatus
	Capture  CaptureStatus
}

// RouterConfig tunes the control router.
type RouterConfig struct {
	// RateLimitReqs per RateLimitWindow per client IP on /api/v1.
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// Handler serves the control API.
type Handler struct {
	deps Deps
}

// NewRouter builds the chi router:
//
//	GET    /api/v1/health
//	GET    /api/v1/status
//	POST   /api/v1/sync
//	GET    /api/v1/ops
//	POST   /api/v1/ops/{id}/retry
//	GET    /api/v1/encounters
//	GET    /api/v1/encounters/{id}
//	DELETE /api/v1/encounters/{id}
//	PUT    /api/v1/encounters/{id}/soap/{section}
//	POST   /api/v1/encounters/{id}/soap/{section}/regenerate
//	GET    /api/v1/conflicts
//	GET    /api/v1/conflicts/{id}
//	POST   /api/v1/conflicts/{id}/resolve
//	GET    /api/v1/settings
//	PUT    /api/v1/settings
//	GET    /metrics
func NewRouter(deps Deps, cfg RouterConfig) http.Handler {
	if cfg.RateLimitReqs <= 0 {
		cfg.RateLimitReqs = 120
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	h := &Handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(
			cfg.RateLimitReqs,
			cfg.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				NewResponseWriter(w, r).Error(http.StatusTooManyRequests, ErrCodeTooManyRequests, "rate limit exceeded")
			}),
		))

		r.Get("/health", h.Health)
		r.Get("/status", h.Status)
		r.Post("/sync", h.TriggerSync)

		r.Get("/ops", h.ListOps)
		r.Post("/ops/{id}/retry", h.RetryOp)

		r.Route("/encounters", func(r chi.Router) {
			r.Get("/", h.ListEncounters)
			r.Get("/{id}", h.GetEncounter)
			r.Delete("/{id}", h.DeleteEncounter)
			r.Put("/{id}/soap/{section}", h.EditSection)
			r.Post("/{id}/soap/{section}/regenerate", h.RegenerateSection)
		})

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Get("/{id}", h.GetConflict)
			r.Post("/{id}/resolve", h.ResolveConflict)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)
	})

	return r
}
