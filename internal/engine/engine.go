// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/events"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/netmon"
	"github.com/tomtom215/scribesync/internal/store"
	"github.com/tomtom215/scribesync/internal/syncapi"
	"github.com/tomtom215/scribesync/internal/syncerr"
)

// API is the remote side of a sync run. *syncapi.Client implements it.
type API interface {
	SyncEncounter(ctx context.Context, req *syncapi.SyncRequest) (*syncapi.SyncResponse, error)
	UploadChunk(ctx context.Context, encounterID, uploadID string, index, total int, data []byte) error
	CompleteUpload(ctx context.Context, encounterID, uploadID string, total int) error
	Submit(ctx context.Context, encounterID string) error
}

// Connectivity reports whether the device is online. *netmon.Monitor
// implements it.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(netmon.Status)) *events.Subscription
}

// Config tunes the engine. Retry counts, the base retry delay and the
// auto-sync interval come from the store's Settings.
type Config struct {
	Workers        int
	MaxRetryDelay  time.Duration
	ChunkSizeBytes int
	ChunkRetries   int
	ActionTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Minute
	}
	if c.ChunkSizeBytes <= 0 {
		c.ChunkSizeBytes = 256 * 1024
	}
	if c.ChunkRetries < 0 {
		c.ChunkRetries = 0
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
}

// EventType names an engine notification.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventRunCompleted     EventType = "run_completed"
	EventOpSynced         EventType = "op_synced"
	EventOpFailed         EventType = "op_failed"
	EventTerminalFailure  EventType = "terminal_failure"
	EventConflictDetected EventType = "conflict_detected"
)

// Event is published on the engine's bus.
type Event struct {
	Type        EventType
	OpID        string
	OpType      models.OpType
	EncounterID string
	Kind        syncerr.Kind
	Err         error
	Report      *Report
	At          time.Time
}

// Report summarizes one sync run.
type Report struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Offline       bool      `json:"offline,omitempty"`
	Coalesced     int       `json:"coalesced"`
	Attempted     int       `json:"attempted"`
	Synced        int       `json:"synced"`
	Failed        int       `json:"failed"`
	Terminal      int       `json:"terminal"`
	Conflicts     int       `json:"conflicts"`
	Blocked       int       `json:"blocked"`
	Canceled      bool      `json:"canceled,omitempty"`
}

// Engine drains the durable queue against the remote API.
type Engine struct {
	store  *store.Store
	api    API
	net    Connectivity
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	bus    *events.Bus[Event]
	flight singleflight.Group
	kick   chan struct{}

	// callers waiting on the in-flight run; the run is canceled when the
	// last of them gives up
	mu        sync.Mutex
	waiters   int
	cancelRun context.CancelFunc
}

// New creates an engine. The store's clock drives retry scheduling.
func New(cfg Config, s *store.Store, api API, net Connectivity) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:  s,
		api:    api,
		net:    net,
		clock:  s.Clock(),
		cfg:    cfg,
		logger: logging.WithComponent("engine"),
		bus:    events.NewBus[Event](),
		kick:   make(chan struct{}, 1),
	}
}

// Subscribe registers fn for engine events.
func (e *Engine) Subscribe(fn func(Event)) *events.Subscription {
	return e.bus.Subscribe(fn)
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	e.bus.Publish(ev)
}

// TriggerSync runs one sync pass. Concurrent callers share the in-flight
// run and receive the same report. A caller whose ctx ends stops waiting
// and gets ctx's error; the run itself is canceled only once every caller
// has stopped waiting. Offline, it returns a report with Offline set and
// does nothing.
func (e *Engine) TriggerSync(ctx context.Context) (*Report, error) {
	if !e.net.IsOnline() {
		now := e.clock.Now()
		return &Report{StartedAt: now, FinishedAt: now, Offline: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.waiters++
	e.mu.Unlock()

	ch := e.flight.DoChan("sync", func() (interface{}, error) {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.mu.Lock()
		e.cancelRun = cancel
		if e.waiters == 0 {
			cancel()
		}
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			e.cancelRun = nil
			e.mu.Unlock()
			cancel()
		}()
		return e.run(runCtx)
	})

	select {
	case res := <-ch:
		e.leave()
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			e.logger.Debug().Msg("Joined in-flight sync run")
		}
		return res.Val.(*Report), nil
	case <-ctx.Done():
		e.leave()
		return nil, ctx.Err()
	}
}

func (e *Engine) leave() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters--
	if e.waiters == 0 && e.cancelRun != nil {
		e.cancelRun()
	}
}

// Kick requests a background sync from Serve without blocking.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Retry re-arms a failed or backing-off operation and requests a sync.
func (e *Engine) Retry(ctx context.Context, opID string) (*models.SyncOperation, error) {
	op, err := e.store.Retry(ctx, opID)
	if err != nil {
		return nil, err
	}
	e.Kick()
	return op, nil
}

// backoff returns the delay before attempt number attempts+1:
// base * 2^(attempts-1), capped at limit.
func backoff(base, limit time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Serve runs the engine until ctx is done: stuck ops are recovered at
// start, then a sync runs on start, on every offline to online transition,
// on Kick, on the auto-sync interval and when the earliest backoff expires.
func (e *Engine) Serve(ctx context.Context) error {
	if _, err := e.store.RecoverInFlight(ctx); err != nil {
		return err
	}

	sub := e.net.Subscribe(func(st netmon.Status) {
		if st.Online {
			e.logger.Info().Msg("Network online, scheduling sync")
			e.Kick()
		}
	})
	defer sub.Unsubscribe()

	e.Kick()

	interval := time.NewTimer(e.autoSyncInterval(ctx))
	defer interval.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kick:
		case <-interval.C:
			interval.Reset(e.autoSyncInterval(ctx))
			if !e.autoSyncEnabled(ctx) {
				continue
			}
		case <-retry.C:
		}

		if _, err := e.TriggerSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("Sync run failed")
		}

		if d, ok := e.nextRetryIn(ctx); ok {
			retry.Stop()
			retry.Reset(d)
		}
	}
}

func (e *Engine) autoSyncInterval(ctx context.Context) time.Duration {
	settings, err := e.store.Settings(ctx)
	if err != nil || settings.SyncInterval() <= 0 {
		return 5 * time.Minute
	}
	return settings.SyncInterval()
}

func (e *Engine) autoSyncEnabled(ctx context.Context) bool {
	settings, err := e.store.Settings(ctx)
	return err == nil && settings.AutoSyncEnabled
}

// nextRetryIn returns the time until the earliest op in backoff is due.
func (e *Engine) nextRetryIn(ctx context.Context) (time.Duration, bool) {
	ops, err := e.store.ListOps(ctx)
	if err != nil {
		return 0, false
	}
	var earliest time.Time
	for _, op := range ops {
		if op.Status != models.OpError || op.NextAttemptAt.IsZero() {
			continue
		}
		if earliest.IsZero() || op.NextAttemptAt.Before(earliest) {
			earliest = op.NextAttemptAt
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	d := earliest.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}
