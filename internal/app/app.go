// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/scribesync/internal/api"
	"github.com/tomtom215/scribesync/internal/auth"
	"github.com/tomtom215/scribesync/internal/capture"
	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/config"
	"github.com/tomtom215/scribesync/internal/conflict"
	"github.com/tomtom215/scribesync/internal/engine"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/netmon"
	"github.com/tomtom215/scribesync/internal/store"
	"github.com/tomtom215/scribesync/internal/stream"
	"github.com/tomtom215/scribesync/internal/supervisor"
	"github.com/tomtom215/scribesync/internal/supervisor/services"
	"github.com/tomtom215/scribesync/internal/syncapi"
)

// Options override how the app reaches the outside world. The zero value
// is the production setup.
type Options struct {
	// Clock drives the store, auth and stream timing. Nil is the wall clock.
	Clock clock.Clock

	// Signal is the platform link signal. Nil polls Network.ProbeURL, or
	// stays optimistically online when no probe URL is configured.
	Signal netmon.Signal

	// Source is the live microphone. Nil disables live capture; recordings
	// can still be imported.
	Source capture.AudioSource

	// HTTPClient is used for the sync API, token refresh and probes.
	HTTPClient *http.Client
}

// App owns every long-lived component. Components are built once in New,
// in dependency order, and handed to each other explicitly.
type App struct {
	cfg    *config.Config
	clock  clock.Clock
	logger zerolog.Logger

	store       *store.Store
	housekeeper *store.Housekeeper
	tokens      *auth.TokenSource
	api         *syncapi.Client
	monitor     *netmon.Monitor
	stream      *stream.Client
	engine      *engine.Engine
	resolver    *conflict.Resolver
	capture     *capture.Coordinator
	control     *http.Server
}

// New wires the application from cfg. The store is opened here; Close
// releases it.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	a := &App{
		cfg:    cfg,
		clock:  clk,
		logger: logging.WithComponent("app"),
	}

	key, err := cfg.Storage.StoreKey()
	if err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	a.store, err = store.Open(store.Config{
		Path:          cfg.Storage.Path,
		SyncWrites:    cfg.Storage.SyncWrites,
		Compression:   cfg.Storage.Compression,
		EncryptionKey: key,
		Defaults:      cfg.DefaultSettings(),
		GCRatio:       cfg.Storage.GCRatio,
		CloseTimeout:  cfg.Storage.CloseTimeout,
	}, clk)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.housekeeper = store.NewHousekeeper(a.store, cfg.Storage.CleanupInterval, cfg.Storage.GCInterval)

	var refresher auth.Refresher
	if cfg.Auth.RefreshToken != "" && cfg.Auth.RefreshPath != "" {
		refresher = auth.NewHTTPRefresher(cfg.API.BaseURL, cfg.Auth.RefreshPath, httpClient)
	}
	a.tokens = auth.NewTokenSource(auth.Credentials{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
		TenantID:     cfg.Auth.TenantID,
	}, refresher, cfg.Auth.RefreshSkew, clk)

	a.api = syncapi.New(syncapi.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		RequestBurst:      cfg.Sync.RequestBurst,
		Breaker: syncapi.BreakerConfig{
			MinRequests:  cfg.Sync.BreakerMinRequests,
			FailureRatio: cfg.Sync.BreakerFailureRatio,
			OpenTimeout:  cfg.Sync.BreakerOpenTimeout,
		},
	}, a.tokens, httpClient)

	signal := opts.Signal
	if signal == nil && cfg.Network.ProbeURL != "" {
		signal = &netmon.PollSignal{
			URL:      cfg.Network.ProbeURL,
			Interval: cfg.Network.PollInterval,
			Timeout:  cfg.Network.ProbeTimeout,
			Client:   httpClient,
		}
	}
	a.monitor = netmon.New(netmon.Config{
		ProbeURL:       cfg.Network.ProbeURL,
		ProbeTimeout:   cfg.Network.ProbeTimeout,
		DebounceWindow: cfg.Network.DebounceWindow,
	}, signal, httpClient)

	a.stream = stream.New(stream.Config{
		URL:                  cfg.Stream.URL,
		ConnectTimeout:       cfg.Stream.ConnectTimeout,
		HeartbeatInterval:    cfg.Stream.HeartbeatInterval,
		PongTimeout:          cfg.Stream.PongTimeout,
		InitialBackoff:       cfg.Stream.InitialBackoff,
		MaxBackoff:           cfg.Stream.MaxBackoff,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		QueueCapacity:        cfg.Stream.QueueCapacity,
		StaleAfter:           cfg.Stream.StaleAfter,
	}, a.tokens, clk)

	a.engine = engine.New(engine.Config{
		Workers:        cfg.Sync.Workers,
		MaxRetryDelay:  cfg.Sync.MaxRetryDelay,
		ChunkSizeBytes: cfg.Sync.ChunkSizeBytes,
		ChunkRetries:   cfg.Sync.ChunkRetries,
		ActionTimeout:  cfg.Sync.ActionTimeout,
	}, a.store, a.api, a.monitor)

	a.resolver = conflict.NewResolver(a.store)
	// A resolved conflict usually leaves new work in the queue.
	a.resolver.Subscribe(func(conflict.Resolution) { a.engine.Kick() })

	if opts.Source != nil {
		a.capture = capture.New(a.captureConfig(), a.store, a.stream, opts.Source)
	}

	if cfg.Control.Enabled {
		deps := api.Deps{
			Store:    a.store,
			Engine:   a.engine,
			Resolver: a.resolver,
			Network:  a.monitor,
			Stream:   a.stream,
			Breaker:  a.api,
		}
		if a.capture != nil {
			deps.Capture = a.capture
		}
		a.control = &http.Server{
			Addr: net.JoinHostPort(cfg.Control.Host, strconv.Itoa(cfg.Control.Port)),
			Handler: api.NewRouter(deps, api.RouterConfig{
				RateLimitReqs:   cfg.Control.RateLimitReqs,
				RateLimitWindow: cfg.Control.RateLimitWindow,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	a.logger.Info().
		Str("store_path", cfg.Storage.Path).
		Bool("encrypted", key != nil).
		Bool("live_capture", a.capture != nil).
		Bool("control_api", a.control != nil).
		Msg("Application wired")
	return a, nil
}

func (a *App) captureConfig() capture.Config {
	dir := a.cfg.Capture.RecordingsDir
	if dir == "" {
		dir = a.cfg.Storage.AudioDir
	}
	return capture.Config{
		VADThreshold:      a.cfg.Capture.VADThreshold,
		VADHangover:       a.cfg.Capture.VADHangover,
		RecordingsDir:     dir,
		SubmitAfterUpload: a.cfg.Sync.SubmitAfterUpload,
		Priority:          a.cfg.Sync.DefaultOpPriority,
	}
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Store returns the durable queue store.
func (a *App) Store() *store.Store { return a.store }

// Engine returns the sync engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Resolver returns the conflict resolver.
func (a *App) Resolver() *conflict.Resolver { return a.resolver }

// Network returns the connectivity monitor.
func (a *App) Network() *netmon.Monitor { return a.monitor }

// Stream returns the realtime channel client.
func (a *App) Stream() *stream.Client { return a.stream }

// SyncAPI returns the REST client.
func (a *App) SyncAPI() *syncapi.Client { return a.api }

// Capture returns the live capture coordinator, or nil without a source.
func (a *App) Capture() *capture.Coordinator { return a.capture }

// Tree builds the supervisor tree for a daemon run:
//
//	storage: housekeeper
//	sync:    network monitor, sync engine, realtime stream (auto-connect only)
//	control: HTTP control API (when enabled)
func (a *App) Tree() (*supervisor.SupervisorTree, error) {
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: a.cfg.Supervisor.FailureThreshold,
		FailureDecay:     a.cfg.Supervisor.FailureDecay,
		FailureBackoff:   a.cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  a.cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}

	tree.AddStorageService(services.NewStartStopService("housekeeper", a.housekeeper))
	tree.AddSyncService(services.NewStartStopService("network-monitor", a.monitor))
	tree.AddSyncService(services.NewRunService("sync-engine", a.engine.Serve))
	if a.cfg.Stream.AutoConnect {
		tree.AddSyncService(services.NewRunService("realtime-stream", a.stream.Run))
	}
	if a.control != nil {
		tree.AddControlService(services.NewHTTPServerService("control-api", a.control, a.cfg.Supervisor.ShutdownTimeout))
	}
	return tree, nil
}

// Run serves the supervisor tree until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	tree, err := a.Tree()
	if err != nil {
		return fmt.Errorf("build supervisor tree: %w", err)
	}

	a.logger.Info().Msg("Starting supervisor tree")
	err = tree.Serve(ctx)

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		a.logger.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ImportRecording runs a capture session over a WAV file, as if it had been
// recorded live. With the stream disconnected the audio is kept as a local
// recording and queued for upload.
func (a *App) ImportRecording(ctx context.Context, path, patientID, encounterID string, opts capture.Options) (*capture.Result, error) {
	src, err := capture.OpenFileSource(path, capture.DefaultFrameDuration)
	if err != nil {
		return nil, err
	}
	coord := capture.New(a.captureConfig(), a.store, a.stream, src)
	defer coord.Close()

	if err := coord.Start(ctx, patientID, encounterID, opts); err != nil {
		return nil, err
	}
	select {
	case <-coord.Finished():
	case <-ctx.Done():
		_ = coord.Cancel(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	}
	return coord.Stop(ctx)
}

// Close releases the capture session, the stream and the store.
func (a *App) Close() error {
	if a.capture != nil {
		a.capture.Close()
	}
	a.stream.Disconnect()
	return a.store.Close()
}
