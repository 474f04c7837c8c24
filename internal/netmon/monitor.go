// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/scribesync/internal/events"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/metrics"
)

// LinkType is the kind of network link the device is using.
type LinkType string

const (
	LinkUnknown  LinkType = "unknown"
	LinkNone     LinkType = "none"
	LinkWiFi     LinkType = "wifi"
	LinkCellular LinkType = "cellular"
	LinkEthernet LinkType = "ethernet"
)

// State is the coarse connectivity state.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
	// StateLimited means a link is up but the reachability probe failed.
	StateLimited State = "limited"
)

// Status is a connectivity snapshot.
type Status struct {
	Online    bool      `json:"online"`
	Reachable bool      `json:"reachable"`
	LinkType  LinkType  `json:"link_type"`
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

// LinkEvent is one raw notification from the platform signal.
type LinkEvent struct {
	Connected bool
	LinkType  LinkType
}

// Signal is the lower-level connectivity source the monitor wraps.
type Signal interface {
	// Events streams raw link events until ctx is done. An error means the
	// signal is unavailable.
	Events(ctx context.Context) (<-chan LinkEvent, error)
}

// Config configures the monitor.
type Config struct {
	// ProbeURL is the target of VerifyConnectivity. Empty disables probing.
	ProbeURL       string
	ProbeTimeout   time.Duration
	DebounceWindow time.Duration
}

// Monitor tracks online/offline state and notifies subscribers only when
// that state actually changes. Raw events arriving within DebounceWindow of
// each other collapse into the last one.
type Monitor struct {
	config Config
	signal Signal
	client *http.Client
	logger zerolog.Logger
	bus    *events.Bus[Status]

	mu     sync.RWMutex
	status Status

	// Control
	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a monitor. A nil signal leaves the monitor permanently in its
// optimistic online state. A nil client uses a default http.Client.
func New(cfg Config, signal Signal, client *http.Client) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	m := &Monitor{
		config: cfg,
		signal: signal,
		client: client,
		logger: logging.WithComponent("netmon"),
		bus:    events.NewBus[Status](),
		status: Status{
			Online:    true,
			Reachable: true,
			LinkType:  LinkUnknown,
			State:     StateOnline,
			ChangedAt: time.Now(),
		},
	}
	metrics.RecordNetworkOnline(true)
	return m
}

// Subscribe registers fn for online/offline transitions.
func (m *Monitor) Subscribe(fn func(Status)) *events.Subscription {
	return m.bus.Subscribe(fn)
}

// CurrentStatus returns the latest snapshot.
func (m *Monitor) CurrentStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports whether the monitor currently considers the device online.
func (m *Monitor) IsOnline() bool {
	return m.CurrentStatus().Online
}

// Start begins consuming the signal. If the signal cannot be opened the
// monitor stays online and Start still succeeds.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}

	if m.signal == nil {
		m.logger.Info().Msg("No connectivity signal configured, assuming online")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, err := m.signal.Events(runCtx)
	if err != nil {
		cancel()
		m.logger.Warn().Err(err).Msg("Connectivity signal unavailable, assuming online")
		return nil
	}

	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.run(runCtx, ch)

	m.logger.Info().Dur("debounce", m.config.DebounceWindow).Msg("Network monitor started")
	return nil
}

// Stop halts signal consumption.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.runMu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("Network monitor stopped")
}

func (m *Monitor) run(ctx context.Context, ch <-chan LinkEvent) {
	defer m.wg.Done()

	var (
		pending  *LinkEvent
		timer    *time.Timer
		debounce <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			if m.config.DebounceWindow <= 0 {
				m.apply(ev)
				continue
			}
			e := ev
			pending = &e
			if timer == nil {
				timer = time.NewTimer(m.config.DebounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.config.DebounceWindow)
			}
			debounce = timer.C

		case <-debounce:
			debounce = nil
			if pending != nil {
				m.apply(*pending)
				pending = nil
			}
		}
	}
}

// apply folds a settled link event into the status and notifies on an
// online/offline change.
func (m *Monitor) apply(ev LinkEvent) {
	if ev.LinkType == "" {
		ev.LinkType = LinkUnknown
	}
	if !ev.Connected {
		ev.LinkType = LinkNone
	}

	m.mu.Lock()
	changed := m.status.Online != ev.Connected
	m.status.LinkType = ev.LinkType
	if changed {
		m.status.Online = ev.Connected
		m.status.Reachable = ev.Connected
		m.status.ChangedAt = time.Now()
		if ev.Connected {
			m.status.State = StateOnline
		} else {
			m.status.State = StateOffline
		}
	}
	snapshot := m.status
	m.mu.Unlock()

	if !changed {
		return
	}

	metrics.RecordNetworkOnline(snapshot.Online)
	m.logger.Info().
		Bool("online", snapshot.Online).
		Str("link", string(snapshot.LinkType)).
		Msg("Connectivity changed")
	m.bus.Publish(snapshot)
}

// WaitForConnection blocks until the device is online, timeout elapses or
// ctx is done. It reports whether the device is online.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	online := make(chan struct{}, 1)
	sub := m.Subscribe(func(s Status) {
		if s.Online {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if m.IsOnline() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-online:
		return true
	case <-timer.C:
		return m.IsOnline()
	case <-ctx.Done():
		return false
	}
}

// VerifyConnectivity issues a HEAD request to ProbeURL bounded by
// ProbeTimeout. Any HTTP response counts as reachable. Without a ProbeURL it
// reports the link-level state.
func (m *Monitor) VerifyConnectivity(ctx context.Context) bool {
	if m.config.ProbeURL == "" {
		return m.IsOnline()
	}

	reachable := Probe(ctx, m.client, m.config.ProbeURL, m.config.ProbeTimeout)

	m.mu.Lock()
	m.status.Reachable = reachable
	switch {
	case !m.status.Online:
		m.status.State = StateOffline
	case reachable:
		m.status.State = StateOnline
	default:
		m.status.State = StateLimited
	}
	m.mu.Unlock()

	if !reachable {
		m.logger.Debug().Str("url", m.config.ProbeURL).Msg("Reachability probe failed")
	}
	return reachable
}

// Probe sends a HEAD request to url and reports whether any response came
// back within timeout.
func Probe(ctx context.Context, client *http.Client, url string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
