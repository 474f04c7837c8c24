// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/scribesync/internal/auth"
	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/events"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/metrics"
)

// State is the connection state of the realtime channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

func (s State) gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	case StateError:
		return 4
	default:
		return 0
	}
}

// Close codes the server uses for auth failures. Any close frame from the
// server ends the session, whatever its code.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

var (
	// ErrNoCredentials is returned by Connect without a token or tenant.
	ErrNoCredentials = errors.New("stream: no credentials")

	// ErrSessionRevoked means the server ended the session, by close frame
	// or by rejecting the handshake. The client does not reconnect on its own.
	ErrSessionRevoked = errors.New("stream: session revoked by server")

	// ErrReconnectFailed means MaxReconnectAttempts were exhausted.
	ErrReconnectFailed = errors.New("stream: reconnect attempts exhausted")

	// ErrNotConnected is returned by writes without an open connection.
	ErrNotConnected = errors.New("stream: not connected")
)

// StateChange is published on every state transition.
type StateChange struct {
	From State
	To   State
	Err  error
}

// CredentialSource supplies the bearer token and tenant for the handshake.
type CredentialSource interface {
	Credentials(ctx context.Context) (auth.Credentials, error)
}

// Config configures the client.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	QueueCapacity        int
	StaleAfter           time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 32 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

// Client is the realtime WebSocket channel to the transcription service.
//
// Lock order: writeMu, then connMu. writeMu is held for every data frame
// and for the whole post-connect flush, and callers only write directly
// once ready is set at the end of that flush.
type Client struct {
	cfg    Config
	creds  CredentialSource
	clock  clock.Clock
	dialer websocket.Dialer
	logger zerolog.Logger

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn
	ready   atomic.Bool // set under writeMu once the flush completes

	stateMu sync.RWMutex
	state   State
	lastErr error

	encMu         sync.Mutex
	activeEnc     string
	activeStarted bool

	queue *outboundQueue

	stateBus *events.Bus[StateChange]
	eventBus *events.Bus[Event]

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a disconnected client. A nil clock uses the wall clock.
func New(cfg Config, creds CredentialSource, clk clock.Clock) *Client {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{
		cfg:   cfg,
		creds: creds,
		clock: clk,
		dialer: websocket.Dialer{
			HandshakeTimeout:  cfg.ConnectTimeout,
			EnableCompression: true,
		},
		logger:   logging.WithComponent("stream"),
		state:    StateDisconnected,
		queue:    newOutboundQueue(cfg.QueueCapacity),
		stateBus: events.NewBus[StateChange](),
		eventBus: events.NewBus[Event](),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// LastError returns the error that caused the most recent transition, if any.
func (c *Client) LastError() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}

// ActiveEncounter returns the encounter currently streaming, or "".
func (c *Client) ActiveEncounter() string {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.activeEnc
}

// QueueLen returns the number of queued outbound messages.
func (c *Client) QueueLen() int {
	return c.queue.len()
}

// SubscribeState registers fn for state transitions.
func (c *Client) SubscribeState(fn func(StateChange)) *events.Subscription {
	return c.stateBus.Subscribe(fn)
}

// SubscribeEvents registers fn for inbound server messages, delivered in
// arrival order.
func (c *Client) SubscribeEvents(fn func(Event)) *events.Subscription {
	return c.eventBus.Subscribe(fn)
}

func (c *Client) setState(s State, err error) {
	c.stateMu.Lock()
	from := c.state
	c.state = s
	c.lastErr = err
	c.stateMu.Unlock()

	metrics.StreamState.Set(s.gauge())
	if from == s {
		return
	}
	ev := c.logger.Info()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("from", string(from)).Str("to", string(s)).Msg("Stream state changed")
	c.stateBus.Publish(StateChange{From: from, To: s, Err: err})
}

// Connect opens the channel. It returns nil if already connected. Once a
// connection is up the client reconnects after transport drops until
// Disconnect, a server-initiated close, or MaxReconnectAttempts.
func (c *Client) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.running {
		return nil
	}

	c.setState(StateConnecting, nil)
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err := c.dial(dialCtx)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSessionRevoked) {
			c.setState(StateError, err)
		} else {
			c.setState(StateDisconnected, err)
		}
		return err
	}

	sessionCtx, sessionCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = sessionCancel
	c.running = true

	c.wg.Add(2)
	go c.run(sessionCtx)
	go c.heartbeat(sessionCtx)
	return nil
}

// Disconnect closes the channel cleanly and stops reconnecting. Queued
// messages are kept for the next Connect.
func (c *Client) Disconnect() {
	c.lifeMu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.lifeMu.Unlock()

	c.closeConnection(websocket.CloseNormalClosure, "client disconnect")
	c.wg.Wait()

	c.lifeMu.Lock()
	c.running = false
	c.lifeMu.Unlock()
	c.setState(StateDisconnected, nil)
}

// Run connects and keeps the channel up until ctx is done. Initial connect
// failures are retried with backoff. A revoked session is not retried.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	for {
		err := c.Connect(ctx)
		if err == nil || errors.Is(err, ErrSessionRevoked) {
			break
		}
		c.logger.Debug().Err(err).Dur("retry_in", backoff).Msg("Stream connect failed")
		select {
		case <-ctx.Done():
			c.Disconnect()
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}

	<-ctx.Done()
	c.Disconnect()
	return nil
}

// dial performs the handshake and, holding writeMu, installs the
// connection, flushes the queue and resumes the active encounter.
func (c *Client) dial(ctx context.Context) error {
	creds, err := c.creds.Credentials(ctx)
	if err != nil || creds.AccessToken == "" || creds.TenantID == "" {
		if err == nil {
			err = errors.New("empty token or tenant")
		}
		return fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)
	header.Set("X-Tenant-ID", creds.TenantID)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake HTTP %d", ErrSessionRevoked, resp.StatusCode)
		}
		return fmt.Errorf("dial realtime stream: %w", err)
	}

	c.writeMu.Lock()
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := c.flushLocked(conn); err != nil {
		c.closeConnection(websocket.CloseGoingAway, "flush failed")
		c.writeMu.Unlock()
		return err
	}
	c.ready.Store(true)
	c.writeMu.Unlock()

	c.setState(StateConnected, nil)
	c.logger.Info().Str("url", c.cfg.URL).Msg("Connected to realtime stream")
	return nil
}

// flushLocked drops stale queued messages, sends the rest in order and then
// resumes the active encounter. Caller holds writeMu.
func (c *Client) flushLocked(conn *websocket.Conn) error {
	fresh, stale := c.queue.take(c.clock.Now().Add(-c.cfg.StaleAfter))
	for _, m := range stale {
		metrics.RecordStreamDrop("stale")
		c.logger.Debug().Str("type", m.msgType).Time("queued_at", m.queuedAt).Msg("Dropped stale queued message")
	}

	c.encMu.Lock()
	resume := c.activeEnc
	if !c.activeStarted {
		resume = ""
	}
	c.encMu.Unlock()

	for i, m := range fresh {
		if err := c.writeFrame(conn, m.msgType, m.data); err != nil {
			c.queue.requeue(fresh[i:])
			return err
		}
		if m.msgType == TypeStartEncounter {
			c.markStarted()
		}
	}

	if resume != "" {
		data, err := json.Marshal(resumeEncounterMsg{Type: TypeResumeEncounter, EncounterID: resume, Timestamp: c.clock.Now()})
		if err != nil {
			return err
		}
		if err := c.writeFrame(conn, TypeResumeEncounter, data); err != nil {
			return err
		}
	}
	if len(fresh) > 0 || len(stale) > 0 {
		c.logger.Info().Int("flushed", len(fresh)).Int("stale", len(stale)).Msg("Flushed queued stream messages")
	}
	return nil
}

func (c *Client) writeFrame(conn *websocket.Conn, msgType string, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	metrics.RecordStreamMessage("out", msgType)
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// closeConnection sends a close frame and drops the connection.
func (c *Client) closeConnection(code int, reason string) {
	c.ready.Store(false)
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
	c.conn = nil
}

// dropConnection discards conn if it is still the current connection.
func (c *Client) dropConnection(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == conn {
		c.ready.Store(false)
		_ = c.conn.Close()
		c.conn = nil
	}
}

// run reads from the current connection and reconnects with exponential
// backoff when it drops.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.endSession()

	backoff := c.cfg.InitialBackoff
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if conn := c.currentConn(); conn != nil {
			err := c.readLoop(ctx, conn)
			c.dropConnection(conn)
			if ctx.Err() != nil {
				return
			}
			if closedByServer(err) {
				c.setState(StateError, fmt.Errorf("%w: %v", ErrSessionRevoked, err))
				return
			}
			c.setState(StateReconnecting, err)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		metrics.StreamReconnects.Inc()
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		err := c.dial(dialCtx)
		cancel()
		if err == nil {
			attempts = 0
			backoff = c.cfg.InitialBackoff
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrSessionRevoked) {
			c.setState(StateError, err)
			return
		}

		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.setState(StateError, fmt.Errorf("%w: %v", ErrReconnectFailed, err))
			return
		}
		c.setState(StateReconnecting, err)
		c.logger.Debug().Err(err).Int("attempt", attempts).Dur("retry_in", nextBackoff(backoff, c.cfg.MaxBackoff)).Msg("Reconnect failed")
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// endSession stops the heartbeat and lets a later Connect start over.
func (c *Client) endSession() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		return limit
	}
	return cur
}

// closedByServer reports whether err is a close frame sent by the server,
// whatever its code. A transport that simply went away surfaces as
// CloseAbnormalClosure (1006), which gorilla synthesizes locally; that and
// plain net or deadline errors are drops worth reconnecting over.
func closedByServer(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure
}

// readLoop dispatches inbound messages until the connection fails. Any
// traffic extends the read deadline; PongTimeout of silence drops the link.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("Stream read failed")
			}
			return err
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn().Err(err).Msg("Malformed stream message")
		return
	}
	metrics.RecordStreamMessage("in", ev.Type)

	switch ev.Type {
	case TypeSOAPComplete:
		c.clearActive()
	case TypeError:
		c.logger.Warn().Str("code", ev.Code).Str("message", logging.RedactError(ev.Message)).Msg("Stream server error")
	case TypeTranscriptUpdate, TypeSOAPSectionReady, TypePong:
	default:
		c.logger.Debug().Str("type", ev.Type).Msg("Unknown stream message type")
	}
	c.eventBus.Publish(ev)
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			if err := c.send(TypePing, pingMsg{Type: TypePing, Timestamp: c.clock.Now()}, false); err != nil && !errors.Is(err, ErrNotConnected) {
				c.logger.Debug().Err(err).Msg("Heartbeat ping failed")
			}
		}
	}
}

// send writes msg when connected. Otherwise, with queue set, the message
// is appended to the outbound queue and nil is returned.
func (c *Client) send(msgType string, msg interface{}, queue bool) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.currentConn()
	if conn != nil && c.ready.Load() {
		werr := c.writeFrame(conn, msgType, data)
		if werr == nil {
			if msgType == TypeStartEncounter {
				c.markStarted()
			}
			return nil
		}
		c.logger.Debug().Err(werr).Str("type", msgType).Msg("Stream write failed")
		// unblock the reader so the link is re-established
		c.ready.Store(false)
		_ = conn.Close()
		if !queue {
			return werr
		}
	}
	if !queue {
		return ErrNotConnected
	}

	if dropped := c.queue.push(queuedMessage{msgType: msgType, data: data, queuedAt: c.clock.Now()}); dropped != nil {
		metrics.RecordStreamDrop("overflow")
		c.logger.Warn().Str("type", dropped.msgType).Msg("Stream queue full, dropped oldest message")
	}
	return nil
}

func (c *Client) markStarted() {
	c.encMu.Lock()
	c.activeStarted = c.activeEnc != ""
	c.encMu.Unlock()
}

func (c *Client) clearActive() {
	c.encMu.Lock()
	c.activeEnc = ""
	c.activeStarted = false
	c.encMu.Unlock()
}

// StartEncounter begins streaming an encounter.
func (c *Client) StartEncounter(patientID, encounterID string, opts EncounterOptions) error {
	c.encMu.Lock()
	c.activeEnc = encounterID
	c.activeStarted = false
	c.encMu.Unlock()

	return c.send(TypeStartEncounter, startEncounterMsg{
		Type:          TypeStartEncounter,
		PatientID:     patientID,
		EncounterID:   encounterID,
		EncounterType: opts.EncounterType,
		Language:      opts.Language,
		Timestamp:     c.clock.Now(),
	}, true)
}

// StopEncounter ends audio for the active encounter. The encounter stays
// active until the server sends soap_complete.
func (c *Client) StopEncounter() error {
	return c.send(TypeStopEncounter, stopEncounterMsg{Type: TypeStopEncounter, Timestamp: c.clock.Now()}, true)
}

// CancelEncounter abandons the active encounter.
func (c *Client) CancelEncounter() error {
	c.clearActive()
	return c.send(TypeCancelEncounter, cancelEncounterMsg{Type: TypeCancelEncounter}, true)
}

// RegenerateSection asks the server to rewrite one SOAP section.
func (c *Client) RegenerateSection(section, sectionContext string) error {
	return c.send(TypeRegenerateSection, regenerateSectionMsg{
		Type:      TypeRegenerateSection,
		Section:   section,
		Context:   sectionContext,
		Timestamp: c.clock.Now(),
	}, true)
}

// SendAudioFile sends a complete recording.
func (c *Client) SendAudioFile(audio []byte, filename string) error {
	return c.send(TypeAudioFile, audioFileMsg{
		Type:      TypeAudioFile,
		Audio:     audio,
		Filename:  filename,
		Timestamp: c.clock.Now(),
	}, true)
}

// SendAudioChunk sends live audio. Chunks are never queued: it returns
// false when the channel is not connected or the write fails.
func (c *Client) SendAudioChunk(chunk AudioChunk) bool {
	err := c.send(TypeAudioChunk, audioChunkMsg{
		Type:       TypeAudioChunk,
		Audio:      chunk.Audio,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		BitDepth:   chunk.BitDepth,
		Timestamp:  c.clock.Now(),
	}, false)
	return err == nil
}
