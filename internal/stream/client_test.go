// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/scribesync/internal/auth"
	"github.com/tomtom215/scribesync/internal/clock"
)

type staticCreds auth.Credentials

func (s staticCreds) Credentials(ctx context.Context) (auth.Credentials, error) {
	if s.TenantID == "" {
		return auth.Credentials{}, auth.ErrNoCredentials
	}
	return auth.Credentials(s), nil
}

var goodCreds = staticCreds{AccessToken: "tok", TenantID: "clinic-1"}

type wsServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:   make(chan *websocket.Conn, 8),
		headers: make(chan http.Header, 8),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.headers <- r.Header.Clone()
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if m["type"] == TypePing {
			continue
		}
		return m
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		PongTimeout:       5 * time.Second,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        40 * time.Millisecond,
		QueueCapacity:     10,
	}
}

func TestConnectRequiresCredentials(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), staticCreds{AccessToken: "tok"}, nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Connect() error = %v, want ErrNoCredentials", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
}

func TestConnectSendsAuthHeaders(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), goodCreds, nil)

	var states []State
	var mu sync.Mutex
	c.SubscribeState(func(sc StateChange) {
		mu.Lock()
		states = append(states, sc.To)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	s.accept(t)

	h := <-s.headers
	if h.Get("Authorization") != "Bearer tok" || h.Get("X-Tenant-ID") != "clinic-1" {
		t.Errorf("handshake headers = %v", h)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %s, want connected", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("transitions = %v", states)
	}
}

func TestQueuedMessagesFlushBeforeNewMessages(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), goodCreds, nil)

	if err := c.StartEncounter("pat-1", "enc-1", EncounterOptions{Language: "en"}); err != nil {
		t.Fatal(err)
	}
	if err := c.RegenerateSection("plan", "shorter"); err != nil {
		t.Fatal(err)
	}
	if c.QueueLen() != 2 {
		t.Fatalf("QueueLen() = %d, want 2", c.QueueLen())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.StopEncounter(); err != nil {
		t.Fatal(err)
	}

	conn := s.accept(t)
	first := readMsg(t, conn)
	if first["type"] != TypeStartEncounter || first["encounter_id"] != "enc-1" || first["patient_id"] != "pat-1" {
		t.Errorf("first = %v", first)
	}
	if m := readMsg(t, conn); m["type"] != TypeRegenerateSection || m["section"] != "plan" {
		t.Errorf("second = %v", m)
	}
	if m := readMsg(t, conn); m["type"] != TypeStopEncounter {
		t.Errorf("third = %v, want stop_encounter", m)
	}
	if c.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after flush", c.QueueLen())
	}
}

func TestStaleQueuedMessagesAreDropped(t *testing.T) {
	s := newWSServer(t)
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	c := New(testConfig(s.url()), goodCreds, clk)

	_ = c.RegenerateSection("subjective", "old")
	clk.Advance(6 * time.Minute)
	_ = c.RegenerateSection("objective", "new")

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	_ = c.StopEncounter()

	conn := s.accept(t)
	if m := readMsg(t, conn); m["section"] != "objective" {
		t.Errorf("first delivered = %v, want the fresh message", m)
	}
	if m := readMsg(t, conn); m["type"] != TypeStopEncounter {
		t.Errorf("second delivered = %v", m)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	s := newWSServer(t)
	cfg := testConfig(s.url())
	cfg.QueueCapacity = 2
	c := New(cfg, goodCreds, nil)

	for _, sec := range []string{"subjective", "objective", "assessment"} {
		_ = c.RegenerateSection(sec, "")
	}
	if c.QueueLen() != 2 {
		t.Fatalf("QueueLen() = %d, want 2", c.QueueLen())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	conn := s.accept(t)
	if m := readMsg(t, conn); m["section"] != "objective" {
		t.Errorf("first = %v", m)
	}
	if m := readMsg(t, conn); m["section"] != "assessment" {
		t.Errorf("second = %v", m)
	}
}

func TestAudioChunkIsNeverQueued(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1"), goodCreds, nil)
	if c.SendAudioChunk(AudioChunk{Audio: []byte{1, 2}, SampleRate: 16000, Channels: 1, BitDepth: 16}) {
		t.Error("SendAudioChunk() = true while disconnected")
	}
	if c.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", c.QueueLen())
	}
}

func TestAudioChunkSentWhenConnected(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), goodCreds, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	conn := s.accept(t)

	if !c.SendAudioChunk(AudioChunk{Audio: []byte("pcm"), SampleRate: 16000, Channels: 1, BitDepth: 16}) {
		t.Fatal("SendAudioChunk() = false while connected")
	}
	m := readMsg(t, conn)
	if m["type"] != TypeAudioChunk || m["sample_rate"] != float64(16000) {
		t.Errorf("chunk = %v", m)
	}
}

func TestReconnectResumesActiveEncounter(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), goodCreds, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	first := s.accept(t)
	_ = c.StartEncounter("pat-1", "enc-7", EncounterOptions{})
	if m := readMsg(t, first); m["type"] != TypeStartEncounter {
		t.Fatalf("got %v", m)
	}

	first.Close()

	second := s.accept(t)
	m := readMsg(t, second)
	if m["type"] != TypeResumeEncounter || m["encounter_id"] != "enc-7" {
		t.Errorf("after reconnect = %v, want resume_encounter for enc-7", m)
	}
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
}

func TestServerCloseDoesNotReconnect(t *testing.T) {
	codes := []int{
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		CloseUnauthorized,
		CloseForbidden,
		websocket.ClosePolicyViolation,
	}
	for _, code := range codes {
		s := newWSServer(t)
		c := New(testConfig(s.url()), goodCreds, nil)
		if err := c.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		conn := s.accept(t)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "session ended"))

		waitFor(t, "error state", func() bool { return c.State() == StateError })
		if !errors.Is(c.LastError(), ErrSessionRevoked) {
			t.Errorf("code %d: LastError() = %v, want ErrSessionRevoked", code, c.LastError())
		}
		select {
		case <-s.conns:
			t.Errorf("code %d: client reconnected after the server closed the session", code)
		case <-time.After(300 * time.Millisecond):
		}
		c.Disconnect()
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	s := newWSServer(t)
	cfg := testConfig(s.url())
	cfg.MaxReconnectAttempts = 2
	c := New(cfg, goodCreds, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	conn := s.accept(t)
	s.srv.Close()
	conn.Close()

	waitFor(t, "error state", func() bool { return c.State() == StateError })
	if !errors.Is(c.LastError(), ErrReconnectFailed) {
		t.Errorf("LastError() = %v, want ErrReconnectFailed", c.LastError())
	}
}

func TestInboundEventsInArrivalOrder(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), goodCreds, nil)

	var mu sync.Mutex
	var got []Event
	c.SubscribeEvents(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	conn := s.accept(t)
	_ = c.StartEncounter("pat-1", "enc-3", EncounterOptions{})
	readMsg(t, conn)

	frames := []string{
		`{"type":"transcript_update","text":"chest pain","is_final":true}`,
		`{"type":"soap_section_ready","section":"subjective","confidence":0.9}`,
		`{"type":"soap_complete","encounter_id":"enc-3","soap_note":{"plan":"rest"}}`,
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "three events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{TypeTranscriptUpdate, TypeSOAPSectionReady, TypeSOAPComplete}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
	if got[0].Text != "chest pain" || got[2].SOAPNote == nil || got[2].SOAPNote.Plan != "rest" {
		t.Errorf("payloads = %+v", got)
	}
	if c.ActiveEncounter() != "" {
		t.Errorf("ActiveEncounter() = %q after soap_complete", c.ActiveEncounter())
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), goodCreds, nil)

	var mu sync.Mutex
	count := 0
	sub := c.SubscribeEvents(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	conn := s.accept(t)

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
	waitFor(t, "first event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	sub.Unsubscribe()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d after Unsubscribe, want 1", count)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s.url()), goodCreds, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.accept(t)

	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
	select {
	case <-s.conns:
		t.Error("client reconnected after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}

	// a fresh Connect works after Disconnect
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	defer c.Disconnect()
	s.accept(t)
}
