// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package netmon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// chanSignal feeds events from a test-controlled channel.
type chanSignal struct {
	ch  chan LinkEvent
	err error
}

func (s *chanSignal) Events(ctx context.Context) (<-chan LinkEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

type recorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *recorder) add(s Status) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDefaultsOnlineWithoutSignal(t *testing.T) {
	m := New(Config{}, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	if !m.IsOnline() || m.CurrentStatus().State != StateOnline {
		t.Errorf("CurrentStatus() = %+v, want optimistic online", m.CurrentStatus())
	}
}

func TestDefaultsOnlineWhenSignalUnavailable(t *testing.T) {
	m := New(Config{}, &chanSignal{err: errors.New("no permission")}, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	defer m.Stop()
	if !m.IsOnline() {
		t.Error("monitor should stay online when the signal is unavailable")
	}
}

func TestEmitsOnlyOnStateChange(t *testing.T) {
	sig := &chanSignal{ch: make(chan LinkEvent)}
	m := New(Config{}, sig, nil)
	rec := &recorder{}
	sub := m.Subscribe(rec.add)
	defer sub.Unsubscribe()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	sig.ch <- LinkEvent{Connected: true, LinkType: LinkWiFi}
	sig.ch <- LinkEvent{Connected: true, LinkType: LinkCellular}
	sig.ch <- LinkEvent{Connected: false}
	sig.ch <- LinkEvent{Connected: false}
	sig.ch <- LinkEvent{Connected: true, LinkType: LinkWiFi}

	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })

	seen := rec.snapshot()
	if seen[0].Online || seen[0].State != StateOffline {
		t.Errorf("first transition = %+v, want offline", seen[0])
	}
	if !seen[1].Online || seen[1].LinkType != LinkWiFi {
		t.Errorf("second transition = %+v, want online wifi", seen[1])
	}
}

func TestDebounceCollapsesFlapping(t *testing.T) {
	sig := &chanSignal{ch: make(chan LinkEvent)}
	m := New(Config{DebounceWindow: 50 * time.Millisecond}, sig, nil)
	rec := &recorder{}
	m.Subscribe(rec.add)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	for i := 0; i < 5; i++ {
		sig.ch <- LinkEvent{Connected: false}
		sig.ch <- LinkEvent{Connected: true}
	}
	sig.ch <- LinkEvent{Connected: false}

	waitFor(t, func() bool { return !m.IsOnline() })
	time.Sleep(100 * time.Millisecond)

	if n := len(rec.snapshot()); n != 1 {
		t.Errorf("got %d notifications during flapping, want 1", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	sig := &chanSignal{ch: make(chan LinkEvent)}
	m := New(Config{}, sig, nil)
	rec := &recorder{}
	sub := m.Subscribe(rec.add)
	_ = m.Start(context.Background())
	defer m.Stop()

	sub.Unsubscribe()
	sig.ch <- LinkEvent{Connected: false}
	waitFor(t, func() bool { return !m.IsOnline() })

	if len(rec.snapshot()) != 0 {
		t.Error("unsubscribed handler should not be called")
	}
}

func TestWaitForConnection(t *testing.T) {
	sig := &chanSignal{ch: make(chan LinkEvent)}
	m := New(Config{}, sig, nil)
	_ = m.Start(context.Background())
	defer m.Stop()

	sig.ch <- LinkEvent{Connected: false}
	waitFor(t, func() bool { return !m.IsOnline() })

	if m.WaitForConnection(context.Background(), 20*time.Millisecond) {
		t.Error("WaitForConnection() = true while offline")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		sig.ch <- LinkEvent{Connected: true}
	}()
	if !m.WaitForConnection(context.Background(), time.Second) {
		t.Error("WaitForConnection() = false after reconnect")
	}
}

func TestVerifyConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	m := New(Config{ProbeURL: srv.URL, ProbeTimeout: time.Second}, nil, srv.Client())
	if !m.VerifyConnectivity(context.Background()) {
		t.Error("VerifyConnectivity() = false against a live server")
	}

	srv.Close()
	if m.VerifyConnectivity(context.Background()) {
		t.Error("VerifyConnectivity() = true against a closed server")
	}
	if st := m.CurrentStatus(); st.State != StateLimited || st.Reachable {
		t.Errorf("CurrentStatus() = %+v, want limited", st)
	}
}

func TestPollSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &PollSignal{URL: srv.URL, Interval: 10 * time.Millisecond, Timeout: time.Second, Client: srv.Client()}
	ch, err := p.Events(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		if !ev.Connected {
			t.Error("first poll should report connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no poll event")
	}

	if _, err := (&PollSignal{}).Events(ctx); !errors.Is(err, ErrNoProbeURL) {
		t.Errorf("Events() without URL error = %v", err)
	}
}
