// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package netmon

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNoProbeURL is returned by PollSignal.Events without a URL to poll.
var ErrNoProbeURL = errors.New("poll signal requires a probe URL")

// PollSignal is a Signal for hosts without a native link notification. It
// probes a URL on an interval and reports every result as a raw event; the
// monitor's debouncing turns those into transitions.
type PollSignal struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// Events starts polling until ctx is done.
func (p *PollSignal) Events(ctx context.Context) (<-chan LinkEvent, error) {
	if p.URL == "" {
		return nil, ErrNoProbeURL
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := p.Client
	if client == nil {
		client = &http.Client{}
	}

	ch := make(chan LinkEvent, 1)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			ok := Probe(ctx, client, p.URL, timeout)
			select {
			case ch <- LinkEvent{Connected: ok, LinkType: LinkUnknown}:
			case <-ctx.Done():
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}
