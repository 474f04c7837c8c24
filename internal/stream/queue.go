// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package stream

import (
	"sync"
	"time"
)

// queuedMessage is an encoded outbound message waiting for a connection.
type queuedMessage struct {
	msgType  string
	data     []byte
	queuedAt time.Time
}

// outboundQueue is a bounded FIFO. Pushing onto a full queue drops the
// oldest entry.
type outboundQueue struct {
	mu       sync.Mutex
	items    []queuedMessage
	capacity int
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &outboundQueue{capacity: capacity}
}

// push appends m and returns the entry dropped to make room, if any.
func (q *outboundQueue) push(m queuedMessage) (dropped *queuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		d := q.items[0]
		dropped = &d
		q.items = q.items[1:]
	}
	q.items = append(q.items, m)
	return dropped
}

// take removes every entry. Entries queued before cutoff are returned
// separately as stale.
func (q *outboundQueue) take(cutoff time.Time) (fresh, stale []queuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.items {
		if m.queuedAt.Before(cutoff) {
			stale = append(stale, m)
		} else {
			fresh = append(fresh, m)
		}
	}
	q.items = nil
	return fresh, stale
}

// requeue puts unsent entries back at the front, preserving order.
func (q *outboundQueue) requeue(ms []queuedMessage) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]queuedMessage, 0, len(ms)+len(q.items))
	items = append(items, ms...)
	items = append(items, q.items...)
	if len(items) > q.capacity {
		items = items[len(items)-q.capacity:]
	}
	q.items = items
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
