// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package events provides a small typed publish/subscribe bus.
//
// Each component that emits notifications owns one Bus per event type.
// Subscribing returns a Subscription handle; calling Unsubscribe on it is the
// only way to stop delivery, and it is safe to call from inside a handler or
// more than once.
//
// Delivery is synchronous and in subscription order. A publisher that emits
// events from one goroutine therefore delivers them to every subscriber in
// the order they were published.
package events

import (
	"sort"
	"sync"
)

// Handler receives a published value.
type Handler[T any] func(T)

// Bus fans values of type T out to subscribers.
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[uint64]Handler[T])}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery to the handler. Idempotent.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers h and returns its handle.
func (b *Bus[T]) Subscribe(h Handler[T]) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.mu.Unlock()

	return &Subscription{cancel: func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}}
}

// Publish delivers v to every current subscriber. Handlers run on the
// caller's goroutine outside the bus lock, so they may subscribe or
// unsubscribe freely.
func (b *Bus[T]) Publish(v T) {
	for _, h := range b.snapshot() {
		h(v)
	}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// snapshot returns handlers ordered by subscription id.
func (b *Bus[T]) snapshot() []Handler[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Handler[T], len(ids))
	for i, id := range ids {
		out[i] = b.handlers[id]
	}
	return out
}
