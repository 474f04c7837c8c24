// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package events

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus[string]()

	var got []string
	bus.Subscribe(func(v string) { got = append(got, "a:"+v) })
	bus.Subscribe(func(v string) { got = append(got, "b:"+v) })

	bus.Publish("1")
	bus.Publish("2")

	want := []string{"a:1", "b:1", "a:2", "b:2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus[int]()

	var count atomic.Int32
	sub := bus.Subscribe(func(int) { count.Add(1) })

	bus.Publish(1)
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(2)

	if count.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", count.Load())
	}
	if bus.Len() != 0 {
		t.Errorf("expected no subscribers, got %d", bus.Len())
	}
}

func TestUnsubscribeFromInsideHandler(t *testing.T) {
	bus := NewBus[int]()

	var calls int
	var sub *Subscription
	sub = bus.Subscribe(func(int) {
		calls++
		sub.Unsubscribe()
	})

	bus.Publish(1)
	bus.Publish(2)

	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
}

func TestNilSubscriptionUnsubscribe(t *testing.T) {
	var sub *Subscription
	sub.Unsubscribe()
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus[int]()

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(func(v int) { total.Add(int64(v)) })
			sub.Unsubscribe()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(1)
		}()
	}
	wg.Wait()

	if bus.Len() != 0 {
		t.Errorf("expected all subscriptions removed, got %d", bus.Len())
	}
}
