// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package store

import (
	"context"
	"sync"
	"time"
)

// Housekeeper periodically applies the storage-size limit and runs badger
// value-log garbage collection.
type Housekeeper struct {
	store           *Store
	cleanupInterval time.Duration
	gcInterval      time.Duration

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.Mutex
	running bool

	// Stats
	lastRun     time.Time
	lastEvicted int
	lastGC      time.Time
}

// NewHousekeeper creates a housekeeper for s.
func NewHousekeeper(s *Store, cleanupInterval, gcInterval time.Duration) *Housekeeper {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	if gcInterval <= 0 {
		gcInterval = 15 * time.Minute
	}
	return &Housekeeper{
		store:           s,
		cleanupInterval: cleanupInterval,
		gcInterval:      gcInterval,
	}
}

// Start begins the background loop.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run()

	h.store.logger.Info().
		Dur("cleanup_interval", h.cleanupInterval).
		Dur("gc_interval", h.gcInterval).
		Msg("Store housekeeper started")
	return nil
}

// Stop stops the loop and waits for it to exit.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.cancel()
	h.running = false
	h.mu.Unlock()

	h.wg.Wait()
	h.store.logger.Info().Msg("Store housekeeper stopped")
}

// IsRunning returns whether the loop is active.
func (h *Housekeeper) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Housekeeper) run() {
	defer h.wg.Done()

	cleanup := time.NewTicker(h.cleanupInterval)
	defer cleanup.Stop()
	gc := time.NewTicker(h.gcInterval)
	defer gc.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-cleanup.C:
			h.cleanup(h.ctx)
		case <-gc.C:
			h.gc()
		}
	}
}

func (h *Housekeeper) cleanup(ctx context.Context) {
	evicted, err := h.store.Cleanup(ctx)
	if err != nil {
		h.store.logger.Error().Err(err).Msg("Storage cleanup failed")
	}
	if _, err := h.store.Stats(ctx); err != nil {
		h.store.logger.Debug().Err(err).Msg("Failed to refresh store gauges")
	}

	h.mu.Lock()
	h.lastRun = time.Now()
	h.lastEvicted = evicted
	h.mu.Unlock()
}

func (h *Housekeeper) gc() {
	start := time.Now()
	if err := h.store.RunGC(); err != nil {
		h.store.logger.Error().Err(err).Msg("Value log GC failed")
		return
	}
	h.mu.Lock()
	h.lastGC = time.Now()
	h.mu.Unlock()
	h.store.logger.Debug().Dur("duration", time.Since(start)).Msg("Value log GC finished")
}

// RunNow runs one cleanup and one GC pass immediately.
func (h *Housekeeper) RunNow(ctx context.Context) {
	h.cleanup(ctx)
	h.gc()
}

// HousekeeperStats reports the last housekeeping results.
type HousekeeperStats struct {
	LastRun     time.Time
	LastEvicted int
	LastGC      time.Time
}

// GetStats returns housekeeping statistics.
func (h *Housekeeper) GetStats() HousekeeperStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HousekeeperStats{
		LastRun:     h.lastRun,
		LastEvicted: h.lastEvicted,
		LastGC:      h.lastGC,
	}
}
