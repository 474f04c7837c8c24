// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/syncerr"
)

// Prefix keys for the record types held in the store.
const (
	prefixEncounter = "enc:"
	prefixOp        = "op:"
	prefixConflict  = "conflict:"

	keySettings = "meta:settings"
	keyLastSync = "meta:last_sync"
	keyOpSeq    = "seq:ops"
)

// maxTxnRetries bounds how often a transaction is replayed after a
// badger.ErrConflict before the error is returned to the caller.
const maxTxnRetries = 16

// Errors
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("queue store is closed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStorageLimit is returned by Save when the encounter limit is reached
	// and nothing is evictable. It is classified as syncerr.StorageExhausted.
	ErrStorageLimit = errors.New("storage limit reached")

	// ErrDuplicateCreate is returned when a create op is enqueued for an
	// encounter that already has an active create.
	ErrDuplicateCreate = errors.New("encounter already has a queued create")

	// ErrInvalidOp is returned for operations missing a type or encounter id.
	ErrInvalidOp = errors.New("invalid sync operation")

	// ErrUnresolved is returned when a conflict resolution leaves the
	// encounter in the conflict state.
	ErrUnresolved = errors.New("resolution left encounter in conflict")
)

// Config configures the BadgerDB-backed queue store.
type Config struct {
	Path string

	// InMemory runs badger without touching disk. Tests only.
	InMemory bool

	SyncWrites  bool
	Compression bool

	// EncryptionKey enables at-rest encryption when non-nil (16, 24 or 32 bytes).
	EncryptionKey []byte

	// Defaults are the settings used until a record is saved.
	Defaults models.Settings

	GCRatio      float64
	CloseTimeout time.Duration
}

// Store persists encounters, the operation queue, conflicts and settings.
//
// Every mutation is a read-modify-write inside one badger transaction and is
// replayed on badger.ErrConflict, so concurrent callers never lose updates.
// Records returned to callers are copies; holding one does not pin store
// state.
type Store struct {
	db     *badger.DB
	config Config
	clock  clock.Clock
	seq    *badger.Sequence
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store described by cfg.
func Open(cfg Config, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.GCRatio == 0 {
		cfg.GCRatio = 0.5
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites

	if cfg.Compression {
		opts.Compression = options.Snappy
	}

	if len(cfg.EncryptionKey) > 0 {
		opts.EncryptionKey = cfg.EncryptionKey
		// badger requires an index cache when encryption is on
		opts.IndexCacheSize = 64 << 20
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte(keyOpSeq), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open op sequence: %w", err)
	}

	s := &Store{
		db:     db,
		config: cfg,
		clock:  clk,
		seq:    seq,
		logger: logging.WithComponent("store"),
	}

	s.logger.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("encrypted", len(cfg.EncryptionKey) > 0).
		Msg("Queue store opened")
	return s, nil
}

// Clock returns the clock the store stamps records with.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Atomically runs fn inside a single read-write transaction. fn may be
// invoked more than once if the transaction conflicts with a concurrent
// writer, so it must not have side effects outside tx. Files scheduled for
// removal through tx are deleted only after a successful commit.
func (s *Store) Atomically(ctx context.Context, fn func(tx *Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &Tx{store: s, now: s.clock.Now().UTC()}
		err := s.db.Update(func(txn *badger.Txn) error {
			tx.txn = txn
			return fn(tx)
		})
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		tx.afterCommit()
		return nil
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

// view runs fn in a read-only snapshot.
func (s *Store) view(ctx context.Context, fn func(tx *Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{store: s, txn: txn, now: s.clock.Now().UTC(), readOnly: true})
	})
}

// nextSeq returns the next operation sequence number. Numbers are strictly
// increasing across restarts; gaps are possible.
func (s *Store) nextSeq() (uint64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next op sequence: %w", err)
	}
	return n + 1, nil
}

// RunGC runs badger value-log garbage collection until nothing is left to
// rewrite.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.InMemory {
		return nil
	}

	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
	return nil
}

// Close releases the op sequence and closes the database, giving up after
// CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	s.mu.Unlock()

	s.logger.Info().Msg("Closing queue store")

	if err := s.seq.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release op sequence")
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		s.logger.Info().Msg("Queue store closed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

// storageLimitErr tags ErrStorageLimit with its error kind.
func storageLimitErr(op string) error {
	return syncerr.New(syncerr.StorageExhausted, op, ErrStorageLimit)
}

// removeFile deletes an audio file, ignoring files that are already gone.
func removeFile(logger zerolog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to remove audio file")
	}
}

func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// scanPrefix decodes every value under prefix with decode.
func scanPrefix(txn *badger.Txn, prefix string, decode func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
	}
	return nil
}
