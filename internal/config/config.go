// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package config

import (
	"time"

	"github.com/tomtom215/scribesync/internal/models"
)

// Config is the complete runtime configuration.
type Config struct {
	Storage    StorageConfig    `koanf:"storage"`
	Sync       SyncConfig       `koanf:"sync"`
	Stream     StreamConfig     `koanf:"stream"`
	Network    NetworkConfig    `koanf:"network"`
	API        APIConfig        `koanf:"api"`
	Auth       AuthConfig       `koanf:"auth"`
	Capture    CaptureConfig    `koanf:"capture"`
	Control    ControlConfig    `koanf:"control"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// StorageConfig holds BadgerDB queue store settings.
type StorageConfig struct {
	Path     string `koanf:"path" validate:"required"`
	AudioDir string `koanf:"audio_dir" validate:"required"`

	// SyncWrites fsyncs every commit. Leave on; the queue must survive power loss.
	SyncWrites  bool `koanf:"sync_writes"`
	Compression bool `koanf:"compression"`

	// EncryptionPassphrase enables at-rest encryption when non-empty. The
	// badger key is derived from it with HKDF-SHA256.
	EncryptionPassphrase string `koanf:"encryption_passphrase"`

	MaxOfflineEncounters int           `koanf:"max_offline_encounters" validate:"gte=1"`
	MaxStorageMB         int           `koanf:"max_storage_mb" validate:"gte=1"`
	CleanupInterval      time.Duration `koanf:"cleanup_interval"`
	GCInterval           time.Duration `koanf:"gc_interval"`
	GCRatio              float64       `koanf:"gc_ratio" validate:"gt=0,lt=1"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`
}

// SyncConfig holds sync engine and retry scheduler settings.
type SyncConfig struct {
	AutoSyncEnabled     bool          `koanf:"auto_sync_enabled"`
	IntervalMinutes     int           `koanf:"interval_minutes" validate:"gte=1,lte=1440"`
	RetryDelaySeconds   int           `koanf:"retry_delay_seconds" validate:"gte=1"`
	MaxRetryDelay       time.Duration `koanf:"max_retry_delay"`
	MaxRetries          int           `koanf:"max_retries" validate:"gte=1,lte=100"`
	Workers             int           `koanf:"workers" validate:"gte=1,lte=32"`
	ChunkSizeBytes      int           `koanf:"chunk_size_bytes" validate:"gte=1024"`
	ChunkRetries        int           `koanf:"chunk_retries" validate:"gte=0,lte=10"`
	ActionTimeout       time.Duration `koanf:"action_timeout"`
	RequestsPerSecond   float64       `koanf:"requests_per_second" validate:"gt=0"`
	RequestBurst        int           `koanf:"request_burst" validate:"gte=1"`
	DefaultOpPriority   int           `koanf:"default_op_priority"`
	SubmitAfterUpload   bool          `koanf:"submit_after_upload"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerOpenTimeout  time.Duration `koanf:"breaker_open_timeout"`
}

// StreamConfig holds realtime channel settings.
type StreamConfig struct {
	URL                  string        `koanf:"url" validate:"required,url"`
	AutoConnect          bool          `koanf:"auto_connect"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout"`
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval"`
	PongTimeout          time.Duration `koanf:"pong_timeout"`
	InitialBackoff       time.Duration `koanf:"initial_backoff"`
	MaxBackoff           time.Duration `koanf:"max_backoff"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" validate:"gte=0"`
	QueueCapacity        int           `koanf:"queue_capacity" validate:"gte=1"`
	StaleAfter           time.Duration `koanf:"stale_after"`
}

// NetworkConfig holds connectivity monitor settings.
type NetworkConfig struct {
	ProbeURL       string        `koanf:"probe_url" validate:"omitempty,url"`
	ProbeTimeout   time.Duration `koanf:"probe_timeout"`
	DebounceWindow time.Duration `koanf:"debounce_window"`
	PollInterval   time.Duration `koanf:"poll_interval"`
}

// APIConfig points at the remote encounter sync API.
type APIConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout"`
}

// AuthConfig holds the credentials the client presents.
type AuthConfig struct {
	AccessToken  string        `koanf:"access_token"`
	RefreshToken string        `koanf:"refresh_token"`
	TenantID     string        `koanf:"tenant_id"`
	RefreshPath  string        `koanf:"refresh_path"`
	RefreshSkew  time.Duration `koanf:"refresh_skew"`
}

// CaptureConfig holds audio capture and voice activity settings.
type CaptureConfig struct {
	SampleRate    int           `koanf:"sample_rate" validate:"oneof=8000 16000 22050 44100 48000"`
	Channels      int           `koanf:"channels" validate:"oneof=1 2"`
	BitDepth      int           `koanf:"bit_depth" validate:"oneof=16"`
	VADThreshold  float64       `koanf:"vad_threshold" validate:"gte=0,lte=1"`
	VADHangover   time.Duration `koanf:"vad_hangover"`
	RecordingsDir string        `koanf:"recordings_dir"`
}

// ControlConfig holds the local control API settings.
type ControlConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=0,lte=65535"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// SupervisorConfig holds suture tree tuning.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`

	// Format is json or console.
	Format string `koanf:"format" validate:"oneof=json console"`

	Caller bool `koanf:"caller"`
}

// DefaultSettings returns the persisted-settings defaults implied by the
// configuration.
func (c *Config) DefaultSettings() models.Settings {
	return models.Settings{
		MaxOfflineEncounters: c.Storage.MaxOfflineEncounters,
		MaxStorageMB:         c.Storage.MaxStorageMB,
		AutoSyncEnabled:      c.Sync.AutoSyncEnabled,
		SyncIntervalMinutes:  c.Sync.IntervalMinutes,
		RetryDelaySeconds:    c.Sync.RetryDelaySeconds,
		MaxRetries:           c.Sync.MaxRetries,
	}
}
