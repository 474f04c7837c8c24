// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"scribesync.yaml",
	"scribesync.yml",
	"/etc/scribesync/config.yaml",
	"/etc/scribesync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix prefixes every structured environment override. Nested keys use
// a double underscore: SCRIBESYNC_SYNC__MAX_RETRIES -> sync.max_retries.
const EnvPrefix = "SCRIBESYNC_"

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:                 "/var/lib/scribesync/queue",
			AudioDir:             "/var/lib/scribesync/audio",
			SyncWrites:           true,
			Compression:          true,
			MaxOfflineEncounters: 50,
			MaxStorageMB:         500,
			CleanupInterval:      10 * time.Minute,
			GCInterval:           15 * time.Minute,
			GCRatio:              0.5,
			CloseTimeout:         30 * time.Second,
		},
		Sync: SyncConfig{
			AutoSyncEnabled:     true,
			IntervalMinutes:     5,
			RetryDelaySeconds:   30,
			MaxRetryDelay:       30 * time.Minute,
			MaxRetries:          5,
			Workers:             2,
			ChunkSizeBytes:      256 * 1024,
			ChunkRetries:        2,
			ActionTimeout:       30 * time.Second,
			RequestsPerSecond:   10,
			RequestBurst:        5,
			DefaultOpPriority:   0,
			SubmitAfterUpload:   false,
			BreakerMinRequests:  10,
			BreakerFailureRatio: 0.6,
			BreakerOpenTimeout:  2 * time.Minute,
		},
		Stream: StreamConfig{
			URL:                  "wss://api.scribesync.local/v1/stream",
			AutoConnect:          true,
			ConnectTimeout:       10 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			PongTimeout:          60 * time.Second,
			InitialBackoff:       time.Second,
			MaxBackoff:           32 * time.Second,
			MaxReconnectAttempts: 0,
			QueueCapacity:        100,
			StaleAfter:           5 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeURL:       "",
			ProbeTimeout:   5 * time.Second,
			DebounceWindow: 2 * time.Second,
			PollInterval:   15 * time.Second,
		},
		API: APIConfig{
			BaseURL: "https://api.scribesync.local/v1",
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			RefreshPath: "/auth/refresh",
			RefreshSkew: 30 * time.Second,
		},
		Capture: CaptureConfig{
			SampleRate:    16000,
			Channels:      1,
			BitDepth:      16,
			VADThreshold:  0.02,
			VADHangover:   800 * time.Millisecond,
			RecordingsDir: "",
		},
		Control: ControlConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            7787,
			RateLimitReqs:   60,
			RateLimitWindow: time.Minute,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Default returns the built-in defaults without reading files or the
// environment.
func Default() *Config {
	return defaultConfig()
}

// Load builds the configuration from layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML (CONFIG_PATH or DefaultConfigPaths)
//  3. Environment: SCRIBESYNC_* plus a few well-known short names
//
// The result is validated before it is returned.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// shortEnvMappings maps conventional variable names onto config paths.
var shortEnvMappings = map[string]string{
	"log_level":            "logging.level",
	"log_format":           "logging.format",
	"log_caller":           "logging.caller",
	"scribe_api_url":       "api.base_url",
	"scribe_stream_url":    "stream.url",
	"scribe_access_token":  "auth.access_token",
	"scribe_refresh_token": "auth.refresh_token",
	"scribe_tenant_id":     "auth.tenant_id",
	"scribe_data_dir":      "storage.path",
}

// envTransformFunc maps environment variable names to koanf paths. Unknown
// variables map to "" and are skipped.
//
//   - SCRIBESYNC_SYNC__MAX_RETRIES -> sync.max_retries
//   - SCRIBESYNC_STREAM__URL       -> stream.url
//   - LOG_LEVEL                    -> logging.level
func envTransformFunc(key string) string {
	if strings.HasPrefix(key, EnvPrefix) {
		path := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if !strings.Contains(path, "__") {
			return ""
		}
		return strings.ReplaceAll(path, "__", ".")
	}

	if mapped, ok := shortEnvMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
