// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package config loads Scribe Sync configuration with Koanf v2.
//
// Sources are layered, later ones overriding earlier ones:
//
//  1. Built-in defaults (defaultConfig)
//  2. An optional YAML file: $CONFIG_PATH, ./scribesync.yaml or
//     /etc/scribesync/config.yaml
//  3. Environment variables
//
// Environment variables use the SCRIBESYNC_ prefix with a double underscore
// between section and key:
//
//	SCRIBESYNC_SYNC__MAX_RETRIES=8
//	SCRIBESYNC_STREAM__URL=wss://scribe.example.org/v1/stream
//	SCRIBESYNC_STORAGE__ENCRYPTION_PASSPHRASE=...
//
// A handful of short names are also honored (LOG_LEVEL, LOG_FORMAT,
// SCRIBE_API_URL, SCRIBE_ACCESS_TOKEN, SCRIBE_TENANT_ID, ...).
//
// Validation runs go-playground/validator struct tags first and then the
// cross-field rules in validate.go. Failures are reported as *ConfigError.
//
// The storage section's EncryptionPassphrase is stretched into a badger
// encryption key with HKDF-SHA256 (see DeriveStoreKey).
package config
