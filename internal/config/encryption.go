// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// storeKeySalt binds derived keys to this application's queue store.
	storeKeySalt = "scribesync-queue-store"

	storeKeyInfo = "badger-encryption-v1"

	// storeKeySize selects AES-256 in badger.
	storeKeySize = 32
)

// ErrEmptyPassphrase is returned when key derivation is asked for with no
// passphrase configured.
var ErrEmptyPassphrase = errors.New("encryption passphrase cannot be empty")

// DeriveStoreKey derives the 32-byte badger encryption key from the
// configured passphrase using HKDF-SHA256. The same passphrase always yields
// the same key, so an encrypted store reopens across restarts.
func DeriveStoreKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	reader := hkdf.New(sha256.New, []byte(passphrase), []byte(storeKeySalt), []byte(storeKeyInfo))
	key := make([]byte, storeKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf key derivation failed: %w", err)
	}
	return key, nil
}

// StoreKey returns the derived encryption key, or nil when encryption is off.
func (s *StorageConfig) StoreKey() ([]byte, error) {
	if s.EncryptionPassphrase == "" {
		return nil, nil
	}
	return DeriveStoreKey(s.EncryptionPassphrase)
}
