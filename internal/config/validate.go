// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/scribesync/internal/validation"
)

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// Validator returns the process-wide validator instance.
func Validator() *validator.Validate {
	return validation.GetValidator()
}

// Validate checks struct tags first, then the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	if err := Validator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: describeTag(fe),
			}
		}
		return &ConfigError{Field: "config", Message: err.Error()}
	}

	checks := []func() error{
		c.validateStorage,
		c.validateSync,
		c.validateStream,
		c.validateNetwork,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func (c *Config) validateStorage() error {
	if c.Storage.CloseTimeout < time.Second {
		return &ConfigError{Field: "Storage.CloseTimeout", Message: "must be at least 1 second"}
	}
	if c.Storage.CleanupInterval < time.Second {
		return &ConfigError{Field: "Storage.CleanupInterval", Message: "must be at least 1 second"}
	}
	if c.Storage.GCInterval < time.Minute {
		return &ConfigError{Field: "Storage.GCInterval", Message: "must be at least 1 minute"}
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.MaxRetryDelay < time.Duration(c.Sync.RetryDelaySeconds)*time.Second {
		return &ConfigError{Field: "Sync.MaxRetryDelay", Message: "must not be shorter than the base retry delay"}
	}
	if c.Sync.ActionTimeout < time.Second {
		return &ConfigError{Field: "Sync.ActionTimeout", Message: "must be at least 1 second"}
	}
	return nil
}

func (c *Config) validateStream() error {
	if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		return &ConfigError{Field: "Stream.URL", Message: "must use ws:// or wss://"}
	}
	if c.Stream.InitialBackoff <= 0 || c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		return &ConfigError{Field: "Stream.MaxBackoff", Message: "must be at least InitialBackoff, which must be positive"}
	}
	if c.Stream.HeartbeatInterval <= 0 || c.Stream.PongTimeout <= c.Stream.HeartbeatInterval {
		return &ConfigError{Field: "Stream.PongTimeout", Message: "must be longer than HeartbeatInterval"}
	}
	if c.Stream.ConnectTimeout <= 0 {
		return &ConfigError{Field: "Stream.ConnectTimeout", Message: "must be positive"}
	}
	if c.Stream.StaleAfter <= 0 {
		return &ConfigError{Field: "Stream.StaleAfter", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if c.Network.ProbeTimeout <= 0 {
		return &ConfigError{Field: "Network.ProbeTimeout", Message: "must be positive"}
	}
	if c.Network.DebounceWindow < 0 {
		return &ConfigError{Field: "Network.DebounceWindow", Message: "must not be negative"}
	}
	return nil
}
