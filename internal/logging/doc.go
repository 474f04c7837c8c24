// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package logging provides centralized zerolog-based structured logging for Scribe Sync.
//
// Every component logs through the global logger configured here, tagged
// with a component field via WithComponent. Sync runs and control API
// requests carry a correlation ID in their context, which Ctx attaches to
// every event.
//
// # Quick Start
//
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	logging.Info().Str("encounter_id", id).Msg("Encounter saved")
//	logging.Ctx(ctx).Warn().Err(err).Msg("Upload chunk failed")
//
// # Configuration
//
// Environment Variables:
//
//	LOG_LEVEL   - Minimum log level: trace, debug, info, warn, error (default: info)
//	LOG_FORMAT  - Output format: json, console (default: json)
//	LOG_CALLER  - Include caller file:line: true, false (default: false)
//
// # Clinical Data
//
// Transcripts, SOAP note text and patient identifiers are PHI. Log them only
// through RedactText and RedactPatientID. Bearer tokens go through RedactToken.
//
// # Suture Integration
//
// SlogHandler adapts zerolog to log/slog so that sutureslog event hooks
// write supervisor events into the same stream:
//
//	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
package logging
