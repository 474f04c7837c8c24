// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package validation holds the process-wide go-playground/validator
// instance shared by configuration, persisted settings and control API
// requests.
//
//	type resolveRequest struct {
//	    Policy string `json:"policy" validate:"required,conflict_policy"`
//	}
//
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    // verr.Fields lists each failed field by its json name
//	}
package validation
