// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package logging

import (
	"strconv"
	"strings"
)

// Clinical content (transcripts, note sections, patient identifiers) and
// credentials never reach the log stream unmasked. Use these helpers for any
// field that might carry them.

// RedactToken masks a bearer token, keeping the first and last 4 characters.
//
//	"eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9..." -> "eyJh...kpXV"
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// RedactPatientID keeps only the last 4 characters of a patient identifier.
func RedactPatientID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 6 {
		return "***"
	}
	return "***" + id[len(id)-4:]
}

// RedactText replaces free text with its length.
func RedactText(text string) string {
	if text == "" {
		return ""
	}
	return "[" + strconv.Itoa(len(text)) + " chars]"
}

// RedactError removes messages that look like they carry credentials and
// truncates the rest.
func RedactError(msg string) string {
	lower := strings.ToLower(msg)
	for _, pattern := range []string{"password", "secret", "token", "bearer", "authorization"} {
		if strings.Contains(lower, pattern) {
			return "credential error"
		}
	}
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}
