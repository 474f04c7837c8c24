// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Package netmon tracks device connectivity.
//
// A Monitor wraps a platform Signal, debounces raw link events and notifies
// subscribers only on an online/offline transition. When the signal is
// missing or fails to open, the monitor assumes it is online; callers rely on
// their own error handling rather than on the monitor being exact.
//
// VerifyConnectivity performs a bounded HEAD probe for callers that need
// stronger evidence, such as before a large upload. PollSignal adapts the
// same probe into a Signal for hosts with no native link notifications.
package netmon
