// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

// Command scribesync runs the offline-first encounter sync daemon and
// offers maintenance commands against its local queue.
//
//	scribesync run                       # supervised daemon with control API
//	scribesync status                    # queue, conflicts, last sync
//	scribesync sync                      # one sync pass, then exit
//	scribesync conflicts list
//	scribesync conflicts resolve <encounter-id> --policy merge
//	scribesync retry <op-id>
//	scribesync import visit.wav --patient p-1 --encounter e-1
//	scribesync edit <encounter-id> plan "Follow up in two weeks"
//
// The queue store is single-process. Maintenance commands open it directly
// and fail while the daemon holds it; use the control API instead.
//
// Configuration is layered: built-in defaults, then the YAML file given by
// --config (or CONFIG_PATH, ./scribesync.yaml, /etc/scribesync/config.yaml),
// then SCRIBESYNC_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
