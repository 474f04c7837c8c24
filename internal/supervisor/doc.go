// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package supervisor runs the long-lived parts of the sync daemon under a
suture v4 tree:

	scribesync
	├── storage-layer
	│   └── housekeeper        (cleanup + badger value log GC)
	├── sync-layer
	│   ├── network-monitor
	│   ├── sync-engine
	│   └── realtime-stream    (if stream.auto_connect)
	└── control-layer
	    └── control-api        (if control.enabled)

Crashed services restart with suture's backoff; failure counts are kept
per layer. Supervisor events are logged through sutureslog into the
zerolog adapter from internal/logging.

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddSyncService(services.NewRunService("sync-engine", eng.Serve))
	err = tree.Serve(ctx)
*/
package supervisor
