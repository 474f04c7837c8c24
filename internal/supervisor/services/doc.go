// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package services adapts Scribe Sync components to suture.Service.

	type Service interface {
	    Serve(ctx context.Context) error
	}

Wrappers:

  - HTTPServerService: ListenAndServe/Shutdown, used for the control API
  - StartStopService: Start(ctx)/Stop(), used for netmon.Monitor and
    store.Housekeeper
  - RunService: a blocking run function, used for engine.Engine.Serve and
    stream.Client.Run

Every wrapper implements fmt.Stringer so supervisor events name the
service.
*/
package services
