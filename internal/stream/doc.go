// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package stream is the realtime WebSocket channel used while an encounter is
being recorded: audio goes up, transcript and SOAP sections come back.

State machine:

	disconnected -> connecting -> connected -> reconnecting -> connected
	                                          reconnecting -> error   (attempts exhausted)
	connected -> error                                    (server sent a close frame, any code)
	any -> disconnected                                                 (Disconnect)

Only a dropped transport (no close frame, read deadline, network error) is
retried. A session the server closes is left closed until Connect is called
again.

Control messages sent while the channel is down are kept in a bounded FIFO
that drops its oldest entry on overflow. On every (re)connect the queue is
flushed under the writer lock: entries older than StaleAfter are discarded,
the rest go out in order, and a resume_encounter follows when an encounter
was already started. Live audio chunks are never queued.

Inbound messages are decoded into Event and published on a typed bus in the
order they arrive:

	sub := client.SubscribeEvents(func(ev stream.Event) {
		if ev.Type == stream.TypeSOAPComplete {
			// persist ev.SOAPNote
		}
	})
	defer sub.Unsubscribe()
*/
package stream
