// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package capture records clinical encounters and hands them to either the
realtime stream or the offline sync queue.

A Coordinator reads frames from an AudioSource. Every frame is metered for
voice activity and written to a local 16-bit PCM WAV recording. While the
realtime channel is connected the frame is also streamed as an audio_chunk.

On Stop:

  - streamed end to end: stop_encounter is sent, the recording is deleted
    and a synced snapshot is cached; transcript and SOAP results keep
    flowing into it until soap_complete
  - otherwise: the WAV header is finalized and the encounter is saved
    pending with create and upload-audio queued in the same transaction

Cancel deletes the recording and, if the stream saw the encounter, sends
cancel_encounter.

FileSource replays an existing WAV file, which is how recordings made on
another device are imported.
*/
package capture
