// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/events"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/metrics"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/store"
	"github.com/tomtom215/scribesync/internal/stream"
)

var (
	// ErrSessionActive is returned by Start while another encounter is
	// being captured.
	ErrSessionActive = errors.New("a capture session is already active")

	// ErrNoSession is returned by Stop and Cancel when nothing is being
	// captured.
	ErrNoSession = errors.New("no active capture session")

	// ErrNoRecording is returned by Stop when the live stream dropped and
	// the local recording could not be opened.
	ErrNoRecording = errors.New("no local recording for the session")
)

// Streamer is the part of the realtime client the coordinator drives.
type Streamer interface {
	State() stream.State
	StartEncounter(patientID, encounterID string, opts stream.EncounterOptions) error
	StopEncounter() error
	CancelEncounter() error
	SendAudioChunk(chunk stream.AudioChunk) bool
	SubscribeEvents(fn func(stream.Event)) *events.Subscription
}

// Config holds coordinator settings.
type Config struct {
	VADThreshold  float64
	VADHangover   time.Duration
	RecordingsDir string

	// SubmitAfterUpload also queues a submit for recorded encounters.
	SubmitAfterUpload bool
	// Priority is given to the ops queued for recorded encounters.
	Priority int
}

// Options describe the encounter being captured.
type Options struct {
	EncounterType string
	Language      string
}

// Activity is published on every voice activity transition.
type Activity struct {
	EncounterID string    `json:"encounter_id"`
	Active      bool      `json:"active"`
	Level       float64   `json:"level"`
	At          time.Time `json:"at"`
}

// Result describes how a finished session was handed off.
type Result struct {
	Encounter *models.OfflineEncounter
	// Recorded is true when the audio went to a local recording queued for
	// upload rather than being streamed end to end.
	Recorded bool
}

type session struct {
	snapshot *models.OfflineEncounter
	format   Format
	started  bool // start_encounter was handed to the streamer
	stopping bool

	// owned by the pump goroutine until done is closed
	live      bool
	rec       *Recorder // nil while streaming live
	recFailed bool
	pcmBytes  int64
	vad       *VAD

	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator runs one capture session at a time.
type Coordinator struct {
	cfg      Config
	store    *store.Store
	streamer Streamer
	source   AudioSource
	clock    clock.Clock
	logger   zerolog.Logger

	mu        sync.Mutex
	sess      *session
	following string // stopped streamed encounter still receiving results

	activity *events.Bus[Activity]
	sub      *events.Subscription
}

// New creates a coordinator and subscribes it to the streamer's inbound
// events. Close releases the subscription.
func New(cfg Config, s *store.Store, streamer Streamer, source AudioSource) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		store:    s,
		streamer: streamer,
		source:   source,
		clock:    s.Clock(),
		logger:   logging.WithComponent("capture"),
		activity: events.NewBus[Activity](),
	}
	c.sub = streamer.SubscribeEvents(c.handleEvent)
	return c
}

// Close unsubscribes from the streamer. An active session is canceled.
func (c *Coordinator) Close() {
	if c.Active() != "" {
		_ = c.Cancel(context.Background())
	}
	c.sub.Unsubscribe()
}

// SubscribeActivity registers fn for voice activity transitions.
func (c *Coordinator) SubscribeActivity(fn func(Activity)) *events.Subscription {
	return c.activity.Subscribe(fn)
}

// Active returns the encounter being captured, or "".
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.snapshot.ID
}

// Snapshot returns a copy of the active encounter as captured so far.
func (c *Coordinator) Snapshot() *models.OfflineEncounter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.snapshot.Clone()
}

// Finished returns a channel closed when the active session's source runs
// dry, or nil when nothing is being captured.
func (c *Coordinator) Finished() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.done
}

// Start begins capturing an encounter. Audio is streamed live when the
// realtime channel is connected and nothing is written to disk. Otherwise,
// or from the moment the live stream drops, frames go to a local
// recording.
func (c *Coordinator) Start(ctx context.Context, patientID, encounterID string, opts Options) error {
	if patientID == "" || encounterID == "" {
		return errors.New("patient id and encounter id are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrSessionActive
	}

	format := c.source.Format()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	frames, err := c.source.Frames(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open audio source: %w", err)
	}

	now := c.clock.Now()
	sess := &session{
		snapshot: &models.OfflineEncounter{
			ID:            encounterID,
			PatientID:     patientID,
			EncounterType: opts.EncounterType,
			Language:      opts.Language,
			CreatedAt:     now,
		},
		format: format,
		vad:    NewVAD(c.cfg.VADThreshold, c.cfg.VADHangover),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if c.streamer.State() == stream.StateConnected {
		if err := c.streamer.StartEncounter(patientID, encounterID, stream.EncounterOptions{
			EncounterType: opts.EncounterType,
			Language:      opts.Language,
		}); err == nil {
			sess.started = true
			sess.live = true
		} else {
			c.logger.Warn().Err(err).Msg("Could not start live stream, recording locally")
		}
	}
	if !sess.live {
		rec, err := c.createRecording(encounterID, format)
		if err != nil {
			cancel()
			return err
		}
		sess.rec = rec
	}

	c.sess = sess
	if c.following != "" {
		c.logger.Debug().Str("encounter_id", c.following).Msg("No longer following results of previous encounter")
		c.following = ""
	}

	go c.pump(sess, frames)

	c.logger.Info().
		Str("encounter_id", encounterID).
		Str("patient", logging.RedactPatientID(patientID)).
		Bool("live", sess.live).
		Msg("Capture started")
	return nil
}

func (c *Coordinator) pump(sess *session, frames <-chan Frame) {
	defer close(sess.done)
	for frame := range frames {
		c.handleFrame(sess, frame)
	}
}

func (c *Coordinator) handleFrame(sess *session, frame Frame) {
	if len(frame.PCM) == 0 {
		return
	}
	at := frame.At
	if at.IsZero() {
		at = c.clock.Now()
	}

	level := frame.Level
	if level < 0 {
		level = Level(frame.PCM)
	}
	if changed, active := sess.vad.Process(level, at); changed {
		c.activity.Publish(Activity{
			EncounterID: sess.snapshot.ID,
			Active:      active,
			Level:       level,
			At:          at,
		})
	}

	sess.pcmBytes += int64(len(frame.PCM))

	if sess.live {
		if c.streamer.SendAudioChunk(stream.AudioChunk{
			Audio:      frame.PCM,
			SampleRate: sess.format.SampleRate,
			Channels:   sess.format.Channels,
			BitDepth:   sess.format.BitDepth,
		}) {
			return
		}
		sess.live = false
		c.logger.Warn().
			Str("encounter_id", sess.snapshot.ID).
			Dur("streamed", sess.format.Duration(sess.pcmBytes-int64(len(frame.PCM)))).
			Msg("Live stream lost, recording the rest locally")
	}

	if sess.rec == nil {
		if sess.recFailed {
			return
		}
		rec, err := c.createRecording(sess.snapshot.ID, sess.format)
		if err != nil {
			sess.recFailed = true
			c.logger.Error().Err(err).Str("encounter_id", sess.snapshot.ID).Msg("Could not open local recording, audio is being lost")
			return
		}
		sess.rec = rec
	}
	if _, err := sess.rec.Write(frame.PCM); err != nil {
		c.logger.Error().Err(err).Str("encounter_id", sess.snapshot.ID).Msg("Writing local recording failed")
	}
}

func (c *Coordinator) createRecording(encounterID string, format Format) (*Recorder, error) {
	return CreateRecording(filepath.Join(c.cfg.RecordingsDir, encounterID+".wav"), format)
}

// detach ends the active session's capture and waits for the pump to exit.
func (c *Coordinator) detach() (*session, error) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.stopping {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	sess.stopping = true
	c.mu.Unlock()

	sess.cancel()
	<-sess.done
	return sess, nil
}

// Stop finishes the active session. A session streamed end to end sends
// stop_encounter, discards its recording and caches a synced snapshot that
// keeps receiving results until soap_complete. Otherwise the recording is
// finalized and the encounter is saved pending with create and
// upload-audio queued.
func (c *Coordinator) Stop(ctx context.Context) (*Result, error) {
	sess, err := c.detach()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = nil

	duration := sess.format.Duration(sess.pcmBytes)
	if sess.live {
		return c.finishStreamed(ctx, sess, duration)
	}
	return c.finishRecorded(ctx, sess, duration)
}

func (c *Coordinator) finishStreamed(ctx context.Context, sess *session, duration time.Duration) (*Result, error) {
	if err := c.streamer.StopEncounter(); err != nil {
		c.logger.Warn().Err(err).Msg("stop_encounter not delivered")
	}

	enc := sess.snapshot
	enc.Status = models.EncounterSynced
	enc.AudioDurationSec = duration.Seconds()
	saved, err := c.store.Save(ctx, enc)
	if err != nil {
		return nil, fmt.Errorf("cache streamed encounter: %w", err)
	}
	c.following = enc.ID

	metrics.RecordCaptureSession("streamed", 0)
	c.logger.Info().Str("encounter_id", enc.ID).Dur("duration", duration).Msg("Streamed encounter stopped")
	return &Result{Encounter: saved}, nil
}

func (c *Coordinator) finishRecorded(ctx context.Context, sess *session, duration time.Duration) (*Result, error) {
	if sess.rec == nil {
		return nil, ErrNoRecording
	}
	if err := sess.rec.Close(); err != nil {
		_ = sess.rec.Abort()
		return nil, fmt.Errorf("finalize recording: %w", err)
	}
	if sess.started {
		// The server keeps what was streamed before the drop; the upload
		// carries the rest of the same encounter.
		if err := c.streamer.StopEncounter(); err != nil {
			c.logger.Debug().Err(err).Msg("stop_encounter not delivered")
		}
	}

	enc := sess.snapshot
	enc.Status = models.EncounterPending
	enc.AudioPath = sess.rec.Path()
	enc.AudioSizeBytes = sess.rec.Size()
	enc.AudioDurationSec = duration.Seconds()

	ops := []models.OpType{models.OpCreate, models.OpUploadAudio}
	if c.cfg.SubmitAfterUpload {
		ops = append(ops, models.OpSubmit)
	}

	var saved *models.OfflineEncounter
	err := c.store.Atomically(ctx, func(tx *store.Tx) error {
		rec := enc.Clone()
		if err := tx.SaveEncounter(rec); err != nil {
			return err
		}
		for _, typ := range ops {
			if _, err := tx.Enqueue(&models.SyncOperation{
				Type:        typ,
				EncounterID: rec.ID,
				Priority:    c.cfg.Priority,
			}); err != nil {
				return err
			}
		}
		saved = rec
		return nil
	})
	if err != nil {
		// The file stays on disk so the audio is not lost.
		c.logger.Error().Err(err).Str("path", enc.AudioPath).Msg("Could not queue recorded encounter")
		return nil, fmt.Errorf("queue recorded encounter: %w", err)
	}

	metrics.RecordCaptureSession("recorded", duration)
	c.logger.Info().
		Str("encounter_id", enc.ID).
		Dur("duration", duration).
		Int64("bytes", enc.AudioSizeBytes).
		Msg("Recorded encounter queued for sync")
	return &Result{Encounter: saved.Clone(), Recorded: true}, nil
}

// Cancel discards the active session and its recording.
func (c *Coordinator) Cancel(ctx context.Context) error {
	sess, err := c.detach()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()

	if sess.rec != nil {
		if err := sess.rec.Abort(); err != nil {
			c.logger.Warn().Err(err).Msg("Could not remove canceled recording")
		}
	}
	if sess.started {
		if err := c.streamer.CancelEncounter(); err != nil {
			c.logger.Debug().Err(err).Msg("cancel_encounter not delivered")
		}
	}
	metrics.RecordCaptureSession("canceled", 0)
	logging.Ctx(ctx).Info().Str("encounter_id", sess.snapshot.ID).Msg("Capture canceled")
	return nil
}

// handleEvent applies inbound results to the active session's snapshot,
// or to the cached record of a stopped streamed encounter.
func (c *Coordinator) handleEvent(ev stream.Event) {
	switch ev.Type {
	case stream.TypeTranscriptUpdate, stream.TypeSOAPSectionReady, stream.TypeSOAPComplete:
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		if ev.EncounterID == "" || ev.EncounterID == c.sess.snapshot.ID {
			applyEvent(c.sess.snapshot, ev)
		}
		return
	}
	if c.following == "" || (ev.EncounterID != "" && ev.EncounterID != c.following) {
		return
	}

	id := c.following
	if ev.Type == stream.TypeSOAPComplete {
		c.following = ""
	}
	_, err := c.store.Update(context.Background(), id, func(enc *models.OfflineEncounter) error {
		applyEvent(enc, ev)
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("encounter_id", id).Str("type", ev.Type).Msg("Could not apply stream result")
	}
}

func applyEvent(enc *models.OfflineEncounter, ev stream.Event) {
	switch ev.Type {
	case stream.TypeTranscriptUpdate:
		if !ev.IsFinal || strings.TrimSpace(ev.Text) == "" {
			return
		}
		if enc.Transcript == "" {
			enc.Transcript = ev.Text
		} else {
			enc.Transcript += " " + ev.Text
		}
	case stream.TypeSOAPSectionReady:
		if !models.ValidSection(ev.Section) {
			return
		}
		if enc.SOAPNote == nil {
			enc.SOAPNote = &models.SOAPNote{}
		}
		enc.SOAPNote.SetSection(ev.Section, ev.Text)
	case stream.TypeSOAPComplete:
		if ev.SOAPNote == nil {
			return
		}
		note := ev.SOAPNote.Clone()
		if enc.SOAPNote != nil {
			note.Edits = enc.SOAPNote.Edits
		}
		enc.SOAPNote = note
	}
}
