// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package stream

import (
	"time"

	"github.com/tomtom215/scribesync/internal/models"
)

// Outbound message types.
const (
	TypeStartEncounter    = "start_encounter"
	TypeAudioChunk        = "audio_chunk"
	TypeAudioFile         = "audio_file"
	TypeStopEncounter     = "stop_encounter"
	TypeCancelEncounter   = "cancel_encounter"
	TypeRegenerateSection = "regenerate_section"
	TypeResumeEncounter   = "resume_encounter"
	TypePing              = "ping"
)

// Inbound message types.
const (
	TypeTranscriptUpdate = "transcript_update"
	TypeSOAPSectionReady = "soap_section_ready"
	TypeSOAPComplete     = "soap_complete"
	TypeError            = "error"
	TypePong             = "pong"
)

// EncounterOptions are the optional fields of start_encounter.
type EncounterOptions struct {
	EncounterType string
	Language      string
}

type startEncounterMsg struct {
	Type          string    `json:"type"`
	PatientID     string    `json:"patient_id"`
	EncounterID   string    `json:"encounter_id"`
	EncounterType string    `json:"encounter_type,omitempty"`
	Language      string    `json:"language,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AudioChunk is one block of live PCM audio.
type AudioChunk struct {
	Audio      []byte
	SampleRate int
	Channels   int
	BitDepth   int
}

type audioChunkMsg struct {
	Type       string    `json:"type"`
	Audio      []byte    `json:"audio"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	BitDepth   int       `json:"bit_depth"`
	Timestamp  time.Time `json:"timestamp"`
}

type audioFileMsg struct {
	Type      string    `json:"type"`
	Audio     []byte    `json:"audio"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

type stopEncounterMsg struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type cancelEncounterMsg struct {
	Type string `json:"type"`
}

type regenerateSectionMsg struct {
	Type      string    `json:"type"`
	Section   string    `json:"section"`
	Context   string    `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type resumeEncounterMsg struct {
	Type        string    `json:"type"`
	EncounterID string    `json:"encounter_id"`
	Timestamp   time.Time `json:"timestamp"`
}

type pingMsg struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is an inbound server message. Only the fields of its Type are set.
type Event struct {
	Type string `json:"type"`

	// transcript_update
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// soap_section_ready
	Section    string  `json:"section,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// soap_complete
	EncounterID string           `json:"encounter_id,omitempty"`
	SOAPNote    *models.SOAPNote `json:"soap_note,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}
