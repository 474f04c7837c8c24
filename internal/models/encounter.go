// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package models

import (
	"sort"
	"time"
)

// EncounterStatus is the sync lifecycle state of a locally held encounter.
type EncounterStatus string

const (
	EncounterPending  EncounterStatus = "pending"
	EncounterSyncing  EncounterStatus = "syncing"
	EncounterSynced   EncounterStatus = "synced"
	EncounterError    EncounterStatus = "error"
	EncounterConflict EncounterStatus = "conflict"
)

// Evictable reports whether storage pressure may discard an encounter in
// this state. Only encounters the server already holds qualify.
func (s EncounterStatus) Evictable() bool {
	return s == EncounterSynced
}

// OfflineEncounter is the local snapshot of one clinical encounter.
type OfflineEncounter struct {
	ID               string          `json:"id"`
	PatientID        string          `json:"patient_id"`
	EncounterType    string          `json:"encounter_type,omitempty"`
	Language         string          `json:"language,omitempty"`
	AudioPath        string          `json:"audio_path,omitempty"`
	AudioSizeBytes   int64           `json:"audio_size_bytes,omitempty"`
	AudioDurationSec float64         `json:"audio_duration_sec,omitempty"`
	Transcript       string          `json:"transcript,omitempty"`
	SOAPNote         *SOAPNote       `json:"soap_note,omitempty"`
	Status           EncounterStatus `json:"status"`
	RetryCount       int             `json:"retry_count"`
	LastError        string          `json:"last_error,omitempty"`
	ServerVersion    string          `json:"server_version,omitempty"`
	ReviewSections   []string        `json:"review_sections,omitempty"`
	// Submitted is set when the submit was confirmed while later ops of
	// the encounter were still queued; the record goes once they drain.
	Submitted bool      `json:"submitted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (e *OfflineEncounter) Clone() *OfflineEncounter {
	if e == nil {
		return nil
	}
	out := *e
	out.SOAPNote = e.SOAPNote.Clone()
	if e.ReviewSections != nil {
		out.ReviewSections = append([]string(nil), e.ReviewSections...)
	}
	return &out
}

// SOAP note sections.
const (
	SectionSubjective = "subjective"
	SectionObjective  = "objective"
	SectionAssessment = "assessment"
	SectionPlan       = "plan"
)

// Sections lists the SOAP sections in canonical order.
var Sections = []string{SectionSubjective, SectionObjective, SectionAssessment, SectionPlan}

// ValidSection reports whether name is one of the four SOAP sections.
func ValidSection(name string) bool {
	for _, s := range Sections {
		if s == name {
			return true
		}
	}
	return false
}

// SOAPEdit is one entry in a note's append-only edit log.
type SOAPEdit struct {
	Section   string    `json:"section"`
	OldText   string    `json:"old_text"`
	NewText   string    `json:"new_text"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// SOAPNote is the structured clinical note plus the log of user edits.
type SOAPNote struct {
	Subjective string     `json:"subjective"`
	Objective  string     `json:"objective"`
	Assessment string     `json:"assessment"`
	Plan       string     `json:"plan"`
	Edits      []SOAPEdit `json:"edits,omitempty"`
}

// Clone returns a deep copy.
func (n *SOAPNote) Clone() *SOAPNote {
	if n == nil {
		return nil
	}
	out := *n
	if n.Edits != nil {
		out.Edits = append([]SOAPEdit(nil), n.Edits...)
	}
	return &out
}

// Section returns the text of a section by name.
func (n *SOAPNote) Section(name string) string {
	switch name {
	case SectionSubjective:
		return n.Subjective
	case SectionObjective:
		return n.Objective
	case SectionAssessment:
		return n.Assessment
	case SectionPlan:
		return n.Plan
	}
	return ""
}

// SetSection overwrites a section without touching the edit log.
func (n *SOAPNote) SetSection(name, text string) {
	switch name {
	case SectionSubjective:
		n.Subjective = text
	case SectionObjective:
		n.Objective = text
	case SectionAssessment:
		n.Assessment = text
	case SectionPlan:
		n.Plan = text
	}
}

// ApplyEdit sets a section and appends the change to the edit log. The log
// is append-only; earlier entries are never rewritten.
func (n *SOAPNote) ApplyEdit(section, text string, at time.Time) SOAPEdit {
	var seq int64 = 1
	if len(n.Edits) > 0 {
		seq = n.Edits[len(n.Edits)-1].Seq + 1
	}
	edit := SOAPEdit{
		Section:   section,
		OldText:   n.Section(section),
		NewText:   text,
		Timestamp: at,
		Seq:       seq,
	}
	n.SetSection(section, text)
	n.Edits = append(n.Edits, edit)
	return edit
}

// SortEdits orders edits by timestamp, then seq, then section name.
func SortEdits(edits []SOAPEdit) {
	sort.SliceStable(edits, func(i, j int) bool {
		a, b := edits[i], edits[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Section < b.Section
	})
}
