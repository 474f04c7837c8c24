// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package conflict

import (
	"github.com/tomtom215/scribesync/internal/models"
)

// Kind classifies what diverged between the local and server copies.
type Kind string

const (
	KindNone         Kind = "none"
	KindTranscript   Kind = "transcript"
	KindSOAPSections Kind = "soap-sections"
	KindBoth         Kind = "both"
)

// Classification is the result of Detect.
type Classification struct {
	Kind     Kind     `json:"kind"`
	Sections []string `json:"sections,omitempty"`
}

// Detect compares the local encounter with the server version.
func Detect(local *models.OfflineEncounter, server *models.ServerVersion) Classification {
	if local == nil || server == nil {
		return Classification{Kind: KindNone}
	}

	transcript := local.Transcript != server.Transcript

	var sections []string
	for _, s := range models.Sections {
		if sectionText(local.SOAPNote, s) != sectionText(server.SOAPNote, s) {
			sections = append(sections, s)
		}
	}

	switch {
	case transcript && len(sections) > 0:
		return Classification{Kind: KindBoth, Sections: sections}
	case transcript:
		return Classification{Kind: KindTranscript}
	case len(sections) > 0:
		return Classification{Kind: KindSOAPSections, Sections: sections}
	}
	return Classification{Kind: KindNone}
}

func sectionText(n *models.SOAPNote, section string) string {
	if n == nil {
		return ""
	}
	return n.Section(section)
}

// Merge builds the merged encounter: the server version is the base and the
// local SOAP edit log is replayed on top of it in (timestamp, seq) order.
//
// A section counts as changed on the server when its server text matches
// neither the text the first local edit started from nor the local result.
// For those sections the local text wins and the section is listed in
// ReviewSections. Merge does not modify its arguments and returns the same
// value for the same inputs.
func Merge(local *models.OfflineEncounter, server *models.ServerVersion) *models.OfflineEncounter {
	out := local.Clone()
	if out == nil {
		out = &models.OfflineEncounter{}
	}
	if server == nil {
		return out
	}

	if server.Transcript != "" {
		out.Transcript = server.Transcript
	}
	out.ServerVersion = server.Version

	note := server.SOAPNote.Clone()
	if note == nil {
		note = &models.SOAPNote{}
	}
	note.Edits = nil

	var localEdits []models.SOAPEdit
	if local != nil && local.SOAPNote != nil {
		localEdits = append(localEdits, local.SOAPNote.Edits...)
	}
	models.SortEdits(localEdits)

	base := make(map[string]string)
	for _, e := range localEdits {
		if !models.ValidSection(e.Section) {
			continue
		}
		if _, seen := base[e.Section]; !seen {
			base[e.Section] = e.OldText
		}
		note.SetSection(e.Section, e.NewText)
	}

	review := make(map[string]bool)
	for _, s := range out.ReviewSections {
		review[s] = true
	}
	for section, before := range base {
		theirs := sectionText(server.SOAPNote, section)
		if theirs != before && theirs != note.Section(section) {
			review[section] = true
		}
	}

	var serverEdits []models.SOAPEdit
	if server.SOAPNote != nil {
		serverEdits = server.SOAPNote.Edits
	}
	note.Edits = mergeEdits(serverEdits, localEdits)
	out.SOAPNote = note

	out.ReviewSections = nil
	for _, s := range models.Sections {
		if review[s] {
			out.ReviewSections = append(out.ReviewSections, s)
		}
	}
	return out
}

// mergeEdits returns the union of both logs in canonical order. Entries
// present in both are kept once.
func mergeEdits(a, b []models.SOAPEdit) []models.SOAPEdit {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[models.SOAPEdit]bool, len(a)+len(b))
	out := make([]models.SOAPEdit, 0, len(a)+len(b))
	for _, list := range [][]models.SOAPEdit{a, b} {
		for _, e := range list {
			key := e
			key.Timestamp = e.Timestamp.UTC()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	models.SortEdits(out)
	return out
}
