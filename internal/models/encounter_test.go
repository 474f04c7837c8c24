// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package models

import (
	"testing"
	"time"
)

func TestSOAPNoteApplyEditAppendsLog(t *testing.T) {
	note := &SOAPNote{Subjective: "headache"}
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := note.ApplyEdit(SectionSubjective, "headache for 3 days", t0)
	second := note.ApplyEdit(SectionPlan, "ibuprofen", t0.Add(time.Minute))

	if note.Subjective != "headache for 3 days" || note.Plan != "ibuprofen" {
		t.Fatalf("sections not updated: %+v", note)
	}
	if len(note.Edits) != 2 {
		t.Fatalf("expected 2 edits, got %d", len(note.Edits))
	}
	if first.OldText != "headache" || first.Seq != 1 {
		t.Errorf("unexpected first edit %+v", first)
	}
	if second.OldText != "" || second.Seq != 2 {
		t.Errorf("unexpected second edit %+v", second)
	}
}

func TestSortEdits(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	edits := []SOAPEdit{
		{Section: SectionPlan, Timestamp: t0.Add(time.Second), Seq: 1},
		{Section: SectionObjective, Timestamp: t0, Seq: 2},
		{Section: SectionAssessment, Timestamp: t0, Seq: 1},
	}

	SortEdits(edits)

	want := []string{SectionAssessment, SectionObjective, SectionPlan}
	for i, w := range want {
		if edits[i].Section != w {
			t.Errorf("edits[%d].Section = %q, want %q", i, edits[i].Section, w)
		}
	}
}

func TestEncounterClone(t *testing.T) {
	enc := &OfflineEncounter{
		ID:             "enc_1",
		SOAPNote:       &SOAPNote{Plan: "rest", Edits: []SOAPEdit{{Section: SectionPlan}}},
		ReviewSections: []string{SectionPlan},
	}

	clone := enc.Clone()
	clone.SOAPNote.Plan = "changed"
	clone.SOAPNote.Edits[0].Section = SectionSubjective
	clone.ReviewSections[0] = "x"

	if enc.SOAPNote.Plan != "rest" || enc.SOAPNote.Edits[0].Section != SectionPlan || enc.ReviewSections[0] != SectionPlan {
		t.Error("clone shares state with original")
	}
}

func TestEvictableOnlySynced(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status EncounterStatus
		want   bool
	}{
		{EncounterPending, false},
		{EncounterSyncing, false},
		{EncounterSynced, true},
		{EncounterError, false},
		{EncounterConflict, false},
	}
	for _, tt := range tests {
		if got := tt.status.Evictable(); got != tt.want {
			t.Errorf("%s.Evictable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestValidSection(t *testing.T) {
	t.Parallel()

	if !ValidSection(SectionAssessment) {
		t.Error("assessment should be valid")
	}
	if ValidSection("history") {
		t.Error("history should not be valid")
	}
}
