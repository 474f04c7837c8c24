// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// OpType is the kind of work a queued operation performs.
type OpType string

const (
	OpCreate      OpType = "create"
	OpUpdate      OpType = "update"
	OpSubmit      OpType = "submit"
	OpUploadAudio OpType = "upload-audio"
)

// Valid reports whether t is one of the four operation types.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpSubmit, OpUploadAudio:
		return true
	}
	return false
}

// Rank orders op types of the same encounter within a sync run. Create
// ranks ahead of everything else; the other types share a rank so they
// keep their enqueue order.
func (t OpType) Rank() int {
	if t == OpCreate {
		return 0
	}
	return 1
}

// OpStatus is the queue state of an operation. Synced operations are
// removed from the queue rather than kept with a synced status.
type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpSyncing OpStatus = "syncing"
	OpError   OpStatus = "error"
	// OpFailed is terminal. Only a manual retry re-arms it.
	OpFailed OpStatus = "failed"
)

// Payload is a flat JSON object. Keys are top-level field names; later
// writes to the same key replace earlier ones.
type Payload map[string]json.RawMessage

// Payload keys with a meaning to the sync engine. Any other key is sent to
// the server as a changed field.
const (
	PayloadForce       = "force"
	PayloadBaseVersion = "base_version"
)

// Merge overlays other onto a copy of p (shallow, other wins).
func (p Payload) Merge(other Payload) Payload {
	out := make(Payload, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Set marshals v under key.
func (p Payload) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p[key] = raw
	return nil
}

// Get unmarshals key into v. Reports false if the key is absent.
func (p Payload) Get(key string, v interface{}) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// NewPayload builds a payload from a map of plain values.
func NewPayload(fields map[string]interface{}) (Payload, error) {
	p := make(Payload, len(fields))
	for k, v := range fields {
		if err := p.Set(k, v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// UploadProgress records which chunks of an audio upload the server has
// acknowledged, so a retry resends only what is missing.
type UploadProgress struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Acked       []bool `json:"acked"`
	Completed   bool   `json:"completed"`
}

// AckedCount returns the number of acknowledged chunks.
func (u *UploadProgress) AckedCount() int {
	n := 0
	for _, a := range u.Acked {
		if a {
			n++
		}
	}
	return n
}

// NextMissing returns the lowest unacknowledged chunk index, or -1.
func (u *UploadProgress) NextMissing() int {
	for i, a := range u.Acked {
		if !a {
			return i
		}
	}
	return -1
}

// SyncOperation is one unit of queued work for the sync engine.
type SyncOperation struct {
	ID          string  `json:"id"`
	Seq         uint64  `json:"seq"`
	Type        OpType  `json:"type"`
	EncounterID string  `json:"encounter_id"`
	Payload     Payload `json:"payload,omitempty"`
	// DeferredPayload collects updates enqueued while this op was in flight.
	DeferredPayload Payload         `json:"deferred_payload,omitempty"`
	Status          OpStatus        `json:"status"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	LastAttemptAt   time.Time       `json:"last_attempt_at,omitempty"`
	NextAttemptAt   time.Time       `json:"next_attempt_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	Upload          *UploadProgress `json:"upload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Clone returns a deep copy.
func (o *SyncOperation) Clone() *SyncOperation {
	if o == nil {
		return nil
	}
	out := *o
	if o.Payload != nil {
		out.Payload = Payload{}.Merge(o.Payload)
	}
	if o.DeferredPayload != nil {
		out.DeferredPayload = Payload{}.Merge(o.DeferredPayload)
	}
	if o.Upload != nil {
		up := *o.Upload
		up.Acked = append([]bool(nil), o.Upload.Acked...)
		out.Upload = &up
	}
	return &out
}

// Active reports whether the operation is still eligible for automatic
// processing at some point.
func (o *SyncOperation) Active() bool {
	return o.Status != OpFailed
}

// Due reports whether the retry scheduler allows an attempt at now.
func (o *SyncOperation) Due(now time.Time) bool {
	if o.Status != OpPending && o.Status != OpError {
		return false
	}
	return o.NextAttemptAt.IsZero() || !now.Before(o.NextAttemptAt)
}
