// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package capture

import (
	"encoding/binary"
	"math"
	"time"
)

// DefaultVADThreshold and DefaultVADHangover are used when the configured
// values are zero.
const (
	DefaultVADThreshold = 0.02
	DefaultVADHangover  = 800 * time.Millisecond
)

// VAD is an amplitude-threshold voice activity detector with a silence
// hangover. Speech starts on the first frame at or above the threshold;
// it ends only after the level has stayed below it for the whole hangover.
// A VAD is not safe for concurrent use.
type VAD struct {
	threshold float64
	hangover  time.Duration

	active     bool
	quietSince time.Time
}

// NewVAD creates a detector. Non-positive arguments select the defaults.
func NewVAD(threshold float64, hangover time.Duration) *VAD {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if hangover <= 0 {
		hangover = DefaultVADHangover
	}
	return &VAD{threshold: threshold, hangover: hangover}
}

// Active reports the current state.
func (v *VAD) Active() bool {
	return v.active
}

// Process feeds one level sample (0..1) taken at at. changed is true only
// on the frame where the state flips.
func (v *VAD) Process(level float64, at time.Time) (changed, active bool) {
	if level >= v.threshold {
		v.quietSince = time.Time{}
		if !v.active {
			v.active = true
			return true, true
		}
		return false, true
	}

	if !v.active {
		return false, false
	}
	if v.quietSince.IsZero() {
		v.quietSince = at
	}
	if at.Sub(v.quietSince) >= v.hangover {
		v.active = false
		v.quietSince = time.Time{}
		return true, false
	}
	return false, true
}

// Level returns the RMS level of little-endian signed 16-bit PCM,
// normalized to 0..1. A trailing odd byte is ignored.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
