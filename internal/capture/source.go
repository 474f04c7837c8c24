// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tomtom215/scribesync/internal/logging"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// Validate rejects formats the recorder cannot write.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Duration converts a PCM byte count to playback time.
func (f Format) Duration(n int64) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Frame is one block of captured audio.
type Frame struct {
	PCM []byte
	// Level is the source's own meter reading in 0..1, or negative when
	// the source does not meter.
	Level float64
	At    time.Time
}

// AudioSource produces PCM frames. Frames closes the channel when the
// source is exhausted or ctx is canceled. Microphone access lives outside
// this module; implementations adapt a platform codec to this interface.
type AudioSource interface {
	Format() Format
	Frames(ctx context.Context) (<-chan Frame, error)
}

// DefaultFrameDuration is the frame length FileSource emits.
const DefaultFrameDuration = 100 * time.Millisecond

// FileSource replays a WAV file as frames, used to import recordings made
// elsewhere. Frames are emitted as fast as the consumer takes them.
type FileSource struct {
	path          string
	format        Format
	frameDuration time.Duration
	now           func() time.Time
}

// OpenFileSource validates the WAV header of path.
func OpenFileSource(path string, frameDuration time.Duration) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	format, _, err := readWAVHeader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	return &FileSource{path: path, format: format, frameDuration: frameDuration, now: time.Now}, nil
}

// Format returns the file's PCM format.
func (s *FileSource) Format() Format { return s.format }

// Frames starts reading. A declared data length of zero (a recording that
// was never finalized) reads to end of file.
func (s *FileSource) Frames(ctx context.Context) (<-chan Frame, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	_, size, err := readWAVHeader(br)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	var r io.Reader = br
	if size > 0 {
		r = io.LimitReader(br, size)
	}

	frameBytes := s.format.BytesPerSecond() * int(s.frameDuration/time.Millisecond) / 1000
	blockAlign := s.format.Channels * s.format.BitDepth / 8
	frameBytes -= frameBytes % blockAlign
	if frameBytes == 0 {
		frameBytes = blockAlign
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		defer func() { _ = f.Close() }()
		for {
			buf := make([]byte, frameBytes)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				select {
				case out <- Frame{PCM: buf[:n], Level: -1, At: s.now()}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					logging.Warn().Err(err).Str("path", s.path).Msg("Audio file read failed")
				}
				return
			}
		}
	}()
	return out, nil
}
