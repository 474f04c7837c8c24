// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const wavHeaderSize = 44

// ErrNotWAV is returned for files that are not 16-bit PCM RIFF/WAVE.
var ErrNotWAV = errors.New("not a PCM WAV file")

// Recorder writes PCM frames to a WAV file. The RIFF sizes are written as
// zero on create and patched on Close, so a recording cut short by a crash
// is still recognisable but reports an empty data chunk.
type Recorder struct {
	path   string
	format Format
	f      *os.File
	data   int64
	closed bool
}

// CreateRecording creates path (and its directory) with a placeholder
// header.
func CreateRecording(path string, format Format) (*Recorder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	r := &Recorder{path: path, format: format, f: f}
	if err := r.writeHeader(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return r, nil
}

// Path returns the file path.
func (r *Recorder) Path() string { return r.path }

// Write appends raw PCM.
func (r *Recorder) Write(pcm []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	n, err := r.f.Write(pcm)
	r.data += int64(n)
	return n, err
}

// DataBytes returns the number of PCM bytes written.
func (r *Recorder) DataBytes() int64 { return r.data }

// Size returns the file size including the header.
func (r *Recorder) Size() int64 { return r.data + wavHeaderSize }

// Duration returns the recorded audio length.
func (r *Recorder) Duration() time.Duration {
	return r.format.Duration(r.data)
}

// Close patches the header, syncs and closes the file.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		_ = r.f.Close()
		return fmt.Errorf("seek recording header: %w", err)
	}
	if err := r.writeHeader(); err != nil {
		_ = r.f.Close()
		return err
	}
	if err := r.f.Sync(); err != nil {
		_ = r.f.Close()
		return fmt.Errorf("sync recording: %w", err)
	}
	return r.f.Close()
}

// Abort closes and deletes the recording.
func (r *Recorder) Abort() error {
	if !r.closed {
		r.closed = true
		_ = r.f.Close()
	}
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove recording: %w", err)
	}
	return nil
}

func (r *Recorder) writeHeader() error {
	data := r.data
	if data > int64(^uint32(0))-wavHeaderSize {
		data = int64(^uint32(0)) - wavHeaderSize
	}
	blockAlign := r.format.Channels * r.format.BitDepth / 8

	var h [wavHeaderSize]byte
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], uint32(36+data))
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], uint16(r.format.Channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(r.format.SampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(r.format.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], uint16(r.format.BitDepth))
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], uint32(data))

	if _, err := r.f.Write(h[:]); err != nil {
		return fmt.Errorf("write recording header: %w", err)
	}
	return nil
}

// readWAVHeader parses RIFF chunks up to the data chunk and returns the
// format and the declared data length. r is left at the first PCM byte.
func readWAVHeader(r io.Reader) (Format, int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, 0, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, 0, ErrNotWAV
	}

	var (
		format  Format
		haveFmt bool
		chunk   [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Format{}, 0, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, 0, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, 0, fmt.Errorf("%w: %v", ErrNotWAV, err)
			}
			if binary.LittleEndian.Uint16(body[0:]) != 1 {
				return Format{}, 0, fmt.Errorf("%w: compressed audio", ErrNotWAV)
			}
			format = Format{
				Channels:   int(binary.LittleEndian.Uint16(body[2:])),
				SampleRate: int(binary.LittleEndian.Uint32(body[4:])),
				BitDepth:   int(binary.LittleEndian.Uint16(body[14:])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			if err := format.Validate(); err != nil {
				return Format{}, 0, fmt.Errorf("%w: %v", ErrNotWAV, err)
			}
			return format, size, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, 0, fmt.Errorf("%w: %v", ErrNotWAV, err)
			}
		}
	}
}
