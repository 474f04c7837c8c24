// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"

	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/syncerr"
)

// upload sends the encounter's audio file in fixed-size chunks. Every
// acknowledged chunk is persisted on the op, so after a failure only the
// missing chunks are sent again. A failing chunk is retried ChunkRetries
// times before the op falls back to its own backoff.
func (e *Engine) upload(ctx context.Context, op *models.SyncOperation, enc *models.OfflineEncounter) error {
	const opName = "upload audio"

	if enc.AudioPath == "" {
		return syncerr.Permanent(opName, errors.New("encounter has no audio file"))
	}
	data, err := os.ReadFile(enc.AudioPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return syncerr.Permanent(opName, err)
		}
		return syncerr.New(syncerr.Unknown, opName, err)
	}

	progress, err := e.uploadProgress(ctx, op, len(data))
	if err != nil {
		return err
	}
	log := logging.Ctx(ctx).With().
		Str("op_id", op.ID).
		Str("upload_id", progress.UploadID).
		Int("total_chunks", progress.TotalChunks).
		Logger()

	if acked := progress.AckedCount(); acked > 0 {
		log.Info().Int("acked", acked).Msg("Resuming audio upload")
	}

	for i := 0; i < progress.TotalChunks; i++ {
		if progress.Acked[i] {
			continue
		}
		start := i * progress.ChunkSize
		end := start + progress.ChunkSize
		if end > len(data) {
			end = len(data)
		}

		if err := e.sendChunk(ctx, enc.ID, progress, i, data[start:end]); err != nil {
			log.Debug().Err(err).Int("chunk", i).Msg("Chunk upload failed")
			return err
		}

		progress.Acked[i] = true
		idx := i
		if _, err := e.store.UpdateOp(context.WithoutCancel(ctx), op.ID, func(o *models.SyncOperation) error {
			if o.Upload == nil || o.Upload.UploadID != progress.UploadID {
				return fmt.Errorf("upload %s was reset", progress.UploadID)
			}
			o.Upload.Acked[idx] = true
			return nil
		}); err != nil {
			return syncerr.New(syncerr.Unknown, opName, fmt.Errorf("persist chunk ack: %w", err))
		}
	}

	if progress.Completed {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()
	if err := e.api.CompleteUpload(callCtx, enc.ID, progress.UploadID, progress.TotalChunks); err != nil {
		return err
	}
	if _, err := e.store.UpdateOp(context.WithoutCancel(ctx), op.ID, func(o *models.SyncOperation) error {
		if o.Upload != nil {
			o.Upload.Completed = true
		}
		return nil
	}); err != nil {
		return syncerr.New(syncerr.Unknown, opName, fmt.Errorf("persist upload completion: %w", err))
	}
	log.Info().Int("bytes", len(data)).Msg("Audio upload completed")
	return nil
}

func (e *Engine) sendChunk(ctx context.Context, encounterID string, progress *models.UploadProgress, index int, chunk []byte) error {
	var err error
	for try := 0; try <= e.cfg.ChunkRetries; try++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		err = e.api.UploadChunk(callCtx, encounterID, progress.UploadID, index, progress.TotalChunks, chunk)
		cancel()
		if err == nil || !syncerr.KindOf(err).Retryable() || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// uploadProgress returns the op's persisted progress, starting a new upload
// when there is none or the file no longer matches it.
func (e *Engine) uploadProgress(ctx context.Context, op *models.SyncOperation, size int) (*models.UploadProgress, error) {
	chunkSize := e.cfg.ChunkSizeBytes
	total := (size + chunkSize - 1) / chunkSize

	if p := op.Upload; p != nil && p.ChunkSize > 0 && p.TotalChunks == (size+p.ChunkSize-1)/p.ChunkSize && len(p.Acked) == p.TotalChunks {
		return p, nil
	}

	progress := &models.UploadProgress{
		UploadID:    uuid.New().String(),
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Acked:       make([]bool, total),
	}
	if _, err := e.store.UpdateOp(ctx, op.ID, func(o *models.SyncOperation) error {
		o.Upload = progress
		return nil
	}); err != nil {
		return nil, syncerr.New(syncerr.Unknown, "upload audio", fmt.Errorf("persist upload progress: %w", err))
	}
	op.Upload = progress
	return progress, nil
}
