package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/models"
)

// Catalog is the slice of the store the executors write derived data to.
type Catalog interface {
	UpsertMediaItem(ctx context.Context, path, kind string) (models.MediaItem, bool, error)
	SetTags(ctx context.Context, id int64, tags []string) error
	SetCaption(ctx context.Context, id int64, caption string) error
	SetArtworkKey(ctx context.Context, id int64, key string) error
}

type scanPayload struct {
	Root string `json:"root"`
}

// ScanHandler walks a library root and records every media file in the
// catalog. Two passes: the first counts files so progress has a bounded
// denominator, the second upserts.
type ScanHandler struct {
	catalog   Catalog
	batchSize int
	log       zerolog.Logger
}

// NewScanHandler builds the scan executor.
func NewScanHandler(cfg config.Config, catalog Catalog, log zerolog.Logger) *ScanHandler {
	batch := cfg.ScanBatchSize
	if batch <= 0 {
		batch = 50
	}
	return &ScanHandler{catalog: catalog, batchSize: batch, log: log}
}

// Handle executes one scan:library job.
func (h *ScanHandler) Handle(ctx context.Context, job models.Job, ckpt *Checkpoint) (map[string]any, error) {
	payload, err := decodeScanPayload(job)
	if err != nil {
		return nil, Coded("bad_payload", err)
	}
	if info, err := os.Stat(payload.Root); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("not a directory: %s", payload.Root)
		}
		return nil, Coded("root_missing", err)
	}

	ckpt.Stage("counting")
	if err := ckpt.Beat(ctx, 0, 0); err != nil {
		return nil, err
	}
	total := 0
	err = filepath.WalkDir(payload.Root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			total++
		}
		return nil
	})
	if err != nil {
		return nil, Coded("walk_failed", fmt.Errorf("count files: %w", err))
	}

	ckpt.Stage("scanning")
	seen, mediaFound, created := 0, 0, 0
	err = filepath.WalkDir(payload.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		seen++
		if kind := mediaKind(path); kind != "" {
			_, inserted, err := h.catalog.UpsertMediaItem(ctx, path, kind)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", path, err)
			}
			mediaFound++
			if inserted {
				created++
			}
		}
		if seen%h.batchSize == 0 {
			if err := ckpt.Beat(ctx, seen, total); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, ErrCancelled
		}
		return nil, Coded("walk_failed", err)
	}

	if err := ckpt.Beat(ctx, total, total); err != nil {
		return nil, err
	}
	h.log.Info().Str("root", payload.Root).Int("files", seen).Int("media", mediaFound).Msg("scan complete")
	return map[string]any{
		"files_seen":  seen,
		"media_found": mediaFound,
		"created":     created,
	}, nil
}

func decodeScanPayload(job models.Job) (scanPayload, error) {
	var payload scanPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Root == "" {
		return payload, errors.New("root is required")
	}
	return payload, nil
}

// mediaKind classifies a file by extension, or "" for non-media.
func mediaKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".tiff":
		return models.KindImage
	case ".mp4", ".mkv", ".mov", ".avi", ".webm":
		return models.KindVideo
	case ".mp3", ".flac", ".wav", ".m4a", ".ogg":
		return models.KindAudio
	}
	return ""
}
