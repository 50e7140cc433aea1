package enqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/models"
)

// ErrUnknownType rejects a request before any row is created.
var ErrUnknownType = errors.New("unknown job type")

// Store is the slice of the job store the enqueue service needs.
type Store interface {
	CreateJob(ctx context.Context, jobType string, subjectID *int64, payload map[string]any, maxAttempts int) (models.Job, bool, error)
	GetMediaItem(ctx context.Context, id int64) (models.MediaItem, error)
	ListMediaItems(ctx context.Context, kind string, limit int) ([]models.MediaItem, error)
}

// Request describes a bulk enqueue: one type, many subjects.
type Request struct {
	Type       string         `json:"type"`
	SubjectIDs []int64        `json:"subject_ids,omitempty"`
	All        bool           `json:"all,omitempty"`
	Force      bool           `json:"force,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Result aggregates per-candidate outcomes. Dedup and ineligibility are
// counted, never surfaced as failures.
type Result struct {
	Candidates        int     `json:"candidates"`
	Enqueued          int     `json:"enqueued"`
	Deduped           int     `json:"deduped"`
	SkippedIneligible int     `json:"skipped_ineligible"`
	SkippedError      int     `json:"skipped_error"`
	JobIDs            []int64 `json:"job_ids,omitempty"`
}

// Service validates, deduplicates, and persists job requests.
type Service struct {
	store Store
	cfg   config.Config
	log   zerolog.Logger
}

// New constructs the enqueue service.
func New(st Store, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{store: st, cfg: cfg, log: log}
}

// Enqueue processes one bulk request. Per-candidate failures are counted
// and never abort the rest of the batch.
func (s *Service) Enqueue(ctx context.Context, req Request) (Result, error) {
	if !models.KnownType(req.Type) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}

	if req.Type == models.TypeScanLibrary {
		return s.enqueueScan(ctx, req)
	}
	return s.enqueuePerItem(ctx, req)
}

// enqueueScan creates the single family-wide scan job (subjectless).
func (s *Service) enqueueScan(ctx context.Context, req Request) (Result, error) {
	res := Result{Candidates: 1}
	root := s.cfg.MediaRoot
	if v, ok := req.Params["root"].(string); ok && v != "" {
		root = v
	}
	payload := map[string]any{"root": root}

	job, deduped, err := s.store.CreateJob(ctx, req.Type, nil, payload, s.cfg.MaxAttempts)
	if err != nil {
		res.SkippedError++
		s.log.Error().Err(err).Str("type", req.Type).Msg("enqueue failed")
		return res, nil
	}
	res.JobIDs = append(res.JobIDs, job.ID)
	if deduped {
		res.Deduped++
	} else {
		res.Enqueued++
	}
	return res, nil
}

func (s *Service) enqueuePerItem(ctx context.Context, req Request) (Result, error) {
	var res Result
	items, err := s.resolveCandidates(ctx, req)
	if err != nil {
		return res, err
	}

	for _, cand := range items {
		res.Candidates++
		if cand.err != nil {
			res.SkippedError++
			continue
		}
		item := cand.item
		if !req.Force && !eligible(req.Type, item) {
			res.SkippedIneligible++
			continue
		}
		payload, err := s.buildPayload(req, item)
		if err != nil {
			res.SkippedError++
			s.log.Warn().Err(err).Int64("media_id", item.ID).Str("type", req.Type).Msg("payload build failed")
			continue
		}
		job, deduped, err := s.store.CreateJob(ctx, req.Type, &item.ID, payload, s.cfg.MaxAttempts)
		if err != nil {
			res.SkippedError++
			s.log.Error().Err(err).Int64("media_id", item.ID).Str("type", req.Type).Msg("enqueue failed")
			continue
		}
		res.JobIDs = append(res.JobIDs, job.ID)
		if deduped {
			res.Deduped++
		} else {
			res.Enqueued++
		}
	}
	return res, nil
}

type candidate struct {
	item models.MediaItem
	err  error
}

// resolveCandidates turns a subject selector into concrete media items.
// A missing explicit subject is a per-candidate error, not a batch abort.
func (s *Service) resolveCandidates(ctx context.Context, req Request) ([]candidate, error) {
	if req.All {
		kind := ""
		if models.Family(req.Type) == models.FamilyArtwork {
			kind = models.KindImage
		}
		items, err := s.store.ListMediaItems(ctx, kind, 0)
		if err != nil {
			return nil, fmt.Errorf("list media items: %w", err)
		}
		out := make([]candidate, 0, len(items))
		for _, it := range items {
			out = append(out, candidate{item: it})
		}
		return out, nil
	}

	out := make([]candidate, 0, len(req.SubjectIDs))
	for _, id := range req.SubjectIDs {
		item, err := s.store.GetMediaItem(ctx, id)
		out = append(out, candidate{item: item, err: err})
	}
	return out, nil
}

// eligible applies the family-specific "would this job produce anything new"
// check. Ineligible candidates are skipped and counted, never enqueued.
func eligible(jobType string, item models.MediaItem) bool {
	switch jobType {
	case models.TypeAnalyzeTags:
		return item.Tags == nil
	case models.TypeAnalyzeCaption:
		return item.Caption == nil
	case models.TypeArtworkRegen:
		return item.Kind == models.KindImage
	}
	return true
}

func (s *Service) buildPayload(req Request, item models.MediaItem) (map[string]any, error) {
	if item.Path == "" {
		return nil, errors.New("media item has no path")
	}
	payload := map[string]any{
		"media_id": item.ID,
		"path":     item.Path,
		"kind":     item.Kind,
	}
	if models.Family(req.Type) == models.FamilyArtwork {
		payload["width"] = s.cfg.ArtworkDefaultWidth
		payload["height"] = s.cfg.ArtworkDefaultHeight
		for _, k := range []string{"width", "height", "grayscale", "output_key", "destination"} {
			if v, ok := req.Params[k]; ok {
				payload[k] = v
			}
		}
	}
	return payload, nil
}
