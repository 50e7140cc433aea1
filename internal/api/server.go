package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/enqueue"
	"medialib-jobs/internal/models"
	"medialib-jobs/internal/snapshot"
	"medialib-jobs/internal/store"
	"medialib-jobs/internal/supervisor"
	"medialib-jobs/internal/telemetry"
)

// JobStore is the slice of the store the admin surface drives.
type JobStore interface {
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error)
	RequestCancel(ctx context.Context, id int64) (models.Job, error)
	RequeueJob(ctx context.Context, id int64) (models.Job, error)
	Prune(ctx context.Context, f store.JobFilter, force, dryRun bool) (store.PruneResult, error)
	DeleteJobsWithGuard(ctx context.Context, subjectID int64, jobType string, force bool) (store.DeleteResult, error)
	CountsByStatus(ctx context.Context, family string) (map[string]int, map[string]int, error)
}

// Enqueuer accepts bulk job requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req enqueue.Request) (enqueue.Result, error)
}

// Runner ensures a worker process serves a family.
type Runner interface {
	EnsureRunning(ctx context.Context, family string, opts supervisor.RunOptions) (supervisor.RunResult, error)
}

// SnapshotCache reads and refreshes the per-family status aggregate.
type SnapshotCache interface {
	Read(ctx context.Context, family string) (snap snapshot.Snapshot, age time.Duration, stale, found bool, err error)
	Write(ctx context.Context, snap snapshot.Snapshot) error
}

// Limiter guards the enqueue endpoint.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, float64, error)
}

// LeaseReader answers whether a family currently has a live worker.
type LeaseReader interface {
	Held(ctx context.Context, family string, cap int) (bool, error)
}

// Server wires HTTP handlers for the job orchestration API.
type Server struct {
	cfg       config.Config
	store     JobStore
	enqueuer  Enqueuer
	runner    Runner
	snapshots SnapshotCache
	leases    LeaseReader
	limiter   Limiter
	log       zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, enq Enqueuer, runner Runner, snaps SnapshotCache, leases LeaseReader, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		enqueuer:  enq,
		runner:    runner,
		snapshots: snaps,
		leases:    leases,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs/enqueue", s.handleEnqueue)
	r.Post("/jobs/run", s.handleRun)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/requeue", s.handleRequeue)
	r.Post("/jobs/prune", s.handlePrune)
	r.Get("/families/{family}/status", s.handleFamilyStatus)
	r.Delete("/media/{id}/derived", s.handleDeleteDerived)
	return r
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var req enqueue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if len(req.SubjectIDs) == 0 && !req.All && req.Type != models.TypeScanLibrary {
		writeError(w, http.StatusBadRequest, "subject_ids or all is required")
		return
	}

	result, err := s.enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, enqueue.ErrUnknownType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("type", req.Type).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.EnqueueCounter.Add(float64(result.Enqueued))
	telemetry.DedupCounter.Add(float64(result.Deduped))

	writeJSON(w, http.StatusAccepted, result)
}

type runRequest struct {
	Family     string `json:"family"`
	TimeBudget string `json:"time_budget,omitempty"`
	MaxJobs    int    `json:"max_jobs,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Family == "" {
		writeError(w, http.StatusBadRequest, "family is required")
		return
	}
	if req.MaxJobs < 0 {
		writeError(w, http.StatusBadRequest, "max_jobs must be positive")
		return
	}
	opts := supervisor.RunOptions{MaxJobs: req.MaxJobs}
	if req.TimeBudget != "" {
		budget, err := time.ParseDuration(req.TimeBudget)
		if err != nil || budget <= 0 {
			writeError(w, http.StatusBadRequest, "invalid time_budget")
			return
		}
		opts.TimeBudget = budget
	}

	result, err := s.runner.EnsureRunning(r.Context(), req.Family, opts)
	if err != nil {
		// Infra failures already carry a start_failed result; only a
		// bad family is the caller's fault.
		if result.Status == supervisor.StatusStartFailed {
			s.log.Error().Err(err).Str("family", req.Family).Msg("ensure running failed")
			writeJSON(w, http.StatusBadGateway, result)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if result.Status == supervisor.StatusSpawned {
		telemetry.WorkersSpawned.Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := store.JobFilter{
		TypePrefix: r.URL.Query().Get("type"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		f.Statuses = []string{status}
	}
	if v := r.URL.Query().Get("subject_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid subject_id")
			return
		}
		f.SubjectID = &id
	}

	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("list jobs failed")
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("job_id", id).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.store.RequestCancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, store.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "job already finished")
		return
	case err != nil:
		s.log.Error().Err(err).Int64("job_id", id).Msg("cancel failed")
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}

	outcome := "cancel_requested"
	if job.Status == models.StatusCancelled {
		outcome = "cancelled"
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "job": viewOf(job)})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.store.RequeueJob(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, store.ErrNotTerminal):
		writeError(w, http.StatusConflict, "job is still in flight")
		return
	case err != nil:
		s.log.Error().Err(err).Int64("job_id", id).Msg("requeue failed")
		writeError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(job))
}

type pruneRequest struct {
	Type      string     `json:"type,omitempty"`
	Statuses  []string   `json:"statuses,omitempty"`
	SubjectID *int64     `json:"subject_id,omitempty"`
	Before    *time.Time `json:"before,omitempty"`
	Force     bool       `json:"force,omitempty"`
	DryRun    bool       `json:"dry_run,omitempty"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	f := store.JobFilter{
		TypePrefix: req.Type,
		Statuses:   req.Statuses,
		SubjectID:  req.SubjectID,
	}
	if req.Before != nil {
		f.Before = *req.Before
	}

	result, err := s.store.Prune(r.Context(), f, req.Force, req.DryRun)
	if err != nil {
		s.log.Error().Err(err).Msg("prune failed")
		writeError(w, http.StatusInternalServerError, "prune failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type familyStatusResponse struct {
	Family          string         `json:"family"`
	CountsByStatus  map[string]int `json:"counts_by_status"`
	CountsByType    map[string]int `json:"counts_by_type"`
	Running         int            `json:"running"`
	MaxConcurrency  int            `json:"max_concurrency"`
	LeaseHeld       bool           `json:"lease_held"`
	SnapshotAgeSecs float64        `json:"snapshot_age_seconds"`
	Stale           bool           `json:"stale"`
	Source          string         `json:"source"`
}

// handleFamilyStatus serves the cached snapshot when fresh and recomputes
// from the store when the snapshot is stale or missing, refreshing the
// cache on the way out.
func (s *Server) handleFamilyStatus(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	if !knownFamily(family) {
		writeError(w, http.StatusNotFound, "unknown family")
		return
	}

	resp := familyStatusResponse{Family: family, MaxConcurrency: s.cfg.Concurrency(family)}

	snap, age, stale, found, err := s.snapshots.Read(r.Context(), family)
	if err != nil {
		s.log.Warn().Err(err).Str("family", family).Msg("snapshot read failed, falling back to store")
		stale, found = true, false
	}

	if found && !stale {
		resp.CountsByStatus = snap.CountsByStatus
		resp.CountsByType = snap.CountsByType
		resp.Running = snap.Running
		resp.SnapshotAgeSecs = age.Seconds()
		resp.Source = "snapshot"
	} else {
		byStatus, byType, err := s.store.CountsByStatus(r.Context(), family)
		if err != nil {
			s.log.Error().Err(err).Str("family", family).Msg("status recompute failed")
			writeError(w, http.StatusInternalServerError, "status unavailable")
			return
		}
		resp.CountsByStatus = byStatus
		resp.CountsByType = byType
		resp.Running = byStatus[models.StatusRunning]
		resp.Stale = stale
		resp.Source = "store"
		fresh := snapshot.Snapshot{
			Family:         family,
			CountsByStatus: byStatus,
			CountsByType:   byType,
			Running:        resp.Running,
		}
		if err := s.snapshots.Write(r.Context(), fresh); err != nil {
			s.log.Warn().Err(err).Str("family", family).Msg("snapshot refresh failed")
		}
	}

	held, err := s.leases.Held(r.Context(), family, resp.MaxConcurrency)
	if err != nil {
		s.log.Warn().Err(err).Str("family", family).Msg("lease census failed")
	}
	resp.LeaseHeld = held

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteDerived(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	jobType := r.URL.Query().Get("type")
	if !models.KnownType(jobType) {
		writeError(w, http.StatusBadRequest, "unknown job type")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	result, err := s.store.DeleteJobsWithGuard(r.Context(), id, jobType, force)
	if err != nil {
		s.log.Error().Err(err).Int64("media_id", id).Msg("guarded delete failed")
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if result.Blocked > 0 && !result.DerivedCleared {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// jobView is the API projection of a job row.
type jobView struct {
	ID              int64          `json:"id"`
	Type            string         `json:"type"`
	SubjectID       *int64         `json:"subject_id,omitempty"`
	Status          string         `json:"status"`
	Stage           *string        `json:"stage,omitempty"`
	Progress        *progressView  `json:"progress,omitempty"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	NotBefore       time.Time      `json:"not_before"`
	HeartbeatAt     *time.Time     `json:"heartbeat_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CancelledAt     *time.Time     `json:"cancelled_at,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	LastErrorCode   *string        `json:"last_error_code,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type progressView struct {
	Numerator   int     `json:"numerator"`
	Denominator int     `json:"denominator"`
	Percent     float64 `json:"percent"`
}

func viewOf(job models.Job) jobView {
	view := jobView{
		ID:              job.ID,
		Type:            job.Type,
		SubjectID:       job.SubjectID,
		Status:          job.Status,
		Stage:           job.Stage,
		Attempts:        job.Attempts,
		MaxAttempts:     job.MaxAttempts,
		NotBefore:       job.NotBefore,
		HeartbeatAt:     job.HeartbeatAt,
		StartedAt:       job.StartedAt,
		CancelledAt:     job.CancelledAt,
		CancelRequested: job.CancelFlag,
		ErrorMessage:    job.ErrorMessage,
		LastErrorCode:   job.LastErrorCode,
		Result:          job.Result,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if job.ProgressNum != nil && job.ProgressDen != nil && *job.ProgressDen > 0 {
		view.Progress = &progressView{
			Numerator:   *job.ProgressNum,
			Denominator: *job.ProgressDen,
			Percent:     100 * float64(*job.ProgressNum) / float64(*job.ProgressDen),
		}
	}
	return view
}

func knownFamily(family string) bool {
	for _, f := range models.Families {
		if f == family {
			return true
		}
	}
	return false
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
