package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/models"
	"medialib-jobs/internal/snapshot"
	"medialib-jobs/internal/telemetry"
)

// JobStore is the slice of the job store the processor drives.
type JobStore interface {
	ClaimNext(ctx context.Context, family, owner string) (*models.Job, error)
	Heartbeat(ctx context.Context, id int64, owner string, num, den int, stage string) error
	CancelRequested(ctx context.Context, id int64) (bool, error)
	FinalizeDone(ctx context.Context, id int64, owner string, result map[string]any) error
	FinalizeError(ctx context.Context, id int64, owner, msg, code string) error
	FinalizeCancelled(ctx context.Context, id int64, owner string) error
	RetryLater(ctx context.Context, id int64, owner string, attempts int, notBefore time.Time, msg, code string) error
	SweepCancelRequested(ctx context.Context, family string) (int64, error)
	ResetStaleRunning(ctx context.Context, family string, olderThan time.Duration) (int64, error)
	CountsByStatus(ctx context.Context, family string) (map[string]int, map[string]int, error)
}

// SnapshotWriter refreshes the status cache pollers read.
type SnapshotWriter interface {
	Write(ctx context.Context, snap snapshot.Snapshot) error
}

// Handler executes the pluggable unit of work for one job type. It reports
// progress and honors cancellation through the checkpoint, and returns the
// result payload recorded on success.
type Handler func(ctx context.Context, job models.Job, ckpt *Checkpoint) (map[string]any, error)

// Processor drives the single-threaded claim-execute-finalize loop for one
// family. It drains eligible work and exits; keeping a worker alive across
// empty queues is the supervisor's job, not a poll-sleep loop here.
type Processor struct {
	cfg       config.Config
	store     JobStore
	lease     Leaser
	snapshots SnapshotWriter
	handlers  map[string]Handler
	family    string
	workerID  string
	log       zerolog.Logger
}

// NewProcessor creates a processor for a family. workerID becomes the
// worker_owner stamped on every claimed row.
func NewProcessor(cfg config.Config, st JobStore, l Leaser, snaps SnapshotWriter, family, workerID string, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     st,
		lease:     l,
		snapshots: snaps,
		handlers:  make(map[string]Handler),
		family:    family,
		workerID:  workerID,
		log:       log,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run claims and executes jobs until none are eligible or the time budget
// is exhausted.
func (p *Processor) Run(ctx context.Context) error {
	deadline := time.Now().Add(p.cfg.WorkerTimeBudget)

	// Recover rows abandoned by a crashed predecessor before claiming.
	if n, err := p.store.ResetStaleRunning(ctx, p.family, p.cfg.HeartbeatStale); err != nil {
		p.log.Error().Err(err).Msg("stale-running reset failed")
	} else if n > 0 {
		p.log.Warn().Int64("count", n).Msg("requeued jobs with stale heartbeats")
	}

	executed := 0
	for {
		select {
		case <-ctx.Done():
			p.refreshSnapshot(ctx)
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			p.log.Info().Msg("worker time budget exhausted")
			break
		}
		if p.cfg.WorkerMaxJobs > 0 && executed >= p.cfg.WorkerMaxJobs {
			p.log.Info().Int("executed", executed).Msg("worker job bound reached")
			break
		}

		if n, err := p.store.SweepCancelRequested(ctx, p.family); err == nil && n > 0 {
			telemetry.JobsCancelled.Add(float64(n))
		}

		job, err := p.store.ClaimNext(ctx, p.family, p.workerID)
		if err != nil {
			p.refreshSnapshot(ctx)
			return err
		}
		if job == nil {
			break
		}

		p.runJob(ctx, *job)
		executed++
		p.refreshSnapshot(ctx)
	}

	p.refreshSnapshot(ctx)
	return nil
}

func (p *Processor) runJob(ctx context.Context, job models.Job) {
	log := p.log.With().Int64("job_id", job.ID).Str("type", job.Type).Logger()
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	handler, ok := p.handlers[job.Type]
	if !ok {
		log.Error().Msg("no handler registered")
		_ = p.store.FinalizeError(ctx, job.ID, p.workerID, "no handler registered for type "+job.Type, "unknown_type")
		telemetry.JobsFailed.Inc()
		return
	}

	ckpt := newCheckpoint(p.store, p.lease, job.ID, p.workerID, p.cfg.HeartbeatInterval)
	result, err := handler(ctx, job, ckpt)

	switch {
	case err == nil:
		if ferr := p.store.FinalizeDone(ctx, job.ID, p.workerID, result); ferr != nil {
			log.Error().Err(ferr).Msg("finalize done failed")
			return
		}
		telemetry.JobsDone.Inc()
		log.Info().Msg("job done")

	case errors.Is(err, ErrCancelled):
		if ferr := p.store.FinalizeCancelled(ctx, job.ID, p.workerID); ferr != nil {
			log.Error().Err(ferr).Msg("finalize cancelled failed")
			return
		}
		telemetry.JobsCancelled.Inc()
		log.Info().Msg("job cancelled at checkpoint")

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The process is going down, not the job. Leave the row running;
		// the next worker's stale-heartbeat reset requeues it.
		log.Warn().Err(err).Msg("context ended mid-job, leaving row for stale reset")

	default:
		attempts := job.Attempts + 1
		maxAttempts := job.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = p.cfg.MaxAttempts
		}
		code := ErrorCode(err)

		if IsRetryable(err) && attempts < maxAttempts {
			backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
			notBefore := time.Now().Add(backoff)
			if rerr := p.store.RetryLater(ctx, job.ID, p.workerID, attempts, notBefore, err.Error(), code); rerr != nil {
				log.Error().Err(rerr).Msg("retry requeue failed")
				return
			}
			telemetry.JobsRetried.Inc()
			log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", backoff).Msg("transient failure, requeued")
			return
		}

		if ferr := p.store.FinalizeError(ctx, job.ID, p.workerID, err.Error(), code); ferr != nil {
			log.Error().Err(ferr).Msg("finalize error failed")
			return
		}
		telemetry.JobsFailed.Inc()
		log.Error().Err(err).Int("attempt", attempts).Msg("job failed")
	}
}

// refreshSnapshot overwrites the family's status cache. Best effort: the
// snapshot is advisory and the store stays authoritative.
func (p *Processor) refreshSnapshot(ctx context.Context) {
	if p.snapshots == nil {
		return
	}
	byStatus, byType, err := p.store.CountsByStatus(ctx, p.family)
	if err != nil {
		p.log.Warn().Err(err).Msg("snapshot count failed")
		return
	}
	telemetry.QueueDepthGauge.Set(float64(byStatus[models.StatusQueued] + byStatus[models.StatusPending]))
	snap := snapshot.Snapshot{
		Family:         p.family,
		CountsByStatus: byStatus,
		CountsByType:   byType,
		Running:        byStatus[models.StatusRunning],
	}
	if err := p.snapshots.Write(ctx, snap); err != nil {
		p.log.Warn().Err(err).Msg("snapshot write failed")
	}
}

// backoffWithJitter grows exponentially with the attempt count, capped at
// max. The jittered wait for attempt n+1 always lands past attempt n's
// until the cap flattens it.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
