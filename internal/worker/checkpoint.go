package worker

import (
	"context"
	"time"
)

// Leaser is the slice of the worker lease a checkpoint renews on heartbeat.
type Leaser interface {
	Renew(ctx context.Context) error
}

// Checkpoint is handed to executors as their only channel back to the
// orchestration core: heartbeat, bounded progress, stage tracking, and
// cooperative cancellation. Beat writes are throttled to the configured
// interval so tight loops stay cheap; cancellation is only observed at
// these checkpoints, never preemptively.
type Checkpoint struct {
	store    JobStore
	lease    Leaser
	jobID    int64
	owner    string
	interval time.Duration
	lastBeat time.Time
	stage    string
	stageDue bool
}

func newCheckpoint(store JobStore, lease Leaser, jobID int64, owner string, interval time.Duration) *Checkpoint {
	return &Checkpoint{
		store:    store,
		lease:    lease,
		jobID:    jobID,
		owner:    owner,
		interval: interval,
	}
}

// Stage records a sub-phase name, flushed with the next Beat.
func (c *Checkpoint) Stage(name string) {
	if name != c.stage {
		c.stage = name
		c.stageDue = true
	}
}

// Beat records liveness and progress, renews the family lease, and polls
// the cancellation flag. Returns ErrCancelled when cancellation was
// requested; the handler must unwind without further side effects.
// Calls inside the throttle window are no-ops unless a stage change is due.
func (c *Checkpoint) Beat(ctx context.Context, num, den int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.lastBeat.IsZero() && time.Since(c.lastBeat) < c.interval && !c.stageDue {
		return nil
	}

	if err := c.store.Heartbeat(ctx, c.jobID, c.owner, num, den, c.stage); err != nil {
		return err
	}
	c.lastBeat = time.Now()
	c.stageDue = false

	if c.lease != nil {
		if err := c.lease.Renew(ctx); err != nil {
			return err
		}
	}

	cancelled, err := c.store.CancelRequested(ctx, c.jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}
