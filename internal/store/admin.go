package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"medialib-jobs/internal/models"
)

// RequeueJob creates a fresh queued job copying a terminal row's identity.
// The terminal row is preserved as history; mutating it back to queued
// would erase the previous outcome.
func (s *Store) RequeueJob(ctx context.Context, id int64) (models.Job, error) {
	old, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !models.IsTerminal(old.Status) {
		return models.Job{}, ErrNotTerminal
	}
	payloadJSON, err := json.Marshal(old.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (type, subject_id, status, payload, max_attempts, not_before)
		VALUES ($1, $2, 'queued', $3, $4, NOW())
		RETURNING `+jobColumns, old.Type, old.SubjectID, payloadJSON, old.MaxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("requeue job: %w", err)
	}
	return job, nil
}

// PruneResult reports what a prune pass did (or, for dry runs, would do).
type PruneResult struct {
	Matched        int64 `json:"matched_count"`
	Deleted        int64 `json:"deleted_count"`
	Updated        int64 `json:"updated_count"`
	BlockedRunning int64 `json:"blocked_running_count"`
}

// Prune bulk-deletes terminal jobs matching the filter. Non-terminal rows
// are excluded unless force is set: then queued/pending rows are cancelled
// and deleted, while running rows only get their cancel flag raised and the
// owning worker finalizes them.
func (s *Store) Prune(ctx context.Context, f JobFilter, force, dryRun bool) (PruneResult, error) {
	var res PruneResult
	where, args := f.where()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	countQ := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('done', 'error', 'cancelled')),
			COUNT(*) FILTER (WHERE status IN ('queued', 'pending')),
			COUNT(*) FILTER (WHERE status = 'running')
		FROM jobs WHERE %s`, where)
	var terminal, claimable, running int64
	if err := tx.QueryRow(ctx, countQ, args...).Scan(&res.Matched, &terminal, &claimable, &running); err != nil {
		return res, fmt.Errorf("count prune candidates: %w", err)
	}

	if dryRun {
		res.Deleted = terminal
		if force {
			res.Deleted += claimable
			res.Updated = claimable + running
		}
		res.BlockedRunning = running
		return res, tx.Commit(ctx)
	}

	if force {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE jobs SET cancel_requested = TRUE, status = 'cancelled',
			       cancelled_at = NOW(), updated_at = NOW()
			WHERE %s AND status IN ('queued', 'pending')`, where), args...)
		if err != nil {
			return res, fmt.Errorf("cancel claimable: %w", err)
		}
		res.Updated += tag.RowsAffected()
		terminal += tag.RowsAffected()

		tag, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
			WHERE %s AND status = 'running' AND NOT cancel_requested`, where), args...)
		if err != nil {
			return res, fmt.Errorf("flag running: %w", err)
		}
		res.Updated += tag.RowsAffected()
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		DELETE FROM jobs WHERE %s AND status IN ('done', 'error', 'cancelled')`, where), args...)
	if err != nil {
		return res, fmt.Errorf("delete terminal: %w", err)
	}
	res.Deleted = tag.RowsAffected()
	res.BlockedRunning = running

	return res, tx.Commit(ctx)
}

// DeleteResult reports the outcome of a guarded delete.
type DeleteResult struct {
	JobsDeleted    int64 `json:"deleted"`
	Blocked        int64 `json:"blocked"`
	DerivedCleared bool  `json:"result_deleted"`
}

// DeleteJobsWithGuard removes job history and derived results for a
// (subject, type) pair. It refuses while a non-terminal job exists for the
// pair, unless forced. Even forced, running rows stay blocked because
// only their worker may finalize them.
func (s *Store) DeleteJobsWithGuard(ctx context.Context, subjectID int64, jobType string, force bool) (DeleteResult, error) {
	var res DeleteResult

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var claimable, running int64
	err = tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('queued', 'pending')),
			COUNT(*) FILTER (WHERE status = 'running')
		FROM jobs WHERE subject_id = $1 AND type = $2
	`, subjectID, jobType).Scan(&claimable, &running)
	if err != nil {
		return res, fmt.Errorf("count live jobs: %w", err)
	}

	if (claimable+running) > 0 && !force {
		res.Blocked = claimable + running
		return res, tx.Commit(ctx)
	}

	if force && claimable > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET cancel_requested = TRUE, status = 'cancelled',
			       cancelled_at = NOW(), updated_at = NOW()
			WHERE subject_id = $1 AND type = $2 AND status IN ('queued', 'pending')
		`, subjectID, jobType); err != nil {
			return res, fmt.Errorf("cancel claimable: %w", err)
		}
	}
	res.Blocked = running

	tag, err := tx.Exec(ctx, `
		DELETE FROM jobs
		WHERE subject_id = $1 AND type = $2 AND status IN ('done', 'error', 'cancelled')
	`, subjectID, jobType)
	if err != nil {
		return res, fmt.Errorf("delete jobs: %w", err)
	}
	res.JobsDeleted = tag.RowsAffected()

	// Derived data goes only when no in-flight job still references it.
	if res.Blocked == 0 {
		if err := clearDerivedTx(ctx, tx, subjectID, models.Family(jobType)); err != nil {
			return res, err
		}
		res.DerivedCleared = true
	}

	return res, tx.Commit(ctx)
}
