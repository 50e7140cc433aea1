package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"medialib-jobs/internal/models"
)

// ErrNotOwner signals that a status mutation was attempted by a worker
// that no longer holds the claim. Single-writer discipline: only the
// claiming worker may move a row out of running.
var ErrNotOwner = errors.New("job not owned by this worker")

const jobColumns = `id, type, subject_id, status, payload, result, error_message, last_error_code,
	attempts, max_attempts, not_before, heartbeat_at, progress_numerator, progress_denominator,
	cancel_requested, cancelled_at, worker_owner, stage, stage_changed_at, started_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job          models.Job
		subjectID    pgtype.Int8
		payloadJSON  []byte
		resultJSON   []byte
		errMsg       pgtype.Text
		errCode      pgtype.Text
		heartbeatAt  pgtype.Timestamptz
		progNum      pgtype.Int4
		progDen      pgtype.Int4
		cancelledAt  pgtype.Timestamptz
		workerOwner  pgtype.Text
		stage        pgtype.Text
		stageChanged pgtype.Timestamptz
		startedAt    pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &subjectID, &job.Status, &payloadJSON, &resultJSON,
		&errMsg, &errCode, &job.Attempts, &job.MaxAttempts, &job.NotBefore, &heartbeatAt,
		&progNum, &progDen, &job.CancelFlag, &cancelledAt, &workerOwner, &stage,
		&stageChanged, &startedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	if subjectID.Valid {
		job.SubjectID = &subjectID.Int64
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.ErrorMessage = textPtr(errMsg)
	job.LastErrorCode = textPtr(errCode)
	if heartbeatAt.Valid {
		job.HeartbeatAt = &heartbeatAt.Time
	}
	if progNum.Valid {
		n := int(progNum.Int32)
		job.ProgressNum = &n
	}
	if progDen.Valid {
		d := int(progDen.Int32)
		job.ProgressDen = &d
	}
	if cancelledAt.Valid {
		job.CancelledAt = &cancelledAt.Time
	}
	job.WorkerOwner = textPtr(workerOwner)
	job.Stage = textPtr(stage)
	if stageChanged.Valid {
		job.StageChanged = &stageChanged.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	return job, nil
}

// CreateJob inserts a queued job unless a non-terminal row already exists
// for the same (subject_id, type), in which case that row is returned with
// deduped = true. Dedup is success, not failure.
func (s *Store) CreateJob(ctx context.Context, jobType string, subjectID *int64, payload map[string]any, maxAttempts int) (models.Job, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE type = $1 AND subject_id IS NOT DISTINCT FROM $2
		  AND status IN ('queued', 'pending', 'running')
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE
	`, jobType, subjectID)
	existing, err := scanJob(row)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return models.Job{}, false, fmt.Errorf("commit: %w", err)
		}
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("dedup check: %w", err)
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO jobs (type, subject_id, status, payload, max_attempts, not_before)
		VALUES ($1, $2, 'queued', $3, $4, NOW())
		RETURNING `+jobColumns, jobType, subjectID, payloadJSON, maxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, false, nil
}

// ClaimNext atomically claims the oldest eligible job of the family and
// transitions it to running. The SKIP LOCKED subselect guarantees at most
// one claimant per row. Returns nil when no work is eligible.
func (s *Store) ClaimNext(ctx context.Context, family string, owner string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', worker_owner = $2, started_at = NOW(),
		    heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE type LIKE $1 || ':%'
			  AND status IN ('queued', 'pending')
			  AND not_before <= NOW()
			  AND NOT cancel_requested
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, family, owner)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return &job, nil
}

// Heartbeat records liveness, progress, and the current stage for a running
// job. Progress is clamped to the denominator; a zero denominator leaves the
// stored progress untouched.
func (s *Store) Heartbeat(ctx context.Context, id int64, owner string, num, den int, stage string) error {
	num, den = models.ClampProgress(num, den)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET heartbeat_at = NOW(), updated_at = NOW(),
		    progress_numerator = CASE WHEN $3::int > 0 THEN $2::int ELSE progress_numerator END,
		    progress_denominator = CASE WHEN $3::int > 0 THEN $3::int ELSE progress_denominator END,
		    stage_changed_at = CASE WHEN $4 <> '' AND $4 IS DISTINCT FROM stage THEN NOW() ELSE stage_changed_at END,
		    stage = CASE WHEN $4 <> '' THEN $4 ELSE stage END
		WHERE id = $1 AND worker_owner = $5 AND status = 'running'
	`, id, num, den, stage, owner)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// CancelRequested reads the advisory cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id int64) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag, nil
}

// FinalizeDone transitions a running job to done with its result payload.
func (s *Store) FinalizeDone(ctx context.Context, id int64, owner string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'done', result = $3, error_message = NULL, last_error_code = NULL,
		    heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_owner = $2 AND status = 'running'
	`, id, owner, resultJSON)
	if err != nil {
		return fmt.Errorf("finalize done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// FinalizeError transitions a running job to the terminal error state.
func (s *Store) FinalizeError(ctx context.Context, id int64, owner string, msg, code string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'error', error_message = $3, last_error_code = $4,
		    heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_owner = $2 AND status = 'running'
	`, id, owner, msg, emptyToNil(code))
	if err != nil {
		return fmt.Errorf("finalize error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// FinalizeCancelled confirms a cooperative cancellation at a checkpoint.
func (s *Store) FinalizeCancelled(ctx context.Context, id int64, owner string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', cancelled_at = NOW(), heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_owner = $2 AND status = 'running'
	`, id, owner)
	if err != nil {
		return fmt.Errorf("finalize cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// RetryLater returns a running job to queued behind the backoff gate after
// a transient failure. The attempt count and last error are recorded so the
// next claim sees them.
func (s *Store) RetryLater(ctx context.Context, id int64, owner string, attempts int, notBefore time.Time, msg, code string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', attempts = $3, not_before = $4,
		    error_message = $5, last_error_code = $6,
		    heartbeat_at = NULL, worker_owner = NULL, started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_owner = $2 AND status = 'running'
	`, id, owner, attempts, notBefore, msg, emptyToNil(code))
	if err != nil {
		return fmt.Errorf("retry later: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// RequestCancel sets the advisory cancel flag. Jobs not yet claimed are
// finalized as cancelled immediately; running jobs keep their status until
// the owning worker reaches a checkpoint.
func (s *Store) RequestCancel(ctx context.Context, id int64) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("load job: %w", err)
	}
	if models.IsTerminal(job.Status) {
		return models.Job{}, ErrAlreadyTerminal
	}

	if models.IsClaimable(job.Status) {
		row = tx.QueryRow(ctx, `
			UPDATE jobs
			SET cancel_requested = TRUE, status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns, id)
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE jobs
			SET cancel_requested = TRUE, updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns, id)
	}
	job, err = scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("request cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// SweepCancelRequested finalizes queued/pending jobs whose cancel flag was
// raised after enqueue but before any claim. Run by the worker between claims.
func (s *Store) SweepCancelRequested(ctx context.Context, family string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE type LIKE $1 || ':%'
		  AND status IN ('queued', 'pending')
		  AND cancel_requested
	`, family)
	if err != nil {
		return 0, fmt.Errorf("sweep cancellations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetStaleRunning returns crashed-looking jobs to queued: running rows
// whose heartbeat is older than the staleness threshold. The attempt count
// is preserved so the retry budget still applies.
func (s *Store) ResetStaleRunning(ctx context.Context, family string, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', worker_owner = NULL, started_at = NULL,
		    heartbeat_at = NULL, updated_at = NOW()
		WHERE type LIKE $1 || ':%'
		  AND status = 'running'
		  AND heartbeat_at < NOW() - $2::interval
	`, family, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reset stale running: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs and Prune.
type JobFilter struct {
	TypePrefix string
	Statuses   []string
	SubjectID  *int64
	Before     time.Time
	Limit      int
	Offset     int
}

func (f JobFilter) where() (string, []any) {
	clauses := []string{"TRUE"}
	args := []any{}
	n := 1
	if f.TypePrefix != "" {
		clauses = append(clauses, fmt.Sprintf("type LIKE $%d || '%%'", n))
		args = append(args, f.TypePrefix)
		n++
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", n))
		args = append(args, f.Statuses)
		n++
	}
	if f.SubjectID != nil {
		clauses = append(clauses, fmt.Sprintf("subject_id = $%d", n))
		args = append(args, *f.SubjectID)
		n++
	}
	if !f.Before.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", n))
		args = append(args, f.Before)
		n++
	}
	where := clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		jobColumns, where, limit, f.Offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountsByStatus aggregates a family's jobs by status and by type.
func (s *Store) CountsByStatus(ctx context.Context, family string) (map[string]int, map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, type, COUNT(*)
		FROM jobs
		WHERE type LIKE $1 || ':%'
		GROUP BY status, type
	`, family)
	if err != nil {
		return nil, nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	byStatus := map[string]int{}
	byType := map[string]int{}
	for rows.Next() {
		var status, jobType string
		var n int
		if err := rows.Scan(&status, &jobType, &n); err != nil {
			return nil, nil, fmt.Errorf("scan counts: %w", err)
		}
		byStatus[status] += n
		byType[jobType] += n
	}
	return byStatus, byType, rows.Err()
}
