package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobSpec describes one job for batch insertion.
type JobSpec struct {
	PackageName string
	Version     string
	Priority    int
}

// Add inserts a new pending job. Enqueue is idempotent: when the
// (package, version, target) tuple already exists the stored row is returned
// unchanged instead of an error.
func (s *Store) Add(ctx context.Context, packageName, version string, priority int, pythonTarget string) (*Job, error) {
	ctx = ensureContext(ctx)
	if pythonTarget == "" {
		pythonTarget = DefaultPythonTarget
	}
	now := utcNow()

	var id int64
	err := retryOnBusy(ctx, func() error {
		res, execErr := s.db.ExecContext(
			ctx,
			`INSERT INTO jobs (package_name, version, priority, python_target, max_attempts, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			packageName, version, priority, pythonTarget, DefaultMaxAttempts, now, now,
		)
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if isUniqueViolation(err) {
		return s.getByIdentity(ctx, packageName, version, pythonTarget)
	}
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetByID(ctx, id)
}

// AddBatch inserts jobs best-effort: duplicates are silently skipped and a
// single conflict never aborts the batch. Returns the number of rows created.
func (s *Store) AddBatch(ctx context.Context, specs []JobSpec, pythonTarget string) (int, error) {
	ctx = ensureContext(ctx)
	if pythonTarget == "" {
		pythonTarget = DefaultPythonTarget
	}
	now := utcNow()

	added := 0
	for _, spec := range specs {
		err := retryOnBusy(ctx, func() error {
			_, execErr := s.db.ExecContext(
				ctx,
				`INSERT INTO jobs (package_name, version, priority, python_target, max_attempts, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				spec.PackageName, spec.Version, spec.Priority, pythonTarget, DefaultMaxAttempts, now, now,
			)
			return execErr
		})
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("insert job %s==%s: %w", spec.PackageName, spec.Version, err)
		}
		added++
	}
	return added, nil
}

// ClaimNext atomically claims the highest-priority pending job, breaking ties
// by earliest creation. The claim is a single UPDATE so no two concurrent
// callers can receive the same job. Returns nil when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	ctx = ensureContext(ctx)

	var id int64
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE jobs
             SET status = ?, attempts = attempts + 1, updated_at = ?
             WHERE id = (
                 SELECT id FROM jobs WHERE status = ?
                 ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1
             )
             RETURNING id`,
			StatusInProgress, utcNow(), StatusPending,
		)
		return row.Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return s.GetByID(ctx, id)
}

// Complete marks a job complete, clearing any prior error and recording how
// the fix landed. Unknown ids are a no-op.
func (s *Store) Complete(ctx context.Context, id int64, method FixMethod) error {
	if method == "" {
		method = FixNone
	}
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, fix_method = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		StatusComplete, method, utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail marks a job failed and stores the diagnostic text.
func (s *Store) Fail(ctx context.Context, id int64, errText string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, errText, utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// MarkReview flags a job for manual review with a reason.
func (s *Store) MarkReview(ctx context.Context, id int64, reason string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusReview, reason, utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("mark review: %w", err)
	}
	return nil
}

// Retry returns a failed or needs_review job to pending, provided attempts
// remain. Reports false, leaving the row untouched, when the job is missing,
// not in a retryable status, or out of attempts.
func (s *Store) Retry(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?) AND attempts < max_attempts`,
		StatusPending, utcNow(), id, StatusFailed, StatusReview,
	)
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ResetStaleJobs unconditionally resets every in_progress job to pending.
// This is the coarse restart-recovery sweep: after a process restart no job
// can legitimately still be in progress. Attempts are left untouched.
func (s *Store) ResetStaleJobs(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, utcNow(), StatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetStaleByID resets only the listed jobs, and only those still
// in_progress. This is the routine periodic recovery path: a job claimed
// after the staleness scan is never bounced.
func (s *Store) ResetStaleByID(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+3)
	args = append(args, StatusPending, utcNow(), StatusInProgress)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs by id: %w", err)
	}
	return res.RowsAffected()
}

// StaleInProgress returns in_progress jobs whose last update is older than
// cutoff. Read-only; timestamps are compared after parsing so variable
// fraction lengths in stored values cannot skew the result.
func (s *Store) StaleInProgress(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	jobs, err := s.jobsByStatus(ctx, StatusInProgress)
	if err != nil {
		return nil, err
	}
	stale := jobs[:0]
	for _, job := range jobs {
		if job.UpdatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}
