package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const jobColumns = "id, package_name, version, status, attempts, max_attempts, last_error, fix_method, priority, python_target, created_at, updated_at"

// GetByID fetches a job by identifier. Returns nil when no row exists.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) getByIdentity(ctx context.Context, packageName, version, pythonTarget string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE package_name = ? AND version = ? AND python_target = ?`,
		packageName, version, pythonTarget,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by identity: %w", err)
	}
	return job, nil
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Count returns the total number of jobs.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// Failures returns failed jobs ordered by most recent update, paged.
func (s *Store) Failures(ctx context.Context, limit, offset int) ([]*Job, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		StatusFailed, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Reviews returns jobs awaiting manual review, highest priority first.
func (s *Store) Reviews(ctx context.Context) ([]*Job, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY priority DESC, id ASC`,
		StatusReview,
	)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ErrorPatterns groups stored failure texts by frequency, most common first.
func (s *Store) ErrorPatterns(ctx context.Context) ([]ErrorPattern, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT last_error, COUNT(1) AS n FROM jobs
         WHERE last_error IS NOT NULL
         GROUP BY last_error ORDER BY n DESC, last_error ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query error patterns: %w", err)
	}
	defer rows.Close()

	var patterns []ErrorPattern
	for rows.Next() {
		var p ErrorPattern
		if err := rows.Scan(&p.Message, &p.Count); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Search returns jobs whose package name contains the given substring.
func (s *Store) Search(ctx context.Context, packageName string) ([]*Job, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE package_name LIKE ? ORDER BY priority DESC, id ASC`,
		"%"+packageName+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("search jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) jobsByStatus(ctx context.Context, status Status) ([]*Job, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id         int64
		name       string
		version    string
		statusStr  string
		attempts   int
		maxAtt     int
		lastError  sql.NullString
		fixStr     string
		priority   int
		target     string
		createdRaw string
		updatedRaw string
	)

	if err := scanner.Scan(
		&id, &name, &version, &statusStr, &attempts, &maxAtt,
		&lastError, &fixStr, &priority, &target, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:           id,
		PackageName:  name,
		Version:      version,
		Status:       Status(statusStr),
		Attempts:     attempts,
		MaxAttempts:  maxAtt,
		LastError:    lastError.String,
		FixMethod:    FixMethod(fixStr),
		Priority:     priority,
		PythonTarget: target,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}
