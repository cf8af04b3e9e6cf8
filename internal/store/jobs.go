// ABOUTME: SQLite persistence for job records
// ABOUTME: Status transitions use conditional updates so terminal jobs never change again

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, uuid, account_id, user_id, command, params_json, status, process_status,
	result_code, result_json, instance_type, instance_id, created_at, updated_at, completed_at`

// CreateJob inserts a new queued job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job.UUID == "" {
		job.UUID = uuid.New().String()
	}
	if job.Params == "" {
		job.Params = "{}"
	}
	now := time.Now().UTC()
	job.Status = JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (uuid, account_id, user_id, command, params_json, status,
			instance_type, instance_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.UUID,
		job.AccountID,
		job.UserID,
		job.Command,
		job.Params,
		string(job.Status),
		job.InstanceType,
		job.InstanceID,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading job id: %w", err)
	}
	job.ID = id

	s.logger.Debug("created job", "id", job.ID, "command", job.Command)
	return nil
}

// GetJob retrieves a job by ID.
// Returns ErrNotFound if the job doesn't exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// MarkJobInProgress transitions a queued job to in_progress.
func (s *SQLiteStore) MarkJobInProgress(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(JobInProgress), formatTime(time.Now()), id, string(JobQueued))
	if err != nil {
		return false, fmt.Errorf("marking job in progress: %w", err)
	}
	return s.transitioned(ctx, res, id)
}

// UpdateJobProcessStatus records command-defined progress on a job that is
// still pending. Progress reported after completion is dropped.
func (s *SQLiteStore) UpdateJobProcessStatus(ctx context.Context, id int64, processStatus int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET process_status = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'in_progress')
	`, processStatus, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating job process status: %w", err)
	}
	_, err = s.transitioned(ctx, res, id)
	return err
}

// CompleteJob stores the terminal outcome of a job that has not yet finished.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id int64, status JobStatus, resultCode int, result *JobResult) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("completing job %d: status %q is not terminal", id, status)
	}
	resultJSON, err := encodeResult(result)
	if err != nil {
		return false, err
	}

	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_code = ?, result_json = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN ('queued', 'in_progress')
	`, string(status), resultCode, resultJSON, now, now, id)
	if err != nil {
		return false, fmt.Errorf("completing job: %w", err)
	}
	return s.transitioned(ctx, res, id)
}

// transitioned distinguishes a conditional update that matched no row because
// the job is in the wrong state from one whose job does not exist.
func (s *SQLiteStore) transitioned(ctx context.Context, res sql.Result, id int64) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking job: %w", err)
	}
	return false, nil
}

// ListPendingJobs returns queued and in-progress jobs for an entity type.
func (s *SQLiteStore) ListPendingJobs(ctx context.Context, instanceType string, accountID int64) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('queued', 'in_progress') AND instance_type = ?`
	args := []any{instanceType}
	if accountID != 0 {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id`

	return s.queryJobs(ctx, query, args...)
}

// ListJobs returns jobs newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var conds []string
	var args []any
	if filter.AccountID != 0 {
		conds = append(conds, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	return s.queryJobs(ctx, query, args...)
}

// FailUnfinishedJobs fails every queued or in-progress job.
func (s *SQLiteStore) FailUnfinishedJobs(ctx context.Context, resultCode int, result *JobResult) (int64, error) {
	resultJSON, err := encodeResult(result)
	if err != nil {
		return 0, err
	}
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_code = ?, result_json = ?, updated_at = ?, completed_at = ?
		WHERE status IN ('queued', 'in_progress')
	`, string(JobFailed), resultCode, resultJSON, now, now)
	if err != nil {
		return 0, fmt.Errorf("failing unfinished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, createdAt, updatedAt string
	var resultJSON, completedAt sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.UUID,
		&job.AccountID,
		&job.UserID,
		&job.Command,
		&job.Params,
		&status,
		&job.ProcessStatus,
		&job.ResultCode,
		&resultJSON,
		&job.InstanceType,
		&job.InstanceID,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	if job.Result, err = decodeResult(resultJSON); err != nil {
		return nil, err
	}
	return &job, nil
}
