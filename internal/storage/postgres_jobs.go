package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"quipucords/internal/lifecycle"
	"quipucords/internal/models"
)

const jobColumns = `id, scan_id, scan_type, status, status_message, options, source_ids, report_id,
	start_time, end_time, created_at`

// CreateJob stores a new job
func (ps *PostgresStorage) CreateJob(ctx context.Context, job *models.ScanJob) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to encode job options: %w", err)
	}
	if job.Status == "" {
		job.Status = models.StatusCreated
	}

	err = ps.db.QueryRowContext(ctx, `
		INSERT INTO scan_jobs (scan_id, scan_type, status, status_message, options, source_ids, report_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, nullInt64(job.ScanID), job.ScanType, job.Status, job.StatusMessage, string(opts),
		pq.Array(nonNil(job.SourceIDs)), nullInt64(job.ReportID),
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob returns a job by id
func (ps *PostgresStorage) GetJob(ctx context.Context, id int64) (*models.ScanJob, error) {
	return scanJob(ps.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1`, id))
}

// ListJobs returns jobs in creation order, optionally filtered by status
func (ps *PostgresStorage) ListJobs(ctx context.Context, statuses ...models.Status) ([]*models.ScanJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scan_jobs`
	args := []any{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY id`

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.ScanJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ActiveJobForScan returns the newest job of a scan that has not reached a terminal status
func (ps *PostgresStorage) ActiveJobForScan(ctx context.Context, scanID int64) (*models.ScanJob, error) {
	return scanJob(ps.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scan_jobs
		WHERE scan_id = $1 AND status NOT IN ('completed', 'failed', 'canceled')
		ORDER BY id DESC LIMIT 1
	`, scanID))
}

// TransitionJob moves a job to a new status under a row lock
func (ps *PostgresStorage) TransitionJob(ctx context.Context, id int64, to models.Status, message string) (*models.ScanJob, error) {
	var job *models.ScanJob
	err := ps.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		changed, err := lifecycle.Check(current.Status, to)
		if err != nil {
			return fmt.Errorf("job %d: %w", id, err)
		}
		if !changed {
			job = current
			return nil
		}

		job, err = scanJob(tx.QueryRowContext(ctx, `
			UPDATE scan_jobs SET
				status = $2,
				status_message = $3,
				start_time = CASE WHEN $2 = 'running' AND start_time IS NULL THEN NOW() ELSE start_time END,
				end_time = CASE WHEN $2 IN ('completed', 'failed', 'canceled') THEN NOW() ELSE end_time END
			WHERE id = $1
			RETURNING `+jobColumns, id, string(to), message))
		return err
	})
	return job, err
}

// SetJobReport links a job to its report
func (ps *PostgresStorage) SetJobReport(ctx context.Context, jobID, reportID int64) error {
	result, err := ps.db.ExecContext(ctx, `UPDATE scan_jobs SET report_id = $2 WHERE id = $1`, jobID, reportID)
	if err != nil {
		return fmt.Errorf("failed to set job report: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (*models.ScanJob, error) {
	job := &models.ScanJob{}
	var scanID, reportID sql.NullInt64
	var start, end sql.NullTime
	var opts []byte
	err := row.Scan(&job.ID, &scanID, &job.ScanType, &job.Status, &job.StatusMessage, &opts,
		pq.Array(&job.SourceIDs), &reportID, &start, &end, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal(opts, &job.Options); err != nil {
		return nil, fmt.Errorf("failed to decode job options: %w", err)
	}
	job.ScanID = ptrInt64(scanID)
	job.ReportID = ptrInt64(reportID)
	job.StartTime = ptrTime(start)
	job.EndTime = ptrTime(end)
	return job, nil
}

const taskColumns = `id, job_id, source_id, source_type, scan_type, sequence_number, status, status_message,
	systems_count, systems_scanned, systems_failed, systems_unreachable, prerequisites, inspect_group_id,
	start_time, end_time, last_heartbeat`

// CreateTask stores a new task
func (ps *PostgresStorage) CreateTask(ctx context.Context, task *models.ScanTask) error {
	if task.Status == "" {
		task.Status = models.StatusCreated
	}
	err := ps.db.QueryRowContext(ctx, `
		INSERT INTO scan_tasks (job_id, source_id, source_type, scan_type, sequence_number, status,
			status_message, systems_count, prerequisites, inspect_group_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, task.JobID, nullInt64(task.SourceID), task.SourceType, task.ScanType, task.SequenceNumber, task.Status,
		task.StatusMessage, task.Counters.SystemsCount, pq.Array(nonNil(task.Prerequisites)),
		nullInt64(task.InspectGroupID),
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask returns a task by id
func (ps *PostgresStorage) GetTask(ctx context.Context, id int64) (*models.ScanTask, error) {
	return scanTask(ps.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scan_tasks WHERE id = $1`, id))
}

// ListTasks returns the tasks of a job ordered by sequence number
func (ps *PostgresStorage) ListTasks(ctx context.Context, jobID int64) ([]*models.ScanTask, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scan_tasks WHERE job_id = $1 ORDER BY sequence_number, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.ScanTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// TransitionTask moves a task to a new status under a row lock
func (ps *PostgresStorage) TransitionTask(ctx context.Context, id int64, to models.Status, message string) (*models.ScanTask, error) {
	var task *models.ScanTask
	err := ps.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scan_tasks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		changed, err := lifecycle.Check(current.Status, to)
		if err != nil {
			return fmt.Errorf("task %d: %w", id, err)
		}
		if !changed {
			task = current
			return nil
		}

		task, err = scanTask(tx.QueryRowContext(ctx, `
			UPDATE scan_tasks SET
				status = $2,
				status_message = $3,
				start_time = CASE WHEN $2 = 'running' AND start_time IS NULL THEN NOW() ELSE start_time END,
				end_time = CASE WHEN $2 IN ('completed', 'failed', 'canceled') THEN NOW() ELSE end_time END,
				last_heartbeat = CASE WHEN $2 = 'running' THEN NOW() ELSE last_heartbeat END
			WHERE id = $1
			RETURNING `+taskColumns, id, string(to), message))
		return err
	})
	return task, err
}

// UpdateTaskCounters merges counters so that each one only grows
func (ps *PostgresStorage) UpdateTaskCounters(ctx context.Context, id int64, c models.TaskCounters) error {
	result, err := ps.db.ExecContext(ctx, `
		UPDATE scan_tasks SET
			systems_count = GREATEST(systems_count, $2),
			systems_scanned = GREATEST(systems_scanned, $3),
			systems_failed = GREATEST(systems_failed, $4),
			systems_unreachable = GREATEST(systems_unreachable, $5)
		WHERE id = $1
	`, id, c.SystemsCount, c.SystemsScanned, c.SystemsFailed, c.SystemsUnreachable)
	if err != nil {
		return fmt.Errorf("failed to update task counters: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat stamps a running task
func (ps *PostgresStorage) Heartbeat(ctx context.Context, id int64, at time.Time) error {
	result, err := ps.db.ExecContext(ctx,
		`UPDATE scan_tasks SET last_heartbeat = $2 WHERE id = $1 AND status = 'running'`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotRunning
	}
	return nil
}

// SetTaskInspectGroup links a task to the inspect group its results go to
func (ps *PostgresStorage) SetTaskInspectGroup(ctx context.Context, taskID, groupID int64) error {
	result, err := ps.db.ExecContext(ctx, `UPDATE scan_tasks SET inspect_group_id = $2 WHERE id = $1`, taskID, groupID)
	if err != nil {
		return fmt.Errorf("failed to set inspect group: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (*models.ScanTask, error) {
	task := &models.ScanTask{}
	var sourceID, groupID sql.NullInt64
	var start, end, heartbeat sql.NullTime
	err := row.Scan(&task.ID, &task.JobID, &sourceID, &task.SourceType, &task.ScanType, &task.SequenceNumber,
		&task.Status, &task.StatusMessage, &task.Counters.SystemsCount, &task.Counters.SystemsScanned,
		&task.Counters.SystemsFailed, &task.Counters.SystemsUnreachable, pq.Array(&task.Prerequisites),
		&groupID, &start, &end, &heartbeat)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.SourceID = ptrInt64(sourceID)
	task.InspectGroupID = ptrInt64(groupID)
	task.StartTime = ptrTime(start)
	task.EndTime = ptrTime(end)
	task.LastHeartbeat = ptrTime(heartbeat)
	return task, nil
}
