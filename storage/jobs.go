package storage

import (
	"database/sql"
	"fmt"
	"time"
)

type postgresJobStore struct {
	db *sql.DB
}

func (s *postgresJobStore) Enqueue(jobKey, jobType string, payload []byte, runAt time.Time, maxAttempts, backoffSeconds int) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO jobs (job_key, job_type, payload, run_at, max_attempts, backoff_seconds)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6)
		 ON CONFLICT (job_key) DO NOTHING`,
		jobKey, jobType, payload, runAt, maxAttempts, backoffSeconds)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}
	return inserted > 0, nil
}

// ClaimDue marks due jobs running and returns them. SKIP LOCKED keeps
// multiple workers from claiming the same job.
func (s *postgresJobStore) ClaimDue(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`UPDATE jobs SET status = $1, updated_at = NOW()
		 WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $2 AND run_at <= $3
			ORDER BY run_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, job_key, job_type, payload, status, attempts, max_attempts,
			backoff_seconds, run_at, last_error`,
		JobStatusRunning, JobStatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.JobKey, &job.JobType, &job.Payload, &job.Status,
			&job.Attempts, &job.MaxAttempts, &job.BackoffSeconds, &job.RunAt,
			&job.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *postgresJobStore) Complete(jobID string) error {
	if _, err := s.db.Exec(
		`UPDATE jobs SET status = $2, attempts = attempts + 1, updated_at = NOW()
		 WHERE id = $1`, jobID, JobStatusDone); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (s *postgresJobStore) Fail(jobID string, errMsg string) error {
	if _, err := s.db.Exec(
		`UPDATE jobs SET
			attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE $4 END,
			run_at = NOW() + make_interval(secs => backoff_seconds),
			updated_at = NOW()
		 WHERE id = $1`, jobID, errMsg, JobStatusFailed, JobStatusQueued); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

func (s *postgresJobStore) Delete(jobKey string) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE job_key = $1`, jobKey); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
