package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/metrics"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// UpsertResult reports what Upsert did.
type UpsertResult struct {
	JobID string
	// Merged is true when the request folded into an existing unique job
	// instead of creating a new row.
	Merged bool
}

// UpsertJob inserts j, or merges it into an existing non-terminal job when
// j's variant is unique per thread. Merge semantics are variant-specific:
// send_read_receipts unions timestamp sets, expiration_update unions hashes
// and keeps the earlier deadline, configuration_sync pulls the existing
// job's next run earlier, everything else is a silent no-op.
func (s *Store) UpsertJob(ctx context.Context, j *Job) (*UpsertResult, error) {
	if j.ID == "" {
		j.ID = NewJobID()
	}
	if j.Behaviour == "" {
		j.Behaviour = BehaviourRunOnce
	}
	if j.State == "" {
		j.State = StatePending
	}
	now := s.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	res := &UpsertResult{JobID: j.ID}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if UniquePerThread(j.Variant) {
			var existingID string
			var existingDetails []byte
			var existingNextRun int64
			var existingState string
			err := tx.QueryRowContext(ctx, `
				SELECT id, details, next_run_at, state FROM jobs
				WHERE variant = ? AND thread_id = ? AND state != ?
				LIMIT 1
			`, j.Variant, j.ThreadID, StateDead).Scan(&existingID, &existingDetails, &existingNextRun, &existingState)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("lookup unique job: %w", err)
			}
			if err == nil {
				res.JobID = existingID
				res.Merged = true
				return s.mergeUniqueJob(ctx, tx, j, existingID, existingDetails, existingNextRun, existingState)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs
				(id, variant, behaviour, state, thread_id, interaction_id, details,
				 failure_count, max_failures, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, j.ID, j.Variant, j.Behaviour, j.State, j.ThreadID, j.InteractionID,
			j.Details, j.MaxFailures, j.NextRunAt, j.CreatedAt, j.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsEnqueued.WithLabelValues(j.Variant, strconv.FormatBool(res.Merged)).Inc()
	return res, nil
}

func (s *Store) mergeUniqueJob(ctx context.Context, tx *sql.Tx, j *Job, existingID string, existingDetails []byte, existingNextRun int64, existingState string) error {
	switch j.Variant {
	case VariantSendReadReceipts:
		merged, err := mergeReadReceipts(existingDetails, j.Details)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET details = ?, updated_at = ? WHERE id = ?
		`, merged, j.UpdatedAt, existingID); err != nil {
			return fmt.Errorf("merge read receipts: %w", err)
		}
	case VariantExpirationUpdate:
		merged, err := mergeExpirationUpdates(existingDetails, j.Details)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET details = ?, updated_at = ? WHERE id = ?
		`, merged, j.UpdatedAt, existingID); err != nil {
			return fmt.Errorf("merge expiration updates: %w", err)
		}
	case VariantConfigurationSync:
		// A running sync owns the next slot; a pending one is pulled
		// earlier if the new request wants it sooner.
		if existingState == StateRunning {
			return nil
		}
		if existingNextRun == 0 || j.NextRunAt < existingNextRun {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ?
			`, j.NextRunAt, j.UpdatedAt, existingID); err != nil {
				return fmt.Errorf("adjust sync schedule: %w", err)
			}
		}
	case VariantDisappearingMessages:
		// Re-arm a disarmed schedule (next_run_at = 0) or pull the wake
		// earlier when a sooner expiry appeared.
		if existingState == StateRunning {
			return nil
		}
		if j.NextRunAt > 0 && (existingNextRun == 0 || j.NextRunAt < existingNextRun) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ?
			`, j.NextRunAt, j.UpdatedAt, existingID); err != nil {
				return fmt.Errorf("rearm expiry sweep: %w", err)
			}
		}
	}
	// Other unique variants: equivalent job already queued, nothing to do.
	return nil
}

// UpdateJobDetails replaces a job's payload, used when an executor shrinks a
// batch so retries only redo the failed part.
func (s *Store) UpdateJobDetails(ctx context.Context, id string, details []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET details = ?, updated_at = ? WHERE id = ?
	`, details, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job details %s: %w", id, err)
	}
	return nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, variant, behaviour, state, thread_id, interaction_id, details,
		       failure_count, max_failures, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	err := row.Scan(
		&j.ID, &j.Variant, &j.Behaviour, &j.State, &j.ThreadID, &j.InteractionID,
		&j.Details, &j.FailureCount, &j.MaxFailures, &j.NextRunAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// DueJobs returns up to limit dispatchable jobs: pending, due, and with no
// unresolved dependency edges. Disarmed recurring jobs (next_run_at = 0)
// are skipped.
func (s *Store) DueJobs(ctx context.Context, nowMs int64, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, variant, behaviour, state, thread_id, interaction_id, details,
		       failure_count, max_failures, next_run_at, last_error, created_at, updated_at
		FROM jobs
		WHERE state = ?
		  AND next_run_at <= ?
		  AND NOT (behaviour = ? AND next_run_at = 0)
		  AND NOT EXISTS (
			SELECT 1 FROM job_dependencies WHERE dependent_id = jobs.id
		  )
		ORDER BY next_run_at, created_at
		LIMIT ?
	`, StatePending, nowMs, BehaviourRecurring, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions a pending job to running. Returns false when the
// job was claimed by someone else (or deleted) in the meantime.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, StateRunning, s.now().UTC(), id, StatePending)
	if err != nil {
		return false, fmt.Errorf("mark running %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSucceeded finishes a job: run_once rows are deleted, recurring rows
// are rescheduled to nextRunAt (0 disarms). Dependency edges pointing at
// the job are released in the same transaction.
func (s *Store) MarkSucceeded(ctx context.Context, j *Job, nextRunAt int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_dependencies WHERE prerequisite_id = ?`, j.ID); err != nil {
			return fmt.Errorf("release dependents of %s: %w", j.ID, err)
		}
		if j.Behaviour == BehaviourRecurring {
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs SET state = ?, failure_count = 0, next_run_at = ?, last_error = '', updated_at = ?
				WHERE id = ?
			`, StatePending, nextRunAt, s.now().UTC(), j.ID)
			if err != nil {
				return fmt.Errorf("reschedule job %s: %w", j.ID, err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, j.ID); err != nil {
			return fmt.Errorf("delete job %s: %w", j.ID, err)
		}
		return nil
	})
}

// MarkDeferred pushes the job back to pending with a new due time, without
// counting a failure.
func (s *Store) MarkDeferred(ctx context.Context, id string, nextRunAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, next_run_at = ?, updated_at = ? WHERE id = ?
	`, StatePending, nextRunAt, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("defer job %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt. Transient failures below the retry
// budget go back to pending at nextRunAt; everything else becomes dead.
// Edges from dependents to a dead prerequisite are dropped in the same
// transaction so dependents proceed independently.
func (s *Store) MarkFailed(ctx context.Context, j *Job, errMsg string, permanent bool, nextRunAt int64) error {
	failures := j.FailureCount + 1
	exhausted := j.MaxFailures != MaxFailuresInfinite && failures > j.MaxFailures
	dead := permanent || exhausted

	return s.withTx(ctx, func(tx *sql.Tx) error {
		state := StatePending
		if dead {
			state = StateDead
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM job_dependencies WHERE prerequisite_id = ?`, j.ID); err != nil {
				return fmt.Errorf("drop edges to failed prerequisite %s: %w", j.ID, err)
			}
			nextRunAt = 0
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, failure_count = ?, next_run_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?
		`, state, failures, nextRunAt, errMsg, s.now().UTC(), j.ID)
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", j.ID, err)
		}
		return nil
	})
}

// AddDependency records that dependent must not run before prerequisite
// finishes.
func (s *Store) AddDependency(ctx context.Context, dependentID, prerequisiteID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO job_dependencies (dependent_id, prerequisite_id) VALUES (?, ?)
	`, dependentID, prerequisiteID)
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", dependentID, prerequisiteID, err)
	}
	return nil
}

// DependenciesOf returns the unresolved prerequisite ids for a job.
func (s *Store) DependenciesOf(ctx context.Context, dependentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prerequisite_id FROM job_dependencies WHERE dependent_id = ?
	`, dependentID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies of %s: %w", dependentID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequeueInFlight moves all jobs stuck in "running" back to "pending".
// Called at startup to recover work interrupted by a crash.
func (s *Store) RequeueInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?
	`, StatePending, s.now().UTC(), StateRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteDeadBefore prunes dead jobs last touched before the cutoff.
func (s *Store) DeleteDeadBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE state = ? AND updated_at < ?
	`, StateDead, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete dead jobs: %w", err)
	}
	return res.RowsAffected()
}
