package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
)

// Jobs queries. A job is identified by (name, arg); scheduling it again while it is still queued
// keeps a single row and moves it to the earlier run time. A job waiting out a retry backoff
// keeps its run time and attempts. version changes on every write so a runner only deletes the
// exact row state it executed.
const (
	sqlScheduleJob = `INSERT INTO jobs(id, name, arg, run_at, attempts, backoff, version, created_at) VALUES (?, ?, ?, ?, 0, 0, 0, ?)
						ON CONFLICT(name, arg) DO UPDATE SET
							run_at = CASE WHEN backoff = 1 THEN run_at ELSE MIN(run_at, excluded.run_at) END,
							attempts = CASE WHEN backoff = 1 THEN attempts ELSE 0 END,
							version = version + 1`
	sqlSelectDueJobs = `SELECT id, name, arg, run_at, attempts, version FROM jobs WHERE run_at <= ? ORDER BY run_at LIMIT ?`
	sqlSelectJobs    = `SELECT id, name, arg, run_at, attempts, version FROM jobs WHERE name = ? ORDER BY run_at`
	sqlClaimJob      = `UPDATE jobs SET run_at = ?, attempts = attempts + 1, backoff = 0, version = version + 1 WHERE id = ? AND version = ?`
	sqlCompleteJob   = `DELETE FROM jobs WHERE id = ? AND version = ?`
	sqlRescheduleJob = `UPDATE jobs SET run_at = ?, backoff = 1 WHERE id = ? AND version = ?`
	sqlDropJob       = `DELETE FROM jobs WHERE id = ?`
)

// QueuedJob is a job row together with the version it was read at.
type QueuedJob struct {
	domain.Job
	Version int64
}

// ScheduleJob queues name(arg) to run at or after at. Duplicates collapse into one row.
func (db *DB) ScheduleJob(ctx context.Context, name, arg string, at time.Time) error {
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlScheduleJob, uuid.New(), name, arg, at.Unix(), db.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule job %s(%s): %w", name, arg, err)
	}
	return nil
}

// ReadDueJobs returns at most limit jobs whose run time is not after now.
func (db *DB) ReadDueJobs(ctx context.Context, now time.Time, limit int) ([]QueuedJob, error) {
	return db.queryJobs(ctx, sqlSelectDueJobs, now.Unix(), limit)
}

// ReadJobs lists queued jobs with the given name.
func (db *DB) ReadJobs(ctx context.Context, name string) ([]QueuedJob, error) {
	return db.queryJobs(ctx, sqlSelectJobs, name)
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...any) ([]QueuedJob, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	defer rows.Close()

	var jobs []QueuedJob
	for rows.Next() {
		var j QueuedJob
		var runAt int64
		if err := rows.Scan(&j.Id, &j.Name, &j.Arg, &runAt, &j.Attempts, &j.Version); err != nil {
			return nil, err
		}
		j.RunAt = time.Unix(runAt, 0).UTC()
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimJob leases a job until the given time so other runner ticks skip it. It returns the
// claimed row, or false when the row changed since it was read.
func (db *DB) ClaimJob(ctx context.Context, j QueuedJob, leaseUntil time.Time) (QueuedJob, bool, error) {
	var claimed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlClaimJob, leaseUntil.Unix(), j.Id, j.Version)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
		return nil
	})
	if err != nil || !claimed {
		return j, false, err
	}
	j.Version++
	j.Attempts++
	j.RunAt = leaseUntil.UTC()
	return j, true, nil
}

// CompleteJob removes a finished job unless it was rescheduled while running.
func (db *DB) CompleteJob(ctx context.Context, j QueuedJob) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlCompleteJob, j.Id, j.Version)
		return err
	})
}

// RetryJob moves a failed job to a later run time unless it was rescheduled while running.
// Until it runs again, ScheduleJob neither resets its attempts nor pulls it forward.
func (db *DB) RetryJob(ctx context.Context, j QueuedJob, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlRescheduleJob, at.Unix(), j.Id, j.Version)
		return err
	})
}

// DropJob removes a job regardless of its version.
func (db *DB) DropJob(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDropJob, id)
		return err
	})
}
