// small contract description
// inputs: job table rows, handlers map
// outputs: job status updates, dead-letter moves on permanent failure
// error modes: db errors, handler errors
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/chainlance/internal/db"
)

type Repository struct {
	db *db.DB
}

func NewRepository(d *db.DB) *Repository { return &Repository{db: d} }

// Enqueue inserts a job into the jobs table and returns the new ID
func (r *Repository) Enqueue(ctx context.Context, j *Job) (int64, error) {
	payload := string(j.Payload)
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	now := time.Now().UTC().Unix()
	q := `INSERT INTO jobs(type, payload, status, attempts, max_attempts, priority, scheduled_at, created, updated) VALUES(?,?,?,?,?,?,?,?,?)`
	res, err := r.db.Exec(ctx, q, j.Type, payload, StatusQueued, j.Attempts, j.MaxAttempts, j.Priority, j.ScheduledAt.UTC().Unix(), now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue failed: %w", err)
	}
	return res.LastInsertId()
}

// HasPending reports whether a job of typ with exactly this payload is queued
// or running.
func (r *Repository) HasPending(ctx context.Context, typ string, payload json.RawMessage) (bool, error) {
	var n int
	q := `SELECT COUNT(1) FROM jobs WHERE type = ? AND payload = ? AND status IN ('queued', 'retry', 'running')`
	if err := r.db.QueryRow(ctx, q, typ, string(payload)).Scan(&n); err != nil {
		return false, fmt.Errorf("count pending jobs: %w", err)
	}
	return n > 0, nil
}

// FetchNext claims the next available job respecting priority and schedule.
// A claimed job is marked running so no other worker picks it up.
func (r *Repository) FetchNext(ctx context.Context) (*Job, error) {
	q := `SELECT id, type, payload, status, attempts, max_attempts, priority, scheduled_at, next_try_at, last_error, created, updated FROM jobs WHERE (status = 'queued' OR status = 'retry') AND (next_try_at IS NULL OR next_try_at <= ?) AND scheduled_at <= ? ORDER BY priority ASC, scheduled_at ASC, id ASC LIMIT 1`
	var out *Job
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Unix()
		var (
			j           Job
			payload     sql.NullString
			scheduledAt int64
			nextTry     sql.NullInt64
			lastError   sql.NullString
			created     int64
			updated     int64
		)
		err := tx.QueryRowContext(ctx, q, now, now).Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Priority, &scheduledAt, &nextTry, &lastError, &created, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated = ? WHERE id = ?`, StatusRunning, now, j.ID); err != nil {
			return err
		}
		j.Status = StatusRunning
		j.ScheduledAt = time.Unix(scheduledAt, 0)
		j.Created = time.Unix(created, 0)
		j.Updated = time.Unix(now, 0)
		if payload.Valid {
			j.Payload = json.RawMessage(payload.String)
		}
		if nextTry.Valid {
			t := time.Unix(nextTry.Int64, 0)
			j.NextTryAt = &t
		}
		if lastError.Valid {
			j.LastError = lastError.String
		}
		out = &j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch next job: %w", err)
	}
	return out, nil
}

// RequeueRunning puts jobs left running by a previous process back in the
// queue.
func (r *Repository) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := r.db.Exec(ctx, `UPDATE jobs SET status = 'retry', updated = ? WHERE status = 'running'`, time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	return res.RowsAffected()
}

// UpdateJob updates attempts, status, next_try_at, last_error
func (r *Repository) UpdateJob(ctx context.Context, j *Job) error {
	var nextTry any
	if j.NextTryAt != nil {
		nextTry = j.NextTryAt.Unix()
	}
	q := `UPDATE jobs SET status = ?, attempts = ?, next_try_at = ?, last_error = ?, updated = ? WHERE id = ?`
	_, err := r.db.Exec(ctx, q, j.Status, j.Attempts, nextTry, j.LastError, time.Now().UTC().Unix(), j.ID)
	return err
}

// PurgeDone deletes finished jobs last updated before cutoff.
func (r *Repository) PurgeDone(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(ctx, `DELETE FROM jobs WHERE status = 'done' AND updated < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// MoveToDeadLetter moves a job to dead_letter_jobs and deletes the original
func (r *Repository) MoveToDeadLetter(ctx context.Context, j *Job) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		insert := `INSERT INTO dead_letter_jobs(job_id, type, payload, attempts, last_error, failed_at) VALUES(?,?,?,?,?,?)`
		if _, err := tx.ExecContext(ctx, insert, j.ID, j.Type, string(j.Payload), j.Attempts, j.LastError, time.Now().UTC().Unix()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, j.ID)
		return err
	})
}

// DeadLetters lists dead-lettered jobs, newest first.
func (r *Repository) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryRows(ctx, `SELECT id, job_id, type, payload, attempts, last_error, failed_at FROM dead_letter_jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		var (
			d         DeadLetter
			payload   sql.NullString
			lastError sql.NullString
			failedAt  int64
		)
		if err := rows.Scan(&d.ID, &d.JobID, &d.Type, &payload, &d.Attempts, &lastError, &failedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			d.Payload = json.RawMessage(payload.String)
		}
		d.LastError = lastError.String
		d.FailedAt = time.Unix(failedAt, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}
