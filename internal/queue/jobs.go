package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailtriage/pkg/models"
)

// ErrNotFound is returned when a job does not exist
var ErrNotFound = errors.New("job not found")

// Enqueue inserts a pending job for (account, transport message id)
// unless the pair was already processed or a job for it already exists.
// Returns true only when a new job was actually created; false is a
// no-op with no side effects.
func (s *Store) Enqueue(ctx context.Context, accountName, transportMessageID, remoteMessageID, sender, subject, bodyPreview string) (bool, error) {
	processed, err := s.IsProcessed(ctx, accountName, transportMessageID)
	if err != nil {
		return false, err
	}
	if processed {
		return false, nil
	}

	query := `
		INSERT OR IGNORE INTO jobs (account_name, transport_message_id, remote_message_id, sender, subject, body_preview, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.ExecContext(ctx, query,
		accountName,
		transportMessageID,
		remoteMessageID,
		sender,
		subject,
		bodyPreview,
		models.JobPending,
		time.Now(),
	)
	if err != nil {
		return false, storeErr("enqueue job", err)
	}

	// Zero rows affected means the UNIQUE constraint ignored a duplicate.
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("enqueue job", err)
	}
	return rowsAffected > 0, nil
}

// IsProcessed is the authoritative idempotency check: true when the
// ledger already has a record for (account, transport message id).
func (s *Store) IsProcessed(ctx context.Context, accountName, transportMessageID string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM processed_records WHERE account_name = ? AND transport_message_id = ?`
	if err := s.GetContext(ctx, &count, query, accountName, transportMessageID); err != nil {
		return false, storeErr("check processed record", err)
	}
	return count > 0, nil
}

// DequeuePending returns pending jobs with retries left, oldest first.
// It does not mutate state; callers must MarkProcessing each job they
// pick up. An empty accountName selects across all accounts.
func (s *Store) DequeuePending(ctx context.Context, accountName string, limit, maxRetries int) ([]*models.Job, error) {
	var jobs []*models.Job
	var err error

	if accountName == "" {
		query := `
			SELECT * FROM jobs
			WHERE status = ? AND retry_count < ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`
		err = s.SelectContext(ctx, &jobs, query, models.JobPending, maxRetries, limit)
	} else {
		query := `
			SELECT * FROM jobs
			WHERE account_name = ? AND status = ? AND retry_count < ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`
		err = s.SelectContext(ctx, &jobs, query, accountName, models.JobPending, maxRetries, limit)
	}
	if err != nil {
		return nil, storeErr("dequeue pending jobs", err)
	}
	return jobs, nil
}

// UpdatePreview replaces the stored body preview once the decoded
// message content is available.
func (s *Store) UpdatePreview(ctx context.Context, id int64, preview string) error {
	if _, err := s.ExecContext(ctx, `UPDATE jobs SET body_preview = ? WHERE id = ?`, preview, id); err != nil {
		return storeErr("update job preview", err)
	}
	return nil
}

// MarkProcessing transitions a pending job to processing.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	query := `UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`
	result, err := s.ExecContext(ctx, query, models.JobProcessing, time.Now(), id, models.JobPending)
	if err != nil {
		return storeErr("mark job processing", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("mark job processing", err)
	}
	if rows == 0 {
		return fmt.Errorf("mark job processing: job %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkCompleted finishes a job and, in the same transaction, writes its
// permanent ledger record. The ledger write and the status change are
// atomic: a crash leaves either both or neither.
func (s *Store) MarkCompleted(ctx context.Context, id int64, resultSummary, action, category string) error {
	tx, err := s.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("mark job completed", err)
	}
	defer tx.Rollback()

	now := time.Now()

	var job models.Job
	if err := tx.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark job completed: job %d: %w", id, ErrNotFound)
		}
		return storeErr("mark job completed", err)
	}

	updateQuery := `UPDATE jobs SET status = ?, completed_at = ?, result_summary = ?, last_error = '' WHERE id = ?`
	if _, err := tx.ExecContext(ctx, updateQuery, models.JobCompleted, now, resultSummary, id); err != nil {
		return storeErr("mark job completed", err)
	}

	ledgerQuery := `
		INSERT OR IGNORE INTO processed_records (account_name, transport_message_id, action, category, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, ledgerQuery, job.AccountName, job.TransportMessageID, action, category, now); err != nil {
		return storeErr("mark job completed", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("mark job completed", err)
	}
	return nil
}

// MarkFailed records a job failure. The job returns to pending until
// maxRetries is exhausted, after which it stays failed and is excluded
// from future dequeues.
func (s *Store) MarkFailed(ctx context.Context, id int64, jobErr string, maxRetries int) error {
	query := `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    started_at = NULL,
		    status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END
		WHERE id = ?
	`
	if _, err := s.ExecContext(ctx, query, jobErr, maxRetries, models.JobFailed, models.JobPending, id); err != nil {
		return storeErr("mark job failed", err)
	}
	return nil
}

// MarkFailedPermanent puts a job directly into the failed state with no
// further retries. Used for terminal per-job failures, e.g. when the
// referenced message vanished from the mailbox.
func (s *Store) MarkFailedPermanent(ctx context.Context, id int64, jobErr string) error {
	query := `UPDATE jobs SET status = ?, last_error = ?, started_at = NULL WHERE id = ?`
	if _, err := s.ExecContext(ctx, query, models.JobFailed, jobErr, id); err != nil {
		return storeErr("mark job failed", err)
	}
	return nil
}

// RecoverStuck resets jobs that have sat in processing longer than the
// grace window back to pending. This is a required startup step: it is
// what makes a crash between MarkProcessing and MarkCompleted
// recoverable.
func (s *Store) RecoverStuck(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().Add(-grace)
	query := `UPDATE jobs SET status = ?, started_at = NULL WHERE status = ? AND started_at < ?`
	result, err := s.ExecContext(ctx, query, models.JobPending, models.JobProcessing, cutoff)
	if err != nil {
		return 0, storeErr("recover stuck jobs", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("recover stuck jobs", err)
	}
	return rows, nil
}

// GetJob returns a job by ID
func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	err := s.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return &job, nil
}

// CountJobsByStatus returns per-status job counts for an account. An
// empty accountName counts across all accounts.
func (s *Store) CountJobsByStatus(ctx context.Context, accountName string) (map[models.JobStatus]int, error) {
	type row struct {
		Status models.JobStatus `db:"status"`
		Count  int              `db:"count"`
	}

	var rows []row
	var err error
	if accountName == "" {
		err = s.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`)
	} else {
		err = s.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM jobs WHERE account_name = ? GROUP BY status`, accountName)
	}
	if err != nil {
		return nil, storeErr("count jobs", err)
	}

	counts := make(map[models.JobStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
