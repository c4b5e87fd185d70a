package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"nexus-core/internal/models"
)

const jobColumns = `id, org_id, user_id, job_type, status, input, output, error_message,
	attempt_count, max_retries, cost, cache_key, next_attempt_at, created_at, started_at, completed_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OrgID      string
	UserID     string
	Type       string
	Input      map[string]any
	Cost       int64
	MaxRetries int
	CacheKey   string
}

// CreateJob reserves credits and inserts the pending job as one atomic unit:
// either the job, its deduction row, and the balance decrement all commit, or
// none do. Insufficient balance surfaces as ErrInsufficientCredits with no
// state changes.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal input: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	if err := reserveInTx(ctx, tx, p.OrgID, p.Cost, id); err != nil {
		return models.Job{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, org_id, user_id, job_type, status, input, attempt_count, max_retries, cost, cache_key, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
	`, id, p.OrgID, p.UserID, p.Type, models.StatusPending, inputJSON, p.MaxRetries, p.Cost, p.CacheKey, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:            id,
		OrgID:         p.OrgID,
		UserID:        p.UserID,
		Type:          p.Type,
		Status:        models.StatusPending,
		Input:         p.Input,
		AttemptCount:  0,
		MaxRetries:    p.MaxRetries,
		Cost:          p.Cost,
		CacheKey:      p.CacheKey,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobForOrg fetches a job scoped to the requesting org. Cross-tenant
// lookups behave exactly like a missing job.
func (s *Store) GetJobForOrg(ctx context.Context, id, orgID string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND org_id = $2`, id, orgID)
	return scanJob(row)
}

// ListJobs returns the org's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, orgID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims the oldest eligible pending job, transitioning
// it to running. SKIP LOCKED keeps concurrent workers off the same row;
// next_attempt_at gates retry eligibility so nobody sleeps holding a slot.
func (s *Store) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE jobs SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2 AND next_attempt_at <= NOW()
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, models.StatusRunning, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ExpiredRunning lists running jobs whose lease lapsed: claimed before cutoff
// and never reported back. These are orphans of a dead worker; the reclaim
// loop returns them to the state machine.
func (s *Store) ExpiredRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at LIMIT $3
	`, models.StatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired running: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimJob is the compare-and-set form: pending -> running for a specific id.
// Exactly one of two racing callers succeeds; the loser gets ErrAlreadyClaimed.
func (s *Store) ClaimJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns, id, models.StatusRunning, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, ErrAlreadyClaimed
	}
	return job, err
}

// CompleteJob transitions running -> completed, recording output and writing
// the webhook outbox event in the same transaction. No ledger action: the
// reservation was consumed at creation.
func (s *Store) CompleteJob(ctx context.Context, job models.Job, output map[string]any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, output = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, job.ID, models.StatusCompleted, outputJSON, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", job.ID, ErrNotFound)
	}

	if err := insertOutboxEvent(ctx, tx, job, models.StatusCompleted, output, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RetryJob transitions running -> pending for another attempt, recording the
// error and deferring eligibility until nextAttemptAt. The status guard keeps
// a stale worker from reopening a job that already reached a terminal state.
func (s *Store) RetryJob(ctx context.Context, id string, attemptCount int, nextAttemptAt time.Time, errMsg string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = $2, attempt_count = $3, next_attempt_at = $4, error_message = $5
		WHERE id = $1 AND status = $6
	`, id, models.StatusPending, attemptCount, nextAttemptAt, errMsg, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry job %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailJob transitions running -> failed, issues the idempotent refund, and
// writes the outbox event, all in one transaction. Crash-and-retry of this
// path cannot double-refund: the refund insert is guarded by the ledger's
// unique index.
func (s *Store) FailJob(ctx context.Context, job models.Job, attemptCount int, errMsg string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, attempt_count = $3, error_message = $4, completed_at = NOW()
		WHERE id = $1 AND status = $5
	`, job.ID, models.StatusFailed, attemptCount, errMsg, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal or requeued; no refund, no event.
		return fmt.Errorf("fail job %s: %w", job.ID, ErrNotFound)
	}

	if _, err := refundInTx(ctx, tx, job.OrgID, job.Cost, job.ID); err != nil {
		return err
	}
	if err := insertOutboxEvent(ctx, tx, job, models.StatusFailed, nil, errMsg); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// webhookPayload is the canonical notification body delivered to endpoints.
type webhookPayload struct {
	JobID  string         `json:"job_id"`
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func insertOutboxEvent(ctx context.Context, q execer, job models.Job, status string, output map[string]any, errMsg string) error {
	payload, err := json.Marshal(webhookPayload{
		JobID:  job.ID,
		Status: status,
		Output: output,
		Error:  errMsg,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO webhook_events (id, job_id, org_id, job_status, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), job.ID, job.OrgID, status, payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var inputJSON []byte
	var outputJSON []byte
	var errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.OrgID, &job.UserID, &job.Type, &job.Status,
		&inputJSON, &outputJSON, &errMsg, &job.AttemptCount, &job.MaxRetries,
		&job.Cost, &job.CacheKey, &job.NextAttemptAt, &job.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &job.Output); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(completedAt)
	return job, nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
