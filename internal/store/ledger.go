package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog/log"

	"nexus-core/internal/models"
)

// execer is satisfied by both the pool and a transaction, so ledger writes can
// run standalone or inside a job transition.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// reserveInTx atomically checks and decrements the org balance, then appends
// the deduction transaction referencing jobID. Zero rows on the conditional
// update means the balance was short; nothing is written on that path.
func reserveInTx(ctx context.Context, q execer, orgID string, amount int64, jobID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE org_credits SET balance = balance - $2, updated_at = NOW()
		WHERE org_id = $1 AND balance >= $2
	`, orgID, amount)
	if err != nil {
		return fmt.Errorf("reserve credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	_, err = q.Exec(ctx, `
		INSERT INTO credit_transactions (id, org_id, job_id, type, amount, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), orgID, jobID, models.TxDeduction, amount, "reserved at job creation")
	if err != nil {
		return fmt.Errorf("insert deduction: %w", err)
	}
	return nil
}

// refundInTx issues an idempotent refund. The refund row is inserted first,
// guarded by the unique (job_id, type) index; the balance moves only when the
// insert actually landed. Returns whether a refund was applied.
func refundInTx(ctx context.Context, q execer, orgID string, amount int64, jobID string) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO credit_transactions (id, org_id, job_id, type, amount, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, type) WHERE job_id IS NOT NULL DO NOTHING
	`, uuid.New().String(), orgID, jobID, models.TxRefund, amount, "refund for failed job")
	if err != nil {
		return false, fmt.Errorf("insert refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate refund attempt: a no-op, not an error.
		log.Info().Str("job_id", jobID).Str("org_id", orgID).Msg("refund already issued, skipping")
		return false, nil
	}
	if _, err := q.Exec(ctx, `
		UPDATE org_credits SET balance = balance + $2, updated_at = NOW() WHERE org_id = $1
	`, orgID, amount); err != nil {
		return false, fmt.Errorf("apply refund: %w", err)
	}
	return true, nil
}

// Refund credits for a failed job. Safe to invoke any number of times for the
// same job_id; only the first call moves the balance.
func (s *Store) Refund(ctx context.Context, orgID string, amount int64, jobID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := refundInTx(ctx, tx, orgID, amount, jobID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Balance returns the org's credit balance, zero when no account exists yet.
func (s *Store) Balance(ctx context.Context, orgID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
		SELECT balance FROM org_credits WHERE org_id = $1
	`, orgID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// TopUp adds credits to an org, creating the account on first use. The grant
// is recorded as a topup transaction in the same unit of work.
func (s *Store) TopUp(ctx context.Context, orgID string, amount int64, description string) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
		INSERT INTO org_credits (org_id, balance) VALUES ($1, $2)
		ON CONFLICT (org_id) DO UPDATE SET balance = org_credits.balance + $2, updated_at = NOW()
		RETURNING balance
	`, orgID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("top up balance: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, org_id, job_id, type, amount, description)
		VALUES ($1, $2, NULL, $3, $4, $5)
	`, uuid.New().String(), orgID, models.TxTopUp, amount, description)
	if err != nil {
		return 0, fmt.Errorf("insert topup: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return balance, nil
}

// Transactions lists the most recent ledger entries for an org.
func (s *Store) Transactions(ctx context.Context, orgID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, org_id, job_id, type, amount, description, created_at
		FROM credit_transactions WHERE org_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var jobID pgtype.Text
		var createdAt time.Time
		if err := rows.Scan(&t.ID, &t.OrgID, &jobID, &t.Type, &t.Amount, &t.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.JobID = textPtr(jobID)
		t.CreatedAt = createdAt
		out = append(out, t)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
