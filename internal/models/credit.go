package models

import "time"

// Credit transaction types. Deduction and refund reference a job; topup does not.
const (
	TxDeduction = "deduction"
	TxRefund    = "refund"
	TxTopUp     = "topup"
)

// CreditAccount is the per-org balance row. Balance is always the sum of the
// transaction log for the org; it is never mutated without a transaction row.
type CreditAccount struct {
	OrgID     string    `json:"org_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is an append-only ledger entry. At most one deduction and
// one refund may exist per job_id, enforced by a unique index.
type CreditTransaction struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	JobID       *string   `json:"job_id,omitempty"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
