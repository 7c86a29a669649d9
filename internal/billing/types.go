// Package billing implements the transactional core of the site's paid
// tools: atomic debit and refund of per-user credit balances, idempotent
// request handling, and two-phase billing for streamed operations.
//
// Every grain of money that moves through the site flows through this
// package. One credit equals one cent. Balances are minted only by the
// external top-up path (payment processor webhook or admin CLI) and spent
// only through the debit operations here.
//
// Thread safety: all methods are safe for concurrent use. Correctness under
// concurrent debits against the same account comes from the store's
// transactional discipline, not from in-process locking; there is no shared
// mutable state in this layer.
package billing

import "time"

// UsageStatus is the lifecycle state of a UsageRecord.
//
// Transitions: PENDING -> SUCCESS, PENDING -> FAILED,
// {SUCCESS, FAILED} -> REFUNDED. REFUNDED is terminal and single-use.
type UsageStatus string

const (
	StatusPending  UsageStatus = "PENDING"
	StatusSuccess  UsageStatus = "SUCCESS"
	StatusFailed   UsageStatus = "FAILED"
	StatusRefunded UsageStatus = "REFUNDED"
)

// Account holds one user's credit balance and lifetime counters.
//
// BalanceCredits never goes negative; every mutation happens inside a store
// transaction. Created lazily on the first debit attempt. Refunds increment
// LifetimeRefundedCredits rather than decrementing LifetimeSpentCredits, so
// both lifetime counters stay monotonic for auditing.
type Account struct {
	UID                      string    `json:"uid"`
	Email                    string    `json:"email,omitempty"`
	BalanceCredits           int64     `json:"balance_credits"`
	LifetimePurchasedCredits int64     `json:"lifetime_purchased_credits"`
	LifetimeSpentCredits     int64     `json:"lifetime_spent_credits"`
	LifetimeRefundedCredits  int64     `json:"lifetime_refunded_credits"`
	LifetimeCostToUsCents    int64     `json:"lifetime_cost_to_us_cents"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// UsageRecord is one billable attempt. Records are append-only: finalize and
// refund mutate status fields but records are never deleted.
type UsageRecord struct {
	ID             string      `json:"id"`
	UID            string      `json:"uid"`
	ToolKey        string      `json:"tool_key"`
	IdempotencyKey string      `json:"idempotency_key"`
	CreditsCharged int64       `json:"credits_charged"`
	BalanceAfter   int64       `json:"balance_after"`
	Status         UsageStatus `json:"status"`
	ExternalJobID  string      `json:"external_job_id,omitempty"`
	RefundReason   string      `json:"refund_reason,omitempty"`

	// Actual usage metrics recorded at finalization of streamed operations.
	PromptTokens     int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens int64 `json:"completion_tokens,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// idemIndex maps a caller-supplied idempotency key to the usage record it
// produced. Created in the same transaction as the debit, so the
// check-and-create is race-free.
type idemIndex struct {
	UsageID string `json:"usage_id"`
}

// DebitRequest carries the inputs of a debit. Identity is assumed verified
// upstream; this layer trusts UID and Email.
type DebitRequest struct {
	UID            string
	Email          string
	ToolKey        string
	IdempotencyKey string
}

// DebitResult is the outcome of a successful (or replayed) debit.
type DebitResult struct {
	UsageID        string `json:"usage_id"`
	CreditsCharged int64  `json:"credits_charged"`
	BalanceAfter   int64  `json:"balance_after"`
}

// FinalizeMetrics carries actual usage counts reported when a streamed
// operation completes.
type FinalizeMetrics struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}
