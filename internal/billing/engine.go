package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dweinbeck/brandsite/internal/metrics"
	"github.com/dweinbeck/brandsite/internal/pricing"
	"github.com/dweinbeck/brandsite/internal/store"
)

// BalanceMirror receives best-effort balance updates after committed
// mutations. Implemented by the Redis cache; nil disables mirroring.
type BalanceMirror interface {
	SetBalance(ctx context.Context, uid string, balance int64) error
}

// Options tunes an Engine. Zero value is production defaults.
type Options struct {
	// Mirror, when non-nil, is updated after every committed balance change.
	Mirror BalanceMirror

	// Now overrides the clock in tests.
	Now func() time.Time

	// NewID overrides usage id generation in tests.
	NewID func() string
}

// Engine is the transactional debit/refund core.
//
// Every operation runs its invariant-sensitive reads and writes inside one
// store transaction. The transaction function carries no external side
// effects; logging, metrics, and cache mirroring happen after commit.
type Engine struct {
	store   store.Store
	pricing *pricing.Registry
	mirror  BalanceMirror
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
}

// NewEngine creates an Engine over the given store and pricing registry.
func NewEngine(s store.Store, reg *pricing.Registry, logger zerolog.Logger, opts Options) *Engine {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	idFn := opts.NewID
	if idFn == nil {
		idFn = func() string { return uuid.New().String() }
	}
	return &Engine{
		store:   s,
		pricing: reg,
		mirror:  opts.Mirror,
		now:     nowFn,
		newID:   idFn,
		log:     logger.With().Str("component", "billing_engine").Logger(),
	}
}

// DebitForToolUse charges one use of a simple (non-streaming) tool. The
// usage record is written as SUCCESS immediately.
//
// Retried requests with the same (uid, toolKey, idempotencyKey) return the
// first call's result unchanged: no new debit, no new record. A dropped HTTP
// response after a committed debit is therefore safe to retry.
func (e *Engine) DebitForToolUse(ctx context.Context, req DebitRequest) (DebitResult, error) {
	return e.debit(ctx, req, StatusSuccess)
}

// OpenResearchDebit charges the estimated cost of a streamed operation and
// opens the usage record as PENDING. The caller must invoke
// FinalizeResearchBilling once the stream completes or errors; records left
// PENDING are reconciled externally, never auto-reversed here.
func (e *Engine) OpenResearchDebit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	return e.debit(ctx, req, StatusPending)
}

func (e *Engine) debit(ctx context.Context, req DebitRequest, status UsageStatus) (DebitResult, error) {
	if req.UID == "" || req.ToolKey == "" || req.IdempotencyKey == "" {
		return DebitResult{}, fmt.Errorf("%w: uid, tool_key, and idempotency_key are required", ErrValidation)
	}

	var (
		result   DebitResult
		replayed bool
	)

	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		result, replayed = DebitResult{}, false

		// Idempotency check first. The index document lives in the same
		// transaction as the debit, so check-and-create is race-free.
		var idx idemIndex
		err := tx.Get(IdemKey(req.UID, req.ToolKey, req.IdempotencyKey), &idx)
		if err == nil {
			var prior UsageRecord
			if err := tx.Get(UsageKey(idx.UsageID), &prior); err != nil {
				return fmt.Errorf("idempotency index points at missing record %s: %w", idx.UsageID, err)
			}
			result = DebitResult{
				UsageID:        prior.ID,
				CreditsCharged: prior.CreditsCharged,
				BalanceAfter:   prior.BalanceAfter,
			}
			replayed = true
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		price, err := e.pricing.GetActive(tx, req.ToolKey)
		if err != nil {
			if errors.Is(err, pricing.ErrNotFound) || errors.Is(err, pricing.ErrInactive) {
				return fmt.Errorf("%w: %s", ErrUnknownTool, req.ToolKey)
			}
			return err
		}

		now := e.now().UTC()
		acct, err := e.loadOrInitAccount(tx, req.UID, req.Email, now)
		if err != nil {
			return err
		}

		if acct.BalanceCredits < price.CreditsPerUse {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, price.CreditsPerUse, acct.BalanceCredits)
		}

		acct.BalanceCredits -= price.CreditsPerUse
		acct.LifetimeSpentCredits += price.CreditsPerUse
		acct.LifetimeCostToUsCents += price.CostToUsCentsEstimate
		acct.UpdatedAt = now

		rec := UsageRecord{
			ID:             e.newID(),
			UID:            req.UID,
			ToolKey:        req.ToolKey,
			IdempotencyKey: req.IdempotencyKey,
			CreditsCharged: price.CreditsPerUse,
			BalanceAfter:   acct.BalanceCredits,
			Status:         status,
			CreatedAt:      now,
		}

		if err := tx.Set(AccountKey(req.UID), acct); err != nil {
			return err
		}
		if err := tx.Create(UsageKey(rec.ID), rec); err != nil {
			return err
		}
		if err := tx.Create(IdemKey(req.UID, req.ToolKey, req.IdempotencyKey), idemIndex{UsageID: rec.ID}); err != nil {
			return err
		}
		if err := tx.Set(UserUsageIndexKey(req.UID, now, rec.ID), idemIndex{UsageID: rec.ID}); err != nil {
			return err
		}

		result = DebitResult{
			UsageID:        rec.ID,
			CreditsCharged: rec.CreditsCharged,
			BalanceAfter:   rec.BalanceAfter,
		}
		return nil
	})

	if err != nil {
		e.countDebitFailure(req.ToolKey, err)
		return DebitResult{}, err
	}

	if replayed {
		metrics.DebitsTotal.WithLabelValues(req.ToolKey, "replayed").Inc()
		e.log.Debug().
			Str("uid", req.UID).
			Str("tool_key", req.ToolKey).
			Str("idempotency_key", req.IdempotencyKey).
			Str("usage_id", result.UsageID).
			Msg("debit replayed from idempotency index")
		return result, nil
	}

	metrics.DebitsTotal.WithLabelValues(req.ToolKey, "success").Inc()
	metrics.CreditsSpentTotal.Add(float64(result.CreditsCharged))
	e.mirrorBalance(ctx, req.UID, result.BalanceAfter)

	e.log.Info().
		Str("uid", req.UID).
		Str("tool_key", req.ToolKey).
		Str("usage_id", result.UsageID).
		Str("status", string(status)).
		Int64("credits_charged", result.CreditsCharged).
		Int64("balance_after", result.BalanceAfter).
		Msg("debit committed")

	return result, nil
}

// RefundUsage reverses exactly one debit: the owning account regains
// CreditsCharged and the record becomes REFUNDED. Idempotent: refunding an
// already-refunded record is a no-op, and a missing record is soft.
//
// This is the caller's explicit remedy when a debited action failed to
// execute (for example the metered job never reached the provider). It is
// deliberately not invoked by FinalizeResearchBilling on FAILED.
func (e *Engine) RefundUsage(ctx context.Context, usageID, reason string) error {
	if usageID == "" {
		return fmt.Errorf("%w: usage_id is required", ErrValidation)
	}

	var (
		rec     UsageRecord
		balance int64
		noop    bool
	)

	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		noop = false
		if err := tx.Get(UsageKey(usageID), &rec); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUsageNotFound, usageID)
			}
			return err
		}
		if rec.Status == StatusRefunded {
			noop = true
			return nil
		}

		var acct Account
		if err := tx.Get(AccountKey(rec.UID), &acct); err != nil {
			return fmt.Errorf("account for usage %s: %w", usageID, err)
		}

		now := e.now().UTC()
		acct.BalanceCredits += rec.CreditsCharged
		acct.LifetimeRefundedCredits += rec.CreditsCharged
		acct.UpdatedAt = now

		rec.Status = StatusRefunded
		rec.RefundReason = reason
		if rec.FinalizedAt == nil {
			rec.FinalizedAt = &now
		}

		if err := tx.Set(AccountKey(rec.UID), acct); err != nil {
			return err
		}
		if err := tx.Set(UsageKey(rec.ID), rec); err != nil {
			return err
		}
		balance = acct.BalanceCredits
		return nil
	})

	if errors.Is(err, ErrUsageNotFound) {
		e.log.Warn().Str("usage_id", usageID).Msg("refund for unknown usage record, ignoring")
		return nil
	}
	if err != nil {
		return err
	}
	if noop {
		e.log.Debug().Str("usage_id", usageID).Msg("usage already refunded, no-op")
		return nil
	}

	metrics.RefundsTotal.WithLabelValues(rec.ToolKey).Inc()
	e.mirrorBalance(ctx, rec.UID, balance)

	e.log.Info().
		Str("uid", rec.UID).
		Str("usage_id", usageID).
		Str("tool_key", rec.ToolKey).
		Int64("credits_refunded", rec.CreditsCharged).
		Str("reason", reason).
		Msg("usage refunded")

	return nil
}

// MarkUsageSucceeded attaches a downstream correlation id and promotes a
// PENDING record to SUCCESS. Credits are untouched. Missing records are
// soft; refunded or failed records are left alone.
func (e *Engine) MarkUsageSucceeded(ctx context.Context, usageID, externalJobID string) error {
	if usageID == "" {
		return fmt.Errorf("%w: usage_id is required", ErrValidation)
	}

	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		var rec UsageRecord
		if err := tx.Get(UsageKey(usageID), &rec); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUsageNotFound, usageID)
			}
			return err
		}

		switch rec.Status {
		case StatusPending:
			now := e.now().UTC()
			rec.Status = StatusSuccess
			rec.FinalizedAt = &now
		case StatusSuccess:
			if rec.ExternalJobID == externalJobID {
				return nil
			}
		default:
			// Refunded or failed records keep their state.
			return nil
		}

		if externalJobID != "" {
			rec.ExternalJobID = externalJobID
		}
		return tx.Set(UsageKey(rec.ID), rec)
	})

	if errors.Is(err, ErrUsageNotFound) {
		e.log.Warn().Str("usage_id", usageID).Msg("mark-succeeded for unknown usage record, ignoring")
		return nil
	}
	return err
}

// FinalizeResearchBilling closes out a PENDING two-phase record with the
// stream's terminal status and actual usage metrics.
//
// FAILED finalization does not refund: the user paid for an attempt, and
// reversing that is a separate, explicit RefundUsage decision. Finalizing a
// record that is already terminal is a no-op.
func (e *Engine) FinalizeResearchBilling(ctx context.Context, usageID string, status UsageStatus, m FinalizeMetrics) error {
	if usageID == "" {
		return fmt.Errorf("%w: usage_id is required", ErrValidation)
	}
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("%w: finalize status must be SUCCESS or FAILED, got %q", ErrValidation, status)
	}

	var finalized bool

	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		finalized = false

		var rec UsageRecord
		if err := tx.Get(UsageKey(usageID), &rec); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUsageNotFound, usageID)
			}
			return err
		}

		if rec.Status != StatusPending {
			return nil
		}

		now := e.now().UTC()
		rec.Status = status
		rec.FinalizedAt = &now
		rec.PromptTokens = m.PromptTokens
		rec.CompletionTokens = m.CompletionTokens

		finalized = true
		return tx.Set(UsageKey(rec.ID), rec)
	})

	if errors.Is(err, ErrUsageNotFound) {
		e.log.Warn().Str("usage_id", usageID).Msg("finalize for unknown usage record, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	if finalized {
		metrics.FinalizationsTotal.WithLabelValues(string(status)).Inc()
		e.log.Info().
			Str("usage_id", usageID).
			Str("status", string(status)).
			Int64("prompt_tokens", m.PromptTokens).
			Int64("completion_tokens", m.CompletionTokens).
			Msg("research billing finalized")
	} else {
		e.log.Debug().Str("usage_id", usageID).Msg("usage already finalized, no-op")
	}
	return nil
}

// CreditPurchase is the external top-up entry point (payment processor
// webhook, admin CLI). It mints credits into the balance and bumps the
// lifetime purchase counter. Returns the new balance.
func (e *Engine) CreditPurchase(ctx context.Context, uid, email string, credits int64) (int64, error) {
	if uid == "" {
		return 0, fmt.Errorf("%w: uid is required", ErrValidation)
	}
	if credits <= 0 {
		return 0, fmt.Errorf("%w: credits must be positive", ErrValidation)
	}

	var balance int64
	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		now := e.now().UTC()
		acct, err := e.loadOrInitAccount(tx, uid, email, now)
		if err != nil {
			return err
		}
		acct.BalanceCredits += credits
		acct.LifetimePurchasedCredits += credits
		acct.UpdatedAt = now
		balance = acct.BalanceCredits
		return tx.Set(AccountKey(uid), acct)
	})
	if err != nil {
		return 0, err
	}

	e.mirrorBalance(ctx, uid, balance)
	e.log.Info().
		Str("uid", uid).
		Int64("credits", credits).
		Int64("balance_after", balance).
		Msg("credits purchased")
	return balance, nil
}

// GetAccount returns the account for display. Absent accounts read as a
// zero-balance account, matching lazy creation semantics.
func (e *Engine) GetAccount(ctx context.Context, uid string) (Account, error) {
	var acct Account
	err := e.store.Get(ctx, AccountKey(uid), &acct)
	if errors.Is(err, store.ErrNotFound) {
		return Account{UID: uid}, nil
	}
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// GetUsage loads a single usage record.
func (e *Engine) GetUsage(ctx context.Context, usageID string) (UsageRecord, error) {
	var rec UsageRecord
	err := e.store.Get(ctx, UsageKey(usageID), &rec)
	if errors.Is(err, store.ErrNotFound) {
		return UsageRecord{}, fmt.Errorf("%w: %s", ErrUsageNotFound, usageID)
	}
	if err != nil {
		return UsageRecord{}, err
	}
	return rec, nil
}

// ListUsage returns a user's usage records, newest first.
func (e *Engine) ListUsage(ctx context.Context, uid string, limit int) ([]UsageRecord, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: uid is required", ErrValidation)
	}
	docs, err := e.store.List(ctx, UserUsageIndexPrefix(uid), 0)
	if err != nil {
		return nil, err
	}

	records := make([]UsageRecord, 0, len(docs))
	// The index is time-ascending; walk it backwards.
	for i := len(docs) - 1; i >= 0; i-- {
		if limit > 0 && len(records) >= limit {
			break
		}
		var idx idemIndex
		if err := json.Unmarshal(docs[i].Data, &idx); err != nil {
			return nil, fmt.Errorf("decode %s: %w", docs[i].Key, err)
		}
		rec, err := e.GetUsage(ctx, idx.UsageID)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// loadOrInitAccount reads the account or initializes a fresh zero-balance
// one inside the current transaction.
func (e *Engine) loadOrInitAccount(tx store.Tx, uid, email string, now time.Time) (Account, error) {
	var acct Account
	err := tx.Get(AccountKey(uid), &acct)
	if errors.Is(err, store.ErrNotFound) {
		return Account{UID: uid, Email: email, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return Account{}, err
	}
	if acct.Email == "" && email != "" {
		acct.Email = email
	}
	return acct, nil
}

func (e *Engine) countDebitFailure(toolKey string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		metrics.DebitsTotal.WithLabelValues(toolKey, "insufficient_credits").Inc()
	case errors.Is(err, ErrUnknownTool):
		metrics.DebitsTotal.WithLabelValues(toolKey, "unknown_tool").Inc()
	case errors.Is(err, ErrValidation):
		metrics.DebitsTotal.WithLabelValues(toolKey, "validation").Inc()
	default:
		metrics.DebitsTotal.WithLabelValues(toolKey, "error").Inc()
	}
}

// mirrorBalance pushes a committed balance to the display cache. Best
// effort: a failed mirror write only logs, the periodic resync corrects it.
func (e *Engine) mirrorBalance(ctx context.Context, uid string, balance int64) {
	if e.mirror == nil {
		return
	}
	if err := e.mirror.SetBalance(ctx, uid, balance); err != nil {
		e.log.Warn().Err(err).Str("uid", uid).Msg("balance mirror update failed")
	}
}
