// Package weekly decides read-write versus read-only access for the site's
// subscription-style tools (tasks, envelopes). A user's first-ever calendar
// week is free; every later week is charged once through the billing engine,
// keyed so that retries and racing tabs can never double-charge a week.
package weekly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dweinbeck/brandsite/internal/billing"
	"github.com/dweinbeck/brandsite/internal/metrics"
	"github.com/dweinbeck/brandsite/internal/store"
)

// AccessMode is the outcome of a weekly access check.
type AccessMode string

const (
	ModeReadWrite AccessMode = "readwrite"
	ModeReadOnly  AccessMode = "readonly"
)

// Reasons attached to a Decision. Empty means an already-paid week.
const (
	ReasonFreeWeek = "free_week"
	ReasonUnpaid   = "unpaid"
)

// Decision is the per-request access verdict.
type Decision struct {
	Mode      AccessMode `json:"mode"`
	WeekStart string     `json:"week_start"`
	Reason    string     `json:"reason,omitempty"`
}

// PaidWeek records one successful weekly charge.
type PaidWeek struct {
	UsageID        string    `json:"usage_id"`
	CreditsCharged int64     `json:"credits_charged"`
	ChargedAt      time.Time `json:"charged_at"`
}

// Record is one user's weekly billing history for one tool family.
// FirstAccessWeekStart is written exactly once, at first-ever access, and
// never changes; PaidWeeks entries are written at most once per week key.
type Record struct {
	UID                  string              `json:"uid"`
	Family               string              `json:"family"`
	FirstAccessWeekStart string              `json:"first_access_week_start"`
	PaidWeeks            map[string]PaidWeek `json:"paid_weeks"`
	CreatedAt            time.Time           `json:"created_at"`
}

// Debitor is the slice of the billing engine the controller needs. An
// interface so tests can count charges.
type Debitor interface {
	DebitForToolUse(ctx context.Context, req billing.DebitRequest) (billing.DebitResult, error)
}

// Key returns the document key for a (user, tool family) weekly record.
func Key(uid, family string) string {
	return fmt.Sprintf("weekly/%s/%s", uid, family)
}

// WeekStart returns the Sunday-aligned start of t's calendar week, in UTC.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

// FormatWeek renders a week start as its date key ("2006-01-02").
func FormatWeek(t time.Time) string {
	return t.Format("2006-01-02")
}

// Controller implements the weekly access state machine over the store and
// the billing engine.
type Controller struct {
	store   store.Store
	debitor Debitor
	now     func() time.Time
	log     zerolog.Logger
}

// NewController creates a Controller. now may be nil for the real clock.
func NewController(s store.Store, d Debitor, logger zerolog.Logger, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:   s,
		debitor: d,
		now:     now,
		log:     logger.With().Str("component", "weekly_access").Logger(),
	}
}

// CheckWeeklyAccess decides this week's access for (uid, family).
//
// The first-ever week is always free, regardless of balance. An
// already-paid week grants read-write with no new charge. Otherwise one
// debit is attempted with the idempotency key "{family}_week_{weekStart}";
// insufficient credits and pricing/config errors degrade gracefully to
// read-only instead of failing the request, since a misconfigured price must
// not take the tool down. Anything else propagates.
func (c *Controller) CheckWeeklyAccess(ctx context.Context, uid, email, family string) (Decision, error) {
	if uid == "" || family == "" {
		return Decision{}, fmt.Errorf("%w: uid and family are required", billing.ErrValidation)
	}

	week := FormatWeek(WeekStart(c.now()))

	var rec Record
	err := c.store.RunTransaction(ctx, func(tx store.Tx) error {
		rec = Record{}
		err := tx.Get(Key(uid, family), &rec)
		if errors.Is(err, store.ErrNotFound) {
			rec = Record{
				UID:                  uid,
				Family:               family,
				FirstAccessWeekStart: week,
				PaidWeeks:            map[string]PaidWeek{},
				CreatedAt:            c.now().UTC(),
			}
			return tx.Set(Key(uid, family), rec)
		}
		return err
	})
	if err != nil {
		return Decision{}, err
	}

	if rec.FirstAccessWeekStart == week {
		return c.decided(Decision{Mode: ModeReadWrite, WeekStart: week, Reason: ReasonFreeWeek}, uid, family), nil
	}
	if _, paid := rec.PaidWeeks[week]; paid {
		return c.decided(Decision{Mode: ModeReadWrite, WeekStart: week}, uid, family), nil
	}

	result, err := c.debitor.DebitForToolUse(ctx, billing.DebitRequest{
		UID:            uid,
		Email:          email,
		ToolKey:        family,
		IdempotencyKey: fmt.Sprintf("%s_week_%s", family, week),
	})
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) || errors.Is(err, billing.ErrUnknownTool) {
			c.log.Info().
				Str("uid", uid).
				Str("family", family).
				Str("week_start", week).
				Err(err).
				Msg("weekly charge declined, degrading to readonly")
			return c.decided(Decision{Mode: ModeReadOnly, WeekStart: week, Reason: ReasonUnpaid}, uid, family), nil
		}
		return Decision{}, err
	}

	if err := c.recordPaidWeek(ctx, uid, family, week, result); err != nil {
		// The charge committed; the bookkeeping write is idempotent and the
		// idempotency key protects a retry of the whole check.
		return Decision{}, err
	}

	c.log.Info().
		Str("uid", uid).
		Str("family", family).
		Str("week_start", week).
		Str("usage_id", result.UsageID).
		Int64("credits_charged", result.CreditsCharged).
		Msg("weekly access charged")

	return c.decided(Decision{Mode: ModeReadWrite, WeekStart: week}, uid, family), nil
}

// recordPaidWeek writes the paid-week entry. Written at most once per week
// key; a replayed write with the same data is harmless.
func (c *Controller) recordPaidWeek(ctx context.Context, uid, family, week string, result billing.DebitResult) error {
	return c.store.RunTransaction(ctx, func(tx store.Tx) error {
		var rec Record
		if err := tx.Get(Key(uid, family), &rec); err != nil {
			return err
		}
		if _, paid := rec.PaidWeeks[week]; paid {
			return nil
		}
		if rec.PaidWeeks == nil {
			rec.PaidWeeks = map[string]PaidWeek{}
		}
		rec.PaidWeeks[week] = PaidWeek{
			UsageID:        result.UsageID,
			CreditsCharged: result.CreditsCharged,
			ChargedAt:      c.now().UTC(),
		}
		return tx.Set(Key(uid, family), rec)
	})
}

// GetRecord loads a user's weekly billing record for display. Absent
// records return ErrNotFound from the store.
func (c *Controller) GetRecord(ctx context.Context, uid, family string) (Record, error) {
	var rec Record
	if err := c.store.Get(ctx, Key(uid, family), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (c *Controller) decided(d Decision, uid, family string) Decision {
	metrics.WeeklyDecisionsTotal.WithLabelValues(string(d.Mode), d.Reason).Inc()
	c.log.Debug().
		Str("uid", uid).
		Str("family", family).
		Str("mode", string(d.Mode)).
		Str("reason", d.Reason).
		Str("week_start", d.WeekStart).
		Msg("weekly access decided")
	return d
}
