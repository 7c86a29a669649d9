package weekly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dweinbeck/brandsite/internal/billing"
	"github.com/dweinbeck/brandsite/internal/pricing"
	"github.com/dweinbeck/brandsite/internal/store"
)

func TestWeekStartAlignment(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			name: "midweek",
			in:   time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC), // Wednesday
			want: "2026-03-01",
		},
		{
			name: "already sunday",
			in:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			want: "2026-03-01",
		},
		{
			name: "saturday end of week",
			in:   time.Date(2026, 3, 7, 23, 59, 59, 0, time.UTC),
			want: "2026-03-01",
		},
		{
			name: "year boundary",
			in:   time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), // Thursday
			want: "2025-12-28",
		},
		{
			// 20:00 UTC+8 on Mar 4 is 12:00 UTC the same day, a Wednesday.
			name: "non utc input",
			in:   time.Date(2026, 3, 4, 20, 0, 0, 0, time.FixedZone("UTC+8", 8*3600)),
			want: "2026-03-01",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WeekStart(tc.in)
			assert.Equal(t, tc.want, FormatWeek(got))
			assert.Equal(t, time.Sunday, got.Weekday())
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

// countingDebitor wraps a result and counts calls.
type countingDebitor struct {
	mu     sync.Mutex
	calls  int
	result billing.DebitResult
	err    error

	lastReq billing.DebitRequest
}

func (d *countingDebitor) DebitForToolUse(_ context.Context, req billing.DebitRequest) (billing.DebitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastReq = req
	return d.result, d.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var (
	week1 = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)  // week of 2026-03-01
	week2 = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC) // week of 2026-03-08
)

func TestFirstWeekIsFreeRegardlessOfBalance(t *testing.T) {
	s := store.NewMemoryStore()
	d := &countingDebitor{err: billing.ErrInsufficientCredits}
	c := NewController(s, d, zerolog.Nop(), fixedClock(week1))
	ctx := context.Background()

	dec, err := c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
	require.NoError(t, err)
	assert.Equal(t, ModeReadWrite, dec.Mode)
	assert.Equal(t, ReasonFreeWeek, dec.Reason)
	assert.Equal(t, "2026-03-01", dec.WeekStart)
	assert.Equal(t, 0, d.calls, "free week must not touch the billing engine")

	// Repeat calls inside the free week stay free.
	dec, err = c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
	require.NoError(t, err)
	assert.Equal(t, ReasonFreeWeek, dec.Reason)
	assert.Equal(t, 0, d.calls)

	rec, err := c.GetRecord(ctx, "u1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", rec.FirstAccessWeekStart)
	assert.Empty(t, rec.PaidWeeks)
}

func TestSecondWeekChargesExactlyOnce(t *testing.T) {
	s := store.NewMemoryStore()
	d := &countingDebitor{result: billing.DebitResult{UsageID: "usage-1", CreditsCharged: 100, BalanceAfter: 400}}

	// First touch in week one establishes the free week.
	c := NewController(s, d, zerolog.Nop(), fixedClock(week1))
	ctx := context.Background()
	_, err := c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
	require.NoError(t, err)

	// Week two: first check pays, later checks ride the paid record.
	c = NewController(s, d, zerolog.Nop(), fixedClock(week2))
	dec, err := c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
	require.NoError(t, err)
	assert.Equal(t, ModeReadWrite, dec.Mode)
	assert.Empty(t, dec.Reason)
	assert.Equal(t, "2026-03-08", dec.WeekStart)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, "tasks_week_2026-03-08", d.lastReq.IdempotencyKey)
	assert.Equal(t, "tasks", d.lastReq.ToolKey)

	for i := 0; i < 3; i++ {
		dec, err = c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
		require.NoError(t, err)
		assert.Equal(t, ModeReadWrite, dec.Mode)
	}
	assert.Equal(t, 1, d.calls, "a paid week must not be charged again")

	rec, err := c.GetRecord(ctx, "u1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", rec.FirstAccessWeekStart, "first access week never changes")
	require.Contains(t, rec.PaidWeeks, "2026-03-08")
	assert.Equal(t, "usage-1", rec.PaidWeeks["2026-03-08"].UsageID)
	assert.Equal(t, int64(100), rec.PaidWeeks["2026-03-08"].CreditsCharged)
}

func TestInsufficientCreditsDegradesToReadonly(t *testing.T) {
	s := store.NewMemoryStore()
	d := &countingDebitor{err: fmt.Errorf("%w: need 100, have 0", billing.ErrInsufficientCredits)}

	ctx := context.Background()
	c := NewController(s, d, zerolog.Nop(), fixedClock(week1))
	_, err := c.CheckWeeklyAccess(ctx, "u1", "", "tasks")
	require.NoError(t, err)

	c = NewController(s, d, zerolog.Nop(), fixedClock(week2))
	dec, err := c.CheckWeeklyAccess(ctx, "u1", "", "tasks")
	require.NoError(t, err, "insufficient credits must not fail the request")
	assert.Equal(t, ModeReadOnly, dec.Mode)
	assert.Equal(t, ReasonUnpaid, dec.Reason)

	rec, err := c.GetRecord(ctx, "u1", "tasks")
	require.NoError(t, err)
	assert.Empty(t, rec.PaidWeeks)
}

func TestUnknownToolDegradesToReadonly(t *testing.T) {
	s := store.NewMemoryStore()
	d := &countingDebitor{err: fmt.Errorf("%w: tasks", billing.ErrUnknownTool)}

	ctx := context.Background()
	c := NewController(s, d, zerolog.Nop(), fixedClock(week1))
	_, err := c.CheckWeeklyAccess(ctx, "u1", "", "tasks")
	require.NoError(t, err)

	c = NewController(s, d, zerolog.Nop(), fixedClock(week2))
	dec, err := c.CheckWeeklyAccess(ctx, "u1", "", "tasks")
	require.NoError(t, err)
	assert.Equal(t, ModeReadOnly, dec.Mode)
	assert.Equal(t, ReasonUnpaid, dec.Reason)
}

func TestUnexpectedDebitErrorPropagates(t *testing.T) {
	s := store.NewMemoryStore()
	boom := errors.New("store on fire")
	d := &countingDebitor{err: boom}

	ctx := context.Background()
	c := NewController(s, d, zerolog.Nop(), fixedClock(week1))
	_, err := c.CheckWeeklyAccess(ctx, "u1", "", "tasks")
	require.NoError(t, err)

	c = NewController(s, d, zerolog.Nop(), fixedClock(week2))
	_, err = c.CheckWeeklyAccess(ctx, "u1", "", "tasks")
	assert.ErrorIs(t, err, boom)
}

func TestFamiliesAreIndependent(t *testing.T) {
	s := store.NewMemoryStore()
	d := &countingDebitor{result: billing.DebitResult{UsageID: "usage-1", CreditsCharged: 100}}
	c := NewController(s, d, zerolog.Nop(), fixedClock(week1))
	ctx := context.Background()

	_, err := c.CheckWeeklyAccess(ctx, "u1", "", "tasks")
	require.NoError(t, err)
	_, err = c.CheckWeeklyAccess(ctx, "u1", "", "envelopes")
	require.NoError(t, err)

	tasks, err := c.GetRecord(ctx, "u1", "tasks")
	require.NoError(t, err)
	envelopes, err := c.GetRecord(ctx, "u1", "envelopes")
	require.NoError(t, err)
	assert.Equal(t, "tasks", tasks.Family)
	assert.Equal(t, "envelopes", envelopes.Family)
}

func TestCheckWeeklyAccessValidation(t *testing.T) {
	c := NewController(store.NewMemoryStore(), &countingDebitor{}, zerolog.Nop(), fixedClock(week1))
	_, err := c.CheckWeeklyAccess(context.Background(), "", "", "tasks")
	assert.ErrorIs(t, err, billing.ErrValidation)
	_, err = c.CheckWeeklyAccess(context.Background(), "u1", "", "")
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// End-to-end over the real engine: the free week costs nothing even at zero
// balance, the paid week debits once through the real idempotency path, and
// racing checks in the paid week never double-charge.
func TestWeeklyAgainstRealEngine(t *testing.T) {
	s := store.NewMemoryStore()
	reg := pricing.NewRegistry(s, nil, zerolog.Nop())
	ctx := context.Background()
	_, err := reg.Set(ctx, pricing.ToolPricing{ToolKey: "tasks", CreditsPerUse: 100, Active: true})
	require.NoError(t, err)
	engine := billing.NewEngine(s, reg, zerolog.Nop(), billing.Options{})

	// Week one, zero balance: free.
	c := NewController(s, engine, zerolog.Nop(), fixedClock(week1))
	dec, err := c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
	require.NoError(t, err)
	assert.Equal(t, ModeReadWrite, dec.Mode)
	assert.Equal(t, ReasonFreeWeek, dec.Reason)

	// Week two, still zero balance: readonly, nothing spent.
	c = NewController(s, engine, zerolog.Nop(), fixedClock(week2))
	dec, err = c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
	require.NoError(t, err)
	assert.Equal(t, ModeReadOnly, dec.Mode)

	// Top up and race five checks; exactly one 100-credit charge lands.
	_, err = engine.CreditPurchase(ctx, "u1", "u@example.com", 500)
	require.NoError(t, err)

	var wg sync.WaitGroup
	decisions := make([]Decision, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = c.CheckWeeklyAccess(ctx, "u1", "u@example.com", "tasks")
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ModeReadWrite, decisions[i].Mode)
	}

	acct, err := engine.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), acct.BalanceCredits)

	records, err := engine.ListUsage(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tasks_week_2026-03-08", records[0].IdempotencyKey)
}
