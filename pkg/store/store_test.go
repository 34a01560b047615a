package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexops/gantry/pkg/usage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "gantry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func i64(v int64) *int64 { return &v }

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	// Opening the same file again must be a no-op (ErrNoChange path).
	path := filepath.Join(t.TempDir(), "twice.db")
	first, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.Close())
	second, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetProject(ctx, "p1", "Project One", i64(100000)))

	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Project One", p.Name)
	require.NotNil(t, p.MonthlyLimit)
	assert.Equal(t, int64(100000), *p.MonthlyLimit)

	// Upsert changes the limit in place.
	require.NoError(t, s.SetProject(ctx, "p1", "Project One", nil))
	p, err = s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, p.MonthlyLimit)

	_, err = s.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewProjectUsageIsZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p1", "p1", i64(5000)))

	sum, err := s.GetUsage(ctx, "p1", WindowMonth, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.TotalTokens)
	assert.True(t, sum.TotalCost.IsZero())
	require.NotNil(t, sum.Remaining)
	assert.Equal(t, int64(5000), *sum.Remaining)
}

func TestDebitAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p1", "p1", i64(100000)))

	// Costs arrive from the tracker already rounded to micro-USD.
	cost := decimal.RequireFromString("0.000002")
	require.NoError(t, s.Debit(ctx, "p1", usage.TierSmall, 5, 1, cost, now))
	require.NoError(t, s.Debit(ctx, "p1", usage.TierMedium, 100, 50, decimal.RequireFromString("0.00105"), now))

	sum, err := s.GetUsage(ctx, "p1", WindowMonth, now)
	require.NoError(t, err)
	assert.Equal(t, int64(156), sum.TotalTokens)
	assert.True(t, sum.TotalCost.Equal(decimal.RequireFromString("0.001052")), sum.TotalCost.String())

	small := sum.ByModel[usage.TierSmall]
	assert.Equal(t, int64(6), small.Tokens)
	assert.True(t, small.Cost.Equal(cost))

	require.NotNil(t, sum.Remaining)
	assert.Equal(t, int64(100000-156), *sum.Remaining)
}

func TestUsageWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Monday 2026-08-24.
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p1", "p1", nil))

	one := decimal.RequireFromString("0.000001")
	// Yesterday (Sunday, previous week, same month).
	require.NoError(t, s.Debit(ctx, "p1", usage.TierSmall, 10, 0, one, now.AddDate(0, 0, -1)))
	// Today.
	require.NoError(t, s.Debit(ctx, "p1", usage.TierSmall, 20, 0, one, now))
	// Last month.
	require.NoError(t, s.Debit(ctx, "p1", usage.TierSmall, 40, 0, one, now.AddDate(0, -1, 0)))

	day, err := s.GetUsage(ctx, "p1", WindowDay, now)
	require.NoError(t, err)
	assert.Equal(t, int64(20), day.TotalTokens)

	week, err := s.GetUsage(ctx, "p1", WindowWeek, now)
	require.NoError(t, err)
	assert.Equal(t, int64(20), week.TotalTokens)

	month, err := s.GetUsage(ctx, "p1", WindowMonth, now)
	require.NoError(t, err)
	assert.Equal(t, int64(30), month.TotalTokens)

	assert.Nil(t, month.Remaining)
}

func TestWindowStart(t *testing.T) {
	// Wednesday.
	now := time.Date(2026, 8, 26, 15, 30, 45, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), WindowStart(WindowDay, now))
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), WindowStart(WindowWeek, now))
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), WindowStart(WindowMonth, now))

	// Sunday belongs to the week starting the previous Monday.
	sunday := time.Date(2026, 8, 23, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC), WindowStart(WindowWeek, sunday))
}

func TestAdmitBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p2", "p2", i64(1000)))
	require.NoError(t, s.Debit(ctx, "p2", usage.TierSmall, 900, 98, decimal.Zero, now))

	// current + est == limit succeeds and reserves the estimate.
	assert.NoError(t, s.Admit(ctx, "p2", 2, now))

	// The pending reservation counts; even est 1 no longer fits.
	err := s.Admit(ctx, "p2", 1, now)
	require.Error(t, err)
	assert.True(t, IsBudgetExceeded(err))

	var be *BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "p2", be.ProjectID)
	assert.Equal(t, int64(1000), be.Used)

	// Releasing the reservation frees the headroom again.
	require.NoError(t, s.Release(ctx, "p2"))
	assert.NoError(t, s.Admit(ctx, "p2", 2, now))
}

func TestAdmitReservationHeldUntilDebit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p2", "p2", i64(1000)))

	// Two admits against the same remaining budget: only one fits.
	require.NoError(t, s.Admit(ctx, "p2", 1000, now))
	err := s.Admit(ctx, "p2", 1000, now)
	require.Error(t, err)
	assert.True(t, IsBudgetExceeded(err))

	// The debit replaces the reservation with actuals, freeing the
	// difference between estimate and spend.
	require.NoError(t, s.Debit(ctx, "p2", usage.TierSmall, 400, 200, decimal.Zero, now))
	assert.NoError(t, s.Admit(ctx, "p2", 400, now))
	assert.True(t, IsBudgetExceeded(s.Admit(ctx, "p2", 1, now)))
}

func TestAdmitConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p2", "p2", i64(1000)))

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Admit(ctx, "p2", 1000, now); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), admitted.Load())
}

func TestAdmitExpiresStaleReservations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p2", "p2", i64(1000)))
	require.NoError(t, s.Admit(ctx, "p2", 1000, now))

	// A run that died without debit or release stops holding budget once
	// its reservation ages out.
	later := now.Add(admissionTTL + time.Minute)
	assert.NoError(t, s.Admit(ctx, "p2", 1000, later))
}

func TestAdmitUnlimitedAndUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SetProject(ctx, "open", "open", nil))
	assert.NoError(t, s.Admit(ctx, "open", 1<<40, now))

	// First reference creates the project, unlimited.
	assert.NoError(t, s.Admit(ctx, "brand-new", 5, now))
	p, err := s.GetProject(ctx, "brand-new")
	require.NoError(t, err)
	assert.Nil(t, p.MonthlyLimit)
}

func TestAdmitIgnoresLastMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProject(ctx, "p3", "p3", i64(100)))
	require.NoError(t, s.Debit(ctx, "p3", usage.TierSmall, 1000, 0, decimal.Zero, now.AddDate(0, -1, 0)))

	assert.NoError(t, s.Admit(ctx, "p3", 100, now))
}

func TestKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k, err := s.CreateKey(ctx, "p1", 60, nil)
	require.NoError(t, err)
	assert.Contains(t, k.Key, KeyPrefix)
	assert.Greater(t, len(k.Key), 20)

	got, err := s.GetKey(ctx, k.Key)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, 60, got.RateLimit)
	assert.False(t, got.Revoked)
	assert.Nil(t, got.LastUsedAt)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchKey(ctx, k.Key, now))
	got, err = s.GetKey(ctx, k.Key)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)

	require.NoError(t, s.RevokeKey(ctx, k.Key))
	got, err = s.GetKey(ctx, k.Key)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	// Revocation is permanent and idempotent.
	require.NoError(t, s.RevokeKey(ctx, k.Key))

	assert.ErrorIs(t, s.RevokeKey(ctx, "gk-nope"), ErrNotFound)
	_, err = s.GetKey(ctx, "gk-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyRedacted(t *testing.T) {
	k := &APIKey{Key: "gk-0123456789abcdef0123456789abcdef"}
	red := k.Redacted()
	assert.Equal(t, "gk-01234567...", red)
	assert.NotContains(t, red, "89abcdef")
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k, err := s.CreateKey(ctx, "p1", 60, &PermissionProfile{
		AllowedTools:   []string{"Read", "Bash"},
		AllowedAgents:  []string{"sec-audit"},
		AllowedSkills:  nil,
		MaxConcurrent:  2,
		MaxWallSeconds: 30,
		MaxCostUSD:     decimal.RequireFromString("0.50"),
		FSMode:         FSModeReadonly,
		WorkspaceBytes: 1 << 20,
	})
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, k.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"Read", "Bash"}, p.AllowedTools)
	assert.Equal(t, []string{"sec-audit"}, p.AllowedAgents)
	assert.Empty(t, p.AllowedSkills)
	assert.Equal(t, 30, p.MaxWallSeconds)
	assert.True(t, p.MaxCostUSD.Equal(decimal.RequireFromString("0.50")))
	assert.Equal(t, FSModeReadonly, p.FSMode)

	// Keys without a stored profile fall back to the default.
	def, err := s.GetProfile(ctx, "gk-unknown")
	require.NoError(t, err)
	assert.Equal(t, []string{Wildcard}, def.AllowedTools)
}

func TestAllows(t *testing.T) {
	assert.True(t, Allows([]string{Wildcard}, "anything"))
	assert.True(t, Allows([]string{"Read", "Bash"}, "Bash"))
	assert.False(t, Allows([]string{"Read"}, "Bash"))
	assert.False(t, Allows(nil, "Read"))
}

func TestRateLimitBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)

	const limit = 2
	w1, err := s.IncrementRateWindow(ctx, "k3", limit, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), w1)

	_, err = s.IncrementRateWindow(ctx, "k3", limit, now.Add(time.Second))
	require.NoError(t, err)

	// limit+1th request in the same bucket is rejected.
	_, err = s.IncrementRateWindow(ctx, "k3", limit, now.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrRateLimited)

	// Next minute is a fresh bucket.
	_, err = s.IncrementRateWindow(ctx, "k3", limit, now.Add(time.Minute))
	assert.NoError(t, err)

	// Other keys are unaffected.
	_, err = s.IncrementRateWindow(ctx, "other", limit, now)
	assert.NoError(t, err)
}

func TestPruneRateWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.IncrementRateWindow(ctx, "k", 10, now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = s.IncrementRateWindow(ctx, "k", 10, now)
	require.NoError(t, err)

	n, err := s.PruneRateWindows(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAuditInsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	details, _ := json.Marshal(map[string]string{"requested": "forbidden-agent"})
	require.NoError(t, s.InsertAudit(ctx, &AuditEvent{
		TaskID:   "t1",
		APIKey:   "gk-abc...",
		Kind:     AuditPermissionViolation,
		Details:  details,
		Severity: SeverityWarning,
	}))
	require.NoError(t, s.InsertAudit(ctx, &AuditEvent{
		TaskID: "t2",
		APIKey: "gk-abc...",
		Kind:   AuditTaskCompleted,
	}))

	byTask, err := s.QueryAudit(ctx, AuditQuery{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, AuditPermissionViolation, byTask[0].Kind)
	assert.Equal(t, SeverityWarning, byTask[0].Severity)
	assert.Contains(t, string(byTask[0].Details), "forbidden-agent")

	byKind, err := s.QueryAudit(ctx, AuditQuery{Kind: AuditTaskCompleted})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, SeverityInfo, byKind[0].Severity)

	byKey, err := s.QueryAudit(ctx, AuditQuery{APIKey: "gk-abc..."})
	require.NoError(t, err)
	assert.Len(t, byKey, 2)
}

func TestPruneAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertAudit(ctx, &AuditEvent{Kind: AuditTaskCompleted, Timestamp: now.AddDate(0, -4, 0)}))
	require.NoError(t, s.InsertAudit(ctx, &AuditEvent{Kind: AuditTaskCompleted, Timestamp: now}))

	n, err := s.PruneAudit(ctx, now.AddDate(0, -3, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMicroUSDRoundTrip(t *testing.T) {
	cost := decimal.RequireFromString("0.001052")
	assert.True(t, fromMicroUSD(toMicroUSD(cost)).Equal(cost))

	assert.Equal(t, int64(2), toMicroUSD(decimal.RequireFromString("0.000002")))
	assert.True(t, fromMicroUSD(0).IsZero())
}
