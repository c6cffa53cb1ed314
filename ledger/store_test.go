package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := NewStore(path, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []CallRecord{
		{APIName: "gemini", TokensUsed: 1000, Cost: 2.0, Success: true, LatencyMS: 100, Timestamp: now},
		{APIName: "gemini", TokensUsed: 2000, Cost: 4.0, Success: false, LatencyMS: 200, Timestamp: now},
		{APIName: "whisper", TokensUsed: 0, Cost: 0.5, Success: true, LatencyMS: 400, Timestamp: now},
	}
	for _, rec := range records {
		require.NoError(t, s.Record(ctx, rec))
	}

	summary, err := s.GetUsageSummary(ctx, 30)
	require.NoError(t, err)

	assert.InDelta(t, 6.5, summary.TotalCost, 1e-9)
	assert.Equal(t, int64(3), summary.TotalCalls)
	require.Len(t, summary.APIBreakdown, 2)

	// Breakdown is ordered by total cost descending.
	assert.Equal(t, "gemini", summary.APIBreakdown[0].APIName)
	assert.Equal(t, int64(2), summary.APIBreakdown[0].TotalCalls)
	assert.Equal(t, int64(3000), summary.APIBreakdown[0].TotalTokens)
	assert.InDelta(t, 150, summary.APIBreakdown[0].AvgResponseTime, 1e-9)
	assert.Equal(t, int64(1), summary.APIBreakdown[0].ErrorCount)

	date := now.Format("2006-01-02")
	require.Contains(t, summary.DailyUsage, date)
	assert.Equal(t, int64(2), summary.DailyUsage[date]["gemini"].Calls)
}

func TestStore_RecordCallPricing(t *testing.T) {
	s := testStore(t, WithCostTable(CostTable{
		"gemini": {BasePerCall: 1.0, PerThousandTokens: 0.5},
	}))
	ctx := context.Background()

	require.NoError(t, s.RecordCall(ctx, "gemini", 4000, true, 50))

	summary, err := s.GetUsageSummary(ctx, 7)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, summary.TotalCost, 1e-9)
}

func TestStore_MonthlyProjection(t *testing.T) {
	s := testStore(t, WithMonthlyBudget(100))
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Record(ctx, CallRecord{
			APIName:   "gemini",
			Cost:      7,
			Success:   true,
			Timestamp: now.AddDate(0, 0, -i),
		}))
	}

	proj, err := s.GetMonthlyProjection(ctx)
	require.NoError(t, err)

	assert.InDelta(t, 7, proj.DailyAverageCost, 1e-9)
	assert.InDelta(t, 210, proj.ProjectedMonthlyCost, 1e-9)
	assert.Equal(t, "over_budget", proj.BudgetStatus)
	assert.Contains(t, proj.Warning, "exceeds budget")
}

func TestStore_SummaryEmpty(t *testing.T) {
	s := testStore(t)

	summary, err := s.GetUsageSummary(context.Background(), 30)
	require.NoError(t, err)

	assert.Zero(t, summary.TotalCost)
	assert.Zero(t, summary.TotalCalls)
	assert.Empty(t, summary.APIBreakdown)
}

func TestStore_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	s, err := NewStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), CallRecord{
		APIName: "gemini", Cost: 1.5, Success: true, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, s.Close())

	s2, err := NewStore(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	summary, err := s2.GetUsageSummary(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalCalls)
}
