package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory ledger. Used in tests and when no store path is
// configured; same aggregation semantics as Store.
type Memory struct {
	mu      sync.RWMutex
	records []CallRecord
	costs   CostTable
	budget  float64
	nowFn   func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{costs: CostTable{}, nowFn: time.Now}
}

// SetMonthlyBudget sets the budget used for projection warnings.
func (m *Memory) SetMonthlyBudget(budget float64) { m.budget = budget }

// SetCostTable sets the pricing table used by RecordCall.
func (m *Memory) SetCostTable(t CostTable) { m.costs = t }

// RecordCall prices and appends a call in one step using the cost table.
func (m *Memory) RecordCall(ctx context.Context, api string, tokens int, success bool, latencyMS float64) error {
	return m.Record(ctx, CallRecord{
		APIName:    api,
		TokensUsed: tokens,
		Cost:       m.costs.CostFor(api, tokens),
		Success:    success,
		LatencyMS:  latencyMS,
	})
}

// Record implements Ledger.
func (m *Memory) Record(_ context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.nowFn()
	}
	rec.ID = uint(len(m.records) + 1)
	m.records = append(m.records, rec)
	return nil
}

// GetUsageSummary implements Ledger.
func (m *Memory) GetUsageSummary(_ context.Context, days int) (*UsageSummary, error) {
	if days <= 0 {
		days = 30
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	since := m.nowFn().AddDate(0, 0, -days)

	perAPI := make(map[string]*APIBreakdown)
	summary := &UsageSummary{
		PeriodDays:  days,
		DailyUsage:  make(map[string]map[string]DailyAPIUsage),
		GeneratedAt: m.nowFn(),
	}

	for _, rec := range m.records {
		if rec.Timestamp.Before(since) {
			continue
		}

		agg, ok := perAPI[rec.APIName]
		if !ok {
			agg = &APIBreakdown{APIName: rec.APIName}
			perAPI[rec.APIName] = agg
		}
		agg.TotalCalls++
		agg.TotalTokens += int64(rec.TokensUsed)
		agg.TotalCost += rec.Cost
		agg.AvgResponseTime += rec.LatencyMS // sum now, divide below
		if !rec.Success {
			agg.ErrorCount++
		}

		date := rec.Timestamp.Format("2006-01-02")
		day, ok := summary.DailyUsage[date]
		if !ok {
			day = make(map[string]DailyAPIUsage)
			summary.DailyUsage[date] = day
		}
		usage := day[rec.APIName]
		usage.Calls++
		usage.Cost += rec.Cost
		day[rec.APIName] = usage

		summary.TotalCost += rec.Cost
		summary.TotalCalls++
	}

	for _, agg := range perAPI {
		if agg.TotalCalls > 0 {
			agg.AvgResponseTime /= float64(agg.TotalCalls)
		}
		summary.APIBreakdown = append(summary.APIBreakdown, *agg)
	}
	// Most expensive APIs first, matching the SQL-backed store.
	sort.Slice(summary.APIBreakdown, func(i, j int) bool {
		return summary.APIBreakdown[i].TotalCost > summary.APIBreakdown[j].TotalCost
	})

	return summary, nil
}

// GetMonthlyProjection implements Ledger.
func (m *Memory) GetMonthlyProjection(ctx context.Context) (*MonthlyProjection, error) {
	recent, err := m.GetUsageSummary(ctx, 7)
	if err != nil {
		return nil, err
	}
	if recent.TotalCalls == 0 {
		return &MonthlyProjection{BudgetStatus: "within_budget"}, nil
	}

	dailyAvg := recent.TotalCost / 7
	projected := dailyAvg * 30

	proj := &MonthlyProjection{
		ProjectedMonthlyCost:  projected,
		ProjectedMonthlyCalls: recent.TotalCalls * 30 / 7,
		DailyAverageCost:      dailyAvg,
		BudgetStatus:          "within_budget",
	}
	if m.budget > 0 && projected > m.budget {
		proj.BudgetStatus = "over_budget"
		proj.Warning = fmt.Sprintf("projected monthly cost %.2f exceeds budget %.2f", projected, m.budget)
	}
	return proj, nil
}
