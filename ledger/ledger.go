// Package ledger provides the append-only usage ledger that the budget
// control plane reads its spend aggregates from. Records are immutable
// once written; the rest of the system only consumes summaries.
package ledger

import (
	"context"
	"time"
)

// CallRecord is a single metered API call. Written once, never mutated.
type CallRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	APIName    string    `json:"api_name" gorm:"index;size:64"`
	Endpoint   string    `json:"endpoint,omitempty" gorm:"size:255"`
	TokensUsed int       `json:"tokens_used"`
	Cost       float64   `json:"cost"`
	Success    bool      `json:"success"`
	LatencyMS  float64   `json:"latency_ms"`
	ErrorNote  string    `json:"error_note,omitempty" gorm:"size:255"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (CallRecord) TableName() string { return "call_records" }

// APIBreakdown aggregates one API's usage over a summary window.
type APIBreakdown struct {
	APIName         string  `json:"api_name"`
	TotalCalls      int64   `json:"total_calls"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalCost       float64 `json:"total_cost"`
	AvgResponseTime float64 `json:"avg_response_time"`
	ErrorCount      int64   `json:"error_count"`
}

// DailyAPIUsage is one API's calls and cost for a single day.
type DailyAPIUsage struct {
	Calls int64   `json:"calls"`
	Cost  float64 `json:"cost"`
}

// UsageSummary is a rolling aggregate over the last N days.
type UsageSummary struct {
	PeriodDays   int                                 `json:"period_days"`
	TotalCost    float64                             `json:"total_cost"`
	TotalCalls   int64                               `json:"total_calls"`
	APIBreakdown []APIBreakdown                      `json:"api_breakdown"`
	DailyUsage   map[string]map[string]DailyAPIUsage `json:"daily_usage"` // date -> api -> usage
	GeneratedAt  time.Time                           `json:"generated_at"`
}

// MonthlyProjection is a naive month-end projection from the trailing week.
type MonthlyProjection struct {
	ProjectedMonthlyCost  float64 `json:"projected_monthly_cost"`
	ProjectedMonthlyCalls int64   `json:"projected_monthly_calls"`
	DailyAverageCost      float64 `json:"daily_average_cost"`
	BudgetStatus          string  `json:"budget_status"` // within_budget | over_budget
	Warning               string  `json:"warning,omitempty"`
}

// Ledger is the read/append surface consumed by the control plane.
type Ledger interface {
	// Record appends one call record. Append-only; implementations must
	// never update existing rows.
	Record(ctx context.Context, rec CallRecord) error

	// GetUsageSummary aggregates the trailing `days` days.
	GetUsageSummary(ctx context.Context, days int) (*UsageSummary, error)

	// GetMonthlyProjection extrapolates the trailing 7 days to a month.
	GetMonthlyProjection(ctx context.Context) (*MonthlyProjection, error)
}

// CostTable maps an API name to its pricing. Unknown APIs cost zero.
type CostTable map[string]CostRate

// CostRate prices one API. Cost = BasePerCall + tokens/1000 * PerThousandTokens.
type CostRate struct {
	BasePerCall       float64 `json:"base_per_call" yaml:"base_per_call"`
	PerThousandTokens float64 `json:"per_thousand_tokens" yaml:"per_thousand_tokens"`
}

// CostFor computes the cost of a single call against the table.
func (t CostTable) CostFor(api string, tokens int) float64 {
	rate, ok := t[api]
	if !ok {
		return 0
	}
	return rate.BasePerCall + float64(tokens)/1000.0*rate.PerThousandTokens
}
