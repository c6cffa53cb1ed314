package forecast

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/ledger"
	"github.com/BaSui01/costguard/ratelimit"
)

// Recommendation is one actionable cost-saving suggestion.
type Recommendation struct {
	Rule             string  `json:"rule"`
	Priority         string  `json:"priority"`
	API              string  `json:"api,omitempty"`
	Message          string  `json:"message"`
	EstimatedSavings float64 `json:"estimated_savings,omitempty"`
}

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var priorityRank = map[string]int{
	PriorityHigh:   0,
	PriorityMedium: 1,
	PriorityLow:    2,
}

type ruleFn func(summary *ledger.UsageSummary, proj *ledger.MonthlyProjection, budget float64) []Recommendation

// RateUsage exposes the rate limiter's current window consumption so the
// saturation rule can compare traffic against the configured caps.
type RateUsage interface {
	Configured() []string
	Usage(api string) ratelimit.WindowUsage
}

// SetRateUsage attaches a rate-usage source. Without one the saturation
// rule stays silent.
func (p *Predictor) SetRateUsage(r RateUsage) { p.rates = r }

// Recommendations evaluates every optimization rule against the last 30
// days of usage and returns suggestions sorted by priority. A rule that
// panics is skipped so one bad rule cannot hide the rest.
func (p *Predictor) Recommendations(ctx context.Context) ([]Recommendation, error) {
	summary, err := p.ledger.GetUsageSummary(ctx, historyDays)
	if err != nil {
		return nil, fmt.Errorf("forecast: usage summary: %w", err)
	}
	proj, err := p.ledger.GetMonthlyProjection(ctx)
	if err != nil {
		return nil, fmt.Errorf("forecast: monthly projection: %w", err)
	}

	rules := []struct {
		name string
		fn   ruleFn
	}{
		{"dominant_api", ruleDominantAPI},
		{"budget_overrun", ruleBudgetOverrun},
		{"low_utilization", ruleLowUtilization},
		{"cost_per_call", ruleCostPerCall},
		{"caching_opportunity", ruleCaching},
		{"rate_saturation", p.ruleRateSaturation},
		{"time_of_day", ruleTimeOfDay},
		{"error_waste", ruleErrorWaste},
		{"rising_trend", p.ruleRisingTrend},
		{"token_heavy", ruleTokenHeavy},
		{"idle_api", ruleIdleAPI},
	}

	var out []Recommendation
	for _, r := range rules {
		recs := p.runRule(r.name, r.fn, summary, proj)
		out = append(out, recs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank[out[i].Priority] < priorityRank[out[j].Priority]
	})
	return out, nil
}

func (p *Predictor) runRule(name string, fn ruleFn, summary *ledger.UsageSummary, proj *ledger.MonthlyProjection) (recs []Recommendation) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("optimization rule failed",
				zap.String("rule", name),
				zap.Any("panic", r))
			recs = nil
		}
	}()
	return fn(summary, proj, p.budget)
}

// ruleBudgetOverrun flags a projected monthly spend above budget.
func ruleBudgetOverrun(_ *ledger.UsageSummary, proj *ledger.MonthlyProjection, budget float64) []Recommendation {
	if budget <= 0 || proj.ProjectedMonthlyCost <= budget {
		return nil
	}
	over := proj.ProjectedMonthlyCost - budget
	return []Recommendation{{
		Rule:     "budget_overrun",
		Priority: PriorityHigh,
		Message: fmt.Sprintf("projected monthly spend %.2f exceeds budget %.2f by %.2f, reduce call volume or switch to cheaper models",
			proj.ProjectedMonthlyCost, budget, over),
		EstimatedSavings: over,
	}}
}

// ruleDominantAPI flags any API consuming over 40% of total spend.
func ruleDominantAPI(summary *ledger.UsageSummary, _ *ledger.MonthlyProjection, _ float64) []Recommendation {
	if summary.TotalCost <= 0 {
		return nil
	}
	var out []Recommendation
	for _, api := range summary.APIBreakdown {
		share := api.TotalCost / summary.TotalCost
		if share <= 0.4 {
			continue
		}
		out = append(out, Recommendation{
			Rule:     "dominant_api",
			Priority: PriorityHigh,
			API:      api.APIName,
			Message: fmt.Sprintf("%s accounts for %.0f%% of spend, consider batching requests or caching responses",
				api.APIName, share*100),
			EstimatedSavings: api.TotalCost * 0.2,
		})
	}
	return out
}

// ruleLowUtilization points out a large unused budget margin. It never
// saves money; it flags room for more work instead.
func ruleLowUtilization(_ *ledger.UsageSummary, proj *ledger.MonthlyProjection, budget float64) []Recommendation {
	if budget <= 0 || proj.ProjectedMonthlyCost <= 0 {
		return nil
	}
	rate := proj.ProjectedMonthlyCost / budget
	if rate >= 0.3 {
		return nil
	}
	return []Recommendation{{
		Rule:     "low_utilization",
		Priority: PriorityLow,
		Message: fmt.Sprintf("projected spend uses only %.0f%% of the monthly budget, there is headroom for larger batches or more capable models",
			rate*100),
	}}
}

// ruleCostPerCall flags an expensive average request.
func ruleCostPerCall(summary *ledger.UsageSummary, _ *ledger.MonthlyProjection, _ float64) []Recommendation {
	if summary.TotalCalls == 0 {
		return nil
	}
	perCall := summary.TotalCost / float64(summary.TotalCalls)
	if perCall <= 0.5 {
		return nil
	}
	return []Recommendation{{
		Rule:     "cost_per_call",
		Priority: PriorityMedium,
		Message: fmt.Sprintf("average cost per call is %.3f, splitting large requests and trimming response payloads would bring it down",
			perCall),
		EstimatedSavings: summary.TotalCost * 0.25,
	}}
}

// ruleCaching suggests response caching once spend passes half the
// budget, where repeated requests start to matter.
func ruleCaching(_ *ledger.UsageSummary, proj *ledger.MonthlyProjection, budget float64) []Recommendation {
	if budget <= 0 || proj.ProjectedMonthlyCost <= budget*0.5 {
		return nil
	}
	return []Recommendation{{
		Rule:             "caching_opportunity",
		Priority:         PriorityMedium,
		Message:          "repeated requests are worth caching at this spend level, add a response cache with expiry tuned per API",
		EstimatedSavings: proj.ProjectedMonthlyCost * 0.3,
	}}
}

// ruleRateSaturation flags APIs running close to their daily cap.
func (p *Predictor) ruleRateSaturation(_ *ledger.UsageSummary, proj *ledger.MonthlyProjection, _ float64) []Recommendation {
	if p.rates == nil {
		return nil
	}
	var out []Recommendation
	for _, api := range p.rates.Configured() {
		usage := p.rates.Usage(api)
		if usage.Limits.PerDay <= 0 {
			continue
		}
		saturation := float64(usage.CallsToday) / float64(usage.Limits.PerDay)
		if saturation <= 0.8 {
			continue
		}
		out = append(out, Recommendation{
			Rule:     "rate_saturation",
			Priority: PriorityHigh,
			API:      api,
			Message: fmt.Sprintf("%s has used %.0f%% of its daily call cap, spread requests out or batch them before the limiter starts denying",
				api, saturation*100),
			EstimatedSavings: proj.ProjectedMonthlyCost * 0.1,
		})
	}
	return out
}

// ruleTimeOfDay suggests shifting deferrable work off peak hours once
// spend is high enough for scheduling to pay off.
func ruleTimeOfDay(_ *ledger.UsageSummary, proj *ledger.MonthlyProjection, budget float64) []Recommendation {
	if budget <= 0 || proj.ProjectedMonthlyCost <= budget*0.7 {
		return nil
	}
	return []Recommendation{{
		Rule:             "time_of_day",
		Priority:         PriorityLow,
		Message:          "move low-priority batch work to off-peak hours to smooth the daily spend curve",
		EstimatedSavings: proj.ProjectedMonthlyCost * 0.1,
	}}
}

// ruleErrorWaste flags APIs spending money on failed calls.
func ruleErrorWaste(summary *ledger.UsageSummary, _ *ledger.MonthlyProjection, _ float64) []Recommendation {
	var out []Recommendation
	for _, api := range summary.APIBreakdown {
		if api.TotalCalls == 0 {
			continue
		}
		errRate := float64(api.ErrorCount) / float64(api.TotalCalls)
		if errRate <= 0.10 {
			continue
		}
		wasted := api.TotalCost * errRate
		out = append(out, Recommendation{
			Rule:     "error_waste",
			Priority: PriorityHigh,
			API:      api.APIName,
			Message: fmt.Sprintf("%s fails %.0f%% of calls, fixing errors would stop paying for failed requests",
				api.APIName, errRate*100),
			EstimatedSavings: wasted,
		})
	}
	return out
}

// ruleRisingTrend flags a daily cost series with a clear upward slope.
func (p *Predictor) ruleRisingTrend(summary *ledger.UsageSummary, _ *ledger.MonthlyProjection, _ float64) []Recommendation {
	points := dailySeries(summary)
	daily, conf := p.predictLinear(points, 1)
	if daily == nil || conf < 0.5 || len(points) == 0 {
		return nil
	}
	last := points[len(points)-1].cost
	if daily[0] <= last*1.1 {
		return nil
	}
	return []Recommendation{{
		Rule:     "rising_trend",
		Priority: PriorityMedium,
		Message:  "daily spend is trending upward, review recent usage growth before it compounds",
	}}
}

// ruleTokenHeavy flags APIs with unusually large average token counts.
func ruleTokenHeavy(summary *ledger.UsageSummary, _ *ledger.MonthlyProjection, _ float64) []Recommendation {
	var out []Recommendation
	for _, api := range summary.APIBreakdown {
		if api.TotalCalls == 0 {
			continue
		}
		avgTokens := float64(api.TotalTokens) / float64(api.TotalCalls)
		if avgTokens <= 2000 {
			continue
		}
		out = append(out, Recommendation{
			Rule:     "token_heavy",
			Priority: PriorityMedium,
			API:      api.APIName,
			Message: fmt.Sprintf("%s averages %.0f tokens per call, shorter prompts or response limits would cut cost",
				api.APIName, avgTokens),
			EstimatedSavings: api.TotalCost * 0.15,
		})
	}
	return out
}

// ruleIdleAPI flags configured APIs with negligible recent traffic.
func ruleIdleAPI(summary *ledger.UsageSummary, _ *ledger.MonthlyProjection, _ float64) []Recommendation {
	var out []Recommendation
	for _, api := range summary.APIBreakdown {
		if api.TotalCalls == 0 || api.TotalCalls > 10 {
			continue
		}
		out = append(out, Recommendation{
			Rule:     "idle_api",
			Priority: PriorityLow,
			API:      api.APIName,
			Message:  fmt.Sprintf("%s saw only %d calls in the last %d days, consider disabling its service", api.APIName, api.TotalCalls, summary.PeriodDays),
		})
	}
	return out
}
