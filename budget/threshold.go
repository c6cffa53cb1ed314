// Package budget drives the monthly spend state machine: it polls the
// usage ledger, classifies the spend ratio into escalating thresholds,
// fires edge-triggered alerts, and progressively degrades services as
// spend approaches the hard monthly budget.
package budget

import (
	"fmt"
	"time"
)

// Threshold is an escalation level over the monthly spend ratio.
type Threshold int

const (
	// ThresholdNone means spend is below every alerting level.
	ThresholdNone Threshold = iota
	// ThresholdWarning70 fires at 70% spend: log and alert only.
	ThresholdWarning70
	// ThresholdAlert80 fires at 80%: alert plus optimization advice.
	ThresholdAlert80
	// ThresholdCritical90 fires at 90%: optional services are staged
	// for shutdown but not yet stopped.
	ThresholdCritical90
	// ThresholdEmergency95 fires at 95%: optional services stop and new
	// non-essential calls are blocked.
	ThresholdEmergency95
	// ThresholdStop100 fires at 100%: important services stop too and
	// emergency mode restricts calls to the essential tier.
	ThresholdStop100
)

// Ratio returns the spend ratio at which the threshold engages.
func (t Threshold) Ratio() float64 {
	switch t {
	case ThresholdWarning70:
		return 0.70
	case ThresholdAlert80:
		return 0.80
	case ThresholdCritical90:
		return 0.90
	case ThresholdEmergency95:
		return 0.95
	case ThresholdStop100:
		return 1.00
	}
	return 0
}

func (t Threshold) String() string {
	switch t {
	case ThresholdNone:
		return "none"
	case ThresholdWarning70:
		return "WARNING_70"
	case ThresholdAlert80:
		return "ALERT_80"
	case ThresholdCritical90:
		return "CRITICAL_90"
	case ThresholdEmergency95:
		return "EMERGENCY_95"
	case ThresholdStop100:
		return "STOP_100"
	default:
		return "unknown"
	}
}

// ThresholdFor classifies a usage rate by strict descending comparison.
func ThresholdFor(usageRate float64) Threshold {
	switch {
	case usageRate >= 1.00:
		return ThresholdStop100
	case usageRate >= 0.95:
		return ThresholdEmergency95
	case usageRate >= 0.90:
		return ThresholdCritical90
	case usageRate >= 0.80:
		return ThresholdAlert80
	case usageRate >= 0.70:
		return ThresholdWarning70
	default:
		return ThresholdNone
	}
}

// Status is a point-in-time budget snapshot. Recomputed on every poll and
// always replaced, never mutated in place.
type Status struct {
	TotalBudget           float64   `json:"total_budget"`
	CurrentSpend          float64   `json:"current_spend"`
	UsageRate             float64   `json:"usage_rate"`
	PredictedMonthlySpend float64   `json:"predicted_monthly_spend"`
	DaysRemaining         int       `json:"days_remaining"`
	Threshold             Threshold `json:"-"`
	ThresholdStatus       string    `json:"threshold_status"`
	LimitedServices       []string  `json:"limited_services"`
	MonthlyTarget         float64   `json:"monthly_target"`
	DailyAverage          float64   `json:"daily_average"`
	TrailingProjection    float64   `json:"trailing_projection"`
	LastUpdated           time.Time `json:"last_updated"`
}

// Alert is an edge-triggered threshold notification. Appended to the
// alert history, never mutated.
type Alert struct {
	ID             string    `json:"id"`
	Threshold      Threshold `json:"-"`
	ThresholdName  string    `json:"threshold"`
	UsageRate      float64   `json:"usage_rate"`
	CurrentSpend   float64   `json:"current_spend"`
	PredictedSpend float64   `json:"predicted_spend"`
	Message        string    `json:"message"`
	Actions        []string  `json:"actions"`
	Timestamp      time.Time `json:"timestamp"`
}

// ExceededError is the expected denial signal for non-essential calls
// blocked by budget policy. Callers should back off or skip, not retry.
type ExceededError struct {
	API       string
	UsageRate float64
	Threshold Threshold
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget policy denied call to %q: usage %.1f%% at %s",
		e.API, e.UsageRate*100, e.Threshold)
}
