// Package emergency runs scripted responses to severe cost and service
// incidents. Each (type, level) pair maps to a static action plan:
// automatic actions run immediately, operator-only actions are surfaced
// as a checklist on the response record.
package emergency

import "time"

// Level is the severity of an emergency.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// Rank returns a comparable severity ordinal, 0 for unknown levels.
func (l Level) Rank() int { return levelRank[l] }

// Type classifies the incident that triggered the emergency.
type Type string

const (
	TypeBudgetExceeded  Type = "budget_exceeded"
	TypeServiceFailure  Type = "service_failure"
	TypeAPILimitReached Type = "api_limit_reached"
	TypeSystemOverload  Type = "system_overload"
	TypeManualTrigger   Type = "manual_trigger"
)

// Action is one step in an emergency response plan.
type Action struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	AutoExecute bool      `json:"auto_execute"`
	Executed    bool      `json:"executed"`
	ExecutedAt  time.Time `json:"executed_at,omitzero"`
	Result      string    `json:"result,omitempty"`
	Err         string    `json:"error,omitempty"`
}

// Response is one live or historical emergency. Active responses are
// keyed by ID; resolution moves them to history.
type Response struct {
	ID                    string         `json:"id"`
	Type                  Type           `json:"type"`
	Level                 Level          `json:"level"`
	Description           string         `json:"description"`
	Context               map[string]any `json:"context,omitempty"`
	TriggeredAt           time.Time      `json:"triggered_at"`
	ActionsTaken          []Action       `json:"actions_taken"`
	ManualActionsRequired []string       `json:"manual_actions_required"`
	Resolved              bool           `json:"resolved"`
	ResolvedAt            time.Time      `json:"resolved_at,omitzero"`
	ResolutionNote        string         `json:"resolution_note,omitempty"`
}

// actionTable is the static response plan. Triggering at a level
// includes every action defined at or below that level for the type.
var actionTable = map[Type]map[Level][]Action{
	TypeBudgetExceeded: {
		LevelHigh: {
			{ID: "limit_optional_apis", Kind: "api_limit", Description: "block optional-tier api calls", AutoExecute: true},
			{ID: "stop_optional_services", Kind: "service_control", Description: "stop optional-tier services", AutoExecute: true},
		},
		LevelCritical: {
			{ID: "emergency_budget_limit", Kind: "budget_control", Description: "stop all non-essential services", AutoExecute: true},
			{ID: "enable_emergency_bypass", Kind: "manual_control", Description: "emergency bypass awaiting operator approval", AutoExecute: false},
		},
	},
	TypeAPILimitReached: {
		LevelMedium: {
			{ID: "enable_circuit_breaker", Kind: "api_limit", Description: "verify circuit breakers engaged", AutoExecute: true},
		},
		LevelHigh: {
			{ID: "temporary_api_block", Kind: "api_limit", Description: "block all api calls temporarily", AutoExecute: true},
		},
	},
}

// planFor collects the actions for a type at every level up to and
// including the triggered one, copied so executions never mutate the
// table.
func planFor(t Type, l Level) []Action {
	levels, ok := actionTable[t]
	if !ok {
		return nil
	}
	var out []Action
	for _, lvl := range []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical} {
		if lvl.Rank() > l.Rank() {
			break
		}
		out = append(out, levels[lvl]...)
	}
	return out
}

// manualChecklist returns the standing operator checklist per level.
func manualChecklist(l Level) []string {
	switch l {
	case LevelCritical:
		return []string{
			"review an emergency budget increase",
			"contact the on-call operations team",
			"run a full system health check",
			"analyze recent spend patterns",
		}
	case LevelHigh:
		return []string{
			"analyze usage patterns",
			"review cost optimization recommendations",
			"verify system configuration",
		}
	default:
		return nil
	}
}
