package emergency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/costguard/budget"
	"github.com/BaSui01/costguard/service"
)

// AdmissionControls is the slice of the admission gate the manager
// drives. Implemented by admission.Gate.
type AdmissionControls interface {
	Block(apis ...string)
	Unblock(apis ...string)
	SetEmergencyBypass(on bool)
}

// BudgetReader supplies budget status for the periodic auto check.
// Implemented by budget.Controller.
type BudgetReader interface {
	CheckBudgetStatus(ctx context.Context) (*budget.Status, error)
}

const maxHistory = 500

// Manager owns the active emergency set and its history.
type Manager struct {
	mu sync.Mutex

	gate     AdmissionControls
	services budget.ServiceActuator
	budget   BudgetReader

	active  map[string]*Response
	history []Response

	optionalAPIs []string
	onTrigger    func(t Type, l Level)

	logger *zap.Logger
	nowFn  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithOptionalAPIs names the APIs blocked by the limit_optional_apis
// action.
func WithOptionalAPIs(apis ...string) Option {
	return func(m *Manager) { m.optionalAPIs = apis }
}

// NewManager wires the emergency manager to its collaborators. Any of
// them may be nil; the corresponding actions then degrade to no-ops.
func NewManager(gate AdmissionControls, services budget.ServiceActuator, budgetCtl BudgetReader, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		gate:     gate,
		services: services,
		budget:   budgetCtl,
		active:   make(map[string]*Response),
		logger:   logger.With(zap.String("component", "emergency_manager")),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTrigger registers an observer called once for every newly opened
// emergency. Idempotent re-triggers do not fire it. Set it before the
// manager is in use.
func (m *Manager) OnTrigger(fn func(t Type, l Level)) {
	m.onTrigger = fn
}

// Trigger opens an emergency and runs its automatic actions. If an
// unresolved emergency with the same (type, level) already exists, that
// one is returned and nothing new is triggered.
func (m *Manager) Trigger(ctx context.Context, t Type, l Level, description string, extra map[string]any) *Response {
	m.mu.Lock()
	if existing := m.findActiveLocked(t, l); existing != nil {
		m.mu.Unlock()
		m.logger.Debug("emergency already active, not re-triggering",
			zap.String("type", string(t)),
			zap.String("level", string(l)),
			zap.String("id", existing.ID))
		return existing
	}

	now := m.nowFn()
	resp := &Response{
		ID:           fmt.Sprintf("emergency_%s_%s", t, uuid.NewString()[:8]),
		Type:         t,
		Level:        l,
		Description:  description,
		Context:      extra,
		TriggeredAt:  now,
		ActionsTaken: planFor(t, l),
	}
	m.active[resp.ID] = resp
	m.mu.Unlock()

	if m.onTrigger != nil {
		m.onTrigger(t, l)
	}

	m.logger.Error("emergency triggered",
		zap.String("id", resp.ID),
		zap.String("type", string(t)),
		zap.String("level", string(l)),
		zap.String("description", description))

	m.executeAutomaticActions(ctx, resp)

	m.mu.Lock()
	var manual []string
	for _, a := range resp.ActionsTaken {
		if !a.AutoExecute {
			manual = append(manual, a.Description)
		}
	}
	resp.ManualActionsRequired = append(manual, manualChecklist(l)...)
	m.mu.Unlock()

	return m.snapshot(resp.ID)
}

func (m *Manager) findActiveLocked(t Type, l Level) *Response {
	for _, e := range m.active {
		if e.Type == t && e.Level == l {
			return e
		}
	}
	return nil
}

// executeAutomaticActions runs every auto action, isolating each so one
// failure cannot block the rest.
func (m *Manager) executeAutomaticActions(ctx context.Context, resp *Response) {
	for i := range resp.ActionsTaken {
		a := &resp.ActionsTaken[i]
		if !a.AutoExecute {
			continue
		}
		result, err := m.runAction(ctx, a)

		m.mu.Lock()
		a.Executed = err == nil
		a.ExecutedAt = m.nowFn()
		a.Result = result
		if err != nil {
			a.Err = err.Error()
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("emergency action failed",
				zap.String("emergency_id", resp.ID),
				zap.String("action", a.ID),
				zap.Error(err))
		} else {
			m.logger.Info("emergency action executed",
				zap.String("emergency_id", resp.ID),
				zap.String("action", a.ID))
		}
	}
}

func (m *Manager) runAction(ctx context.Context, a *Action) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", a.ID, r)
		}
	}()

	switch a.ID {
	case "limit_optional_apis":
		if m.gate == nil || len(m.optionalAPIs) == 0 {
			return "no optional apis configured", nil
		}
		m.gate.Block(m.optionalAPIs...)
		return fmt.Sprintf("blocked optional apis: %v", m.optionalAPIs), nil

	case "enable_circuit_breaker":
		// Breakers trip on their own from failure reports.
		return "circuit breakers active", nil

	case "temporary_api_block":
		if m.gate == nil {
			return "", fmt.Errorf("no admission gate wired")
		}
		m.gate.Block()
		return "all apis blocked", nil

	case "stop_optional_services":
		if m.services == nil {
			return "", fmt.Errorf("no service controller wired")
		}
		m.services.StopByPriority(ctx, service.PriorityOptional)
		return "optional services stopped", nil

	case "emergency_budget_limit":
		if m.services == nil {
			return "", fmt.Errorf("no service controller wired")
		}
		m.services.EmergencyStopAllNonEssential(ctx)
		return "all non-essential services stopped", nil
	}
	return "", fmt.Errorf("unknown action %q", a.ID)
}

// Resolve closes an active emergency and moves it to history.
func (m *Manager) Resolve(id, note string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp, ok := m.active[id]
	if !ok {
		m.logger.Warn("resolve requested for unknown emergency", zap.String("id", id))
		return false
	}
	resp.Resolved = true
	resp.ResolvedAt = m.nowFn()
	resp.ResolutionNote = note
	delete(m.active, id)

	m.history = append(m.history, *resp)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	m.logger.Info("emergency resolved",
		zap.String("id", id),
		zap.Duration("duration", resp.ResolvedAt.Sub(resp.TriggeredAt)))
	return true
}

// ManualOverride triggers an operator-initiated emergency. Recognized
// kinds are budget_emergency (critical) and service_emergency (high);
// anything else opens a medium-level incident.
func (m *Manager) ManualOverride(ctx context.Context, kind string, extra map[string]any) *Response {
	switch kind {
	case "budget_emergency":
		return m.Trigger(ctx, TypeManualTrigger, LevelCritical, "manual budget emergency override", extra)
	case "service_emergency":
		return m.Trigger(ctx, TypeManualTrigger, LevelHigh, "manual service emergency override", extra)
	default:
		return m.Trigger(ctx, TypeManualTrigger, LevelMedium, fmt.Sprintf("manual emergency override: %s", kind), extra)
	}
}

// EnableBypass lifts all admission restrictions and restores stopped
// services. Operator-only escape hatch.
func (m *Manager) EnableBypass(ctx context.Context) error {
	if m.gate == nil {
		return fmt.Errorf("emergency: no admission gate wired")
	}
	m.gate.SetEmergencyBypass(true)
	if m.services != nil {
		m.services.RestoreAllServices(ctx)
	}
	m.logger.Warn("emergency bypass enabled, all admission restrictions suspended")
	return nil
}

// AutoCheck polls the budget controller and opens budget emergencies at
// the 95% and 100% thresholds. Safe to call from a ticker.
func (m *Manager) AutoCheck(ctx context.Context) error {
	if m.budget == nil {
		return nil
	}
	status, err := m.budget.CheckBudgetStatus(ctx)
	if err != nil {
		m.logger.Error("emergency auto check failed", zap.Error(err))
		return err
	}

	switch status.Threshold {
	case budget.ThresholdStop100:
		m.Trigger(ctx, TypeBudgetExceeded, LevelCritical,
			fmt.Sprintf("monthly budget exhausted at %.1f%% usage", status.UsageRate*100),
			map[string]any{"usage_rate": status.UsageRate, "current_spend": status.CurrentSpend})
	case budget.ThresholdEmergency95:
		m.Trigger(ctx, TypeBudgetExceeded, LevelHigh,
			fmt.Sprintf("budget usage reached %.1f%%", status.UsageRate*100),
			map[string]any{"usage_rate": status.UsageRate})
	}
	return nil
}

// ActiveEmergencies lists open emergencies, most recent first.
func (m *Manager) ActiveEmergencies() []Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Response, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// History returns resolved emergencies from the last given days, most
// recent first.
func (m *Manager) History(days int) []Response {
	cutoff := m.nowFn().AddDate(0, 0, -days)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Response
	for _, e := range m.history {
		if e.TriggeredAt.After(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

func (m *Manager) snapshot(id string) *Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok {
		cp := *e
		return &cp
	}
	return nil
}
