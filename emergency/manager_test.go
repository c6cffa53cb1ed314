package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/costguard/budget"
	"github.com/BaSui01/costguard/service"
)

// fakeGate records admission control calls.
type fakeGate struct {
	mu       sync.Mutex
	blocked  [][]string
	unblocks int
	bypass   bool
}

func (f *fakeGate) Block(apis ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, apis)
}

func (f *fakeGate) Unblock(...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unblocks++
}

func (f *fakeGate) SetEmergencyBypass(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bypass = on
}

// fakeServices records degradation calls.
type fakeServices struct {
	mu        sync.Mutex
	stopped   []service.Priority
	emergency int
	restored  int
}

func (f *fakeServices) PrepareLimitation(...service.Priority) {}

func (f *fakeServices) StopByPriority(_ context.Context, priorities ...service.Priority) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, priorities...)
}

func (f *fakeServices) EmergencyStopAllNonEssential(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergency++
}

func (f *fakeServices) RestoreAllServices(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored++
}

func (f *fakeServices) ServicesByPriority(service.Priority) []string { return nil }

// fakeBudget serves a fixed budget status.
type fakeBudget struct {
	status *budget.Status
	err    error
}

func (f *fakeBudget) CheckBudgetStatus(context.Context) (*budget.Status, error) {
	return f.status, f.err
}

func testManager(t *testing.T, b BudgetReader) (*Manager, *fakeGate, *fakeServices) {
	t.Helper()

	gate := &fakeGate{}
	svcs := &fakeServices{}
	m := NewManager(gate, svcs, b, nil, WithOptionalAPIs("coupang", "whisper"))

	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }
	return m, gate, svcs
}

func TestTrigger_BudgetHighRunsPlan(t *testing.T) {
	m, gate, svcs := testManager(t, nil)

	resp := m.Trigger(context.Background(), TypeBudgetExceeded, LevelHigh, "budget at 96%", nil)
	require.NotNil(t, resp)

	assert.Equal(t, TypeBudgetExceeded, resp.Type)
	assert.Equal(t, LevelHigh, resp.Level)
	assert.Contains(t, resp.ID, "emergency_budget_exceeded_")
	require.Len(t, resp.ActionsTaken, 2)

	for _, a := range resp.ActionsTaken {
		assert.True(t, a.Executed, a.ID)
		assert.Empty(t, a.Err, a.ID)
	}

	// Optional APIs blocked and optional tier stopped.
	require.Len(t, gate.blocked, 1)
	assert.Equal(t, []string{"coupang", "whisper"}, gate.blocked[0])
	assert.Equal(t, []service.Priority{service.PriorityOptional}, svcs.stopped)

	// High-level responses carry an operator checklist.
	assert.Contains(t, resp.ManualActionsRequired, "analyze usage patterns")
}

func TestTrigger_CriticalIncludesLowerLevels(t *testing.T) {
	m, _, svcs := testManager(t, nil)

	resp := m.Trigger(context.Background(), TypeBudgetExceeded, LevelCritical, "budget exhausted", nil)
	require.NotNil(t, resp)

	// Critical plans include the high-level actions plus their own.
	ids := make([]string, 0, len(resp.ActionsTaken))
	for _, a := range resp.ActionsTaken {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{
		"limit_optional_apis",
		"stop_optional_services",
		"emergency_budget_limit",
		"enable_emergency_bypass",
	}, ids)

	assert.Equal(t, 1, svcs.emergency)

	// The bypass action is operator-only and surfaces as a manual step.
	assert.Contains(t, resp.ManualActionsRequired, "emergency bypass awaiting operator approval")
	assert.Contains(t, resp.ManualActionsRequired, "contact the on-call operations team")
}

func TestTrigger_Idempotent(t *testing.T) {
	m, gate, _ := testManager(t, nil)
	ctx := context.Background()

	first := m.Trigger(ctx, TypeBudgetExceeded, LevelHigh, "budget at 96%", nil)
	second := m.Trigger(ctx, TypeBudgetExceeded, LevelHigh, "budget still at 96%", nil)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, m.ActiveEmergencies(), 1)
	// Actions ran only once.
	assert.Len(t, gate.blocked, 1)

	// A different level is a distinct emergency.
	third := m.Trigger(ctx, TypeBudgetExceeded, LevelCritical, "budget exhausted", nil)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Len(t, m.ActiveEmergencies(), 2)
}

func TestTrigger_ObserverFiresOncePerNewEmergency(t *testing.T) {
	m, _, _ := testManager(t, nil)
	ctx := context.Background()

	type event struct {
		t Type
		l Level
	}
	var got []event
	m.OnTrigger(func(t Type, l Level) { got = append(got, event{t, l}) })

	m.Trigger(ctx, TypeBudgetExceeded, LevelHigh, "budget at 96%", nil)
	// Idempotent re-trigger stays silent.
	m.Trigger(ctx, TypeBudgetExceeded, LevelHigh, "budget still at 96%", nil)
	m.Trigger(ctx, TypeBudgetExceeded, LevelCritical, "budget exhausted", nil)

	assert.Equal(t, []event{
		{TypeBudgetExceeded, LevelHigh},
		{TypeBudgetExceeded, LevelCritical},
	}, got)
}

func TestTrigger_APILimitHighBlocksEverything(t *testing.T) {
	m, gate, _ := testManager(t, nil)

	resp := m.Trigger(context.Background(), TypeAPILimitReached, LevelHigh, "provider quota hit", nil)
	require.NotNil(t, resp)

	// The high plan includes the medium action plus the total block.
	ids := make([]string, 0, len(resp.ActionsTaken))
	for _, a := range resp.ActionsTaken {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"enable_circuit_breaker", "temporary_api_block"}, ids)

	// temporary_api_block engages the total block (no API names).
	require.Len(t, gate.blocked, 1)
	assert.Empty(t, gate.blocked[0])
}

func TestTrigger_UnplannedTypeHasNoActions(t *testing.T) {
	m, _, _ := testManager(t, nil)

	resp := m.Trigger(context.Background(), TypeSystemOverload, LevelLow, "load spike", nil)
	require.NotNil(t, resp)
	assert.Empty(t, resp.ActionsTaken)
	assert.Empty(t, resp.ManualActionsRequired)
}

func TestTrigger_ActionFailureRecorded(t *testing.T) {
	// No service controller wired, so service actions must fail without
	// blocking the rest of the plan.
	gate := &fakeGate{}
	m := NewManager(gate, nil, nil, nil, WithOptionalAPIs("coupang"))

	resp := m.Trigger(context.Background(), TypeBudgetExceeded, LevelHigh, "budget at 96%", nil)
	require.NotNil(t, resp)
	require.Len(t, resp.ActionsTaken, 2)

	assert.True(t, resp.ActionsTaken[0].Executed)
	assert.False(t, resp.ActionsTaken[1].Executed)
	assert.Contains(t, resp.ActionsTaken[1].Err, "no service controller")

	// The gate action still ran.
	assert.Len(t, gate.blocked, 1)
}

func TestResolve(t *testing.T) {
	m, _, _ := testManager(t, nil)
	ctx := context.Background()

	resp := m.Trigger(ctx, TypeBudgetExceeded, LevelHigh, "budget at 96%", nil)
	require.NotNil(t, resp)

	require.True(t, m.Resolve(resp.ID, "budget increased"))
	assert.Empty(t, m.ActiveEmergencies())

	hist := m.History(7)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Resolved)
	assert.Equal(t, "budget increased", hist[0].ResolutionNote)

	// Unknown IDs and double resolution return false.
	assert.False(t, m.Resolve(resp.ID, "again"))
	assert.False(t, m.Resolve("emergency_nope_12345678", ""))

	// After resolution the same (type, level) can trigger again.
	again := m.Trigger(ctx, TypeBudgetExceeded, LevelHigh, "budget at 96% again", nil)
	assert.NotEqual(t, resp.ID, again.ID)
}

func TestManualOverride(t *testing.T) {
	tests := []struct {
		kind string
		want Level
	}{
		{"budget_emergency", LevelCritical},
		{"service_emergency", LevelHigh},
		{"something_odd", LevelMedium},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			m, _, _ := testManager(t, nil)

			resp := m.ManualOverride(context.Background(), tt.kind, map[string]any{"operator": "oncall"})
			require.NotNil(t, resp)
			assert.Equal(t, TypeManualTrigger, resp.Type)
			assert.Equal(t, tt.want, resp.Level)
			assert.Equal(t, "oncall", resp.Context["operator"])
		})
	}
}

func TestEnableBypass(t *testing.T) {
	m, gate, svcs := testManager(t, nil)

	require.NoError(t, m.EnableBypass(context.Background()))
	assert.True(t, gate.bypass)
	assert.Equal(t, 1, svcs.restored)

	// Without a gate the bypass cannot be engaged.
	m2 := NewManager(nil, nil, nil, nil)
	assert.Error(t, m2.EnableBypass(context.Background()))
}

func TestAutoCheck_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		threshold budget.Threshold
		wantLevel Level
		wantOpen  int
	}{
		{"exhausted opens critical", budget.ThresholdStop100, LevelCritical, 1},
		{"emergency opens high", budget.ThresholdEmergency95, LevelHigh, 1},
		{"critical band does nothing", budget.ThresholdCritical90, "", 0},
		{"normal does nothing", budget.ThresholdNone, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBudget{status: &budget.Status{
				Threshold: tt.threshold,
				UsageRate: 0.97,
			}}
			m, _, _ := testManager(t, b)

			require.NoError(t, m.AutoCheck(context.Background()))

			active := m.ActiveEmergencies()
			require.Len(t, active, tt.wantOpen)
			if tt.wantOpen > 0 {
				assert.Equal(t, TypeBudgetExceeded, active[0].Type)
				assert.Equal(t, tt.wantLevel, active[0].Level)
			}
		})
	}
}

func TestAutoCheck_RepeatedPollsStayIdempotent(t *testing.T) {
	b := &fakeBudget{status: &budget.Status{Threshold: budget.ThresholdStop100, UsageRate: 1.01}}
	m, _, svcs := testManager(t, b)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AutoCheck(ctx))
	}

	assert.Len(t, m.ActiveEmergencies(), 1)
	assert.Equal(t, 1, svcs.emergency)
}

func TestAutoCheck_Errors(t *testing.T) {
	m, _, _ := testManager(t, &fakeBudget{err: errors.New("ledger down")})
	assert.Error(t, m.AutoCheck(context.Background()))

	// No budget controller wired is fine.
	m2 := NewManager(nil, nil, nil, nil)
	assert.NoError(t, m2.AutoCheck(context.Background()))
}

func TestHistory_WindowFilter(t *testing.T) {
	m, _, _ := testManager(t, nil)
	ctx := context.Background()

	resp := m.Trigger(ctx, TypeBudgetExceeded, LevelHigh, "old incident", nil)
	require.True(t, m.Resolve(resp.ID, "done"))

	// The incident was triggered "now"; a 7 day window includes it, a
	// zero day window does not.
	assert.Len(t, m.History(7), 1)
	assert.Empty(t, m.History(0))
}
