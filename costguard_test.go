package costguard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/costguard/config"
	"github.com/BaSui01/costguard/emergency"
	"github.com/BaSui01/costguard/ledger"
	"github.com/BaSui01/costguard/service"
)

// Each System registers Prometheus collectors on the default registry,
// so every test needs its own namespace.
var systemCounter int64

func testSystem(t *testing.T, mutate func(*config.Config)) *System {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Ledger.Path = "" // in-memory ledger
	if mutate != nil {
		mutate(cfg)
	}

	sys, err := New(cfg, nil,
		WithMetricsNamespace(fmt.Sprintf("cg_system_%d", atomic.AddInt64(&systemCounter, 1))),
		WithCostTable(ledger.CostTable{
			"gemini": {BasePerCall: 0.5, PerThousandTokens: 1.0},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func TestNew_WiresEveryComponent(t *testing.T) {
	sys := testSystem(t, nil)

	assert.NotNil(t, sys.Ledger)
	assert.NotNil(t, sys.Limiter)
	assert.NotNil(t, sys.Breakers)
	assert.NotNil(t, sys.Gate)
	assert.NotNil(t, sys.Budget)
	assert.NotNil(t, sys.Services)
	assert.NotNil(t, sys.Forecast)
	assert.NotNil(t, sys.Emergency)

	// Rate limits come from configuration.
	assert.ElementsMatch(t, []string{"gemini", "coupang", "whisper"}, sys.Limiter.Configured())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Budget.MonthlyTotal = 0

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_RejectsCyclicServices(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ledger.Path = ""

	_, err := New(cfg, nil,
		WithMetricsNamespace(fmt.Sprintf("cg_system_%d", atomic.AddInt64(&systemCounter, 1))),
		WithServices([]service.Config{
			{Name: "a", Priority: service.PriorityOptional, Dependencies: []string{"b"}, Enabled: true},
			{Name: "b", Priority: service.PriorityOptional, Dependencies: []string{"a"}, Enabled: true},
		}),
	)
	assert.Error(t, err)
}

func TestNew_SQLiteLedger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "usage.db")

	sys, err := New(cfg, nil,
		WithMetricsNamespace(fmt.Sprintf("cg_system_%d", atomic.AddInt64(&systemCounter, 1))))
	require.NoError(t, err)
	defer sys.Close()

	_, ok := sys.Ledger.(*ledger.Store)
	assert.True(t, ok)
}

func TestSystem_AdmissionFlow(t *testing.T) {
	sys := testSystem(t, nil)
	ctx := context.Background()

	require.NoError(t, sys.Gate.Check("gemini", false))
	require.NoError(t, sys.RecordOutcome(ctx, "gemini", 2000, true, 80*time.Millisecond))

	// The recorded call is priced into the ledger.
	summary, err := sys.Ledger.GetUsageSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalCalls)
	assert.InDelta(t, 2.5, summary.TotalCost, 1e-9)

	// And counted against the rate window.
	usage := sys.Limiter.Usage("gemini")
	assert.Equal(t, 1, usage.CallsLastMinute)
}

func TestSystem_MetricsObserveDecisionsCostsAndEmergencies(t *testing.T) {
	ns := fmt.Sprintf("cg_system_%d", atomic.AddInt64(&systemCounter, 1))
	cfg := config.DefaultConfig()
	cfg.Ledger.Path = ""

	sys, err := New(cfg, nil,
		WithMetricsNamespace(ns),
		WithCostTable(ledger.CostTable{
			"gemini": {BasePerCall: 0.5, PerThousandTokens: 1.0},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	ctx := context.Background()

	require.NoError(t, sys.Gate.Check("gemini", false))
	sys.Gate.Block("coupang")
	require.Error(t, sys.Gate.Check("coupang", false))

	require.NoError(t, sys.RecordOutcome(ctx, "gemini", 2000, true, time.Millisecond))

	resp := sys.Emergency.Trigger(ctx, emergency.TypeAPILimitReached, emergency.LevelMedium, "quota warning", nil)
	require.NotNil(t, resp)

	// One allowed and one denied admission series, one priced API and
	// one emergency counter.
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer,
		ns+"_admission_decisions_total",
		ns+"_api_cost_total",
		ns+"_emergencies_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSystem_PollUpdatesBudgetState(t *testing.T) {
	sys := testSystem(t, func(cfg *config.Config) {
		cfg.Budget.MonthlyTotal = 100
	})
	ctx := context.Background()

	// Burn through the whole budget.
	for i := 0; i < 50; i++ {
		require.NoError(t, sys.RecordOutcome(ctx, "gemini", 2000, true, time.Millisecond))
	}

	require.NoError(t, sys.Poll(ctx))

	status := sys.Budget.CachedStatus()
	require.NotNil(t, status)
	assert.GreaterOrEqual(t, status.UsageRate, 1.0)
	assert.True(t, sys.Budget.EmergencyMode())

	// The poll also opened a budget emergency.
	active := sys.Emergency.ActiveEmergencies()
	require.NotEmpty(t, active)

	// Non-essential calls are now refused.
	assert.Error(t, sys.Gate.Check("coupang", false))
	assert.NoError(t, sys.Gate.Check("gemini", true))
}

func TestSystem_PollIsIdempotentAtSameThreshold(t *testing.T) {
	sys := testSystem(t, func(cfg *config.Config) {
		cfg.Budget.MonthlyTotal = 100
	})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, sys.RecordOutcome(ctx, "gemini", 2000, true, time.Millisecond))
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, sys.Poll(ctx))
	}

	assert.Len(t, sys.Budget.Alerts(), 1)
	assert.Len(t, sys.Emergency.ActiveEmergencies(), 1)
}

func TestSystem_ForecastOverRecordedUsage(t *testing.T) {
	sys := testSystem(t, nil)
	ctx := context.Background()

	require.NoError(t, sys.RecordOutcome(ctx, "gemini", 1000, true, time.Millisecond))

	pred, err := sys.Forecast.PredictCost(ctx, 7, "simple")
	require.NoError(t, err)
	assert.Equal(t, 7, pred.DaysAhead)
	assert.Greater(t, pred.PredictedCost, 0.0)
}
