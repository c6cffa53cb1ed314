package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector tests
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.admissionDecisions)
	assert.NotNil(t, collector.circuitState)
	assert.NotNil(t, collector.budgetSpend)
	assert.NotNil(t, collector.thresholdTransitions)
	assert.NotNil(t, collector.serviceState)
	assert.NotNil(t, collector.ledgerQueryDuration)
}

func TestCollector_RecordAdmission(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordAdmission("gemini", "deny", "rate_limited")
	collector.RecordAdmission("gemini", "allow", "")

	count := testutil.CollectAndCount(collector.admissionDecisions)
	assert.Equal(t, 2, count)
}

func TestCollector_RecordBudget(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordBudget(10700, 0.713)

	assert.InDelta(t, 10700, testutil.ToFloat64(collector.budgetSpend), 0.001)
	assert.InDelta(t, 0.713, testutil.ToFloat64(collector.budgetUsageRatio), 0.001)
}

func TestCollector_RecordAPICall(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordAPICall("coupang", true, 1.5)
	collector.RecordAPICall("coupang", true, 2.5)
	collector.RecordAPICall("coupang", false, 0)

	assert.InDelta(t, 2, testutil.ToFloat64(collector.apiCallsTotal.WithLabelValues("coupang", "success")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.apiCallsTotal.WithLabelValues("coupang", "error")), 0.001)
	assert.InDelta(t, 4.0, testutil.ToFloat64(collector.apiCostTotal.WithLabelValues("coupang")), 0.001)
}

func TestCollector_RecordCircuitState(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordCircuitState("gemini", 1)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.circuitState.WithLabelValues("gemini")), 0.001)

	collector.RecordCircuitState("gemini", 0)
	assert.InDelta(t, 0, testutil.ToFloat64(collector.circuitState.WithLabelValues("gemini")), 0.001)
}

func TestCollector_RecordServiceAndEmergency(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordServiceState("analytics", 0)
	collector.RecordServiceState("core_api", 1)
	collector.SetActiveEmergencies(2)
	collector.RecordEmergencyTriggered("budget_exceeded", "high")

	assert.InDelta(t, 0, testutil.ToFloat64(collector.serviceState.WithLabelValues("analytics")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.serviceState.WithLabelValues("core_api")), 0.001)
	assert.InDelta(t, 2, testutil.ToFloat64(collector.emergenciesActive), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.emergenciesTotal.WithLabelValues("budget_exceeded", "high")), 0.001)
}

func TestCollector_RecordLedgerQuery(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordLedgerQuery("usage_summary", 25*time.Millisecond)
	collector.RecordLedgerQuery("usage_summary", 40*time.Millisecond)

	count := testutil.CollectAndCount(collector.ledgerQueryDuration)
	assert.Equal(t, 1, count)
}
