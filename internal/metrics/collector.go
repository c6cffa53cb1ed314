package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 Collector
// =============================================================================

// Collector holds every Prometheus metric of the control plane.
type Collector struct {
	// admission metrics
	admissionDecisions *prometheus.CounterVec

	// circuit breaker metrics
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	// budget metrics
	budgetSpend          prometheus.Gauge
	budgetUsageRatio     prometheus.Gauge
	thresholdTransitions *prometheus.CounterVec

	// api usage metrics
	apiCallsTotal *prometheus.CounterVec
	apiCostTotal  *prometheus.CounterVec

	// service lifecycle metrics
	serviceState *prometheus.GaugeVec

	// emergency metrics
	emergenciesActive prometheus.Gauge
	emergenciesTotal  *prometheus.CounterVec

	// ledger metrics
	ledgerQueryDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the full metric set under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// admission metrics
	c.admissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total admission decisions by outcome",
		},
		[]string{"api", "decision", "reason"},
	)

	// circuit breaker metrics
	c.circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per API (0 closed, 1 open, 2 half-open)",
		},
		[]string{"api"},
	)

	c.circuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total circuit breaker state transitions",
		},
		[]string{"api", "from", "to"},
	)

	// budget metrics
	c.budgetSpend = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spend",
			Help:      "Current month-to-date spend",
		},
	)

	c.budgetUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_usage_ratio",
			Help:      "Month-to-date spend divided by monthly budget",
		},
	)

	c.thresholdTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_threshold_transitions_total",
			Help:      "Total budget threshold transitions",
		},
		[]string{"from", "to"},
	)

	// api usage metrics
	c.apiCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Total recorded API calls",
		},
		[]string{"api", "status"},
	)

	c.apiCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_cost_total",
			Help:      "Total recorded API cost",
		},
		[]string{"api"},
	)

	// service lifecycle metrics
	c.serviceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_state",
			Help:      "Service state (1 running, 0 stopped, -1 error)",
		},
		[]string{"service"},
	)

	// emergency metrics
	c.emergenciesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergencies_active",
			Help:      "Number of open emergencies",
		},
	)

	c.emergenciesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergencies_total",
			Help:      "Total emergencies triggered",
		},
		[]string{"type", "level"},
	)

	// ledger metrics
	c.ledgerQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_query_duration_seconds",
			Help:      "Usage ledger query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 Recording
// =============================================================================

// RecordAdmission records one admission decision.
func (c *Collector) RecordAdmission(api, decision, reason string) {
	c.admissionDecisions.WithLabelValues(api, decision, reason).Inc()
}

// RecordCircuitState records the current breaker state for an API.
func (c *Collector) RecordCircuitState(api string, state int) {
	c.circuitState.WithLabelValues(api).Set(float64(state))
}

// RecordCircuitTransition records one breaker state transition.
func (c *Collector) RecordCircuitTransition(api, from, to string) {
	c.circuitTransitions.WithLabelValues(api, from, to).Inc()
}

// RecordBudget records the current spend and usage ratio.
func (c *Collector) RecordBudget(spend, usageRatio float64) {
	c.budgetSpend.Set(spend)
	c.budgetUsageRatio.Set(usageRatio)
}

// RecordThresholdTransition records one budget threshold change.
func (c *Collector) RecordThresholdTransition(from, to string) {
	c.thresholdTransitions.WithLabelValues(from, to).Inc()
}

// RecordAPICall records one completed API call and its cost.
func (c *Collector) RecordAPICall(api string, success bool, cost float64) {
	status := "success"
	if !success {
		status = "error"
	}
	c.apiCallsTotal.WithLabelValues(api, status).Inc()
	if cost > 0 {
		c.apiCostTotal.WithLabelValues(api).Add(cost)
	}
}

// RecordServiceState records a service's lifecycle state.
func (c *Collector) RecordServiceState(service string, state int) {
	c.serviceState.WithLabelValues(service).Set(float64(state))
}

// RecordEmergencyTriggered counts one new emergency.
func (c *Collector) RecordEmergencyTriggered(emergencyType, level string) {
	c.emergenciesTotal.WithLabelValues(emergencyType, level).Inc()
}

// SetActiveEmergencies records the open emergency count.
func (c *Collector) SetActiveEmergencies(n int) {
	c.emergenciesActive.Set(float64(n))
}

// RecordLedgerQuery records one ledger query's duration.
func (c *Collector) RecordLedgerQuery(operation string, duration time.Duration) {
	c.ledgerQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
