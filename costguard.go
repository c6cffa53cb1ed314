// Package costguard assembles the API cost governance control plane:
// a usage ledger, sliding-window rate limits, per-API circuit breakers,
// an admission gate, the monthly budget state machine, a service
// dependency controller, cost forecasting, and the emergency manager.
//
// Usage:
//
//	import "github.com/BaSui01/costguard"
//
//	sys, err := costguard.New(cfg, logger)
//	if err != nil { ... }
//	defer sys.Close()
//
//	if err := sys.Gate.Check("gemini", false); err != nil { ... }
//	sys.Gate.RecordOutcome(ctx, "gemini", tokens, true, latency)
package costguard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/admission"
	"github.com/BaSui01/costguard/budget"
	"github.com/BaSui01/costguard/circuitbreaker"
	"github.com/BaSui01/costguard/config"
	"github.com/BaSui01/costguard/emergency"
	"github.com/BaSui01/costguard/forecast"
	"github.com/BaSui01/costguard/internal/metrics"
	"github.com/BaSui01/costguard/ledger"
	"github.com/BaSui01/costguard/ratelimit"
	"github.com/BaSui01/costguard/service"
)

// System wires every component of the control plane together.
type System struct {
	Ledger    ledger.Ledger
	Limiter   *ratelimit.Limiter
	Breakers  *circuitbreaker.Registry
	Gate      *admission.Gate
	Budget    *budget.Controller
	Services  *service.Controller
	Forecast  *forecast.Predictor
	Emergency *emergency.Manager

	metrics *metrics.Collector
	costs   ledger.CostTable
	logger  *zap.Logger

	closeLedger func() error
}

// Option customizes System construction.
type Option func(*options)

type options struct {
	services  []service.Config
	costs     ledger.CostTable
	namespace string
	collector *metrics.Collector
}

// WithServices replaces the default service registry.
func WithServices(configs []service.Config) Option {
	return func(o *options) { o.services = configs }
}

// WithCostTable sets per-API call pricing for the ledger.
func WithCostTable(costs ledger.CostTable) Option {
	return func(o *options) { o.costs = costs }
}

// WithMetricsNamespace sets the Prometheus namespace. Default "costguard".
func WithMetricsNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithCollector injects an existing metrics collector, bypassing
// registration of a new one.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// New builds the full control plane from configuration.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &options{
		services:  service.DefaultServices(),
		namespace: "costguard",
	}
	for _, opt := range opts {
		opt(o)
	}

	sys := &System{logger: logger, costs: o.costs}

	if o.collector != nil {
		sys.metrics = o.collector
	} else {
		sys.metrics = metrics.NewCollector(o.namespace, logger)
	}

	// Ledger: sqlite-backed when a path is configured, in-memory otherwise.
	if cfg.Ledger.Path != "" {
		storeOpts := []ledger.StoreOption{ledger.WithMonthlyBudget(cfg.Budget.MonthlyTotal)}
		if o.costs != nil {
			storeOpts = append(storeOpts, ledger.WithCostTable(o.costs))
		}
		store, err := ledger.NewStore(cfg.Ledger.Path, logger, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("costguard: open ledger: %w", err)
		}
		sys.Ledger = store
		sys.closeLedger = store.Close
	} else {
		mem := ledger.NewMemory()
		mem.SetMonthlyBudget(cfg.Budget.MonthlyTotal)
		if o.costs != nil {
			mem.SetCostTable(o.costs)
		}
		sys.Ledger = mem
	}

	// Rate limiter over the configured per-API windows.
	limits := make(map[string]ratelimit.WindowConfig, len(cfg.RateLimits))
	for api, rl := range cfg.RateLimits {
		limits[api] = ratelimit.WindowConfig{
			PerMinute: rl.PerMinute,
			PerHour:   rl.PerHour,
			PerDay:    rl.PerDay,
		}
	}
	sys.Limiter = ratelimit.New(limits, logger)

	// Circuit breakers, feeding transitions into metrics.
	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OnStateChange: func(api string, from, to circuitbreaker.State) {
			sys.metrics.RecordCircuitTransition(api, from.String(), to.String())
			sys.metrics.RecordCircuitState(api, int(to))
		},
	}
	sys.Breakers = circuitbreaker.NewRegistry(breakerCfg, logger)

	// Service dependency controller.
	services, err := service.NewController(o.services, logger)
	if err != nil {
		return nil, err
	}
	sys.Services = services

	// Budget controller driving the service actuator.
	budgetCtl, err := budget.NewController(sys.Ledger, services, cfg.Budget.MonthlyTotal, logger,
		budget.WithEssentialAPIs(cfg.Budget.EssentialAPIs...))
	if err != nil {
		return nil, err
	}
	sys.Budget = budgetCtl
	budgetCtl.OnThresholdChange(func(alert budget.Alert) {
		sys.metrics.RecordThresholdTransition("", alert.ThresholdName)
	})

	// Admission gate in front of every outbound call.
	sys.Gate = admission.NewGate(budgetCtl, sys.Limiter, sys.Breakers, sys.Ledger, logger)
	sys.Gate.OnDecision(func(api string, allowed bool, reason string) {
		decision := "allowed"
		if !allowed {
			decision = "denied"
		}
		sys.metrics.RecordAdmission(api, decision, reason)
	})
	services.SetUnblockAll(func() { sys.Gate.Unblock() })

	// Forecasting and emergency response.
	sys.Forecast = forecast.NewPredictor(sys.Ledger, cfg.Budget.MonthlyTotal, logger)
	sys.Forecast.SetRateUsage(sys.Limiter)
	sys.Emergency = emergency.NewManager(sys.Gate, services, budgetCtl, logger,
		emergency.WithOptionalAPIs(cfg.Budget.OptionalAPIs...))
	sys.Emergency.OnTrigger(func(t emergency.Type, l emergency.Level) {
		sys.metrics.RecordEmergencyTriggered(string(t), string(l))
	})

	logger.Info("costguard system assembled",
		zap.Float64("monthly_budget", cfg.Budget.MonthlyTotal),
		zap.Int("rate_limited_apis", len(limits)),
		zap.Int("services", len(o.services)))

	return sys, nil
}

// Poll runs one governance cycle: refresh the budget status, publish
// metrics, and evaluate emergency conditions. Intended for a scheduler.
func (s *System) Poll(ctx context.Context) error {
	start := time.Now()
	status, err := s.Budget.CheckBudgetStatus(ctx)
	s.metrics.RecordLedgerQuery("budget_status", time.Since(start))
	if err != nil {
		return fmt.Errorf("costguard: poll: %w", err)
	}
	s.metrics.RecordBudget(status.CurrentSpend, status.UsageRate)

	for name, view := range s.Services.AllServicesStatus() {
		switch view.Status {
		case service.StatusRunning:
			s.metrics.RecordServiceState(name, 1)
		case service.StatusError:
			s.metrics.RecordServiceState(name, -1)
		default:
			s.metrics.RecordServiceState(name, 0)
		}
	}

	if err := s.Emergency.AutoCheck(ctx); err != nil {
		return err
	}
	s.metrics.SetActiveEmergencies(len(s.Emergency.ActiveEmergencies()))
	return nil
}

// RecordOutcome reports a finished call through the gate and mirrors it
// into metrics using the configured cost table.
func (s *System) RecordOutcome(ctx context.Context, api string, tokens int, success bool, latency time.Duration) error {
	err := s.Gate.RecordOutcome(ctx, api, tokens, success, latency)
	s.metrics.RecordAPICall(api, success, s.costs.CostFor(api, tokens))
	return err
}

// Close releases held resources.
func (s *System) Close() error {
	if s.closeLedger != nil {
		return s.closeLedger()
	}
	return nil
}
