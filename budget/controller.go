package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/costguard/ledger"
	"github.com/BaSui01/costguard/service"
)

// ErrRestoreNotAllowed is returned when a restore is requested before the
// month rolls over and force is not set.
var ErrRestoreNotAllowed = errors.New("budget: restore only allowed on the first day of the month (use force to override)")

// ServiceActuator is the degradation surface the controller drives as
// thresholds escalate. Implemented by service.Controller.
type ServiceActuator interface {
	PrepareLimitation(priorities ...service.Priority)
	StopByPriority(ctx context.Context, priorities ...service.Priority)
	EmergencyStopAllNonEssential(ctx context.Context)
	RestoreAllServices(ctx context.Context)
	ServicesByPriority(p service.Priority) []string
}

const maxAlertHistory = 200

// Controller tracks monthly spend against a hard budget and escalates
// through thresholds. Threshold actions and alert callbacks fire only on
// a threshold change, never on repeated polls at the same level.
type Controller struct {
	mu       sync.RWMutex
	ledger   ledger.Ledger
	actuator ServiceActuator

	totalBudget float64
	current     Threshold
	cached      *Status
	alerts      []Alert
	callbacks   []func(Alert)

	emergencyMode bool
	limitedTiers  map[service.Priority]bool
	essentialAPIs map[string]bool

	sf     singleflight.Group
	logger *zap.Logger
	nowFn  func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithEssentialAPIs names APIs that stay callable in emergency mode even
// for non-essential callers, alongside the essential service tier.
func WithEssentialAPIs(apis ...string) ControllerOption {
	return func(c *Controller) {
		for _, api := range apis {
			c.essentialAPIs[api] = true
		}
	}
}

// NewController builds a budget controller over the given ledger and
// service actuator. monthlyBudget must be positive.
func NewController(l ledger.Ledger, act ServiceActuator, monthlyBudget float64, logger *zap.Logger, opts ...ControllerOption) (*Controller, error) {
	if l == nil {
		return nil, errors.New("budget: ledger is required")
	}
	if monthlyBudget <= 0 {
		return nil, fmt.Errorf("budget: monthly budget must be positive, got %.2f", monthlyBudget)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		ledger:        l,
		actuator:      act,
		totalBudget:   monthlyBudget,
		current:       ThresholdNone,
		limitedTiers:  make(map[service.Priority]bool),
		essentialAPIs: make(map[string]bool),
		logger:        logger.With(zap.String("component", "budget_controller")),
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnThresholdChange registers a callback invoked whenever the threshold
// level changes. Callbacks run on their own goroutine.
func (c *Controller) OnThresholdChange(fn func(Alert)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// CheckBudgetStatus recomputes the budget status from the ledger.
// Concurrent callers share a single ledger query via singleflight.
func (c *Controller) CheckBudgetStatus(ctx context.Context) (*Status, error) {
	v, err, _ := c.sf.Do("status", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Status), nil
}

func (c *Controller) refresh(ctx context.Context) (*Status, error) {
	now := c.nowFn()
	elapsed := now.Day()

	summary, err := c.ledger.GetUsageSummary(ctx, elapsed)
	if err != nil {
		return nil, fmt.Errorf("budget: usage summary: %w", err)
	}
	proj, err := c.ledger.GetMonthlyProjection(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget: monthly projection: %w", err)
	}

	spend := summary.TotalCost
	usage := spend / c.totalBudget
	threshold := ThresholdFor(usage)
	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()

	// Naive elapsed-month extrapolation; the ledger's trailing 7-day
	// projection rides along as a secondary signal.
	dailyAvg := spend / float64(elapsed)
	predicted := dailyAvg * float64(daysInMonth)

	status := &Status{
		TotalBudget:           c.totalBudget,
		CurrentSpend:          spend,
		UsageRate:             usage,
		PredictedMonthlySpend: predicted,
		DaysRemaining:         daysInMonth - elapsed,
		Threshold:             threshold,
		ThresholdStatus:       threshold.String(),
		MonthlyTarget:         c.totalBudget * float64(elapsed) / float64(daysInMonth),
		DailyAverage:          dailyAvg,
		TrailingProjection:    proj.ProjectedMonthlyCost,
		LastUpdated:           now,
	}

	c.mu.Lock()
	prev := c.current
	if threshold != prev {
		c.transition(ctx, prev, threshold, status)
	}
	status.LimitedServices = c.limitedServicesLocked()
	c.current = threshold
	c.cached = status
	c.mu.Unlock()

	return status, nil
}

// transition runs with c.mu held. Escalation actions fire only when the
// new threshold is higher than the previous one.
func (c *Controller) transition(ctx context.Context, from, to Threshold, status *Status) {
	if to > from {
		c.escalateLocked(ctx, to, status)
	} else {
		c.logger.Info("budget threshold lowered",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Float64("usage_rate", status.UsageRate))
	}

	alert := Alert{
		ID:             uuid.NewString(),
		Threshold:      to,
		ThresholdName:  to.String(),
		UsageRate:      status.UsageRate,
		CurrentSpend:   status.CurrentSpend,
		PredictedSpend: status.PredictedMonthlySpend,
		Message:        thresholdMessage(to, status),
		Actions:        thresholdActions(to),
		Timestamp:      status.LastUpdated,
	}
	c.alerts = append(c.alerts, alert)
	if len(c.alerts) > maxAlertHistory {
		c.alerts = c.alerts[len(c.alerts)-maxAlertHistory:]
	}
	for _, fn := range c.callbacks {
		go fn(alert)
	}
}

func (c *Controller) escalateLocked(ctx context.Context, to Threshold, status *Status) {
	log := c.logger.With(
		zap.String("threshold", to.String()),
		zap.Float64("usage_rate", status.UsageRate),
		zap.Float64("current_spend", status.CurrentSpend))

	switch to {
	case ThresholdWarning70:
		log.Warn("budget warning threshold reached")
	case ThresholdAlert80:
		log.Warn("budget alert threshold reached, review high cost APIs")
	case ThresholdCritical90:
		log.Error("budget critical threshold reached, staging optional services for shutdown")
		if c.actuator != nil {
			c.actuator.PrepareLimitation(service.PriorityOptional)
		}
	case ThresholdEmergency95:
		log.Error("budget emergency threshold reached, stopping optional services")
		if c.actuator != nil {
			c.actuator.StopByPriority(ctx, service.PriorityOptional)
		}
		c.limitedTiers[service.PriorityOptional] = true
	case ThresholdStop100:
		log.Error("budget exhausted, entering emergency mode")
		if c.actuator != nil {
			c.actuator.EmergencyStopAllNonEssential(ctx)
		}
		c.limitedTiers[service.PriorityOptional] = true
		c.limitedTiers[service.PriorityImportant] = true
		c.emergencyMode = true
	}
}

func thresholdMessage(t Threshold, status *Status) string {
	switch t {
	case ThresholdNone:
		return fmt.Sprintf("budget usage back to normal at %.1f%%", status.UsageRate*100)
	case ThresholdStop100:
		return fmt.Sprintf("monthly budget exhausted: %.2f of %.2f spent", status.CurrentSpend, status.TotalBudget)
	default:
		return fmt.Sprintf("budget usage at %.1f%% of monthly budget", status.UsageRate*100)
	}
}

func thresholdActions(t Threshold) []string {
	switch t {
	case ThresholdWarning70:
		return []string{"notify"}
	case ThresholdAlert80:
		return []string{"notify", "suggest_optimization"}
	case ThresholdCritical90:
		return []string{"notify", "prepare_service_limitation"}
	case ThresholdEmergency95:
		return []string{"notify", "stop_optional_services", "block_non_essential_calls"}
	case ThresholdStop100:
		return []string{"notify", "stop_non_essential_services", "emergency_mode"}
	default:
		return nil
	}
}

// CheckCall reports whether a call to the named API is permitted under
// the current threshold. Explicitly essential calls always pass. In
// emergency mode only APIs in the essential tier remain callable;
// below that, an API is denied only while its tier is limited.
func (c *Controller) CheckCall(api string, essential bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if essential {
		return nil
	}
	if c.emergencyMode {
		if c.essentialLocked(api) {
			return nil
		}
		return c.deniedLocked(api)
	}
	if c.limitedLocked(api) {
		return c.deniedLocked(api)
	}
	return nil
}

// CanMakeAPICall is the boolean form of CheckCall.
func (c *Controller) CanMakeAPICall(api string, essential bool) bool {
	return c.CheckCall(api, essential) == nil
}

func (c *Controller) deniedLocked(api string) error {
	rate := 0.0
	if c.cached != nil {
		rate = c.cached.UsageRate
	}
	return &ExceededError{API: api, UsageRate: rate, Threshold: c.current}
}

// essentialLocked reports membership in the essential tier: either the
// configured essential API set or the actuator's essential services.
func (c *Controller) essentialLocked(api string) bool {
	if c.essentialAPIs[api] {
		return true
	}
	if c.actuator == nil {
		return false
	}
	for _, svc := range c.actuator.ServicesByPriority(service.PriorityEssential) {
		if svc == api {
			return true
		}
	}
	return false
}

func (c *Controller) limitedLocked(name string) bool {
	if c.actuator == nil {
		return false
	}
	for tier := range c.limitedTiers {
		for _, svc := range c.actuator.ServicesByPriority(tier) {
			if svc == name {
				return true
			}
		}
	}
	return false
}

// IsServiceLimited reports whether the named service belongs to a tier
// stopped by a budget escalation.
func (c *Controller) IsServiceLimited(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limitedLocked(name)
}

func (c *Controller) limitedServicesLocked() []string {
	if c.actuator == nil {
		return nil
	}
	var out []string
	for _, tier := range []service.Priority{service.PriorityImportant, service.PriorityOptional} {
		if c.limitedTiers[tier] {
			out = append(out, c.actuator.ServicesByPriority(tier)...)
		}
	}
	return out
}

// EmergencyMode reports whether the hard budget cap has been hit.
func (c *Controller) EmergencyMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emergencyMode
}

// CurrentThreshold returns the last observed threshold level.
func (c *Controller) CurrentThreshold() Threshold {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// CachedStatus returns the status from the most recent poll, or nil if
// no poll has completed yet.
func (c *Controller) CachedStatus() *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil {
		return nil
	}
	cp := *c.cached
	cp.LimitedServices = append([]string(nil), c.cached.LimitedServices...)
	return &cp
}

// Alerts returns a copy of the alert history, oldest first.
func (c *Controller) Alerts() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Alert(nil), c.alerts...)
}

// AlertHistory returns alerts raised within the last days days, most
// recent first.
func (c *Controller) AlertHistory(days int) []Alert {
	cutoff := c.nowFn().AddDate(0, 0, -days)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Alert
	for i := len(c.alerts) - 1; i >= 0; i-- {
		if c.alerts[i].Timestamp.After(cutoff) {
			out = append(out, c.alerts[i])
		}
	}
	return out
}

// RestoreServices lifts budget limitations and restarts stopped
// services. Without force it only succeeds on the first day of the
// month, matching the monthly budget cycle.
func (c *Controller) RestoreServices(ctx context.Context, force bool) error {
	now := c.nowFn()
	if now.Day() != 1 && !force {
		return ErrRestoreNotAllowed
	}

	c.mu.Lock()
	c.emergencyMode = false
	c.current = ThresholdNone
	c.limitedTiers = make(map[service.Priority]bool)
	c.cached = nil
	c.mu.Unlock()

	if c.actuator != nil {
		c.actuator.RestoreAllServices(ctx)
	}
	c.logger.Info("budget limitations lifted, services restored", zap.Bool("forced", force))
	return nil
}
