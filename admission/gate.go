// Package admission is the front door for outbound API calls. Every
// call is checked against, in order: the emergency bypass, budget
// policy, manual blocks, the circuit breaker, and the sliding-window
// rate limiter. Outcomes are reported back so the breaker and ledger
// stay current.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/circuitbreaker"
	"github.com/BaSui01/costguard/ledger"
	"github.com/BaSui01/costguard/ratelimit"
)

// Denial reasons carried by the sentinel errors below.
var (
	// ErrRateLimited means a per-minute, per-hour, or per-day window is full.
	ErrRateLimited = errors.New("admission: rate limit exceeded")
	// ErrBlocked means the API is under a manual or total block.
	ErrBlocked = errors.New("admission: api is blocked")
)

// BudgetPolicy is the spend-side veto consulted before any per-API
// checks. Implemented by budget.Controller.
type BudgetPolicy interface {
	CheckCall(api string, essential bool) error
}

// Gate coordinates all admission checks for outbound API calls.
type Gate struct {
	mu sync.RWMutex

	budget   BudgetPolicy
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Registry
	ledger   ledger.Ledger

	blocked         map[string]struct{}
	totalBlock      bool
	emergencyBypass bool

	onDecision func(api string, allowed bool, reason string)

	logger *zap.Logger
	nowFn  func() time.Time
}

// Decision reasons reported to the OnDecision observer.
const (
	ReasonBypass      = "bypass"
	ReasonBudget      = "budget"
	ReasonBlocked     = "blocked"
	ReasonCircuitOpen = "circuit_open"
	ReasonRateLimited = "rate_limited"
)

// APIStatus is a per-API admission snapshot for operators.
type APIStatus struct {
	API             string                  `json:"api"`
	Blocked         bool                    `json:"blocked"`
	TotalBlock      bool                    `json:"total_block"`
	EmergencyBypass bool                    `json:"emergency_bypass"`
	Circuit         circuitbreaker.Snapshot `json:"circuit"`
	Usage           ratelimit.WindowUsage   `json:"usage"`
}

// NewGate wires the admission checks together. budget and ledger may be
// nil; the corresponding checks and recording are then skipped.
func NewGate(budget BudgetPolicy, limiter *ratelimit.Limiter, breakers *circuitbreaker.Registry, l ledger.Ledger, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		budget:   budget,
		limiter:  limiter,
		breakers: breakers,
		ledger:   l,
		blocked:  make(map[string]struct{}),
		logger:   logger.With(zap.String("component", "admission_gate")),
		nowFn:    time.Now,
	}
}

// Check runs the full admission chain for one prospective call. A nil
// return admits the call; the caller must then invoke RecordOutcome
// with the result. Essential calls skip manual blocks but never the
// circuit breaker or rate limiter.
func (g *Gate) Check(api string, essential bool) error {
	g.mu.RLock()
	bypass := g.emergencyBypass
	total := g.totalBlock
	_, manual := g.blocked[api]
	g.mu.RUnlock()

	if bypass {
		g.notify(api, true, ReasonBypass)
		return nil
	}

	if g.budget != nil {
		if err := g.budget.CheckCall(api, essential); err != nil {
			g.notify(api, false, ReasonBudget)
			return err
		}
	}

	if (total || manual) && !essential {
		g.logger.Debug("call blocked",
			zap.String("api", api),
			zap.Bool("total_block", total))
		g.notify(api, false, ReasonBlocked)
		return fmt.Errorf("%w: %s", ErrBlocked, api)
	}

	if g.breakers != nil && !g.breakers.Allowed(api) {
		g.notify(api, false, ReasonCircuitOpen)
		return fmt.Errorf("%w: %s", circuitbreaker.ErrCircuitOpen, api)
	}

	if g.limiter != nil && !g.limiter.Allow(api) {
		g.notify(api, false, ReasonRateLimited)
		return fmt.Errorf("%w: %s", ErrRateLimited, api)
	}

	g.notify(api, true, "")
	return nil
}

// OnDecision registers an observer for every admission decision. Set it
// before the gate is in use; reason is empty for ordinary admits.
func (g *Gate) OnDecision(fn func(api string, allowed bool, reason string)) {
	g.onDecision = fn
}

func (g *Gate) notify(api string, allowed bool, reason string) {
	if g.onDecision != nil {
		g.onDecision(api, allowed, reason)
	}
}

// CallAllowed is the boolean form of Check.
func (g *Gate) CallAllowed(api string, essential bool) bool {
	return g.Check(api, essential) == nil
}

// RecordOutcome reports a completed call: it feeds the circuit breaker,
// counts the call against the rate windows, and appends to the ledger.
func (g *Gate) RecordOutcome(ctx context.Context, api string, tokens int, success bool, latency time.Duration) error {
	now := g.nowFn()
	if g.breakers != nil {
		g.breakers.Report(api, success, latency)
	}
	if g.limiter != nil {
		g.limiter.Record(api, now)
	}
	if g.ledger == nil {
		return nil
	}
	if rec, ok := g.ledger.(interface {
		RecordCall(ctx context.Context, api string, tokens int, success bool, latencyMS float64) error
	}); ok {
		return rec.RecordCall(ctx, api, tokens, success, float64(latency)/float64(time.Millisecond))
	}
	return nil
}

// Block puts the named APIs under a manual block. With no arguments it
// engages the total block covering every API.
func (g *Gate) Block(apis ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(apis) == 0 {
		g.totalBlock = true
		g.logger.Warn("total api block engaged")
		return
	}
	for _, api := range apis {
		g.blocked[api] = struct{}{}
	}
	g.logger.Warn("apis blocked", zap.Strings("apis", apis))
}

// Unblock lifts manual blocks. With no arguments it clears the total
// block and every per-API block.
func (g *Gate) Unblock(apis ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(apis) == 0 {
		g.totalBlock = false
		g.blocked = make(map[string]struct{})
		g.logger.Info("all api blocks lifted")
		return
	}
	for _, api := range apis {
		delete(g.blocked, api)
	}
	g.logger.Info("apis unblocked", zap.Strings("apis", apis))
}

// SetEmergencyBypass toggles the override that admits every call
// regardless of any other check. Operator use only.
func (g *Gate) SetEmergencyBypass(on bool) {
	g.mu.Lock()
	g.emergencyBypass = on
	g.mu.Unlock()
	if on {
		g.logger.Warn("emergency bypass enabled, all admission checks suspended")
	} else {
		g.logger.Info("emergency bypass disabled")
	}
}

// EmergencyBypass reports whether the bypass is active.
func (g *Gate) EmergencyBypass() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.emergencyBypass
}

// Blocked returns whether the API is under a manual or total block.
func (g *Gate) Blocked(api string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.totalBlock {
		return true
	}
	_, ok := g.blocked[api]
	return ok
}

// Status reports the admission state for one API.
func (g *Gate) Status(api string) APIStatus {
	g.mu.RLock()
	_, manual := g.blocked[api]
	st := APIStatus{
		API:             api,
		Blocked:         manual || g.totalBlock,
		TotalBlock:      g.totalBlock,
		EmergencyBypass: g.emergencyBypass,
	}
	g.mu.RUnlock()

	if g.breakers != nil {
		st.Circuit = g.breakers.Snapshot(api)
	}
	if g.limiter != nil {
		st.Usage = g.limiter.Usage(api)
	}
	return st
}
