// Package circuitbreaker protects failing APIs with a per-API three-state
// breaker: Closed (normal) -> Open (fail fast) -> HalfOpen (trial) ->
// Closed or back to Open.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a breaker state.
type State int

const (
	// StateClosed allows calls and counts failures.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen allows trial calls; successes close, any failure reopens.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes the automaton. Zero fields fall back to defaults.
type Config struct {
	// FailureThreshold opens the breaker once this many failures accumulate.
	FailureThreshold int
	// RecoveryTimeout is the open-state cooldown before a trial phase.
	RecoveryTimeout time.Duration
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int
	// OnStateChange is invoked on every transition.
	OnStateChange func(api string, from, to State)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
	}
}

// Snapshot is a point-in-time view of one API's breaker.
type Snapshot struct {
	API             string    `json:"api"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
}

// apiBreaker holds one API's automaton. Guarded by its own lock; breakers
// for different APIs never contend.
type apiBreaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// Registry manages one breaker per API, created lazily on first reference.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*apiBreaker
	config   Config
	logger   *zap.Logger
	nowFn    func() time.Time
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}

	return &Registry{
		breakers: make(map[string]*apiBreaker),
		config:   config,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		nowFn:    time.Now,
	}
}

func (r *Registry) breaker(api string) *apiBreaker {
	r.mu.RLock()
	b, ok := r.breakers[api]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[api]; ok {
		return b
	}
	b = &apiBreaker{state: StateClosed}
	r.breakers[api] = b
	return b
}

// Allowed reports whether a call to api may proceed. An open breaker whose
// recovery timeout has elapsed transitions to half-open here (lazy, not
// timer-driven) and the call is allowed as a trial.
func (r *Registry) Allowed(api string) bool {
	b := r.breaker(api)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if r.nowFn().Sub(b.lastFailureTime) > r.config.RecoveryTimeout {
			r.transition(api, b, StateHalfOpen)
			b.successCount = 0
			r.logger.Info("circuit breaker entering trial phase", zap.String("api", api))
			return true
		}
		return false
	}
	return false
}

// Report feeds a call outcome into api's breaker. This is the only mutator.
func (r *Registry) Report(api string, success bool, latency time.Duration) {
	b := r.breaker(api)

	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		r.onSuccess(api, b)
	} else {
		r.onFailure(api, b)
	}
	_ = latency // recorded by callers; the automaton only cares about outcome
}

func (r *Registry) onSuccess(api string, b *apiBreaker) {
	switch b.state {
	case StateClosed:
		// Decay rather than reset, so isolated failures age out without
		// letting a slow trickle accumulate forever.
		if b.failureCount > 0 {
			b.failureCount--
		}

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= r.config.SuccessThreshold {
			r.transition(api, b, StateClosed)
			b.failureCount = 0
			b.successCount = 0
			r.logger.Info("circuit breaker recovered", zap.String("api", api))
		}

	case StateOpen:
		r.logger.Warn("success reported while breaker open", zap.String("api", api))
	}
}

func (r *Registry) onFailure(api string, b *apiBreaker) {
	b.failureCount++
	b.lastFailureTime = r.nowFn()

	switch b.state {
	case StateClosed:
		if b.failureCount >= r.config.FailureThreshold {
			r.transition(api, b, StateOpen)
			r.logger.Error("circuit breaker opened",
				zap.String("api", api),
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", r.config.FailureThreshold),
			)
		}

	case StateHalfOpen:
		r.transition(api, b, StateOpen)
		b.successCount = 0
		r.logger.Error("circuit breaker reopened during trial", zap.String("api", api))
	}
}

// transition must be called with b.mu held.
func (r *Registry) transition(api string, b *apiBreaker, to State) {
	from := b.state
	b.state = to
	if r.config.OnStateChange != nil {
		go r.config.OnStateChange(api, from, to)
	}
}

// Snapshot returns api's current breaker view. APIs never reported against
// read as closed.
func (r *Registry) Snapshot(api string) Snapshot {
	b := r.breaker(api)

	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		API:             api,
		State:           b.state,
		StateName:       b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// Reset force-closes api's breaker. Operator escape hatch.
func (r *Registry) Reset(api string) {
	b := r.breaker(api)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		r.transition(api, b, StateClosed)
	}
	b.failureCount = 0
	b.successCount = 0
	r.logger.Info("circuit breaker reset", zap.String("api", api))
}

// Known lists every API a breaker exists for.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apis := make([]string, 0, len(r.breakers))
	for api := range r.breakers {
		apis = append(apis, api)
	}
	return apis
}
