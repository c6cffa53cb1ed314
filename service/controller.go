package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultHookTimeout = 30 * time.Second

// Controller owns the service registry and all lifecycle transitions.
// Stop/restore operations are serialized by a single mutex (single-writer
// discipline); orders are recomputed from the graph on every call.
type Controller struct {
	mu       sync.Mutex
	services map[string]Config
	states   map[string]*State
	stopped  map[string]struct{}
	// deps[name] = the services name depends on.
	deps map[string]map[string]struct{}

	// unblockAll clears budget-driven API blocks after a full restore.
	unblockAll func()

	logger *zap.Logger
	nowFn  func() time.Time
}

// NewController builds a controller over the given registry. Unknown
// dependencies and dependency cycles are configuration errors and fatal.
func NewController(configs []Config, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		services: make(map[string]Config, len(configs)),
		states:   make(map[string]*State, len(configs)),
		stopped:  make(map[string]struct{}),
		deps:     make(map[string]map[string]struct{}, len(configs)),
		logger:   logger.With(zap.String("component", "service_controller")),
		nowFn:    time.Now,
	}

	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, &ConfigError{Service: "?", Reason: "empty service name"}
		}
		if _, dup := c.services[cfg.Name]; dup {
			return nil, &ConfigError{Service: cfg.Name, Reason: "duplicate service"}
		}
		if cfg.HookTimeout <= 0 {
			cfg.HookTimeout = defaultHookTimeout
		}
		c.services[cfg.Name] = cfg
		c.states[cfg.Name] = &State{
			Name:           cfg.Name,
			Status:         StatusRunning,
			Priority:       cfg.Priority,
			LastAction:     "initialized",
			LastActionTime: c.nowFn(),
		}
	}

	for name, cfg := range c.services {
		set := make(map[string]struct{}, len(cfg.Dependencies))
		for _, dep := range cfg.Dependencies {
			if _, ok := c.services[dep]; !ok {
				return nil, &ConfigError{Service: name, Reason: fmt.Sprintf("unknown dependency %q", dep)}
			}
			set[dep] = struct{}{}
		}
		c.deps[name] = set
	}

	if cyclic := c.findCycle(); cyclic != "" {
		return nil, &ConfigError{Service: cyclic, Reason: "dependency cycle"}
	}

	c.logger.Info("service controller initialized", zap.Int("services", len(c.services)))
	return c, nil
}

// findCycle runs DFS over the dependency graph and returns a service on a
// cycle, or "" when the graph is acyclic.
func (c *Controller) findCycle() string {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(name string) bool
	visit = func(name string) bool {
		visited[name] = true
		inStack[name] = true
		for dep := range c.deps[name] {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if inStack[dep] {
				return true
			}
		}
		inStack[name] = false
		return false
	}

	names := c.sortedNames()
	for _, name := range names {
		if !visited[name] && visit(name) {
			return name
		}
	}
	return ""
}

func (c *Controller) sortedNames() []string {
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetUnblockAll wires the admission-side unblock used after a full restore.
func (c *Controller) SetUnblockAll(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unblockAll = fn
}

// StopByPriority stops every enabled service in the given tiers, dependents
// first. A failed stop is recorded on that service and never blocks the
// rest of the order.
func (c *Controller) StopByPriority(ctx context.Context, priorities ...Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := c.inTiers(priorities)
	if len(targets) == 0 {
		return
	}

	order := c.stopOrder(targets)
	c.logger.Info("stopping services by priority",
		zap.Any("priorities", priorities),
		zap.Strings("order", order),
	)

	for _, name := range order {
		c.stopService(ctx, name, "budget_threshold_limitation")
	}
}

// EmergencyStopAllNonEssential stops every optional and important service.
func (c *Controller) EmergencyStopAllNonEssential(ctx context.Context) {
	c.logger.Warn("emergency stop of all non-essential services")
	c.StopByPriority(ctx, PriorityOptional, PriorityImportant)
}

// PrepareLimitation marks services in the given tiers as staged for
// shutdown without stopping them. Used at the 90% budget threshold.
func (c *Controller) PrepareLimitation(priorities ...Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.inTiers(priorities) {
		state := c.states[name]
		state.LastAction = "prepared_for_limitation"
		state.LastActionTime = c.nowFn()
		c.logger.Info("service staged for limitation",
			zap.String("service", name),
			zap.String("priority", string(state.Priority)),
		)
	}
}

// RestoreAllServices starts every previously stopped service in dependency
// order, then clears budget-driven API blocks.
func (c *Controller) RestoreAllServices(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stopped) == 0 {
		c.logger.Info("no stopped services to restore")
		return
	}

	targets := make([]string, 0, len(c.stopped))
	for name := range c.stopped {
		targets = append(targets, name)
	}
	sort.Strings(targets)

	order := c.startOrder(targets)
	c.logger.Info("restoring services", zap.Strings("order", order))

	for _, name := range order {
		c.startService(ctx, name)
	}

	if c.unblockAll != nil {
		c.unblockAll()
	}
}

// inTiers must be called with c.mu held.
func (c *Controller) inTiers(priorities []Priority) []string {
	want := make(map[Priority]struct{}, len(priorities))
	for _, p := range priorities {
		want[p] = struct{}{}
	}

	var out []string
	for _, name := range c.sortedNames() {
		cfg := c.services[name]
		if _, ok := want[cfg.Priority]; ok && cfg.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// stopOrder orders targets so that a service is stopped only after every
// target that depends on it. The graph is acyclic by construction, so a
// ready node always exists; candidates are sorted to keep the order a
// deterministic function of the graph and tier set.
func (c *Controller) stopOrder(targets []string) []string {
	remaining := make(map[string]struct{}, len(targets))
	for _, name := range targets {
		remaining[name] = struct{}{}
	}

	order := make([]string, 0, len(targets))
	for len(remaining) > 0 {
		var ready []string
		for name := range remaining {
			dependedOn := false
			for other := range remaining {
				if other == name {
					continue
				}
				if _, ok := c.deps[other][name]; ok {
					dependedOn = true
					break
				}
			}
			if !dependedOn {
				ready = append(ready, name)
			}
		}

		sort.Strings(ready)
		for _, name := range ready {
			order = append(order, name)
			delete(remaining, name)
		}
	}
	return order
}

// startOrder orders targets so a service starts only after its
// dependencies within the set. Dependencies outside the set are assumed
// running.
func (c *Controller) startOrder(targets []string) []string {
	remaining := make(map[string]struct{}, len(targets))
	for _, name := range targets {
		remaining[name] = struct{}{}
	}

	order := make([]string, 0, len(targets))
	for len(remaining) > 0 {
		var ready []string
		for name := range remaining {
			unmet := false
			for dep := range c.deps[name] {
				if _, ok := remaining[dep]; ok {
					unmet = true
					break
				}
			}
			if !unmet {
				ready = append(ready, name)
			}
		}

		sort.Strings(ready)
		for _, name := range ready {
			order = append(order, name)
			delete(remaining, name)
		}
	}
	return order
}

// stopService must be called with c.mu held. Idempotent.
func (c *Controller) stopService(ctx context.Context, name, reason string) {
	cfg, ok := c.services[name]
	if !ok {
		c.logger.Warn("stop requested for unknown service", zap.String("service", name))
		return
	}
	state := c.states[name]

	if state.Status == StatusStopped || state.Status == StatusStopping {
		return
	}

	state.Status = StatusStopping
	state.LastAction = "stopping"
	state.LastActionTime = c.nowFn()
	state.StopReason = reason

	c.logger.Info("stopping service", zap.String("service", name), zap.String("reason", reason))

	if err := c.runHook(ctx, cfg.StopHook, cfg.HookTimeout); err != nil {
		state.Status = StatusError
		state.ErrorMessage = err.Error()
		state.LastAction = "stop_failed"
		state.LastActionTime = c.nowFn()
		c.logger.Error("service stop failed", zap.String("service", name), zap.Error(err))
		return
	}

	state.Status = StatusStopped
	state.LastAction = "stopped"
	state.LastActionTime = c.nowFn()
	c.stopped[name] = struct{}{}
}

// startService must be called with c.mu held. Idempotent.
func (c *Controller) startService(ctx context.Context, name string) {
	cfg, ok := c.services[name]
	if !ok {
		c.logger.Warn("start requested for unknown service", zap.String("service", name))
		return
	}
	state := c.states[name]

	if state.Status == StatusRunning {
		return
	}

	state.Status = StatusStarting
	state.LastAction = "starting"
	state.LastActionTime = c.nowFn()
	state.ErrorMessage = ""

	c.logger.Info("starting service", zap.String("service", name))

	if err := c.runHook(ctx, cfg.StartHook, cfg.HookTimeout); err != nil {
		state.Status = StatusError
		state.ErrorMessage = err.Error()
		state.LastAction = "start_failed"
		state.LastActionTime = c.nowFn()
		c.logger.Error("service start failed", zap.String("service", name), zap.Error(err))
		return
	}

	state.Status = StatusRunning
	state.LastAction = "started"
	state.LastActionTime = c.nowFn()
	state.StopReason = ""
	state.RestartCount++
	delete(c.stopped, name)
}

// runHook executes a hook under the configured timeout. A timed-out hook
// leaves the service in error state; it is not retried automatically.
func (c *Controller) runHook(ctx context.Context, hook Hook, timeout time.Duration) error {
	if hook == nil {
		return nil
	}

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- hook() }()

	select {
	case <-hookCtx.Done():
		return fmt.Errorf("service hook timed out after %s: %w", timeout, hookCtx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("service hook failed: %w", err)
		}
		return nil
	}
}

// ServiceStatus returns one service's merged config+state view.
func (c *Controller) ServiceStatus(name string) (StatusView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusView(name)
}

// AllServicesStatus returns every service's merged view.
func (c *Controller) AllServicesStatus() map[string]StatusView {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]StatusView, len(c.services))
	for name := range c.services {
		view, _ := c.statusView(name)
		out[name] = view
	}
	return out
}

// statusView must be called with c.mu held.
func (c *Controller) statusView(name string) (StatusView, bool) {
	cfg, ok := c.services[name]
	if !ok {
		return StatusView{}, false
	}
	state := c.states[name]
	_, isStopped := c.stopped[name]

	return StatusView{
		Name:         cfg.Name,
		Description:  cfg.Description,
		Priority:     cfg.Priority,
		Status:       state.Status,
		Enabled:      cfg.Enabled,
		Dependencies: cfg.Dependencies,
		LastAction:   state.LastAction,
		StopReason:   state.StopReason,
		ErrorMessage: state.ErrorMessage,
		RestartCount: state.RestartCount,
		IsStopped:    isStopped,
	}, true
}

// ServicesByPriority lists service names in the given tier.
func (c *Controller) ServicesByPriority(p Priority) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, name := range c.sortedNames() {
		if c.services[name].Priority == p {
			out = append(out, name)
		}
	}
	return out
}
