// Package ratelimit bounds per-API call frequency across three trailing
// windows (minute, hour, day) using sliding-window counters.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// WindowConfig caps one API's calls per trailing window. A cap of zero
// denies every call; APIs with no config are unbounded.
type WindowConfig struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

// WindowUsage reports current window counts against their caps.
type WindowUsage struct {
	CallsLastMinute int          `json:"calls_last_minute"`
	CallsLastHour   int          `json:"calls_last_hour"`
	CallsToday      int          `json:"calls_today"`
	Limits          WindowConfig `json:"limits"`
	Configured      bool         `json:"configured"`
}

// apiWindow owns one API's call history. Each API has its own lock so
// contention never crosses API boundaries.
type apiWindow struct {
	mu      sync.Mutex
	config  WindowConfig
	history []time.Time
}

// Limiter is the per-API sliding-window rate limiter.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*apiWindow
	logger  *zap.Logger
	nowFn   func() time.Time
}

// New creates a Limiter with the given per-API caps.
func New(configs map[string]WindowConfig, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		windows: make(map[string]*apiWindow),
		logger:  logger.With(zap.String("component", "rate_limiter")),
		nowFn:   time.Now,
	}
	for api, cfg := range configs {
		l.windows[api] = &apiWindow{config: cfg}
	}
	return l
}

// SetLimit adds or replaces one API's caps at runtime.
func (l *Limiter) SetLimit(api string, cfg WindowConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[api]; ok {
		w.mu.Lock()
		w.config = cfg
		w.mu.Unlock()
		return
	}
	l.windows[api] = &apiWindow{config: cfg}
}

func (l *Limiter) window(api string) *apiWindow {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.windows[api]
}

// Allow reports whether a call to api stays strictly below every cap.
// Unconfigured APIs are always allowed.
func (l *Limiter) Allow(api string) bool {
	w := l.window(api)
	if w == nil {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.nowFn()
	minute, hour, day := countWindows(w.history, now)

	if minute >= w.config.PerMinute {
		l.logger.Warn("rate limit exceeded",
			zap.String("api", api),
			zap.String("window", "minute"),
			zap.Int("calls", minute),
			zap.Int("limit", w.config.PerMinute),
		)
		return false
	}
	if hour >= w.config.PerHour {
		l.logger.Warn("rate limit exceeded",
			zap.String("api", api),
			zap.String("window", "hour"),
			zap.Int("calls", hour),
			zap.Int("limit", w.config.PerHour),
		)
		return false
	}
	if day >= w.config.PerDay {
		l.logger.Warn("rate limit exceeded",
			zap.String("api", api),
			zap.String("window", "day"),
			zap.Int("calls", day),
			zap.Int("limit", w.config.PerDay),
		)
		return false
	}
	return true
}

// Record appends a call timestamp to api's history and prunes entries
// older than 24h. Recording for an unconfigured API is a no-op.
func (l *Limiter) Record(api string, at time.Time) {
	w := l.window(api)
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if at.IsZero() {
		at = l.nowFn()
	}
	w.history = append(w.history, at)

	cutoff := l.nowFn().Add(-24 * time.Hour)
	pruned := w.history[:0]
	for _, t := range w.history {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	w.history = pruned
}

// Usage returns api's current window counts. Unconfigured APIs report
// Configured=false with zero counts.
func (l *Limiter) Usage(api string) WindowUsage {
	w := l.window(api)
	if w == nil {
		return WindowUsage{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	minute, hour, day := countWindows(w.history, l.nowFn())
	return WindowUsage{
		CallsLastMinute: minute,
		CallsLastHour:   hour,
		CallsToday:      day,
		Limits:          w.config,
		Configured:      true,
	}
}

// Configured lists every API with caps, for status reporting.
func (l *Limiter) Configured() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	apis := make([]string, 0, len(l.windows))
	for api := range l.windows {
		apis = append(apis, api)
	}
	return apis
}

func countWindows(history []time.Time, now time.Time) (minute, hour, day int) {
	for _, t := range history {
		age := now.Sub(t)
		if age < 24*time.Hour {
			day++
		}
		if age < time.Hour {
			hour++
		}
		if age < time.Minute {
			minute++
		}
	}
	return minute, hour, day
}
