// =============================================================================
// 📦 costguard default configuration
// =============================================================================
// Sensible defaults for every configuration section.
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Budget:     DefaultBudgetConfig(),
		RateLimits: DefaultRateLimits(),
		Breaker:    DefaultBreakerConfig(),
		Ledger:     DefaultLedgerConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default HTTP surface settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		PollSchedule:    "@every 5m",
	}
}

// DefaultBudgetConfig returns the default monthly budget policy.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MonthlyTotal:  15000,
		EssentialAPIs: []string{"gemini"},
		OptionalAPIs:  []string{"coupang", "whisper"},
	}
}

// DefaultRateLimits returns the default per-API window caps.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"gemini":  {PerMinute: 60, PerHour: 1000, PerDay: 1500},
		"coupang": {PerMinute: 10, PerHour: 9, PerDay: 100},
		"whisper": {PerMinute: 30, PerHour: 500, PerDay: 2000},
	}
}

// DefaultBreakerConfig returns the default circuit breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
	}
}

// DefaultLedgerConfig returns the default persistence settings.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Path: "data/usage.db",
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}
