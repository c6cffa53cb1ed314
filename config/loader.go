// =============================================================================
// 📦 costguard configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("costguard.yaml").
//	    WithEnvPrefix("COSTGUARD").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete costguard configuration.
type Config struct {
	// Server holds the HTTP control surface settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Budget holds monthly budget policy settings.
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// RateLimits maps API name to its sliding-window caps.
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits" env:"-"`

	// Breaker holds the per-API circuit breaker settings.
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Ledger holds usage persistence settings.
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Log holds logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	// HTTP listen port
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Budget poll schedule in cron syntax
	PollSchedule string `yaml:"poll_schedule" env:"POLL_SCHEDULE"`
	// TLS certificate path; HTTPS is enabled when both files are set
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	// TLS private key path
	TLSKeyFile string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// BudgetConfig configures the monthly budget policy.
type BudgetConfig struct {
	// Total monthly budget in account currency units
	MonthlyTotal float64 `yaml:"monthly_total" env:"MONTHLY_TOTAL"`
	// APIs admitted even in emergency mode
	EssentialAPIs []string `yaml:"essential_apis" env:"ESSENTIAL_APIS"`
	// APIs blocked first under budget pressure
	OptionalAPIs []string `yaml:"optional_apis" env:"OPTIONAL_APIS"`
}

// RateLimitConfig caps one API's call volume per sliding window.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// BreakerConfig configures the per-API circuit breakers.
type BreakerConfig struct {
	// Consecutive failures before the circuit opens
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// Cooldown before an open circuit admits a probe
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// Probe successes required to close again
	SuccessThreshold int `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// LedgerConfig configures usage persistence.
type LedgerConfig struct {
	// SQLite database path; empty selects the in-memory ledger
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// =============================================================================
// 🔧 Loader
// =============================================================================

// Loader loads configuration using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "COSTGUARD",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
// Precedence: defaults → YAML file → environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file keeps the defaults.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct recursively, overriding tagged
// fields from COSTGUARD_*-style variables.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 Helpers
// =============================================================================

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Budget.MonthlyTotal <= 0 {
		errs = append(errs, "monthly budget must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, "breaker success_threshold must be positive")
	}
	for api, rl := range c.RateLimits {
		if rl.PerMinute < 0 || rl.PerHour < 0 || rl.PerDay < 0 {
			errs = append(errs, fmt.Sprintf("negative rate limit for %s", api))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
