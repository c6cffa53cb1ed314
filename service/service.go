// Package service manages the lifecycle of priority-tiered application
// services. Services form a dependency DAG; stop and start orders are
// computed fresh from the graph on every invocation so degradation under
// budget pressure never stops a service before its dependents.
package service

import (
	"fmt"
	"time"
)

// Priority classifies how long a service survives budget degradation.
type Priority string

const (
	// PriorityEssential services are never stopped automatically.
	PriorityEssential Priority = "essential"
	// PriorityImportant services stop only at total budget cutoff.
	PriorityImportant Priority = "important"
	// PriorityOptional services are the first to stop.
	PriorityOptional Priority = "optional"
)

// ParsePriority converts a config string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityEssential, PriorityImportant, PriorityOptional:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown service priority %q", s)
}

// Status is a service lifecycle state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusError    Status = "error"
)

// Hook runs a service's external stop or start action. Hooks should honor
// the context; the controller additionally enforces HookTimeout.
type Hook func() error

// Config declares one service. The registry is static after construction.
type Config struct {
	Name         string        `json:"name" yaml:"name"`
	Priority     Priority      `json:"priority" yaml:"priority"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	StopHook     Hook          `json:"-" yaml:"-"`
	StartHook    Hook          `json:"-" yaml:"-"`
	HookTimeout  time.Duration `json:"hook_timeout,omitempty" yaml:"hook_timeout,omitempty"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
}

// State is one service's mutable lifecycle record. Owned exclusively by
// the Controller.
type State struct {
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	Priority       Priority  `json:"priority"`
	LastAction     string    `json:"last_action"`
	LastActionTime time.Time `json:"last_action_time"`
	StopReason     string    `json:"stop_reason,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RestartCount   int       `json:"restart_count"`
}

// StatusView merges a service's config and state for callers/UI.
type StatusView struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Priority     Priority `json:"priority"`
	Status       Status   `json:"status"`
	Enabled      bool     `json:"enabled"`
	Dependencies []string `json:"dependencies,omitempty"`
	LastAction   string   `json:"last_action"`
	StopReason   string   `json:"stop_reason,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	RestartCount int      `json:"restart_count"`
	IsStopped    bool     `json:"is_stopped"`
}

// ConfigError reports an invalid service registry: an unknown dependency
// or a dependency cycle. Fatal at construction, never at runtime.
type ConfigError struct {
	Service string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("service configuration error: %s: %s", e.Service, e.Reason)
}

// DefaultServices returns the stock registry: the dashboard stack the
// control plane was built for. Callers normally replace hooks with real
// stop/start actions.
func DefaultServices() []Config {
	return []Config{
		{Name: "database", Priority: PriorityEssential, Description: "usage ledger database", Enabled: true},
		{Name: "monitoring", Priority: PriorityEssential, Description: "system monitoring", Dependencies: []string{"database"}, Enabled: true},
		{Name: "dashboard", Priority: PriorityEssential, Description: "management dashboard", Dependencies: []string{"database", "monitoring"}, Enabled: true},
		{Name: "core_api", Priority: PriorityEssential, Description: "core API surface", Dependencies: []string{"database"}, Enabled: true},

		{Name: "gemini_api", Priority: PriorityImportant, Description: "Gemini analysis calls", Dependencies: []string{"core_api"}, Enabled: true},
		{Name: "whisper_processing", Priority: PriorityImportant, Description: "speech transcription", Dependencies: []string{"core_api"}, Enabled: true},
		{Name: "coupang_api", Priority: PriorityImportant, Description: "partner product lookup", Dependencies: []string{"core_api"}, Enabled: true},
		{Name: "visual_processing", Priority: PriorityImportant, Description: "OCR and object detection", Dependencies: []string{"core_api"}, Enabled: true},

		{Name: "auto_scaling", Priority: PriorityOptional, Description: "worker auto scaling", Dependencies: []string{"monitoring"}, Enabled: true},
		{Name: "analytics", Priority: PriorityOptional, Description: "reporting and analytics", Dependencies: []string{"database"}, Enabled: true},
		{Name: "background_tasks", Priority: PriorityOptional, Description: "background job queue", Dependencies: []string{"core_api"}, Enabled: true},
		{Name: "notification_service", Priority: PriorityOptional, Description: "outbound notifications", Dependencies: []string{"core_api"}, Enabled: true},
	}
}
