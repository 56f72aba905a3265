package features

import (
	"sort"
	"sync"

	"agent-spend-authorizer/internal/logging"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// NewDefaultManager registers the service's flags and applies overrides by name.
// Unknown override names are logged and ignored.
func NewDefaultManager(overrides map[string]bool) *Manager {
	m := NewManager()
	m.Register(FeatureDecisionReplay, true, "Answer retried webhooks from the decision cache")
	m.Register(FeatureEventHooksEnabled, true, "Publish decision and circuit events to subscribers")
	m.Register(FeatureBudgetWarnings, true, "Alert when an agent nears its monthly budget")
	m.Register(FeatureAutoFreeze, true, "Let the anomaly detector escalate yellow agents to red")

	for name, enabled := range overrides {
		if _, known := m.flags[name]; !known {
			logging.Component("features").Warn().Str("flag", name).Msg("ignoring unknown feature flag override")
			continue
		}
		if enabled {
			m.Enable(name)
		} else {
			m.Disable(name)
		}
	}
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enable turns a registered flag on.
func (m *Manager) Enable(name string) {
	m.set(name, true)
}

// Disable turns a registered flag off.
func (m *Manager) Disable(name string) {
	m.set(name, false)
}

func (m *Manager) set(name string, enabled bool) {
	m.mu.Lock()
	flag, exists := m.flags[name]
	changed := exists && flag.Enabled != enabled
	if exists {
		flag.Enabled = enabled
	}
	m.mu.Unlock()

	if changed {
		logging.Component("features").Info().Str("flag", name).Bool("enabled", enabled).Msg("feature flag changed")
	}
}

// List returns a snapshot of all flags sorted by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Predefined feature flag names
const (
	// FeatureDecisionReplay serves retried authorization ids from the decision cache
	FeatureDecisionReplay = "decision_replay"
	// FeatureEventHooksEnabled enables/disables event-driven hooks
	FeatureEventHooksEnabled = "event_hooks_enabled"
	// FeatureBudgetWarnings enables budget-threshold alerts in the anomaly scan
	FeatureBudgetWarnings = "budget_warnings"
	// FeatureAutoFreeze enables the automatic yellow -> red escalation
	FeatureAutoFreeze = "auto_freeze"
)
