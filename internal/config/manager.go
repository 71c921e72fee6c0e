package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ActionOverride adjusts pricing for a single action key, like "chat"
// or "agent:3". Empty fields inherit the global payment config.
type ActionOverride struct {
	Price string `yaml:"price"`  // display units
	PayTo string `yaml:"pay_to"` // recipient override
}

// ActionsConfig holds the map of per-action overrides.
type ActionsConfig struct {
	Actions map[string]ActionOverride `yaml:"actions"`
}

// Pricing is the effective payment setup for one action.
type Pricing struct {
	Price   string
	PayTo   string
	Network string
	Asset   string
}

// Manager resolves the effective pricing for an action key, merging
// per-action overrides on top of the global payment config.
type Manager struct {
	global  *Config
	actions map[string]ActionOverride
	mu      sync.RWMutex
}

// NewManager loads the gateway config plus the per-action overrides.
func NewManager(masterPath, actionsPath string) (*Manager, error) {
	master, err := Load(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(actionsPath)
	if err != nil {
		// No overrides file, every action uses the global pricing.
		if os.IsNotExist(err) {
			return &Manager{global: master, actions: make(map[string]ActionOverride)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var ac ActionsConfig
	if err := yaml.NewDecoder(f).Decode(&ac); err != nil {
		return nil, err
	}
	if ac.Actions == nil {
		ac.Actions = make(map[string]ActionOverride)
	}

	return &Manager{
		global:  master,
		actions: ac.Actions,
	}, nil
}

// NewManagerFromConfig wraps an already loaded config with no
// per-action overrides.
func NewManagerFromConfig(cfg *Config) *Manager {
	return &Manager{global: cfg, actions: make(map[string]ActionOverride)}
}

// Config returns the underlying global config.
func (m *Manager) Config() *Config {
	return m.global
}

// Get returns the effective pricing for an action key.
func (m *Manager) Get(actionKey string) Pricing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := Pricing{
		Price:   m.global.Payment.ChatPrice,
		PayTo:   m.global.Payment.PayTo,
		Network: m.global.Payment.Network,
		Asset:   m.global.Payment.Asset,
	}

	if override, ok := m.actions[actionKey]; ok {
		if override.Price != "" {
			effective.Price = override.Price
		}
		if override.PayTo != "" {
			effective.PayTo = override.PayTo
		}
	}

	return effective
}

// Override reports whether an explicit per-action override exists.
// Agent actions price from the on-chain registry unless one does.
func (m *Manager) Override(actionKey string) (ActionOverride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	override, ok := m.actions[actionKey]
	return override, ok
}

// SetOverride installs or replaces a per-action override at runtime.
// Used when an agent's on-chain price is mirrored into the gateway.
func (m *Manager) SetOverride(actionKey string, override ActionOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[actionKey] = override
}
