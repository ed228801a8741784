package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/logging"
)

// Registry resolves agents by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]core.Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]core.Agent)}
}

// NewRegistryFromConfigs builds a registry of exec agents.
func NewRegistryFromConfigs(configs []Config, logger *logging.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range configs {
		a, err := NewExecAgent(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent. Duplicate names are rejected.
func (r *Registry) Register(a core.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		return core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("agent %q already registered", a.Name()))
	}
	r.agents[a.Name()] = a
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, core.ErrNotFound("agent", name)
	}
	return a, nil
}

// List returns the registered agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
