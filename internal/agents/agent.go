// Package agents defines the analysis agent contract, the name-keyed
// registry the orchestrator dispatches through, and the built-in agents.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/codeswarm/internal/types"
)

// Agent is a pluggable analysis unit. Analyze must watch ctx between
// bounded units of work; ctx is the request's cancellation token.
type Agent interface {
	Name() string
	Analyze(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error)
}

// Describer is implemented by agents that can explain what they look for.
type Describer interface {
	Description() string
}

// Dependent is implemented by agents whose analysis consumes the output
// of other analysis types. The decomposer turns these into task edges.
type Dependent interface {
	Dependencies() []string
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc struct {
	AgentName string
	Fn        func(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error)
}

// Name returns the registered name.
func (a AgentFunc) Name() string { return a.AgentName }

// Analyze calls the wrapped function.
func (a AgentFunc) Analyze(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error) {
	return a.Fn(ctx, files, params)
}

// Registry maps analysis type names to agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent under its name.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return fmt.Errorf("agent is nil")
	}
	name := agent.Name()
	if name == "" {
		return fmt.Errorf("agent name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q already registered", name)
	}
	r.agents[name] = agent
	return nil
}

// MustRegister is like Register but panics on error. Intended for
// package-level wiring of agents known to be valid.
func (r *Registry) MustRegister(agent Agent) {
	if err := r.Register(agent); err != nil {
		panic(err)
	}
}

// Get returns a registered agent by name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[name]
	return agent, exists
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all registered agent names, sorted.
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

// DependenciesOf returns the analysis types the named agent declares as
// inputs, or nil.
func (r *Registry) DependenciesOf(name string) []string {
	agent, ok := r.Get(name)
	if !ok {
		return nil
	}
	if dep, ok := agent.(Dependent); ok {
		return dep.Dependencies()
	}
	return nil
}

// Validate checks that every declared dependency of a registered agent
// is itself registered.
func (r *Registry) Validate() error {
	for _, name := range r.List() {
		for _, dep := range r.DependenciesOf(name) {
			if !r.Has(dep) {
				return fmt.Errorf("agent %q depends on unregistered agent %q", name, dep)
			}
		}
	}
	return nil
}
