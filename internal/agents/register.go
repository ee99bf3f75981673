package agents

import "fmt"

// RegisterBuiltins registers the built-in agents.
func RegisterBuiltins(registry *Registry) error {
	builtins := []Agent{
		NewSecurityAgent(),
		NewPerformanceAgent(),
		NewQualityAgent(),
		NewDependencyAuditor(),
	}
	for _, a := range builtins {
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("registering %s agent: %w", a.Name(), err)
		}
	}
	return nil
}

// DefaultRegistry returns a registry holding the built-in agents.
func DefaultRegistry() (*Registry, error) {
	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
