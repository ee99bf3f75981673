package orchestrator

import (
	"log/slog"
	"time"

	"github.com/steveyegge/codeswarm/internal/decompose"
	"github.com/steveyegge/codeswarm/internal/resource"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used by the orchestrator and the components
// it owns.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLoadSampler replaces the system load sampler of the resource manager.
func WithLoadSampler(s resource.LoadSampler) Option {
	return func(o *Orchestrator) { o.resourceOpts = append(o.resourceOpts, resource.WithLoadSampler(s)) }
}

// WithResourceObserver receives every change in resource accounting.
func WithResourceObserver(fn func(resource.Stats)) Option {
	return func(o *Orchestrator) { o.resourceOpts = append(o.resourceOpts, resource.WithObserver(fn)) }
}

// WithStatFunc replaces how the decomposer sizes files.
func WithStatFunc(fn decompose.StatFunc) Option {
	return func(o *Orchestrator) { o.statFunc = fn }
}

// WithCPUCount overrides the detected number of CPUs, which sizes both
// the worker pool and the CPU ceiling.
func WithCPUCount(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.cpus = n
		}
	}
}

// WithSampleInterval sets how often scheduler utilization is sampled into
// the performance report.
func WithSampleInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sampleInterval = d
		}
	}
}
