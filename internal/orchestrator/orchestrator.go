// Package orchestrator runs analysis requests: it decomposes a request into
// a task graph, executes the tasks on a bounded worker pool under resource
// grants, isolates failures to their dependents and merges what the agents
// report into a single result.
package orchestrator

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/codeswarm/internal/agents"
	"github.com/steveyegge/codeswarm/internal/config"
	"github.com/steveyegge/codeswarm/internal/conflict"
	"github.com/steveyegge/codeswarm/internal/decompose"
	"github.com/steveyegge/codeswarm/internal/resource"
)

const defaultSampleInterval = 500 * time.Millisecond

// Orchestrator executes analysis requests. One Orchestrator may serve
// concurrent requests; they share its worker pool and resource budget.
type Orchestrator struct {
	registry   *agents.Registry
	cfg        *config.Config
	decomposer *decompose.Decomposer
	resources  *resource.Manager
	resolver   *conflict.Resolver
	pool       *semaphore.Weighted
	poolSize   int

	cpus           int
	sampleInterval time.Duration
	statFunc       decompose.StatFunc
	resourceOpts   []resource.Option
	logger         *slog.Logger

	activeRuns     atomic.Int64
	runningTasks   atomic.Int64
	completedTasks atomic.Uint64
}

// New creates an orchestrator over the agents in registry. cfg is
// validated and must not be modified afterwards.
func New(registry *agents.Registry, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent registry: %w", err)
	}

	o := &Orchestrator{
		registry:       registry,
		cfg:            cfg,
		cpus:           runtime.NumCPU(),
		sampleInterval: defaultSampleInterval,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.poolSize = cfg.WorkerPoolSize(o.cpus)
	o.pool = semaphore.NewWeighted(int64(o.poolSize))

	limits := resource.Limits{
		CPU:            cfg.CPUCores(o.cpus),
		MemoryMB:       cfg.MaxMemoryMB,
		MaxConcurrent:  o.poolSize,
		ReserveTimeout: cfg.ReserveTimeout,
		AgingInterval:  cfg.AgingInterval,
		Monitoring:     cfg.EnableResourceMonitoring,
		HighWatermark:  cfg.LoadHighWatermark,
		LowWatermark:   cfg.LoadLowWatermark,
		SampleInterval: cfg.LoadSampleInterval,
	}
	resourceOpts := append([]resource.Option{resource.WithLogger(o.logger)}, o.resourceOpts...)
	mgr, err := resource.New(limits, resourceOpts...)
	if err != nil {
		return nil, err
	}
	o.resources = mgr

	decomposeOpts := []decompose.Option{decompose.WithLogger(o.logger)}
	if o.statFunc != nil {
		decomposeOpts = append(decomposeOpts, decompose.WithStatFunc(o.statFunc))
	}
	o.decomposer = decompose.New(registry, cfg.Decomposition, decomposeOpts...)

	resolver, err := conflict.New(conflict.Config{
		AgentPriorities:    cfg.AgentPriorities,
		TieBreaker:         cfg.PriorityTieBreaker,
		ConsensusThreshold: cfg.ConsensusThreshold,
	})
	if err != nil {
		return nil, err
	}
	o.resolver = resolver

	return o, nil
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	ActiveRuns     int            `json:"active_runs"`
	RunningTasks   int            `json:"running_tasks"`
	CompletedTasks uint64         `json:"completed_tasks"`
	PoolSize       int            `json:"pool_size"`
	Agents         []string       `json:"agents"`
	Resources      resource.Stats `json:"resources"`
	Conflicts      conflict.Stats `json:"conflicts"`
}

// Status reports current activity and lifetime counters.
func (o *Orchestrator) Status() Status {
	return Status{
		ActiveRuns:     int(o.activeRuns.Load()),
		RunningTasks:   int(o.runningTasks.Load()),
		CompletedTasks: o.completedTasks.Load(),
		PoolSize:       o.poolSize,
		Agents:         o.registry.List(),
		Resources:      o.resources.Stats(),
		Conflicts:      o.resolver.Stats(),
	}
}
