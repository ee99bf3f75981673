// Package config holds the swarm configuration: the resource ceilings,
// timeouts and strategies that every run is executed under.
package config

import (
	"fmt"
	"time"

	"github.com/steveyegge/codeswarm/internal/decompose"
	"github.com/steveyegge/codeswarm/internal/perf"
	"github.com/steveyegge/codeswarm/internal/types"
)

// Config holds swarm configuration
type Config struct {
	// MaxConcurrentTasks bounds the worker pool (also capped at the CPU count)
	// Default: 8
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`

	// MaxMemoryMB is the memory ceiling shared by running tasks
	// Default: 8192
	MaxMemoryMB int64 `json:"max_memory_mb"`

	// MaxCPUPercent is the share of the machine's cores tasks may reserve
	// Default: 80
	MaxCPUPercent float64 `json:"max_cpu_percent"`

	// TaskTimeout is the wall-clock limit of one agent invocation
	// Default: 5 minutes
	TaskTimeout time.Duration `json:"task_timeout"`

	// ReserveTimeout bounds the wait for a resource grant
	// Default: 30 seconds
	ReserveTimeout time.Duration `json:"reserve_timeout"`

	// AgingInterval is how long a waiting task takes to gain one priority band
	// 0 = no aging
	// Default: 5 seconds
	AgingInterval time.Duration `json:"aging_interval"`

	// EnableResourceMonitoring turns on load sampling, which shrinks and grows
	// the concurrency limit between the two watermarks
	// Default: true
	EnableResourceMonitoring bool          `json:"enable_resource_monitoring"`
	LoadHighWatermark        float64       `json:"load_high_watermark"`
	LoadLowWatermark         float64       `json:"load_low_watermark"`
	LoadSampleInterval       time.Duration `json:"load_sample_interval"`

	// EnablePerformanceTracking records task metrics into the run report
	// Default: true
	EnablePerformanceTracking bool `json:"enable_performance_tracking"`

	// ConflictResolutionStrategy is applied to every detected conflict
	// Default: priority
	ConflictResolutionStrategy types.ResolutionStrategy `json:"conflict_resolution_strategy"`

	// PriorityTieBreaker settles conflicts between agents of equal priority
	// Default: confidence
	PriorityTieBreaker types.ResolutionStrategy `json:"priority_tie_breaker"`

	// ConsensusThreshold is the agent count needed for consensus
	// 0 = strict majority
	ConsensusThreshold int `json:"consensus_threshold"`

	// AgentPriorities ranks agents for priority-based resolution
	AgentPriorities map[string]types.Priority `json:"agent_priorities"`

	// Params are default agent parameters; request parameters win
	Params map[string]string `json:"params,omitempty"`

	Decomposition decompose.Config `json:"decomposition"`
	Monitor       perf.Config      `json:"monitor"`
}

// DefaultConfig returns the default swarm configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTasks:         8,
		MaxMemoryMB:                8192,
		MaxCPUPercent:              80,
		TaskTimeout:                5 * time.Minute,
		ReserveTimeout:             30 * time.Second,
		AgingInterval:              5 * time.Second,
		EnableResourceMonitoring:   true,
		LoadHighWatermark:          0.9,
		LoadLowWatermark:           0.6,
		LoadSampleInterval:         time.Second,
		EnablePerformanceTracking:  true,
		ConflictResolutionStrategy: types.ResolvePriority,
		PriorityTieBreaker:         types.ResolveConfidence,
		AgentPriorities: map[string]types.Priority{
			"security":    types.PriorityHigh,
			"performance": types.PriorityMedium,
			"quality":     types.PriorityMedium,
			"dependency":  types.PriorityLow,
		},
		Decomposition: decompose.DefaultConfig(),
		Monitor:       perf.DefaultConfig(),
	}
}

// Validate checks that the configuration has safe and reasonable values
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_memory_mb must be positive, got %d", c.MaxMemoryMB)
	}
	if c.MaxCPUPercent <= 0 || c.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be in (0, 100], got %.1f", c.MaxCPUPercent)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %v", c.TaskTimeout)
	}
	if c.ReserveTimeout <= 0 {
		return fmt.Errorf("reserve_timeout must be positive, got %v", c.ReserveTimeout)
	}
	if c.AgingInterval < 0 {
		return fmt.Errorf("aging_interval must be non-negative, got %v", c.AgingInterval)
	}
	if c.EnableResourceMonitoring {
		if c.LoadLowWatermark <= 0 || c.LoadHighWatermark <= c.LoadLowWatermark {
			return fmt.Errorf("load watermarks must satisfy 0 < low < high, got low=%.2f high=%.2f",
				c.LoadLowWatermark, c.LoadHighWatermark)
		}
		if c.LoadSampleInterval <= 0 {
			return fmt.Errorf("load_sample_interval must be positive, got %v", c.LoadSampleInterval)
		}
	}
	if !c.ConflictResolutionStrategy.IsValid() {
		return fmt.Errorf("conflict_resolution_strategy must be priority, confidence, consensus or manual, got %q", c.ConflictResolutionStrategy)
	}
	switch c.PriorityTieBreaker {
	case types.ResolveConfidence, types.ResolveConsensus, types.ResolveManual:
	default:
		return fmt.Errorf("priority_tie_breaker must be confidence, consensus or manual, got %q", c.PriorityTieBreaker)
	}
	if c.ConsensusThreshold < 0 {
		return fmt.Errorf("consensus_threshold must be non-negative, got %d", c.ConsensusThreshold)
	}
	for name, p := range c.AgentPriorities {
		if !p.IsValid() {
			return fmt.Errorf("agent_priorities[%s] must be low, medium, high or critical, got %d", name, int(p))
		}
	}

	d := c.Decomposition
	if !d.Strategy.IsValid() {
		return fmt.Errorf("decomposition strategy must be file, directory, analysis_type, complexity or hybrid, got %q", d.Strategy)
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("decomposition batch_size must be positive, got %d", d.BatchSize)
	}
	if d.MaxBatchBytes < 0 || d.LargeFileBytes < 0 {
		return fmt.Errorf("decomposition byte limits must be non-negative")
	}
	if d.MaxTasks < 0 {
		return fmt.Errorf("decomposition max_tasks must be non-negative, got %d", d.MaxTasks)
	}
	if d.Complexity.MaxSimpleBytes < 0 || d.Complexity.MaxSimpleLines < 0 {
		return fmt.Errorf("complexity thresholds must be non-negative")
	}
	for name, p := range d.TypePriorities {
		if !p.IsValid() {
			return fmt.Errorf("type_priorities[%s] must be low, medium, high or critical, got %d", name, int(p))
		}
	}

	if c.EnablePerformanceTracking {
		if err := c.Monitor.Validate(); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}
	return nil
}

// CPUCores converts MaxCPUPercent into cores for a machine with n CPUs.
func (c *Config) CPUCores(n int) float64 {
	if n < 1 {
		n = 1
	}
	return float64(n) * c.MaxCPUPercent / 100
}

// WorkerPoolSize is min(n CPUs, MaxConcurrentTasks), at least 1.
func (c *Config) WorkerPoolSize(n int) int {
	size := c.MaxConcurrentTasks
	if n < size {
		size = n
	}
	if size < 1 {
		size = 1
	}
	return size
}
