package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/codeswarm/internal/types"
)

// EnvPrefix prefixes every environment override, e.g.
// CODESWARM_MAX_CONCURRENT_TASKS.
const EnvPrefix = "CODESWARM"

// Override keys, shared by environment variables and bound CLI flags.
const (
	KeyMaxConcurrentTasks    = "max_concurrent_tasks"
	KeyMaxMemoryMB           = "max_memory_mb"
	KeyMaxCPUPercent         = "max_cpu_percent"
	KeyTaskTimeout           = "task_timeout"
	KeyReserveTimeout        = "reserve_timeout"
	KeyAgingInterval         = "aging_interval"
	KeyResourceMonitoring    = "resource_monitoring"
	KeyPerformanceTracking   = "performance_tracking"
	KeyConflictStrategy      = "conflict_strategy"
	KeyTieBreaker            = "tie_breaker"
	KeyConsensusThreshold    = "consensus_threshold"
	KeyDecompositionStrategy = "decomposition_strategy"
	KeyBatchSize             = "batch_size"
	KeyMaxTasks              = "max_tasks"
)

// NewViper returns a viper instance that resolves override keys from
// CODESWARM_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v (environment, bound flag or
// explicit Set) onto cfg and re-validates it.
func ApplyOverrides(cfg *Config, v *viper.Viper) error {
	if v.IsSet(KeyMaxConcurrentTasks) {
		cfg.MaxConcurrentTasks = v.GetInt(KeyMaxConcurrentTasks)
	}
	if v.IsSet(KeyMaxMemoryMB) {
		cfg.MaxMemoryMB = v.GetInt64(KeyMaxMemoryMB)
	}
	if v.IsSet(KeyMaxCPUPercent) {
		cfg.MaxCPUPercent = v.GetFloat64(KeyMaxCPUPercent)
	}

	durations := map[string]*time.Duration{
		KeyTaskTimeout:    &cfg.TaskTimeout,
		KeyReserveTimeout: &cfg.ReserveTimeout,
		KeyAgingInterval:  &cfg.AgingInterval,
	}
	for key, dst := range durations {
		if !v.IsSet(key) {
			continue
		}
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("invalid %s override: %w", key, err)
		}
		*dst = d
	}

	if v.IsSet(KeyResourceMonitoring) {
		cfg.EnableResourceMonitoring = v.GetBool(KeyResourceMonitoring)
	}
	if v.IsSet(KeyPerformanceTracking) {
		cfg.EnablePerformanceTracking = v.GetBool(KeyPerformanceTracking)
	}

	if v.IsSet(KeyConflictStrategy) {
		s, err := types.ParseResolutionStrategy(v.GetString(KeyConflictStrategy))
		if err != nil {
			return err
		}
		cfg.ConflictResolutionStrategy = s
	}
	if v.IsSet(KeyTieBreaker) {
		s, err := types.ParseResolutionStrategy(v.GetString(KeyTieBreaker))
		if err != nil {
			return fmt.Errorf("invalid %s override: %w", KeyTieBreaker, err)
		}
		cfg.PriorityTieBreaker = s
	}
	if v.IsSet(KeyConsensusThreshold) {
		cfg.ConsensusThreshold = v.GetInt(KeyConsensusThreshold)
	}

	if v.IsSet(KeyDecompositionStrategy) {
		s, err := types.ParseDecompositionStrategy(v.GetString(KeyDecompositionStrategy))
		if err != nil {
			return err
		}
		cfg.Decomposition.Strategy = s
	}
	if v.IsSet(KeyBatchSize) {
		cfg.Decomposition.BatchSize = v.GetInt(KeyBatchSize)
	}
	if v.IsSet(KeyMaxTasks) {
		cfg.Decomposition.MaxTasks = v.GetInt(KeyMaxTasks)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config after overrides: %w", err)
	}
	return nil
}
