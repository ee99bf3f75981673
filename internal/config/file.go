package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/codeswarm/internal/types"
)

// ConfigDir and ConfigFileName locate the project configuration file.
const (
	ConfigDir      = ".codeswarm"
	ConfigFileName = "config.yaml"
)

// ConfigFile represents the structure of .codeswarm/config.yaml
type ConfigFile struct {
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks,omitempty"`
	MaxMemoryMB        int64   `yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent      float64 `yaml:"max_cpu_percent,omitempty"`
	TaskTimeout        string  `yaml:"task_timeout,omitempty"`    // Duration string like "5m"
	ReserveTimeout     string  `yaml:"reserve_timeout,omitempty"` // Duration string like "30s"
	AgingInterval      string  `yaml:"aging_interval,omitempty"`

	ResourceMonitoring  MonitoringConfig    `yaml:"resource_monitoring"`
	PerformanceTracking TrackingConfig      `yaml:"performance_tracking"`
	Conflicts           ConflictsConfig     `yaml:"conflicts"`
	Decomposition       DecompositionConfig `yaml:"decomposition"`

	// Default agent parameters, e.g. quality.max_file_lines
	Params map[string]string `yaml:"params,omitempty"`
}

// MonitoringConfig defines load-adaptive concurrency in the config file.
type MonitoringConfig struct {
	Enabled        *bool   `yaml:"enabled,omitempty"`
	HighWatermark  float64 `yaml:"high_watermark,omitempty"`
	LowWatermark   float64 `yaml:"low_watermark,omitempty"`
	SampleInterval string  `yaml:"sample_interval,omitempty"`
}

// TrackingConfig defines the performance monitor in the config file.
type TrackingConfig struct {
	Enabled                  *bool   `yaml:"enabled,omitempty"`
	ChannelSize              int     `yaml:"channel_size,omitempty"`
	MaxHistory               int     `yaml:"max_history,omitempty"`
	UtilizationHighWatermark float64 `yaml:"utilization_high_watermark,omitempty"`
	SustainedWindows         int     `yaml:"sustained_windows,omitempty"`
	QueueGrowthWindows       int     `yaml:"queue_growth_windows,omitempty"`
}

// ConflictsConfig defines conflict resolution in the config file.
type ConflictsConfig struct {
	Strategy           string            `yaml:"strategy,omitempty"`
	TieBreaker         string            `yaml:"tie_breaker,omitempty"`
	ConsensusThreshold int               `yaml:"consensus_threshold,omitempty"`
	AgentPriorities    map[string]string `yaml:"agent_priorities,omitempty"`
}

// DecompositionConfig defines task decomposition in the config file.
type DecompositionConfig struct {
	Strategy         string              `yaml:"strategy,omitempty"`
	BatchSize        int                 `yaml:"batch_size,omitempty"`
	MaxBatchBytes    int64               `yaml:"max_batch_bytes,omitempty"`
	LargeFileBytes   int64               `yaml:"large_file_bytes,omitempty"`
	MaxTasks         int                 `yaml:"max_tasks,omitempty"`
	MaxSimpleBytes   int64               `yaml:"max_simple_bytes,omitempty"`
	MaxSimpleLines   int                 `yaml:"max_simple_lines,omitempty"`
	TypeDependencies map[string][]string `yaml:"type_dependencies,omitempty"`
	TypePriorities   map[string]string   `yaml:"type_priorities,omitempty"`
}

// Path returns the config file location for a project.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, ConfigFileName)
}

// LoadConfigFile loads configuration from .codeswarm/config.yaml. A
// missing file yields the defaults.
func LoadConfigFile(projectRoot string) (*Config, error) {
	configPath := Path(projectRoot)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfigPath(configPath)
}

// LoadConfigPath loads configuration from an explicit file.
func LoadConfigPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var configFile ConfigFile
	if err := yaml.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return configFile.ToConfig()
}

// ToConfig converts a ConfigFile to a Config. Unset fields keep their
// defaults.
func (cf *ConfigFile) ToConfig() (*Config, error) {
	config := DefaultConfig()

	if cf.MaxConcurrentTasks > 0 {
		config.MaxConcurrentTasks = cf.MaxConcurrentTasks
	}
	if cf.MaxMemoryMB > 0 {
		config.MaxMemoryMB = cf.MaxMemoryMB
	}
	if cf.MaxCPUPercent > 0 {
		config.MaxCPUPercent = cf.MaxCPUPercent
	}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"task_timeout", cf.TaskTimeout, &config.TaskTimeout},
		{"reserve_timeout", cf.ReserveTimeout, &config.ReserveTimeout},
		{"aging_interval", cf.AgingInterval, &config.AgingInterval},
		{"resource_monitoring.sample_interval", cf.ResourceMonitoring.SampleInterval, &config.LoadSampleInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		duration, err := parseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = duration
	}

	// Resource monitoring
	if cf.ResourceMonitoring.Enabled != nil {
		config.EnableResourceMonitoring = *cf.ResourceMonitoring.Enabled
	}
	if cf.ResourceMonitoring.HighWatermark > 0 {
		config.LoadHighWatermark = cf.ResourceMonitoring.HighWatermark
	}
	if cf.ResourceMonitoring.LowWatermark > 0 {
		config.LoadLowWatermark = cf.ResourceMonitoring.LowWatermark
	}

	// Performance tracking
	pt := cf.PerformanceTracking
	if pt.Enabled != nil {
		config.EnablePerformanceTracking = *pt.Enabled
	}
	if pt.ChannelSize > 0 {
		config.Monitor.ChannelSize = pt.ChannelSize
	}
	if pt.MaxHistory > 0 {
		config.Monitor.MaxHistory = pt.MaxHistory
	}
	if pt.UtilizationHighWatermark > 0 {
		config.Monitor.UtilizationHighWatermark = pt.UtilizationHighWatermark
	}
	if pt.SustainedWindows > 0 {
		config.Monitor.SustainedWindows = pt.SustainedWindows
	}
	if pt.QueueGrowthWindows > 0 {
		config.Monitor.QueueGrowthWindows = pt.QueueGrowthWindows
	}

	// Conflicts
	if cf.Conflicts.Strategy != "" {
		s, err := types.ParseResolutionStrategy(cf.Conflicts.Strategy)
		if err != nil {
			return nil, err
		}
		config.ConflictResolutionStrategy = s
	}
	if cf.Conflicts.TieBreaker != "" {
		s, err := types.ParseResolutionStrategy(cf.Conflicts.TieBreaker)
		if err != nil {
			return nil, fmt.Errorf("invalid tie_breaker: %w", err)
		}
		config.PriorityTieBreaker = s
	}
	if cf.Conflicts.ConsensusThreshold > 0 {
		config.ConsensusThreshold = cf.Conflicts.ConsensusThreshold
	}
	for name, value := range cf.Conflicts.AgentPriorities {
		p, err := types.ParsePriority(value)
		if err != nil {
			return nil, fmt.Errorf("invalid agent_priorities[%s]: %w", name, err)
		}
		config.AgentPriorities[name] = p
	}

	// Decomposition
	dc := cf.Decomposition
	if dc.Strategy != "" {
		s, err := types.ParseDecompositionStrategy(dc.Strategy)
		if err != nil {
			return nil, err
		}
		config.Decomposition.Strategy = s
	}
	if dc.BatchSize > 0 {
		config.Decomposition.BatchSize = dc.BatchSize
	}
	if dc.MaxBatchBytes > 0 {
		config.Decomposition.MaxBatchBytes = dc.MaxBatchBytes
	}
	if dc.LargeFileBytes > 0 {
		config.Decomposition.LargeFileBytes = dc.LargeFileBytes
	}
	if dc.MaxTasks > 0 {
		config.Decomposition.MaxTasks = dc.MaxTasks
	}
	config.Decomposition.Complexity.MaxSimpleBytes = dc.MaxSimpleBytes
	config.Decomposition.Complexity.MaxSimpleLines = dc.MaxSimpleLines
	if len(dc.TypeDependencies) > 0 {
		config.Decomposition.TypeDependencies = dc.TypeDependencies
	}
	for name, value := range dc.TypePriorities {
		p, err := types.ParsePriority(value)
		if err != nil {
			return nil, fmt.Errorf("invalid type_priorities[%s]: %w", name, err)
		}
		config.Decomposition.TypePriorities[name] = p
	}

	if len(cf.Params) > 0 {
		config.Params = cf.Params
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// FromConfig renders a Config in file form.
func FromConfig(config *Config) *ConfigFile {
	monitoring := config.EnableResourceMonitoring
	tracking := config.EnablePerformanceTracking

	cf := &ConfigFile{
		MaxConcurrentTasks: config.MaxConcurrentTasks,
		MaxMemoryMB:        config.MaxMemoryMB,
		MaxCPUPercent:      config.MaxCPUPercent,
		TaskTimeout:        config.TaskTimeout.String(),
		ReserveTimeout:     config.ReserveTimeout.String(),
		AgingInterval:      config.AgingInterval.String(),
		ResourceMonitoring: MonitoringConfig{
			Enabled:        &monitoring,
			HighWatermark:  config.LoadHighWatermark,
			LowWatermark:   config.LoadLowWatermark,
			SampleInterval: config.LoadSampleInterval.String(),
		},
		PerformanceTracking: TrackingConfig{
			Enabled:                  &tracking,
			ChannelSize:              config.Monitor.ChannelSize,
			MaxHistory:               config.Monitor.MaxHistory,
			UtilizationHighWatermark: config.Monitor.UtilizationHighWatermark,
			SustainedWindows:         config.Monitor.SustainedWindows,
			QueueGrowthWindows:       config.Monitor.QueueGrowthWindows,
		},
		Conflicts: ConflictsConfig{
			Strategy:           string(config.ConflictResolutionStrategy),
			TieBreaker:         string(config.PriorityTieBreaker),
			ConsensusThreshold: config.ConsensusThreshold,
			AgentPriorities:    priorityNames(config.AgentPriorities),
		},
		Decomposition: DecompositionConfig{
			Strategy:         string(config.Decomposition.Strategy),
			BatchSize:        config.Decomposition.BatchSize,
			MaxBatchBytes:    config.Decomposition.MaxBatchBytes,
			LargeFileBytes:   config.Decomposition.LargeFileBytes,
			MaxTasks:         config.Decomposition.MaxTasks,
			MaxSimpleBytes:   config.Decomposition.Complexity.MaxSimpleBytes,
			MaxSimpleLines:   config.Decomposition.Complexity.MaxSimpleLines,
			TypeDependencies: config.Decomposition.TypeDependencies,
			TypePriorities:   priorityNames(config.Decomposition.TypePriorities),
		},
		Params: config.Params,
	}
	return cf
}

// Marshal renders a Config as YAML.
func Marshal(config *Config) ([]byte, error) {
	data, err := yaml.Marshal(FromConfig(config))
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// SaveConfigFile saves a Config to .codeswarm/config.yaml
func SaveConfigFile(projectRoot string, config *Config) error {
	configPath := Path(projectRoot)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", ConfigDir, err)
	}

	data, err := Marshal(config)
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ExampleConfigFile returns an example configuration file content.
func ExampleConfigFile() string {
	return `# codeswarm configuration

# Resource ceilings shared by all running tasks
max_concurrent_tasks: 8    # Also capped at the number of CPUs
max_memory_mb: 8192
max_cpu_percent: 80        # Share of the machine's cores tasks may reserve

task_timeout: 5m           # Wall-clock limit per agent invocation
reserve_timeout: 30s       # Give up waiting for resources after this
aging_interval: 5s         # Waiting tasks gain one priority band per interval

# Shrink concurrency when system load is high, grow it when low
resource_monitoring:
  enabled: true
  high_watermark: 0.9      # Load per core
  low_watermark: 0.6
  sample_interval: 1s

performance_tracking:
  enabled: true
  channel_size: 256
  max_history: 1000
  utilization_high_watermark: 0.85
  sustained_windows: 3
  queue_growth_windows: 3

conflicts:
  strategy: priority       # priority, confidence, consensus or manual
  tie_breaker: confidence  # used when agents share a priority
  consensus_threshold: 0   # 0 = majority
  agent_priorities:
    security: high
    performance: medium
    quality: medium
    dependency: low

decomposition:
  strategy: file           # file, directory, analysis_type, complexity or hybrid
  batch_size: 10
  max_batch_bytes: 4194304
  large_file_bytes: 262144
  max_tasks: 1000
  # Complexity thresholds have no defaults; unset means every file is simple
  # max_simple_bytes: 65536
  # max_simple_lines: 1500
  type_dependencies: {}
  type_priorities:
    security: critical
    performance: high

# Default agent parameters
params:
  quality.max_file_lines: "500"
  quality.max_function_lines: "80"
`
}

func priorityNames(m map[string]types.Priority) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, p := range m {
		out[k] = p.String()
	}
	return out
}

// parseDuration parses duration strings like "5m", "1h", "7d"
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var d int
		if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &d); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
