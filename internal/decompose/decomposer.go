// Package decompose splits an analysis request into a DAG of tasks, each
// bound to exactly one analysis type.
package decompose

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/steveyegge/codeswarm/internal/types"
)

// AgentLookup is the part of the agent registry the decomposer needs.
type AgentLookup interface {
	Has(name string) bool
	DependenciesOf(name string) []string
}

// ComplexityThresholds separate "simple" files from "complex" ones. A
// zero field is unset; with both unset every file is simple.
type ComplexityThresholds struct {
	MaxSimpleBytes int64
	MaxSimpleLines int
}

// IsSet reports whether any threshold is configured.
func (c ComplexityThresholds) IsSet() bool {
	return c.MaxSimpleBytes > 0 || c.MaxSimpleLines > 0
}

// Config controls decomposition.
type Config struct {
	Strategy       types.DecompositionStrategy
	BatchSize      int   // max files per batch
	MaxBatchBytes  int64 // max total bytes per batch, 0 = no cap
	LargeFileBytes int64 // files at least this big run alone, 0 = never
	MaxTasks       int   // 0 = unlimited
	Complexity     ComplexityThresholds

	// TypeDependencies[b] lists analysis types whose output b consumes.
	TypeDependencies map[string][]string
	TypePriorities   map[string]types.Priority

	CPUPerTask   float64
	BaseMemoryMB int64
	// MemoryPerMB is the memory estimate in MB per MB of input.
	MemoryPerMB int64
}

// DefaultConfig returns the default decomposition settings.
func DefaultConfig() Config {
	return Config{
		Strategy:       types.DecomposeFileBased,
		BatchSize:      10,
		MaxBatchBytes:  4 << 20,
		LargeFileBytes: 256 << 10,
		MaxTasks:       1000,
		TypePriorities: map[string]types.Priority{
			"security":    types.PriorityCritical,
			"performance": types.PriorityHigh,
			"quality":     types.PriorityMedium,
			"dependency":  types.PriorityMedium,
		},
		CPUPerTask:   1.0,
		BaseMemoryMB: 64,
		MemoryPerMB:  4,
	}
}

// FileStats is what the strategies know about a file.
type FileStats struct {
	Bytes int64
	Lines int
}

// StatFunc reports file statistics. Lines are only needed when
// countLines is true.
type StatFunc func(path string, countLines bool) (FileStats, error)

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithStatFunc replaces filesystem access, mainly for tests.
func WithStatFunc(fn StatFunc) Option {
	return func(d *Decomposer) { d.stat = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decomposer) { d.logger = logger }
}

// Decomposer turns requests into task graphs.
type Decomposer struct {
	lookup AgentLookup
	cfg    Config
	stat   StatFunc
	logger *slog.Logger
}

// New creates a decomposer.
func New(lookup AgentLookup, cfg Config, opts ...Option) *Decomposer {
	d := &Decomposer{
		lookup: lookup,
		cfg:    cfg,
		stat:   statFile,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decompose builds the task graph for req. It either returns a complete
// graph or a *types.DecompositionError; nothing partial escapes.
func (d *Decomposer) Decompose(req types.AnalysisRequest) (*Graph, error) {
	files := dedupe(req.Files)
	analysisTypes := dedupe(req.Types)
	if len(files) == 0 {
		return nil, &types.DecompositionError{Reason: types.DecompositionEmptyRequest, Detail: "no files"}
	}
	if len(analysisTypes) == 0 {
		return nil, &types.DecompositionError{Reason: types.DecompositionEmptyRequest, Detail: "no analysis types"}
	}
	if !d.cfg.Strategy.IsValid() {
		return nil, &types.DecompositionError{Reason: types.DecompositionInvalidConfig,
			Detail: fmt.Sprintf("unknown strategy %q", d.cfg.Strategy)}
	}
	if d.cfg.BatchSize <= 0 {
		return nil, &types.DecompositionError{Reason: types.DecompositionInvalidConfig,
			Detail: fmt.Sprintf("batch size must be positive, got %d", d.cfg.BatchSize)}
	}
	for _, t := range analysisTypes {
		if !d.lookup.Has(t) {
			return nil, &types.DecompositionError{Reason: types.DecompositionUnknownType, Detail: fmt.Sprintf("%q", t)}
		}
	}

	stats := d.collectStats(files)
	groups := d.partition(files, stats)

	var tasks []*types.Task
	byType := make(map[string][]*types.Task, len(analysisTypes))
	for _, analysisType := range analysisTypes {
		for i, group := range groups {
			task := &types.Task{
				ID:           fmt.Sprintf("%s-%03d", analysisType, i+1),
				AnalysisType: analysisType,
				Files:        append([]string(nil), group...),
				Priority:     d.priorityFor(analysisType, req.Priority),
				Cost:         d.estimateCost(group, stats),
				Params:       req.Params,
				Status:       types.TaskPending,
			}
			tasks = append(tasks, task)
			byType[analysisType] = append(byType[analysisType], task)
		}
	}

	if d.cfg.MaxTasks > 0 && len(tasks) > d.cfg.MaxTasks {
		return nil, &types.DecompositionError{Reason: types.DecompositionTooManyTasks,
			Detail: fmt.Sprintf("%d tasks exceeds limit of %d", len(tasks), d.cfg.MaxTasks)}
	}

	d.linkTypeDependencies(analysisTypes, byType)

	graph, err := NewGraph(tasks)
	if err != nil {
		return nil, &types.DecompositionError{Reason: types.DecompositionCyclicDependencies, Detail: err.Error()}
	}

	d.logger.Debug("decomposed request",
		"strategy", d.cfg.Strategy, "files", len(files), "types", len(analysisTypes), "tasks", graph.Len())
	return graph, nil
}

// linkTypeDependencies adds an edge from every task of a dependent type
// to each task of the type it consumes whose files intersect its own.
func (d *Decomposer) linkTypeDependencies(analysisTypes []string, byType map[string][]*types.Task) {
	for _, analysisType := range analysisTypes {
		deps := dedupe(append(append([]string{}, d.cfg.TypeDependencies[analysisType]...),
			d.lookup.DependenciesOf(analysisType)...))

		for _, task := range byType[analysisType] {
			own := make(map[string]struct{}, len(task.Files))
			for _, f := range task.Files {
				own[f] = struct{}{}
			}
			for _, depType := range deps {
				if depType == analysisType {
					continue
				}
				for _, upstream := range byType[depType] {
					if intersects(own, upstream.Files) {
						task.Dependencies = append(task.Dependencies, upstream.ID)
					}
				}
			}
		}
	}
}

func (d *Decomposer) priorityFor(analysisType string, requested types.Priority) types.Priority {
	p := d.cfg.TypePriorities[analysisType]
	if requested > p {
		p = requested
	}
	if !p.IsValid() {
		p = types.PriorityMedium
	}
	return p
}

func (d *Decomposer) estimateCost(files []string, stats map[string]FileStats) types.ResourceCost {
	var total int64
	for _, f := range files {
		total += stats[f].Bytes
	}
	return types.ResourceCost{
		CPU:      d.cfg.CPUPerTask,
		MemoryMB: d.cfg.BaseMemoryMB + (total*d.cfg.MemoryPerMB)>>20,
	}
}

func (d *Decomposer) collectStats(files []string) map[string]FileStats {
	countLines := (d.cfg.Strategy == types.DecomposeComplexityBased || d.cfg.Strategy == types.DecomposeHybrid) &&
		d.cfg.Complexity.MaxSimpleLines > 0

	stats := make(map[string]FileStats, len(files))
	for _, f := range files {
		s, err := d.stat(f, countLines)
		if err != nil {
			d.logger.Debug("cannot stat file, treating as empty", "file", f, "error", err)
		}
		stats[f] = s
	}
	return stats
}

func statFile(path string, countLines bool) (FileStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileStats{}, err
	}
	s := FileStats{Bytes: info.Size()}
	if !countLines {
		return s, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	s.Lines = bytes.Count(content, []byte("\n"))
	if len(content) > 0 && content[len(content)-1] != '\n' {
		s.Lines++
	}
	return s, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func intersects(set map[string]struct{}, files []string) bool {
	for _, f := range files {
		if _, ok := set[f]; ok {
			return true
		}
	}
	return false
}
