package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/codeswarm/internal/agents"
	"github.com/steveyegge/codeswarm/internal/config"
	"github.com/steveyegge/codeswarm/internal/decompose"
	"github.com/steveyegge/codeswarm/internal/resource"
	"github.com/steveyegge/codeswarm/internal/types"
)

type analyzeFunc func(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error)

func fakeAgent(name string, fn analyzeFunc) agents.Agent {
	return agents.AgentFunc{AgentName: name, Fn: fn}
}

// reportEach returns one medium finding per file.
func reportEach(category string) analyzeFunc {
	return func(_ context.Context, files []string, _ map[string]string) ([]types.Finding, error) {
		var out []types.Finding
		for _, f := range files {
			out = append(out, types.Finding{
				Rule:       category + "-rule",
				Category:   category,
				Severity:   types.SeverityMedium,
				File:       f,
				LineStart:  1,
				Message:    category + " issue",
				Confidence: 0.8,
			})
		}
		return out, nil
	}
}

func failing(_ context.Context, _ []string, _ map[string]string) ([]types.Finding, error) {
	return nil, errors.New("boom")
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.EnableResourceMonitoring = false
	cfg.EnablePerformanceTracking = false
	cfg.TaskTimeout = 5 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, list []agents.Agent, opts ...Option) *Orchestrator {
	t.Helper()
	registry := agents.NewRegistry()
	for _, a := range list {
		require.NoError(t, registry.Register(a))
	}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCPUCount(4),
		WithStatFunc(func(string, bool) (decompose.FileStats, error) {
			return decompose.FileStats{Bytes: 1024, Lines: 40}, nil
		}),
	}
	o, err := New(registry, cfg, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func TestExecuteAnalysis_UnionOfFindings(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), []agents.Agent{
		fakeAgent("security", reportEach("injection")),
		fakeAgent("performance", reportEach("allocation")),
	})

	result, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
		Files: []string{"a.rs", "b.rs"},
		Types: []string{"security", "performance"},
	})
	require.NoError(t, err)

	require.Len(t, result.Tasks, 2)
	for _, task := range result.Tasks {
		assert.Equal(t, types.TaskCompleted, task.Status, task.ID)
		assert.Equal(t, 2, task.Findings)
	}
	assert.Len(t, result.AggregatedFindings, 4)
	assert.Empty(t, result.Conflicts.Resolved)
	assert.Empty(t, result.Conflicts.PendingReview)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 4, result.Summary.Total)
	assert.Equal(t, 2, result.Summary.ByAgent["security"])
	assert.NotEmpty(t, result.RunID)
	assert.Nil(t, result.Performance)

	for _, f := range result.AggregatedFindings {
		assert.NotEmpty(t, f.ID)
		assert.NotEmpty(t, f.Agent)
	}
}

func TestExecuteAnalysis_TimeoutCancelsDependents(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = time.Second
	cfg.Decomposition.TypeDependencies = map[string][]string{"quality": {"security"}}

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	o := newTestOrchestrator(t, cfg, []agents.Agent{
		// Ignores ctx on purpose; the orchestrator must abandon it.
		fakeAgent("security", func(context.Context, []string, map[string]string) ([]types.Finding, error) {
			<-release
			return nil, nil
		}),
		fakeAgent("quality", reportEach("style")),
		fakeAgent("performance", reportEach("allocation")),
	})

	start := time.Now()
	result, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
		Files: []string{"main.go"},
		Types: []string{"security", "quality", "performance"},
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)

	sec, ok := result.Task("security-001")
	require.True(t, ok)
	assert.Equal(t, types.TaskTimedOut, sec.Status)
	assert.Contains(t, sec.Cause, "timed out")

	qual, ok := result.Task("quality-001")
	require.True(t, ok)
	assert.Equal(t, types.TaskCancelled, qual.Status)
	assert.Equal(t, "dependency security-001 timed_out", qual.Cause)

	perfTask, ok := result.Task("performance-001")
	require.True(t, ok)
	assert.Equal(t, types.TaskCompleted, perfTask.Status)
	assert.Len(t, result.AggregatedFindings, 1)

	require.Len(t, result.Errors, 2)
	assert.Equal(t, 0, o.Status().Resources.ActiveGrants)
	assert.Zero(t, o.Status().Resources.CPUInUse)
}

func TestExecuteAnalysis_CascadeCausesAreDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.Decomposition.Strategy = types.DecomposeAnalysisTypeBased
	cfg.Decomposition.TypeDependencies = map[string][]string{"report": {"vet", "lint"}}

	for i := 0; i < 10; i++ {
		o := newTestOrchestrator(t, cfg, []agents.Agent{
			fakeAgent("lint", failing),
			fakeAgent("vet", failing),
			fakeAgent("report", reportEach("summary")),
		})
		result, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
			Files: []string{"a.go", "b.go"},
			Types: []string{"lint", "vet", "report"},
		})
		require.NoError(t, err)

		report, ok := result.Task("report-001")
		require.True(t, ok)
		assert.Equal(t, types.TaskCancelled, report.Status)
		assert.Equal(t, "dependency lint-001 failed (and 1 more)", report.Cause)
		assert.Len(t, result.Errors, 3)
		assert.Empty(t, result.AggregatedFindings)
	}
}

func TestExecuteAnalysis_Cancellation(t *testing.T) {
	cfg := testConfig()
	cfg.Decomposition.TypeDependencies = map[string][]string{"quality": {"security"}}

	started := make(chan struct{})
	var once sync.Once
	o := newTestOrchestrator(t, cfg, []agents.Agent{
		fakeAgent("security", func(ctx context.Context, _ []string, _ map[string]string) ([]types.Finding, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		fakeAgent("quality", reportEach("style")),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	result, err := o.ExecuteAnalysis(ctx, types.AnalysisRequest{
		Files: []string{"main.go"},
		Types: []string{"security", "quality"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancellationRequested)
	assert.ErrorIs(t, err, context.Canceled)

	var oerr *types.OrchestratorError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, types.OrchestratorCancelled, oerr.Kind)

	require.NotNil(t, result)
	for _, task := range result.Tasks {
		assert.Equal(t, types.TaskCancelled, task.Status, task.ID)
	}
	assert.Equal(t, 0, o.Status().Resources.ActiveGrants)
}

func TestExecuteAnalysis_CancelledBeforeStart(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), []agents.Agent{
		fakeAgent("security", reportEach("injection")),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.ExecuteAnalysis(ctx, types.AnalysisRequest{
		Files: []string{"main.go"},
		Types: []string{"security"},
	})
	assert.ErrorIs(t, err, types.ErrCancellationRequested)
	require.NotNil(t, result)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, types.TaskCancelled, result.Tasks[0].Status)
}

func TestExecuteAnalysis_ResourceCeilings(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentTasks = 2
	cfg.Decomposition.BatchSize = 1

	var mu sync.Mutex
	var peakActive int
	var peakCPU, cpuLimit float64
	observer := func(s resource.Stats) {
		mu.Lock()
		defer mu.Unlock()
		peakActive = max(peakActive, s.ActiveGrants)
		peakCPU = max(peakCPU, s.CPUInUse)
		cpuLimit = s.CPULimit
	}

	var running, peakRunning atomic.Int64
	slow := func(_ context.Context, files []string, _ map[string]string) ([]types.Finding, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peakRunning.Load()
			if n <= p || peakRunning.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}

	o := newTestOrchestrator(t, cfg, []agents.Agent{
		fakeAgent("security", slow),
		fakeAgent("quality", slow),
	}, WithResourceObserver(observer))

	files := []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go"}
	result, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
		Files: files,
		Types: []string{"security", "quality"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Tasks, 12)
	assert.Equal(t, 12, result.CountByStatus()[types.TaskCompleted])

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peakActive, 2)
	assert.LessOrEqual(t, peakCPU, cpuLimit)
	assert.LessOrEqual(t, peakRunning.Load(), int64(2))
	assert.Equal(t, uint64(12), o.Status().CompletedTasks)
}

func TestExecuteAnalysis_DecompositionError(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), []agents.Agent{
		fakeAgent("security", reportEach("injection")),
	})

	tests := []struct {
		name   string
		req    types.AnalysisRequest
		reason types.DecompositionReason
	}{
		{"no files", types.AnalysisRequest{Types: []string{"security"}}, types.DecompositionEmptyRequest},
		{"no types", types.AnalysisRequest{Files: []string{"a.go"}}, types.DecompositionEmptyRequest},
		{"unknown type", types.AnalysisRequest{Files: []string{"a.go"}, Types: []string{"fuzzing"}}, types.DecompositionUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := o.ExecuteAnalysis(context.Background(), tt.req)
			assert.Nil(t, result)

			var oerr *types.OrchestratorError
			require.ErrorAs(t, err, &oerr)
			assert.Equal(t, types.OrchestratorDecomposition, oerr.Kind)

			var derr *types.DecompositionError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.reason, derr.Reason)
		})
	}
	assert.Equal(t, uint64(0), o.Status().CompletedTasks)
}

func TestExecuteAnalysis_AgentPanicIsIsolated(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), []agents.Agent{
		fakeAgent("security", func(context.Context, []string, map[string]string) ([]types.Finding, error) {
			panic("nil map")
		}),
		fakeAgent("quality", reportEach("style")),
	})

	result, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
		Files: []string{"main.go"},
		Types: []string{"security", "quality"},
	})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "security-001", result.Errors[0].TaskID)
	assert.Equal(t, types.TaskFailed, result.Errors[0].Status)
	assert.Contains(t, result.Errors[0].Cause, "panic: nil map")
	assert.Len(t, result.AggregatedFindings, 1)
}

func TestExecuteAnalysis_ResolvesConflicts(t *testing.T) {
	finding := func(rule string, sev types.Severity, suggestion string) analyzeFunc {
		return func(context.Context, []string, map[string]string) ([]types.Finding, error) {
			return []types.Finding{{
				Rule:       rule,
				Category:   "injection",
				Severity:   sev,
				File:       "file.rs",
				LineStart:  10,
				Message:    "query built from input",
				Suggestion: suggestion,
				Confidence: 0.9,
			}}, nil
		}
	}

	tests := []struct {
		name     string
		strategy types.ResolutionStrategy
		resolved int
		pending  int
		findings int
	}{
		{"priority", types.ResolvePriority, 1, 0, 1},
		{"manual", types.ResolveManual, 0, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ConflictResolutionStrategy = tt.strategy
			o := newTestOrchestrator(t, cfg, []agents.Agent{
				fakeAgent("security", finding("sql-injection", types.SeverityHigh, "use bind parameters")),
				fakeAgent("quality", finding("string-concat", types.SeverityLow, "")),
			})

			result, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
				Files: []string{"file.rs"},
				Types: []string{"security", "quality"},
			})
			require.NoError(t, err)
			assert.Len(t, result.Conflicts.Resolved, tt.resolved)
			assert.Len(t, result.Conflicts.PendingReview, tt.pending)
			assert.Len(t, result.AggregatedFindings, tt.findings)

			if tt.resolved > 0 {
				winner := result.Conflicts.Resolved[0].Resolved
				require.NotNil(t, winner)
				assert.Equal(t, "security", winner.Agent)
				assert.Equal(t, types.SeverityHigh, result.AggregatedFindings[0].Severity)
			}
		})
	}
}

func TestExecuteAnalysis_MergesParams(t *testing.T) {
	cfg := testConfig()
	cfg.Params = map[string]string{"max_line_length": "100", "depth": "1"}

	var seen map[string]string
	o := newTestOrchestrator(t, cfg, []agents.Agent{
		fakeAgent("quality", func(_ context.Context, _ []string, params map[string]string) ([]types.Finding, error) {
			seen = params
			return nil, nil
		}),
	})

	_, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
		Files:  []string{"main.go"},
		Types:  []string{"quality"},
		Params: map[string]string{"depth": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"max_line_length": "100", "depth": "3"}, seen)
}

func TestExecuteAnalysis_PerformanceReport(t *testing.T) {
	cfg := testConfig()
	cfg.EnablePerformanceTracking = true
	o := newTestOrchestrator(t, cfg, []agents.Agent{
		fakeAgent("security", reportEach("injection")),
		fakeAgent("quality", failing),
	}, WithSampleInterval(time.Millisecond))

	result, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
		Files: []string{"a.go", "b.go"},
		Types: []string{"security", "quality"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Performance)
	assert.Equal(t, 2, result.Performance.Tasks)
	assert.Equal(t, 1, result.Performance.FailedTasks)
	assert.Contains(t, result.Performance.ByAgent, "security")
}

func TestStatus(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), []agents.Agent{
		fakeAgent("security", reportEach("injection")),
		fakeAgent("quality", reportEach("style")),
	})

	status := o.Status()
	assert.Equal(t, 4, status.PoolSize)
	assert.Equal(t, []string{"quality", "security"}, status.Agents)
	assert.Equal(t, 0, status.ActiveRuns)

	for i := 0; i < 3; i++ {
		_, err := o.ExecuteAnalysis(context.Background(), types.AnalysisRequest{
			Files: []string{fmt.Sprintf("f%d.go", i)},
			Types: []string{"security", "quality"},
		})
		require.NoError(t, err)
	}

	status = o.Status()
	assert.Equal(t, uint64(6), status.CompletedTasks)
	assert.Equal(t, 0, status.ActiveRuns)
	assert.Equal(t, 0, status.RunningTasks)
	assert.Equal(t, uint64(6), status.Resources.Released)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	cfg := config.DefaultConfig()
	cfg.MaxConcurrentTasks = 0
	_, err = New(agents.NewRegistry(), cfg)
	assert.ErrorContains(t, err, "max_concurrent_tasks")

	o, err := New(agents.NewRegistry(), nil, WithCPUCount(2))
	require.NoError(t, err)
	assert.Equal(t, 2, o.Status().PoolSize)
}
