package decompose

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/codeswarm/internal/types"
)

type fakeLookup struct {
	known map[string][]string
}

func (f fakeLookup) Has(name string) bool {
	_, ok := f.known[name]
	return ok
}

func (f fakeLookup) DependenciesOf(name string) []string { return f.known[name] }

func lookup(names ...string) fakeLookup {
	l := fakeLookup{known: make(map[string][]string)}
	for _, n := range names {
		l.known[n] = nil
	}
	return l
}

func fakeStats(sizes map[string]FileStats) StatFunc {
	return func(path string, countLines bool) (FileStats, error) {
		s, ok := sizes[path]
		if !ok {
			return FileStats{}, fmt.Errorf("no such file %s", path)
		}
		return s, nil
	}
}

func newTestDecomposer(l AgentLookup, mutate func(*Config), sizes map[string]FileStats) *Decomposer {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(l, cfg, WithStatFunc(fakeStats(sizes)))
}

func decompositionReason(t *testing.T, err error) types.DecompositionReason {
	t.Helper()
	var de *types.DecompositionError
	require.True(t, errors.As(err, &de), "expected DecompositionError, got %v", err)
	return de.Reason
}

func TestDecompose_FileBasedScenario(t *testing.T) {
	d := newTestDecomposer(lookup("security", "performance"), nil, nil)

	g, err := d.Decompose(types.AnalysisRequest{
		Files: []string{"a.rs", "b.rs"},
		Types: []string{"security", "performance"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	for _, task := range g.Tasks() {
		assert.Equal(t, []string{"a.rs", "b.rs"}, task.Files)
		assert.Empty(t, task.Dependencies)
		assert.Equal(t, types.TaskPending, task.Status)
	}
	sec, ok := g.Get("security-001")
	require.True(t, ok)
	assert.Equal(t, types.PriorityCritical, sec.Priority)
	perf, ok := g.Get("performance-001")
	require.True(t, ok)
	assert.Equal(t, types.PriorityHigh, perf.Priority)
}

func TestDecompose_FileBasedBatching(t *testing.T) {
	sizes := map[string]FileStats{
		"a.go": {Bytes: 100}, "b.go": {Bytes: 100}, "c.go": {Bytes: 100},
		"huge.go": {Bytes: 1 << 20},
		"x.py":    {Bytes: 10},
	}
	d := newTestDecomposer(lookup("quality"), func(c *Config) {
		c.BatchSize = 2
		c.LargeFileBytes = 512 << 10
	}, sizes)

	g, err := d.Decompose(types.AnalysisRequest{
		Files: []string{"a.go", "b.go", "huge.go", "x.py", "c.go"},
		Types: []string{"quality"},
	})
	require.NoError(t, err)

	var groups [][]string
	for _, task := range g.Tasks() {
		groups = append(groups, task.Files)
	}
	assert.Equal(t, [][]string{{"a.go", "b.go"}, {"huge.go"}, {"c.go"}, {"x.py"}}, groups)
}

func TestDecompose_ByteCapSplitsBatch(t *testing.T) {
	sizes := map[string]FileStats{"a.go": {Bytes: 600}, "b.go": {Bytes: 600}, "c.go": {Bytes: 100}}
	d := newTestDecomposer(lookup("quality"), func(c *Config) {
		c.MaxBatchBytes = 1000
		c.LargeFileBytes = 0
	}, sizes)

	g, err := d.Decompose(types.AnalysisRequest{Files: []string{"a.go", "b.go", "c.go"}, Types: []string{"quality"}})
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())
	assert.Equal(t, []string{"a.go"}, g.Tasks()[0].Files)
	assert.Equal(t, []string{"b.go", "c.go"}, g.Tasks()[1].Files)
}

func TestDecompose_Strategies_PreserveFileSetPerType(t *testing.T) {
	files := []string{
		"cmd/app/main.go", "internal/a/a.go", "internal/b/b.go", "README.md",
		"internal/a/a_test.go", "go.mod", "docs/guide.md",
	}
	sizes := map[string]FileStats{}
	for i, f := range files {
		sizes[f] = FileStats{Bytes: int64(100 * (i + 1)), Lines: 10 * (i + 1)}
	}

	strategies := []types.DecompositionStrategy{
		types.DecomposeFileBased, types.DecomposeDirectoryBased, types.DecomposeAnalysisTypeBased,
		types.DecomposeComplexityBased, types.DecomposeHybrid,
	}
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			d := newTestDecomposer(lookup("security", "quality", "dependency"), func(c *Config) {
				c.Strategy = strategy
				c.BatchSize = 2
				c.Complexity = ComplexityThresholds{MaxSimpleLines: 35}
			}, sizes)

			g, err := d.Decompose(types.AnalysisRequest{
				Files: append(files, "go.mod"), // duplicate is dropped
				Types: []string{"security", "quality", "dependency"},
			})
			require.NoError(t, err)

			byType := g.FilesByType()
			require.Len(t, byType, 3)
			want := append([]string(nil), files...)
			sort.Strings(want)
			for analysisType, got := range byType {
				sorted := append([]string(nil), got...)
				sort.Strings(sorted)
				assert.Equal(t, want, sorted, analysisType)
			}
		})
	}
}

func TestDecompose_DirectoryBased(t *testing.T) {
	d := newTestDecomposer(lookup("quality"), func(c *Config) {
		c.Strategy = types.DecomposeDirectoryBased
	}, nil)

	g, err := d.Decompose(types.AnalysisRequest{
		Files: []string{"repo/src/a.go", "repo/lib/b.go", "repo/src/x/c.go", "repo/main.go"},
		Types: []string{"quality"},
	})
	require.NoError(t, err)

	var groups [][]string
	for _, task := range g.Tasks() {
		groups = append(groups, task.Files)
	}
	assert.Equal(t, [][]string{
		{"repo/src/a.go", "repo/src/x/c.go"},
		{"repo/lib/b.go"},
		{"repo/main.go"},
	}, groups)
}

func TestDecompose_ComplexityBased(t *testing.T) {
	sizes := map[string]FileStats{
		"simple1.go": {Bytes: 10, Lines: 10},
		"complex.go": {Bytes: 10, Lines: 5000},
		"simple2.go": {Bytes: 10, Lines: 20},
	}
	files := []string{"simple1.go", "complex.go", "simple2.go"}

	t.Run("unset thresholds keep everything simple", func(t *testing.T) {
		d := newTestDecomposer(lookup("quality"), func(c *Config) {
			c.Strategy = types.DecomposeComplexityBased
		}, sizes)
		g, err := d.Decompose(types.AnalysisRequest{Files: files, Types: []string{"quality"}})
		require.NoError(t, err)
		require.Equal(t, 1, g.Len())
		assert.Equal(t, files, g.Tasks()[0].Files)
	})

	t.Run("complex files run alone", func(t *testing.T) {
		d := newTestDecomposer(lookup("quality"), func(c *Config) {
			c.Strategy = types.DecomposeComplexityBased
			c.Complexity.MaxSimpleLines = 1000
		}, sizes)
		g, err := d.Decompose(types.AnalysisRequest{Files: files, Types: []string{"quality"}})
		require.NoError(t, err)
		require.Equal(t, 2, g.Len())
		assert.Equal(t, []string{"complex.go"}, g.Tasks()[0].Files)
		assert.Equal(t, []string{"simple1.go", "simple2.go"}, g.Tasks()[1].Files)
	})
}

func TestDecompose_TypeDependencies(t *testing.T) {
	d := newTestDecomposer(lookup("dependency", "security"), func(c *Config) {
		c.Strategy = types.DecomposeDirectoryBased
		c.TypeDependencies = map[string][]string{"security": {"dependency", "unrequested"}}
	}, nil)

	g, err := d.Decompose(types.AnalysisRequest{
		Files: []string{"a/x.go", "b/y.go"},
		Types: []string{"security", "dependency"},
	})
	require.NoError(t, err)

	secA, _ := g.Get("security-001")
	secB, _ := g.Get("security-002")
	assert.Equal(t, []string{"dependency-001"}, secA.Dependencies)
	assert.Equal(t, []string{"dependency-002"}, secB.Dependencies)
	assert.Equal(t, []string{"security-001"}, g.Dependents("dependency-001"))

	// Dependencies come before dependents in the topological order.
	pos := map[string]int{}
	for i, task := range g.Tasks() {
		pos[task.ID] = i
	}
	assert.Less(t, pos["dependency-001"], pos["security-001"])
	assert.Less(t, pos["dependency-002"], pos["security-002"])
}

func TestDecompose_AgentDeclaredDependencies(t *testing.T) {
	l := lookup("dependency")
	l.known["security"] = []string{"dependency"}
	d := newTestDecomposer(l, func(c *Config) { c.Strategy = types.DecomposeAnalysisTypeBased }, nil)

	g, err := d.Decompose(types.AnalysisRequest{Files: []string{"go.mod"}, Types: []string{"security", "dependency"}})
	require.NoError(t, err)
	sec, _ := g.Get("security-001")
	assert.Equal(t, []string{"dependency-001"}, sec.Dependencies)
}

func TestDecompose_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		req    types.AnalysisRequest
		want   types.DecompositionReason
	}{
		{
			name: "no files",
			req:  types.AnalysisRequest{Types: []string{"security"}},
			want: types.DecompositionEmptyRequest,
		},
		{
			name: "no types",
			req:  types.AnalysisRequest{Files: []string{"a.go"}},
			want: types.DecompositionEmptyRequest,
		},
		{
			name: "unknown type",
			req:  types.AnalysisRequest{Files: []string{"a.go"}, Types: []string{"security", "lint"}},
			want: types.DecompositionUnknownType,
		},
		{
			name:   "too many tasks",
			mutate: func(c *Config) { c.BatchSize = 1; c.MaxTasks = 3 },
			req:    types.AnalysisRequest{Files: []string{"a.go", "b.go"}, Types: []string{"security", "quality"}},
			want:   types.DecompositionTooManyTasks,
		},
		{
			name: "cyclic type dependencies",
			mutate: func(c *Config) {
				c.TypeDependencies = map[string][]string{"security": {"quality"}, "quality": {"security"}}
			},
			req:  types.AnalysisRequest{Files: []string{"a.go"}, Types: []string{"security", "quality"}},
			want: types.DecompositionCyclicDependencies,
		},
		{
			name:   "invalid strategy",
			mutate: func(c *Config) { c.Strategy = "random" },
			req:    types.AnalysisRequest{Files: []string{"a.go"}, Types: []string{"security"}},
			want:   types.DecompositionInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDecomposer(lookup("security", "quality"), tt.mutate, nil)
			g, err := d.Decompose(tt.req)
			require.Error(t, err)
			assert.Nil(t, g)
			assert.Equal(t, tt.want, decompositionReason(t, err))
		})
	}
}

func TestDecompose_CostAndPriority(t *testing.T) {
	sizes := map[string]FileStats{"a.go": {Bytes: 1 << 20}, "b.go": {Bytes: 1 << 20}}
	d := newTestDecomposer(lookup("quality"), func(c *Config) { c.LargeFileBytes = 0 }, sizes)

	g, err := d.Decompose(types.AnalysisRequest{
		Files:    []string{"a.go", "b.go"},
		Types:    []string{"quality"},
		Priority: types.PriorityCritical,
	})
	require.NoError(t, err)
	task := g.Tasks()[0]
	assert.Equal(t, types.PriorityCritical, task.Priority)
	assert.Equal(t, 1.0, task.Cost.CPU)
	assert.Equal(t, int64(64+8), task.Cost.MemoryMB)
}

func TestNewGraph_RejectsBadInput(t *testing.T) {
	_, err := NewGraph([]*types.Task{{ID: "a"}, {ID: "a"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewGraph([]*types.Task{{ID: "a", Dependencies: []string{"ghost"}}})
	assert.ErrorContains(t, err, "unknown task")

	_, err = NewGraph([]*types.Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	})
	assert.ErrorContains(t, err, "circular dependency")
}
