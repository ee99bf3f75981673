package orchestrator

import (
	"time"

	"github.com/steveyegge/codeswarm/internal/aggregate"
	"github.com/steveyegge/codeswarm/internal/conflict"
	"github.com/steveyegge/codeswarm/internal/perf"
	"github.com/steveyegge/codeswarm/internal/types"
)

// Result is everything one analysis run produced. It is complete even
// when the run was cancelled: tasks that never ran are listed as
// cancelled.
type Result struct {
	RunID              string            `json:"run_id"`
	AggregatedFindings []types.Finding   `json:"aggregated_findings"`
	Conflicts          conflict.Outcome  `json:"conflicts"`
	Performance        *perf.Report      `json:"performance,omitempty"`
	Errors             []types.TaskError `json:"errors"`
	Tasks              []TaskOutcome     `json:"tasks"`
	Summary            aggregate.Summary `json:"summary"`
	Duration           time.Duration     `json:"duration"`
}

// TaskOutcome is the final state of one task.
type TaskOutcome struct {
	ID            string           `json:"id"`
	AnalysisType  string           `json:"analysis_type"`
	Files         []string         `json:"files"`
	Dependencies  []string         `json:"dependencies,omitempty"`
	Priority      types.Priority   `json:"priority"`
	Status        types.TaskStatus `json:"status"`
	Findings      int              `json:"findings"`
	ExecutionTime time.Duration    `json:"execution_time"`
	Cause         string           `json:"cause,omitempty"`
}

// Task returns the outcome of a task by id.
func (r *Result) Task(id string) (TaskOutcome, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskOutcome{}, false
}

// CountByStatus tallies task outcomes.
func (r *Result) CountByStatus() map[types.TaskStatus]int {
	counts := make(map[types.TaskStatus]int)
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}
