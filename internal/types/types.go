// Package types holds the data model shared by the swarm components:
// requests, tasks, findings, agent results, conflicts and the final
// execution result.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks and agents. Higher values win.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String returns the lower-case priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// IsValid checks if the priority value is valid
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a priority name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("invalid priority %q (want low, medium, high or critical)", s)
	}
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Decomposed, waiting on dependencies
	TaskScheduled TaskStatus = "scheduled" // Eligible, waiting for a worker and a resource grant
	TaskRunning   TaskStatus = "running"   // Agent invocation in flight
	TaskCompleted TaskStatus = "completed" // Agent returned findings
	TaskFailed    TaskStatus = "failed"    // Agent or resource error (terminal)
	TaskCancelled TaskStatus = "cancelled" // Dependency failed or request cancelled (terminal)
	TaskTimedOut  TaskStatus = "timed_out" // Exceeded the task timeout (terminal)
)

// IsValid checks if the task status value is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskScheduled, TaskRunning, TaskCompleted,
		TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

// IsFailure reports whether the status cascades to dependents.
func (s TaskStatus) IsFailure() bool {
	return s == TaskFailed || s == TaskCancelled || s == TaskTimedOut
}

// ValidTransitions returns the valid next states from the current state.
// Nothing moves back to pending once it has left it.
func (s TaskStatus) ValidTransitions() []TaskStatus {
	switch s {
	case TaskPending:
		return []TaskStatus{TaskScheduled, TaskCancelled}
	case TaskScheduled:
		return []TaskStatus{TaskRunning, TaskFailed, TaskCancelled}
	case TaskRunning:
		return []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut}
	default:
		return []TaskStatus{} // Terminal state
	}
}

// CanTransitionTo checks if a transition from this state to the target state is valid
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// ResourceCost is the estimated footprint of one task.
type ResourceCost struct {
	CPU      float64 `json:"cpu"`       // cores
	MemoryMB int64   `json:"memory_mb"` // megabytes
}

// Task is one unit of decomposed work bound to a single agent invocation.
type Task struct {
	ID           string            `json:"id"`
	AnalysisType string            `json:"analysis_type"`
	Files        []string          `json:"files"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Priority     Priority          `json:"priority"`
	Cost         ResourceCost      `json:"cost"`
	Params       map[string]string `json:"params,omitempty"`
	Status       TaskStatus        `json:"status"`
}

// AnalysisRequest is the caller's description of what to analyze.
type AnalysisRequest struct {
	Files    []string          `json:"files"`
	Params   map[string]string `json:"params,omitempty"`
	Types    []string          `json:"types"`
	Priority Priority          `json:"priority"`
}

// AgentResult is what one task produced.
type AgentResult struct {
	TaskID        string        `json:"task_id"`
	Agent         string        `json:"agent"`
	Status        TaskStatus    `json:"status"`
	Findings      []Finding     `json:"findings"`
	Confidence    float64       `json:"confidence"`
	ExecutionTime time.Duration `json:"execution_time"`
	Err           error         `json:"-"`
}

// NormalizedFindings returns copies of the result's findings attributed
// to the agent that produced the result, whatever name the agent wrote
// into them, with an ID assigned where the agent left it empty. Results
// that did not complete contribute nothing.
func (r AgentResult) NormalizedFindings() []Finding {
	if r.Status != TaskCompleted {
		return nil
	}
	out := make([]Finding, 0, len(r.Findings))
	for _, f := range r.Findings {
		f.Agent = r.Agent
		if f.ID == "" {
			f.ID = f.Fingerprint()
		}
		out = append(out, f)
	}
	return out
}
