package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrResourceExhausted is returned when no resource headroom appeared
	// before the reservation timeout.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrCancellationRequested marks a request cancelled by its caller.
	ErrCancellationRequested = errors.New("cancellation requested")
)

// DecompositionReason classifies why a request could not be decomposed.
type DecompositionReason string

const (
	DecompositionEmptyRequest       DecompositionReason = "empty_request"
	DecompositionUnknownType        DecompositionReason = "unknown_analysis_type"
	DecompositionTooManyTasks       DecompositionReason = "too_many_tasks"
	DecompositionCyclicDependencies DecompositionReason = "cyclic_dependencies"
	DecompositionInvalidConfig      DecompositionReason = "invalid_config"
)

// DecompositionError aborts a request before any resources are committed.
type DecompositionError struct {
	Reason DecompositionReason
	Detail string
}

func (e *DecompositionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decomposition failed: %s", e.Reason)
	}
	return fmt.Sprintf("decomposition failed: %s: %s", e.Reason, e.Detail)
}

// ResourceErrorKind classifies resource manager failures.
type ResourceErrorKind string

const (
	ResourceExhausted           ResourceErrorKind = "exhausted"
	ResourceUnknownGrant        ResourceErrorKind = "unknown_grant"
	ResourceAccountingViolation ResourceErrorKind = "accounting_violation"
)

// ResourceError reports a failed reservation or a release that broke an
// accounting invariant.
type ResourceError struct {
	Kind   ResourceErrorKind
	TaskID string
	Err    error
}

func (e *ResourceError) Error() string {
	msg := fmt.Sprintf("resource error (%s)", e.Kind)
	if e.TaskID != "" {
		msg += " for task " + e.TaskID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceError) Unwrap() error { return e.Err }

// AgentError wraps a failure returned (or panicked) by an agent.
type AgentError struct {
	Agent  string
	TaskID string
	Err    error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s failed on task %s: %v", e.Agent, e.TaskID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// AgentTimeoutError is a wall-clock timeout, distinct from an agent that
// returned an error.
type AgentTimeoutError struct {
	Agent   string
	TaskID  string
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out on task %s after %v", e.Agent, e.TaskID, e.Timeout)
}

// OrchestratorErrorKind classifies request-level failures.
type OrchestratorErrorKind string

const (
	OrchestratorDecomposition      OrchestratorErrorKind = "decomposition"
	OrchestratorCancelled          OrchestratorErrorKind = "cancelled"
	OrchestratorInvariantViolation OrchestratorErrorKind = "invariant_violation"
)

// OrchestratorError is the only error type surfaced to the caller of an
// analysis run.
type OrchestratorError struct {
	Kind OrchestratorErrorKind
	Err  error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("orchestrator: %s: %v", e.Kind, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// TaskError is the user-facing record of one task that did not complete.
type TaskError struct {
	TaskID       string     `json:"task_id"`
	AnalysisType string     `json:"analysis_type"`
	Files        []string   `json:"files"`
	Status       TaskStatus `json:"status"`
	Cause        string     `json:"cause"`
}

func (e TaskError) String() string {
	return fmt.Sprintf("%s [%s] %s (%s): %s",
		e.TaskID, e.AnalysisType, e.Status, strings.Join(e.Files, ", "), e.Cause)
}
