package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/codeswarm/internal/agents"
	"github.com/steveyegge/codeswarm/internal/aggregate"
	"github.com/steveyegge/codeswarm/internal/conflict"
	"github.com/steveyegge/codeswarm/internal/decompose"
	"github.com/steveyegge/codeswarm/internal/perf"
	"github.com/steveyegge/codeswarm/internal/resource"
	"github.com/steveyegge/codeswarm/internal/types"
)

// ExecuteAnalysis runs req to completion. A decomposition failure returns
// no result. Cancellation of ctx returns the partial result together with
// a cancellation error; so does a broken resource accounting invariant.
// Every other failure is confined to its task and reported in
// Result.Errors.
func (o *Orchestrator) ExecuteAnalysis(ctx context.Context, req types.AnalysisRequest) (*Result, error) {
	start := time.Now()
	runID := uuid.New().String()
	logger := o.logger.With("run", runID)

	req.Params = mergeParams(o.cfg.Params, req.Params)
	graph, err := o.decomposer.Decompose(req)
	if err != nil {
		logger.Warn("decomposition failed", "error", err)
		return nil, &types.OrchestratorError{Kind: types.OrchestratorDecomposition, Err: err}
	}

	o.activeRuns.Add(1)
	defer o.activeRuns.Add(-1)

	var monitor *perf.Monitor
	if o.cfg.EnablePerformanceTracking {
		monitor = perf.NewMonitor(o.cfg.Monitor, logger)
	}

	logger.Info("starting analysis",
		"tasks", graph.Len(), "files", len(req.Files), "types", req.Types,
		"strategy", o.cfg.Decomposition.Strategy, "pool", o.poolSize)

	r := newRun(o, runID, graph, monitor, logger)
	r.execute(ctx)
	result := r.collect()

	if monitor != nil {
		monitor.Close()
		report := monitor.Report()
		result.Performance = &report
	}
	result.Duration = time.Since(start)

	logger.Info("analysis finished",
		"duration", result.Duration.Round(time.Millisecond),
		"findings", len(result.AggregatedFindings),
		"resolved_conflicts", len(result.Conflicts.Resolved),
		"pending_review", len(result.Conflicts.PendingReview),
		"task_errors", len(result.Errors))

	if r.violation != nil {
		return result, &types.OrchestratorError{Kind: types.OrchestratorInvariantViolation, Err: r.violation}
	}
	if r.cancelled {
		return result, &types.OrchestratorError{
			Kind: types.OrchestratorCancelled,
			Err:  fmt.Errorf("%w: %w", types.ErrCancellationRequested, context.Cause(ctx)),
		}
	}
	return result, nil
}

// run is the state of one ExecuteAnalysis call. The scheduling loop owns
// everything except what is guarded by mu, which workers also touch.
type run struct {
	o       *Orchestrator
	id      string
	graph   *decompose.Graph
	monitor *perf.Monitor
	logger  *slog.Logger

	done      chan taskDone
	inFlight  int
	waiting   map[string]int // unmet dependencies per task
	cascaded  map[string]bool
	cancelled bool

	mu        sync.Mutex
	results   map[string]types.AgentResult
	queued    int // scheduled, not yet running
	running   int
	violation error
}

type taskDone struct {
	result     types.AgentResult
	ran        bool
	queued     time.Duration
	cpu        float64
	memoryMB   int64
	releaseErr error
}

func newRun(o *Orchestrator, id string, graph *decompose.Graph, monitor *perf.Monitor, logger *slog.Logger) *run {
	return &run{
		o:        o,
		id:       id,
		graph:    graph,
		monitor:  monitor,
		logger:   logger,
		done:     make(chan taskDone, graph.Len()),
		waiting:  make(map[string]int, graph.Len()),
		cascaded: make(map[string]bool),
		results:  make(map[string]types.AgentResult, graph.Len()),
	}
}

func (r *run) execute(ctx context.Context) {
	tasks := r.graph.Tasks()
	for _, t := range tasks {
		r.waiting[t.ID] = len(t.Dependencies)
	}
	for _, t := range tasks {
		if r.waiting[t.ID] == 0 {
			r.dispatch(ctx, t)
		}
	}

	var tick <-chan time.Time
	if r.monitor != nil {
		ticker := time.NewTicker(r.o.sampleInterval)
		defer ticker.Stop()
		tick = ticker.C
		r.sample()
	}

	ctxDone := ctx.Done()
	for r.inFlight > 0 {
		select {
		case d := <-r.done:
			r.inFlight--
			r.finish(ctx, d)
		case <-tick:
			r.sample()
		case <-ctxDone:
			ctxDone = nil
			r.cancelled = true
			r.logger.Info("analysis cancelled, waiting for in-flight tasks", "in_flight", r.inFlight)
			r.cancelPending("analysis cancelled before the task started")
		}
	}

	// Cancellation can race the last completion and leave tasks behind.
	if ctx.Err() != nil {
		r.cancelled = true
		r.cancelPending("analysis cancelled before the task started")
	}
	if r.monitor != nil {
		r.sample()
	}
}

func (r *run) dispatch(ctx context.Context, t *types.Task) {
	r.mu.Lock()
	r.transitionLocked(t, types.TaskScheduled)
	r.queued++
	r.mu.Unlock()

	r.inFlight++
	enqueued := time.Now()
	go func() {
		r.done <- r.work(ctx, t, enqueued)
	}()
}

// work runs one task on a worker: pool slot, then resource grant, then
// the agent. The grant and the slot are released before the result is
// handed back.
func (r *run) work(ctx context.Context, t *types.Task, enqueued time.Time) (d taskDone) {
	d.result = types.AgentResult{TaskID: t.ID, Agent: t.AnalysisType}

	if err := r.o.pool.Acquire(ctx, 1); err != nil {
		d.result.Status = types.TaskCancelled
		d.result.Err = fmt.Errorf("waiting for a worker: %w", err)
		return d
	}
	defer r.o.pool.Release(1)

	grant, err := r.o.resources.Reserve(ctx, resource.Request{TaskID: t.ID, Priority: t.Priority, Cost: t.Cost})
	if err != nil {
		d.result.Status = types.TaskFailed
		if ctx.Err() != nil {
			d.result.Status = types.TaskCancelled
		}
		d.result.Err = err
		return d
	}
	defer func() {
		d.releaseErr = r.o.resources.Release(grant)
	}()

	agent, ok := r.o.registry.Get(t.AnalysisType)
	if !ok {
		d.result.Status = types.TaskFailed
		d.result.Err = &types.AgentError{Agent: t.AnalysisType, TaskID: t.ID, Err: errors.New("agent not registered")}
		return d
	}

	r.mu.Lock()
	r.transitionLocked(t, types.TaskRunning)
	r.queued--
	r.running++
	r.mu.Unlock()
	r.o.runningTasks.Add(1)
	defer r.o.runningTasks.Add(-1)

	d.ran = true
	d.queued = time.Since(enqueued)
	d.cpu, d.memoryMB = grant.CPU, grant.MemoryMB

	started := time.Now()
	findings, status, err := r.invoke(ctx, agent, t)
	d.result.ExecutionTime = time.Since(started)
	d.result.Status = status
	d.result.Findings = findings
	d.result.Err = err
	d.result.Confidence = meanConfidence(findings)
	return d
}

// invoke calls the agent under the task timeout. On timeout the agent
// goroutine is abandoned and whatever it returns later is dropped.
func (r *run) invoke(ctx context.Context, agent agents.Agent, t *types.Task) ([]types.Finding, types.TaskStatus, error) {
	timeout := r.o.cfg.TaskTimeout
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		findings []types.Finding
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		findings, err := agent.Analyze(taskCtx, t.Files, t.Params)
		ch <- outcome{findings: findings, err: err}
	}()

	timedOut := &types.AgentTimeoutError{Agent: agent.Name(), TaskID: t.ID, Timeout: timeout}
	select {
	case out := <-ch:
		switch {
		case out.err == nil:
			return out.findings, types.TaskCompleted, nil
		case ctx.Err() != nil:
			return nil, types.TaskCancelled, fmt.Errorf("analysis cancelled: %w", ctx.Err())
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			return nil, types.TaskTimedOut, timedOut
		default:
			return nil, types.TaskFailed, &types.AgentError{Agent: agent.Name(), TaskID: t.ID, Err: out.err}
		}
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return nil, types.TaskCancelled, fmt.Errorf("analysis cancelled: %w", ctx.Err())
		}
		r.logger.Warn("task timed out, abandoning agent", "task", t.ID, "agent", agent.Name(), "timeout", timeout)
		return nil, types.TaskTimedOut, timedOut
	}
}

// finish records a worker's result and moves the graph forward.
func (r *run) finish(ctx context.Context, d taskDone) {
	t, _ := r.graph.Get(d.result.TaskID)

	r.mu.Lock()
	if d.ran {
		r.running--
	} else {
		r.queued--
	}
	r.transitionLocked(t, d.result.Status)
	r.results[t.ID] = d.result
	r.mu.Unlock()
	r.o.completedTasks.Add(1)

	if d.releaseErr != nil {
		var rerr *types.ResourceError
		if errors.As(d.releaseErr, &rerr) && rerr.Kind == types.ResourceAccountingViolation {
			r.setViolation(d.releaseErr)
		}
		r.logger.Error("releasing resource grant", "task", t.ID, "error", d.releaseErr)
	}

	if r.monitor != nil && d.ran {
		r.monitor.Record(t.ID, perf.TaskMetrics{
			Agent:        t.AnalysisType,
			Queued:       d.queued,
			Execution:    d.result.ExecutionTime,
			PeakMemoryMB: d.memoryMB,
			CPUTime:      time.Duration(float64(d.result.ExecutionTime) * d.cpu),
			Failed:       d.result.Status != types.TaskCompleted,
		})
	}

	if d.result.Status.IsFailure() {
		r.logger.Warn("task did not complete",
			"task", t.ID, "status", d.result.Status, "error", d.result.Err)
		r.cascade(t.ID)
		return
	}
	r.logger.Debug("task completed",
		"task", t.ID, "findings", len(d.result.Findings), "duration", d.result.ExecutionTime)

	for _, depID := range r.graph.Dependents(t.ID) {
		r.waiting[depID]--
		dep, _ := r.graph.Get(depID)
		if r.waiting[depID] > 0 || r.statusOf(dep) != types.TaskPending {
			continue
		}
		if r.cancelled || ctx.Err() != nil {
			r.cancelTask(dep, "analysis cancelled before the task started")
			continue
		}
		r.dispatch(ctx, dep)
	}
}

// cascade cancels every pending task downstream of id.
func (r *run) cascade(id string) {
	for _, depID := range r.graph.Dependents(id) {
		dep, _ := r.graph.Get(depID)
		if r.statusOf(dep) != types.TaskPending {
			continue
		}
		r.cascaded[depID] = true
		r.cancelTask(dep, fmt.Sprintf("dependency %s did not complete", id))
		r.cascade(depID)
	}
}

// cancelPending cancels every task that has not been dispatched.
func (r *run) cancelPending(cause string) {
	for _, t := range r.graph.Tasks() {
		if r.statusOf(t) == types.TaskPending {
			r.cancelTask(t, cause)
		}
	}
}

func (r *run) cancelTask(t *types.Task, cause string) {
	r.mu.Lock()
	r.transitionLocked(t, types.TaskCancelled)
	r.results[t.ID] = types.AgentResult{
		TaskID: t.ID,
		Agent:  t.AnalysisType,
		Status: types.TaskCancelled,
		Err:    errors.New(cause),
	}
	r.mu.Unlock()
	r.o.completedTasks.Add(1)
}

func (r *run) statusOf(t *types.Task) types.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.Status
}

// transitionLocked moves a task to its next state. An illegal move is a
// scheduler bug and is reported as an invariant violation.
func (r *run) transitionLocked(t *types.Task, to types.TaskStatus) {
	if !t.Status.CanTransitionTo(to) {
		err := fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Status, to)
		r.logger.Error("task state invariant violated", "error", err)
		if r.violation == nil {
			r.violation = err
		}
	}
	t.Status = to
}

func (r *run) setViolation(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.violation == nil {
		r.violation = err
	}
}

func (r *run) sample() {
	stats := r.o.resources.Stats()
	r.mu.Lock()
	queued, running := r.queued, r.running
	r.mu.Unlock()

	r.monitor.Observe(perf.Sample{
		At:         time.Now(),
		CPUUtil:    stats.CPUUtilization(),
		MemUtil:    stats.MemoryUtilization(),
		QueueDepth: queued,
		Running:    running,
	})
}

// collect builds the result once every task is terminal.
func (r *run) collect() *Result {
	r.explainCascades()

	tasks := r.graph.Tasks()
	results := make([]types.AgentResult, 0, len(tasks))
	for _, t := range tasks {
		results = append(results, r.results[t.ID])
	}

	findings := aggregate.Aggregate(results)
	outcome := r.o.resolver.ResolveAll(results, r.o.cfg.ConflictResolutionStrategy)
	for _, c := range append(append([]types.Conflict(nil), outcome.Resolved...), outcome.PendingReview...) {
		if err := conflict.ValidateResolution(c); err != nil {
			r.logger.Error("inconsistent conflict resolution", "conflict", c.ID, "error", err)
		}
	}
	findings = aggregate.ApplyResolutions(findings, outcome.Resolved)

	result := &Result{
		RunID:              r.id,
		AggregatedFindings: findings,
		Conflicts:          outcome,
		Summary:            aggregate.Summarize(findings),
	}
	for _, t := range tasks {
		res := r.results[t.ID]
		to := TaskOutcome{
			ID:            t.ID,
			AnalysisType:  t.AnalysisType,
			Files:         t.Files,
			Dependencies:  t.Dependencies,
			Priority:      t.Priority,
			Status:        t.Status,
			Findings:      len(res.Findings),
			ExecutionTime: res.ExecutionTime,
		}
		if res.Err != nil {
			to.Cause = res.Err.Error()
		}
		result.Tasks = append(result.Tasks, to)

		if t.Status.IsFailure() {
			result.Errors = append(result.Errors, types.TaskError{
				TaskID:       t.ID,
				AnalysisType: t.AnalysisType,
				Files:        t.Files,
				Status:       t.Status,
				Cause:        to.Cause,
			})
		}
	}
	return result
}

// explainCascades rewrites the cause of every cascaded task to name its
// first failed dependency in sorted order, so the explanation does not
// depend on which failure was observed first.
func (r *run) explainCascades() {
	for id := range r.cascaded {
		t, _ := r.graph.Get(id)
		deps := append([]string(nil), t.Dependencies...)
		sort.Strings(deps)

		var failed []string
		for _, depID := range deps {
			dep, _ := r.graph.Get(depID)
			if dep.Status.IsFailure() {
				failed = append(failed, depID)
			}
		}
		if len(failed) == 0 {
			continue
		}
		first, _ := r.graph.Get(failed[0])
		cause := fmt.Sprintf("dependency %s %s", first.ID, first.Status)
		if len(failed) > 1 {
			cause += fmt.Sprintf(" (and %d more)", len(failed)-1)
		}
		res := r.results[id]
		res.Err = errors.New(cause)
		r.results[id] = res
	}
}

func mergeParams(defaults, overrides map[string]string) map[string]string {
	if len(defaults) == 0 {
		return overrides
	}
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func meanConfidence(findings []types.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += f.Confidence
	}
	return sum / float64(len(findings))
}
