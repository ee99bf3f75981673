package perf

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Trend describes the direction of a series over a run.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// trendThreshold is the relative change between the two halves of a
// series that counts as movement.
const trendThreshold = 0.10

// slowestTasksReported caps Report.SlowestTasks.
const slowestTasksReported = 5

// Latency summarizes a set of durations.
type Latency struct {
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
	Max  time.Duration `json:"max"`
}

// Utilization summarizes one resource across the samples of a run.
type Utilization struct {
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
	Trend   Trend   `json:"trend"`
}

// AgentStats aggregates task metrics per agent.
type AgentStats struct {
	Tasks         int           `json:"tasks"`
	Failed        int           `json:"failed"`
	MeanExecution time.Duration `json:"mean_execution"`
}

// TaskTiming identifies one task's execution time.
type TaskTiming struct {
	TaskID    string        `json:"task_id"`
	Agent     string        `json:"agent"`
	Execution time.Duration `json:"execution"`
}

// Report is the performance summary of a run.
type Report struct {
	Tasks           int                   `json:"tasks"`
	FailedTasks     int                   `json:"failed_tasks"`
	WallTime        time.Duration         `json:"wall_time"`
	Throughput      float64               `json:"throughput"` // tasks per second
	Execution       Latency               `json:"execution"`
	AverageQueued   time.Duration         `json:"average_queued"`
	TotalCPUTime    time.Duration         `json:"total_cpu_time"`
	PeakMemoryMB    int64                 `json:"peak_memory_mb"`
	CPU             Utilization           `json:"cpu"`
	Memory          Utilization           `json:"memory"`
	QueueDepth      []int                 `json:"queue_depth"`
	MaxQueueDepth   int                   `json:"max_queue_depth"`
	ByAgent         map[string]AgentStats `json:"by_agent"`
	SlowestTasks    []TaskTiming          `json:"slowest_tasks"`
	Bottlenecks     []Bottleneck          `json:"bottlenecks"`
	Recommendations []string              `json:"recommendations"`
	DroppedSamples  uint64                `json:"dropped_samples"`
}

// Report builds the performance report from everything recorded so far.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drain()

	end := m.stopped
	if end.IsZero() {
		end = time.Now()
	}

	r := Report{
		Tasks:          len(m.tasks),
		WallTime:       end.Sub(m.started),
		ByAgent:        make(map[string]AgentStats),
		DroppedSamples: m.dropped.Load(),
	}

	execs := make([]time.Duration, 0, len(m.tasks))
	var queued time.Duration
	for _, t := range m.tasks {
		execs = append(execs, t.Execution)
		queued += t.Queued
		r.TotalCPUTime += t.CPUTime
		if t.PeakMemoryMB > r.PeakMemoryMB {
			r.PeakMemoryMB = t.PeakMemoryMB
		}
		if t.Failed {
			r.FailedTasks++
		}

		s := r.ByAgent[t.Agent]
		s.Tasks++
		if t.Failed {
			s.Failed++
		}
		// Running sum, divided below.
		s.MeanExecution += t.Execution
		r.ByAgent[t.Agent] = s
	}
	for name, s := range r.ByAgent {
		s.MeanExecution /= time.Duration(s.Tasks)
		r.ByAgent[name] = s
	}
	if len(m.tasks) > 0 {
		r.AverageQueued = queued / time.Duration(len(m.tasks))
	}
	r.Execution = latency(execs)
	if secs := r.WallTime.Seconds(); secs > 0 {
		r.Throughput = float64(r.Tasks) / secs
	}
	r.SlowestTasks = slowest(m.tasks, slowestTasksReported)

	cpu := make([]float64, len(m.samples))
	mem := make([]float64, len(m.samples))
	r.QueueDepth = make([]int, len(m.samples))
	for i, s := range m.samples {
		cpu[i] = s.CPUUtil
		mem[i] = s.MemUtil
		r.QueueDepth[i] = s.QueueDepth
		if s.QueueDepth > r.MaxQueueDepth {
			r.MaxQueueDepth = s.QueueDepth
		}
	}
	r.CPU = utilization(cpu)
	r.Memory = utilization(mem)

	r.Bottlenecks = m.bottlenecksLocked(r.ByAgent, r.Execution.Mean)
	r.Recommendations = recommendations(r.Bottlenecks, r.DroppedSamples)
	return r
}

// String renders a one-line summary for logs.
func (r Report) String() string {
	return fmt.Sprintf("%d tasks in %v (%.2f tasks/s), p95 %v, peak cpu %.0f%%, %d bottlenecks",
		r.Tasks, r.WallTime.Round(time.Millisecond), r.Throughput,
		r.Execution.P95.Round(time.Millisecond), r.CPU.Peak*100, len(r.Bottlenecks))
}

func latency(ds []time.Duration) Latency {
	if len(ds) == 0 {
		return Latency{}
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Latency{
		Mean: sum / time.Duration(len(sorted)),
		P50:  percentile(sorted, 50),
		P95:  percentile(sorted, 95),
		P99:  percentile(sorted, 99),
		Max:  sorted[len(sorted)-1],
	}
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func utilization(series []float64) Utilization {
	if len(series) == 0 {
		return Utilization{Trend: TrendStable}
	}
	var u Utilization
	var sum float64
	for _, v := range series {
		sum += v
		u.Peak = math.Max(u.Peak, v)
	}
	u.Average = sum / float64(len(series))
	u.Trend = trend(series)
	return u
}

// trend compares the mean of the second half of a series with the first.
func trend(series []float64) Trend {
	if len(series) < 2 {
		return TrendStable
	}
	half := len(series) / 2
	first, second := mean(series[:half]), mean(series[len(series)-half:])
	if first == 0 {
		if second > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	change := (second - first) / first
	switch {
	case change > trendThreshold:
		return TrendIncreasing
	case change < -trendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func slowest(tasks []taskRecord, n int) []TaskTiming {
	out := make([]TaskTiming, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskTiming{TaskID: t.id, Agent: t.Agent, Execution: t.Execution})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Execution != out[j].Execution {
			return out[i].Execution > out[j].Execution
		}
		return out[i].TaskID < out[j].TaskID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
