package perf

import (
	"fmt"
	"sort"
	"time"
)

// BottleneckKind names what is constraining a run.
type BottleneckKind string

const (
	BottleneckCPU       BottleneckKind = "cpu"
	BottleneckMemory    BottleneckKind = "memory"
	BottleneckQueue     BottleneckKind = "queue_growth"
	BottleneckSlowAgent BottleneckKind = "slow_agent"
)

// slowAgentFactor is how many times the overall mean execution time an
// agent must average before it is flagged.
const slowAgentFactor = 2.0

// Bottleneck is one detected constraint.
type Bottleneck struct {
	Kind        BottleneckKind `json:"kind"`
	Description string         `json:"description"`
	Agent       string         `json:"agent,omitempty"`
	Since       time.Time      `json:"since,omitempty"`
}

// IdentifyBottlenecks inspects the recorded history. Utilization counts as
// a bottleneck when it stays above the high watermark for the configured
// number of consecutive samples; the queue counts when its depth grows
// strictly across the configured number of consecutive samples.
func (m *Monitor) IdentifyBottlenecks() []Bottleneck {
	return m.Report().Bottlenecks
}

func (m *Monitor) bottlenecksLocked(byAgent map[string]AgentStats, overall time.Duration) []Bottleneck {
	var out []Bottleneck

	if at, ok := sustained(m.samples, m.cfg.SustainedWindows, m.cfg.UtilizationHighWatermark,
		func(s Sample) float64 { return s.CPUUtil }); ok {
		out = append(out, Bottleneck{
			Kind:        BottleneckCPU,
			Description: fmt.Sprintf("cpu utilization above %.0f%% for %d consecutive samples", m.cfg.UtilizationHighWatermark*100, m.cfg.SustainedWindows),
			Since:       at,
		})
	}
	if at, ok := sustained(m.samples, m.cfg.SustainedWindows, m.cfg.UtilizationHighWatermark,
		func(s Sample) float64 { return s.MemUtil }); ok {
		out = append(out, Bottleneck{
			Kind:        BottleneckMemory,
			Description: fmt.Sprintf("memory utilization above %.0f%% for %d consecutive samples", m.cfg.UtilizationHighWatermark*100, m.cfg.SustainedWindows),
			Since:       at,
		})
	}
	if at, ok := growing(m.samples, m.cfg.QueueGrowthWindows); ok {
		out = append(out, Bottleneck{
			Kind:        BottleneckQueue,
			Description: fmt.Sprintf("queue depth grew across %d consecutive samples", m.cfg.QueueGrowthWindows),
			Since:       at,
		})
	}

	if len(byAgent) > 1 && overall > 0 {
		names := make([]string, 0, len(byAgent))
		for name := range byAgent {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := byAgent[name]
			if float64(s.MeanExecution) > slowAgentFactor*float64(overall) {
				out = append(out, Bottleneck{
					Kind:        BottleneckSlowAgent,
					Agent:       name,
					Description: fmt.Sprintf("agent %s averages %v per task against %v overall", name, s.MeanExecution.Round(time.Millisecond), overall.Round(time.Millisecond)),
				})
			}
		}
	}
	return out
}

// sustained reports the start of the first run of at least n consecutive
// samples whose value exceeds the watermark.
func sustained(samples []Sample, n int, watermark float64, value func(Sample) float64) (time.Time, bool) {
	run := 0
	for i, s := range samples {
		if value(s) > watermark {
			run++
			if run >= n {
				return samples[i-n+1].At, true
			}
		} else {
			run = 0
		}
	}
	return time.Time{}, false
}

// growing reports the start of the first run of n samples with strictly
// increasing queue depth.
func growing(samples []Sample, n int) (time.Time, bool) {
	if len(samples) == 0 {
		return time.Time{}, false
	}
	run := 1
	for i := 1; i < len(samples); i++ {
		if samples[i].QueueDepth > samples[i-1].QueueDepth {
			run++
			if run >= n {
				return samples[i-n+1].At, true
			}
		} else {
			run = 1
		}
	}
	return time.Time{}, false
}

func recommendations(bottlenecks []Bottleneck, dropped uint64) []string {
	var recs []string
	for _, b := range bottlenecks {
		switch b.Kind {
		case BottleneckCPU:
			recs = append(recs, "CPU is saturated: lower max_concurrent_tasks or raise max_cpu_percent")
		case BottleneckMemory:
			recs = append(recs, "Memory is saturated: raise max_memory_mb or reduce decomposition batch_size")
		case BottleneckQueue:
			recs = append(recs, "Tasks are queuing faster than they run: raise max_concurrent_tasks or use a coarser decomposition strategy")
		case BottleneckSlowAgent:
			recs = append(recs, fmt.Sprintf("Agent %s dominates run time: reduce batch_size or give it a lower priority", b.Agent))
		}
	}
	if dropped > 0 {
		recs = append(recs, fmt.Sprintf("%d monitoring samples were dropped: raise monitor channel_size", dropped))
	}
	return recs
}
