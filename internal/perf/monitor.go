// Package perf records per-task timings and periodic utilization samples
// for a run and turns them into a performance report. Recording never
// blocks: when the buffer is full the sample is dropped and counted.
package perf

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes a Monitor.
type Config struct {
	ChannelSize              int     `json:"channel_size"`
	MaxHistory               int     `json:"max_history"`
	UtilizationHighWatermark float64 `json:"utilization_high_watermark"`
	SustainedWindows         int     `json:"sustained_windows"`
	QueueGrowthWindows       int     `json:"queue_growth_windows"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		ChannelSize:              256,
		MaxHistory:               1000,
		UtilizationHighWatermark: 0.85,
		SustainedWindows:         3,
		QueueGrowthWindows:       3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ChannelSize <= 0 {
		return fmt.Errorf("channel size must be positive, got %d", c.ChannelSize)
	}
	if c.MaxHistory <= 0 {
		return fmt.Errorf("max history must be positive, got %d", c.MaxHistory)
	}
	if c.UtilizationHighWatermark <= 0 || c.UtilizationHighWatermark > 1 {
		return fmt.Errorf("utilization high watermark must be in (0, 1], got %.2f", c.UtilizationHighWatermark)
	}
	if c.SustainedWindows < 1 {
		return fmt.Errorf("sustained windows must be at least 1, got %d", c.SustainedWindows)
	}
	if c.QueueGrowthWindows < 2 {
		return fmt.Errorf("queue growth windows must be at least 2, got %d", c.QueueGrowthWindows)
	}
	return nil
}

// TaskMetrics is what a finished task reports.
type TaskMetrics struct {
	Agent        string        `json:"agent"`
	Queued       time.Duration `json:"queued"`
	Execution    time.Duration `json:"execution"`
	PeakMemoryMB int64         `json:"peak_memory_mb"`
	CPUTime      time.Duration `json:"cpu_time"`
	Failed       bool          `json:"failed"`
}

// Sample is one periodic observation of the scheduler.
type Sample struct {
	At         time.Time `json:"at"`
	CPUUtil    float64   `json:"cpu_util"`
	MemUtil    float64   `json:"mem_util"`
	QueueDepth int       `json:"queue_depth"`
	Running    int       `json:"running"`
}

type taskRecord struct {
	id string
	TaskMetrics
}

type event struct {
	task   *taskRecord
	sample *Sample
}

// Monitor collects metrics for one run.
type Monitor struct {
	cfg     Config
	events  chan event
	dropped atomic.Uint64
	done    chan struct{}

	// sendMu orders Record/Observe against Close so nothing is sent on a
	// closed channel.
	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	tasks   []taskRecord
	samples []Sample
	started time.Time
	stopped time.Time

	dropWarn *rate.Sometimes
	logger   *slog.Logger
}

// NewMonitor starts a monitor. Invalid configuration falls back to the
// defaults for the offending fields.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = def.ChannelSize
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.UtilizationHighWatermark <= 0 || cfg.UtilizationHighWatermark > 1 {
		cfg.UtilizationHighWatermark = def.UtilizationHighWatermark
	}
	if cfg.SustainedWindows < 1 {
		cfg.SustainedWindows = def.SustainedWindows
	}
	if cfg.QueueGrowthWindows < 2 {
		cfg.QueueGrowthWindows = def.QueueGrowthWindows
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		cfg:      cfg,
		events:   make(chan event, cfg.ChannelSize),
		done:     make(chan struct{}),
		started:  time.Now(),
		dropWarn: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
		logger:   logger,
	}
	go m.consume()
	return m
}

// Record queues the metrics of a finished task.
func (m *Monitor) Record(taskID string, metrics TaskMetrics) {
	m.send(event{task: &taskRecord{id: taskID, TaskMetrics: metrics}})
}

// Observe queues a utilization sample.
func (m *Monitor) Observe(s Sample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	m.send(event{sample: &s})
}

// Dropped returns how many events were discarded because the buffer was
// full or the monitor was closed.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}

// Close stops accepting events and waits until everything already queued
// has been folded in. Close is safe to call more than once.
func (m *Monitor) Close() {
	m.sendMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	m.sendMu.Unlock()
	<-m.done
}

func (m *Monitor) send(ev event) {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()

	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.events <- ev:
	default:
		n := m.dropped.Add(1)
		m.dropWarn.Do(func() {
			m.logger.Warn("performance monitor buffer full, dropping samples", "dropped", n)
		})
	}
}

func (m *Monitor) consume() {
	defer close(m.done)
	for ev := range m.events {
		m.mu.Lock()
		m.apply(ev)
		m.mu.Unlock()
	}
	m.mu.Lock()
	m.stopped = time.Now()
	m.mu.Unlock()
}

// apply folds one event into history. Caller holds mu.
func (m *Monitor) apply(ev event) {
	if ev.task != nil {
		m.tasks = append(m.tasks, *ev.task)
		if len(m.tasks) > m.cfg.MaxHistory {
			m.tasks = m.tasks[len(m.tasks)-m.cfg.MaxHistory:]
		}
	}
	if ev.sample != nil {
		m.samples = append(m.samples, *ev.sample)
		if len(m.samples) > m.cfg.MaxHistory {
			m.samples = m.samples[len(m.samples)-m.cfg.MaxHistory:]
		}
	}
}

// drain folds in whatever is queued right now so a report taken while the
// run is still going is as fresh as possible. Caller holds mu.
func (m *Monitor) drain() {
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.apply(ev)
		default:
			return
		}
	}
}
