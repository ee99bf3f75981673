// Package resource implements the CPU and memory budget that running
// tasks reserve against, with priority-aged admission and a load-driven
// concurrency limit.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/steveyegge/codeswarm/internal/types"
)

// releasedMemory bounds how many released grant ids are remembered for
// releases through a copy of the grant.
const releasedMemory = 4096

// epsilon absorbs float rounding in CPU accounting.
const epsilon = 1e-9

// Limits configures a Manager.
type Limits struct {
	CPU            float64 // cores
	MemoryMB       int64
	MaxConcurrent  int
	ReserveTimeout time.Duration
	AgingInterval  time.Duration // 0 disables aging

	// Load-adaptive concurrency. Ignored unless Monitoring is set.
	Monitoring     bool
	HighWatermark  float64
	LowWatermark   float64
	SampleInterval time.Duration
}

// Validate checks that the limits can admit work.
func (l Limits) Validate() error {
	if l.CPU <= 0 {
		return fmt.Errorf("cpu limit must be positive, got %.2f", l.CPU)
	}
	if l.MemoryMB <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", l.MemoryMB)
	}
	if l.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be positive, got %d", l.MaxConcurrent)
	}
	if l.ReserveTimeout <= 0 {
		return fmt.Errorf("reserve timeout must be positive, got %v", l.ReserveTimeout)
	}
	if l.Monitoring && l.LowWatermark >= l.HighWatermark {
		return fmt.Errorf("low watermark (%.2f) must be below high watermark (%.2f)", l.LowWatermark, l.HighWatermark)
	}
	return nil
}

// Request asks for resources on behalf of a task.
type Request struct {
	TaskID   string
	Priority types.Priority
	Cost     types.ResourceCost
}

// Grant is an allocation held by one task until released.
type Grant struct {
	ID         string
	TaskID     string
	CPU        float64
	MemoryMB   int64
	GrantedAt  time.Time
	ReleasedAt time.Time
}

// Stats is a snapshot of the manager's accounting.
type Stats struct {
	CPUInUse         float64 `json:"cpu_in_use"`
	CPULimit         float64 `json:"cpu_limit"`
	MemoryInUseMB    int64   `json:"memory_in_use_mb"`
	MemoryLimitMB    int64   `json:"memory_limit_mb"`
	ActiveGrants     int     `json:"active_grants"`
	Waiting          int     `json:"waiting"`
	ConcurrencyLimit int     `json:"concurrency_limit"`
	Granted          uint64  `json:"granted"`
	Released         uint64  `json:"released"`
	Exhausted        uint64  `json:"exhausted"`
	Violations       uint64  `json:"violations"`
}

// CPUUtilization returns CPU in use as a fraction of the limit.
func (s Stats) CPUUtilization() float64 {
	if s.CPULimit <= 0 {
		return 0
	}
	return s.CPUInUse / s.CPULimit
}

// MemoryUtilization returns memory in use as a fraction of the limit.
func (s Stats) MemoryUtilization() float64 {
	if s.MemoryLimitMB <= 0 {
		return 0
	}
	return float64(s.MemoryInUseMB) / float64(s.MemoryLimitMB)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoadSampler replaces the /proc/loadavg sampler.
func WithLoadSampler(s LoadSampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// WithObserver registers fn to receive a snapshot after every change in
// accounting. fn runs with the manager locked and must not call back in.
func WithObserver(fn func(Stats)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager hands out resource grants. All accounting happens under mu.
type Manager struct {
	limits Limits

	mu          sync.Mutex
	cpuInUse    float64
	memInUse    int64
	active      map[string]*Grant
	waiters     []*waiter
	seq         uint64
	concurrency int
	stats       Stats

	released   *lru.Cache[string, struct{}]
	sampler    LoadSampler
	sampleGate *rate.Sometimes
	gov        governor
	observer   func(Stats)
	logger     *slog.Logger
}

type waiter struct {
	req      Request
	cost     types.ResourceCost // clamped to limits
	seq      uint64
	enqueued time.Time
	ready    chan *Grant
	grant    *Grant
}

// New creates a manager.
func New(limits Limits, opts ...Option) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource limits: %w", err)
	}
	released, err := lru.New[string, struct{}](releasedMemory)
	if err != nil {
		return nil, fmt.Errorf("creating released-grant cache: %w", err)
	}

	m := &Manager{
		limits:      limits,
		active:      make(map[string]*Grant),
		concurrency: limits.MaxConcurrent,
		released:    released,
		sampler:     NewProcLoadSampler(),
		sampleGate:  &rate.Sometimes{Interval: limits.SampleInterval},
		gov: governor{
			high: limits.HighWatermark,
			low:  limits.LowWatermark,
			min:  1,
			max:  limits.MaxConcurrent,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Reserve blocks until the request fits or the reserve timeout elapses.
// Requests larger than a limit are clamped to it and so run alone.
func (m *Manager) Reserve(ctx context.Context, req Request) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reserving resources for task %s: %w", req.TaskID, err)
	}

	w := &waiter{
		req:      req,
		cost:     m.clamp(req.Cost),
		enqueued: time.Now(),
		ready:    make(chan *Grant, 1),
	}

	m.mu.Lock()
	m.seq++
	w.seq = m.seq
	m.waiters = append(m.waiters, w)
	m.dispatchLocked()
	m.mu.Unlock()

	timer := time.NewTimer(m.limits.ReserveTimeout)
	defer timer.Stop()

	// Waiters re-run admission periodically so that aging and a relaxed
	// concurrency limit take effect without a release.
	recheck := m.limits.AgingInterval
	if m.limits.Monitoring && m.limits.SampleInterval > 0 && (recheck <= 0 || m.limits.SampleInterval < recheck) {
		recheck = m.limits.SampleInterval
	}
	var tick <-chan time.Time
	if recheck > 0 {
		ticker := time.NewTicker(recheck)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case g := <-w.ready:
			return g, nil
		case <-tick:
			m.mu.Lock()
			m.dispatchLocked()
			m.mu.Unlock()
		case <-ctx.Done():
			m.abandon(w)
			return nil, fmt.Errorf("reserving resources for task %s: %w", req.TaskID, ctx.Err())
		case <-timer.C:
			m.abandon(w)
			m.mu.Lock()
			m.stats.Exhausted++
			m.mu.Unlock()
			m.logger.Warn("resource reservation timed out",
				"task", req.TaskID, "timeout", m.limits.ReserveTimeout, "cpu", w.cost.CPU, "memory_mb", w.cost.MemoryMB)
			return nil, &types.ResourceError{
				Kind:   types.ResourceExhausted,
				TaskID: req.TaskID,
				Err:    fmt.Errorf("no headroom within %v: %w", m.limits.ReserveTimeout, types.ErrResourceExhausted),
			}
		}
	}
}

// Release returns a grant. Releasing an already released grant is a
// no-op; releasing a grant this manager never issued is an error.
func (m *Manager) Release(g *Grant) error {
	if g == nil {
		return &types.ResourceError{Kind: types.ResourceUnknownGrant, Err: fmt.Errorf("nil grant")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// ReleasedAt is stamped under mu by releaseLocked, so a grant that
	// went through Release stays a no-op however long ago that was. The
	// released-id cache only covers copies taken before the release.
	if !g.ReleasedAt.IsZero() {
		return nil
	}
	if _, ok := m.active[g.ID]; !ok {
		if m.released.Contains(g.ID) {
			return nil
		}
		return &types.ResourceError{
			Kind:   types.ResourceUnknownGrant,
			TaskID: g.TaskID,
			Err:    fmt.Errorf("grant %s was not issued by this manager", g.ID),
		}
	}

	err := m.releaseLocked(g)
	m.dispatchLocked()
	return err
}

// Stats returns a snapshot of current accounting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Concurrency returns the current adaptive concurrency limit.
func (m *Manager) Concurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concurrency
}

// Rebalance samples load immediately, regardless of the sample interval,
// and re-runs admission.
func (m *Manager) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampleLocked()
	m.dispatchLocked()
}

func (m *Manager) clamp(c types.ResourceCost) types.ResourceCost {
	if c.CPU < 0 {
		c.CPU = 0
	}
	if c.CPU > m.limits.CPU {
		c.CPU = m.limits.CPU
	}
	if c.MemoryMB < 0 {
		c.MemoryMB = 0
	}
	if c.MemoryMB > m.limits.MemoryMB {
		c.MemoryMB = m.limits.MemoryMB
	}
	return c
}

// effectivePriority raises a waiter one band per elapsed aging interval.
func (m *Manager) effectivePriority(w *waiter, now time.Time) types.Priority {
	p := w.req.Priority
	if m.limits.AgingInterval > 0 {
		p += types.Priority(now.Sub(w.enqueued) / m.limits.AgingInterval)
	}
	if p > types.PriorityCritical {
		p = types.PriorityCritical
	}
	return p
}

// dispatchLocked admits waiters in order while the head fits. The head
// is never bypassed, so an aged waiter cannot be starved by smaller ones.
func (m *Manager) dispatchLocked() {
	if len(m.waiters) == 0 {
		return
	}
	if m.limits.Monitoring {
		m.sampleGate.Do(m.sampleLocked)
	}

	now := time.Now()
	sort.SliceStable(m.waiters, func(i, j int) bool {
		pi, pj := m.effectivePriority(m.waiters[i], now), m.effectivePriority(m.waiters[j], now)
		if pi != pj {
			return pi > pj
		}
		return m.waiters[i].seq < m.waiters[j].seq
	})

	changed := false
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		if !m.fitsLocked(w.cost) {
			break
		}
		m.waiters = m.waiters[1:]

		g := &Grant{
			ID:        uuid.New().String(),
			TaskID:    w.req.TaskID,
			CPU:       w.cost.CPU,
			MemoryMB:  w.cost.MemoryMB,
			GrantedAt: now,
		}
		m.active[g.ID] = g
		m.cpuInUse += g.CPU
		m.memInUse += g.MemoryMB
		m.stats.Granted++
		w.grant = g
		w.ready <- g
		changed = true
	}
	if changed {
		m.notifyLocked()
	}
}

func (m *Manager) fitsLocked(c types.ResourceCost) bool {
	if len(m.active) >= m.concurrency {
		return false
	}
	return m.cpuInUse+c.CPU <= m.limits.CPU+epsilon && m.memInUse+c.MemoryMB <= m.limits.MemoryMB
}

func (m *Manager) releaseLocked(g *Grant) error {
	delete(m.active, g.ID)
	m.released.Add(g.ID, struct{}{})
	g.ReleasedAt = time.Now()
	m.stats.Released++

	var violation error
	m.cpuInUse -= g.CPU
	if m.cpuInUse < -epsilon {
		violation = fmt.Errorf("cpu accounting went negative (%.3f)", m.cpuInUse)
	}
	if m.cpuInUse < 0 {
		m.cpuInUse = 0
	}
	m.memInUse -= g.MemoryMB
	if m.memInUse < 0 {
		violation = fmt.Errorf("memory accounting went negative (%d MB)", m.memInUse)
		m.memInUse = 0
	}
	m.notifyLocked()

	if violation != nil {
		m.stats.Violations++
		m.logger.Error("resource accounting invariant violated", "task", g.TaskID, "error", violation)
		return &types.ResourceError{Kind: types.ResourceAccountingViolation, TaskID: g.TaskID, Err: violation}
	}
	return nil
}

// abandon removes a waiter that gave up. A grant that raced in is
// handed back.
func (m *Manager) abandon(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.grant != nil {
		if _, ok := m.active[w.grant.ID]; ok {
			_ = m.releaseLocked(w.grant)
		}
	} else {
		for i, other := range m.waiters {
			if other == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
	}
	m.dispatchLocked()
}

// sampleLocked reads load and moves the concurrency limit.
func (m *Manager) sampleLocked() {
	load, err := m.sampler.Load()
	if err != nil {
		m.logger.Debug("load sample failed", "error", err)
		return
	}
	next := m.gov.next(m.concurrency, load)
	if next != m.concurrency {
		m.logger.Debug("adjusting concurrency limit", "from", m.concurrency, "to", next, "load", load)
		m.concurrency = next
	}
}

func (m *Manager) snapshotLocked() Stats {
	s := m.stats
	s.CPUInUse = m.cpuInUse
	s.CPULimit = m.limits.CPU
	s.MemoryInUseMB = m.memInUse
	s.MemoryLimitMB = m.limits.MemoryMB
	s.ActiveGrants = len(m.active)
	s.Waiting = len(m.waiters)
	s.ConcurrencyLimit = m.concurrency
	return s
}

func (m *Manager) notifyLocked() {
	if m.observer != nil {
		m.observer(m.snapshotLocked())
	}
}
