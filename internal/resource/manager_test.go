package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/codeswarm/internal/types"
)

func testLimits() Limits {
	return Limits{
		CPU:            2,
		MemoryMB:       1024,
		MaxConcurrent:  4,
		ReserveTimeout: 2 * time.Second,
	}
}

func newManager(t *testing.T, limits Limits, opts ...Option) *Manager {
	t.Helper()
	m, err := New(limits, opts...)
	require.NoError(t, err)
	return m
}

func req(id string, p types.Priority, cpu float64, mem int64) Request {
	return Request{TaskID: id, Priority: p, Cost: types.ResourceCost{CPU: cpu, MemoryMB: mem}}
}

type reserveResult struct {
	grant *Grant
	err   error
}

func reserveAsync(m *Manager, r Request) <-chan reserveResult {
	ch := make(chan reserveResult, 1)
	go func() {
		g, err := m.Reserve(context.Background(), r)
		ch <- reserveResult{g, err}
	}()
	return ch
}

func waitForWaiters(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Stats().Waiting == n }, time.Second, 5*time.Millisecond)
}

func TestLimitsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Limits)
		errMsg string
	}{
		{"valid", func(*Limits) {}, ""},
		{"zero cpu", func(l *Limits) { l.CPU = 0 }, "cpu limit must be positive"},
		{"zero memory", func(l *Limits) { l.MemoryMB = 0 }, "memory limit must be positive"},
		{"zero concurrency", func(l *Limits) { l.MaxConcurrent = 0 }, "max concurrent must be positive"},
		{"zero timeout", func(l *Limits) { l.ReserveTimeout = 0 }, "reserve timeout must be positive"},
		{"inverted watermarks", func(l *Limits) {
			l.Monitoring = true
			l.HighWatermark = 0.5
			l.LowWatermark = 0.8
		}, "low watermark"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLimits()
			tt.mutate(&l)
			err := l.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestReserveAndRelease(t *testing.T) {
	m := newManager(t, testLimits())

	g, err := m.Reserve(context.Background(), req("t1", types.PriorityMedium, 1.5, 256))
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, "t1", g.TaskID)
	assert.False(t, g.GrantedAt.IsZero())

	s := m.Stats()
	assert.InDelta(t, 1.5, s.CPUInUse, 1e-9)
	assert.Equal(t, int64(256), s.MemoryInUseMB)
	assert.Equal(t, 1, s.ActiveGrants)
	assert.InDelta(t, 0.75, s.CPUUtilization(), 1e-9)
	assert.InDelta(t, 0.25, s.MemoryUtilization(), 1e-9)

	require.NoError(t, m.Release(g))
	assert.False(t, g.ReleasedAt.IsZero())

	s = m.Stats()
	assert.Zero(t, s.CPUInUse)
	assert.Zero(t, s.MemoryInUseMB)
	assert.Zero(t, s.ActiveGrants)
	assert.Equal(t, uint64(1), s.Granted)
	assert.Equal(t, uint64(1), s.Released)
}

func TestReserveBlocksUntilRelease(t *testing.T) {
	m := newManager(t, testLimits())
	ctx := context.Background()

	g1, err := m.Reserve(ctx, req("t1", types.PriorityMedium, 1, 0))
	require.NoError(t, err)
	g2, err := m.Reserve(ctx, req("t2", types.PriorityMedium, 1, 0))
	require.NoError(t, err)

	third := reserveAsync(m, req("t3", types.PriorityMedium, 1, 0))
	waitForWaiters(t, m, 1)

	select {
	case <-third:
		t.Fatal("third reservation should wait for headroom")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Release(g1))
	res := <-third
	require.NoError(t, res.err)
	assert.Equal(t, "t3", res.grant.TaskID)

	require.NoError(t, m.Release(g2))
	require.NoError(t, m.Release(res.grant))
}

func TestReserveTimeout(t *testing.T) {
	limits := testLimits()
	limits.ReserveTimeout = 50 * time.Millisecond
	m := newManager(t, limits)

	g, err := m.Reserve(context.Background(), req("hog", types.PriorityMedium, 2, 0))
	require.NoError(t, err)

	_, err = m.Reserve(context.Background(), req("starved", types.PriorityMedium, 1, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrResourceExhausted)

	var rerr *types.ResourceError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, types.ResourceExhausted, rerr.Kind)
	assert.Equal(t, "starved", rerr.TaskID)

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Exhausted)
	assert.Zero(t, s.Waiting)
	require.NoError(t, m.Release(g))
}

func TestReserveContextCancelled(t *testing.T) {
	m := newManager(t, testLimits())

	g, err := m.Reserve(context.Background(), req("hog", types.PriorityMedium, 2, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Reserve(ctx, req("waiter", types.PriorityMedium, 1, 0))
		done <- err
	}()
	waitForWaiters(t, m, 1)
	cancel()

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Stats().Waiting)

	require.NoError(t, m.Release(g))
	assert.Zero(t, m.Stats().ActiveGrants)
}

func TestOversizedRequestIsClamped(t *testing.T) {
	m := newManager(t, testLimits())

	g, err := m.Reserve(context.Background(), req("big", types.PriorityMedium, 16, 1<<20))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, g.CPU, 1e-9)
	assert.Equal(t, int64(1024), g.MemoryMB)

	// Nothing else fits while it runs.
	small := reserveAsync(m, req("small", types.PriorityCritical, 0.1, 1))
	waitForWaiters(t, m, 1)
	require.NoError(t, m.Release(g))

	res := <-small
	require.NoError(t, res.err)
	require.NoError(t, m.Release(res.grant))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newManager(t, testLimits())

	g, err := m.Reserve(context.Background(), req("t1", types.PriorityMedium, 1, 100))
	require.NoError(t, err)

	require.NoError(t, m.Release(g))
	require.NoError(t, m.Release(g))

	copied := *g
	require.NoError(t, m.Release(&copied))

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Released)
	assert.Zero(t, s.CPUInUse)
}

func TestReleaseIsIdempotentAfterManyReleases(t *testing.T) {
	m := newManager(t, testLimits())

	first, err := m.Reserve(context.Background(), req("first", types.PriorityMedium, 0.1, 1))
	require.NoError(t, err)
	require.NoError(t, m.Release(first))

	for i := 0; i < releasedMemory+1; i++ {
		g, err := m.Reserve(context.Background(), req("filler", types.PriorityMedium, 0.1, 1))
		require.NoError(t, err)
		require.NoError(t, m.Release(g))
	}
	require.False(t, m.released.Contains(first.ID), "first grant should have been evicted")

	require.NoError(t, m.Release(first))

	s := m.Stats()
	assert.Equal(t, uint64(releasedMemory+2), s.Released)
	assert.Zero(t, s.ActiveGrants)
	assert.Zero(t, s.CPUInUse)
}

func TestReleaseUnknownGrant(t *testing.T) {
	m := newManager(t, testLimits())

	err := m.Release(&Grant{ID: "not-issued", TaskID: "t1"})
	var rerr *types.ResourceError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, types.ResourceUnknownGrant, rerr.Kind)

	err = m.Release(nil)
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, types.ResourceUnknownGrant, rerr.Kind)
}

func TestReleaseDetectsAccountingViolation(t *testing.T) {
	m := newManager(t, testLimits())

	g, err := m.Reserve(context.Background(), req("t1", types.PriorityMedium, 1, 100))
	require.NoError(t, err)

	m.mu.Lock()
	m.cpuInUse = 0
	m.memInUse = 0
	m.mu.Unlock()

	err = m.Release(g)
	var rerr *types.ResourceError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, types.ResourceAccountingViolation, rerr.Kind)

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Violations)
	assert.Zero(t, s.CPUInUse)
	assert.Zero(t, s.MemoryInUseMB)
}

func TestHigherPriorityAdmittedFirst(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrent = 1
	m := newManager(t, limits)

	hog, err := m.Reserve(context.Background(), req("hog", types.PriorityMedium, 0.1, 0))
	require.NoError(t, err)

	low := reserveAsync(m, req("low", types.PriorityLow, 0.1, 0))
	waitForWaiters(t, m, 1)
	high := reserveAsync(m, req("high", types.PriorityHigh, 0.1, 0))
	waitForWaiters(t, m, 2)

	require.NoError(t, m.Release(hog))

	first := <-high
	require.NoError(t, first.err)
	select {
	case <-low:
		t.Fatal("low priority admitted while high holds the only slot")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, m.Release(first.grant))
	second := <-low
	require.NoError(t, second.err)
	require.NoError(t, m.Release(second.grant))
}

func TestAgingPromotesLongWaiters(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrent = 1
	limits.AgingInterval = 20 * time.Millisecond
	limits.ReserveTimeout = 5 * time.Second
	m := newManager(t, limits)

	hog, err := m.Reserve(context.Background(), req("hog", types.PriorityMedium, 0.1, 0))
	require.NoError(t, err)

	old := reserveAsync(m, req("old-low", types.PriorityLow, 0.1, 0))
	waitForWaiters(t, m, 1)

	// A continuous stream of critical arrivals, each released as soon as
	// it is granted, competes with the low waiter for the single slot.
	streamCtx, stopStream := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var criticalGranted atomic.Int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				g, err := m.Reserve(streamCtx, req("critical", types.PriorityCritical, 0.1, 0))
				if err != nil {
					return
				}
				criticalGranted.Add(1)
				_ = m.Release(g)
			}()
		}
	}()
	defer func() {
		stopStream()
		wg.Wait()
	}()

	require.Eventually(t, func() bool { return m.Stats().Waiting > 1 }, time.Second, time.Millisecond)
	start := time.Now()
	require.NoError(t, m.Release(hog))

	var res reserveResult
	select {
	case res = <-old:
	case <-time.After(2 * time.Second):
		t.Fatal("low priority waiter starved by critical arrivals")
	}
	require.NoError(t, res.err)
	assert.Equal(t, "old-low", res.grant.TaskID)
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, criticalGranted.Load(), "critical arrivals should have run while the low waiter aged")

	require.NoError(t, m.Release(res.grant))
}

func TestCeilingsNeverExceeded(t *testing.T) {
	limits := Limits{CPU: 3, MemoryMB: 500, MaxConcurrent: 16, ReserveTimeout: 5 * time.Second}

	var mu sync.Mutex
	var peakCPU float64
	var peakMem int64
	var peakActive int
	observer := func(s Stats) {
		mu.Lock()
		defer mu.Unlock()
		peakCPU = max(peakCPU, s.CPUInUse)
		peakMem = max(peakMem, s.MemoryInUseMB)
		peakActive = max(peakActive, s.ActiveGrants)
	}
	m := newManager(t, limits, WithObserver(observer))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := m.Reserve(context.Background(), req("t", types.Priority(i%4+1), 1, 150))
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, m.Release(g))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peakCPU, 3.0)
	assert.LessOrEqual(t, peakMem, int64(500))
	assert.LessOrEqual(t, peakActive, 3)

	s := m.Stats()
	assert.Zero(t, s.CPUInUse)
	assert.Zero(t, s.MemoryInUseMB)
	assert.Equal(t, uint64(20), s.Granted)
	assert.Equal(t, uint64(20), s.Released)
}

func TestGovernorHysteresis(t *testing.T) {
	g := governor{high: 0.9, low: 0.6, min: 1, max: 4}

	tests := []struct {
		name    string
		current int
		load    float64
		want    int
	}{
		{"overloaded shrinks", 4, 0.95, 3},
		{"floor holds", 1, 2.0, 1},
		{"between watermarks holds", 3, 0.75, 3},
		{"at high watermark holds", 3, 0.9, 3},
		{"idle grows", 2, 0.1, 3},
		{"ceiling holds", 4, 0.1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.next(tt.current, tt.load))
		})
	}
}

func TestRebalanceFollowsLoad(t *testing.T) {
	limits := testLimits()
	limits.Monitoring = true
	limits.HighWatermark = 0.9
	limits.LowWatermark = 0.6
	limits.SampleInterval = time.Hour

	var load float64
	sampler := LoadFunc(func() (float64, error) { return load, nil })
	m := newManager(t, limits, WithLoadSampler(sampler))
	assert.Equal(t, 4, m.Concurrency())

	load = 0.95
	m.Rebalance()
	m.Rebalance()
	assert.Equal(t, 2, m.Concurrency())

	load = 0.7
	m.Rebalance()
	assert.Equal(t, 2, m.Concurrency())

	load = 0.2
	m.Rebalance()
	assert.Equal(t, 3, m.Concurrency())
}

func TestRebalanceIgnoresSamplerErrors(t *testing.T) {
	limits := testLimits()
	limits.Monitoring = true
	limits.HighWatermark = 0.9
	limits.LowWatermark = 0.6
	limits.SampleInterval = time.Hour

	sampler := LoadFunc(func() (float64, error) { return 0, errors.New("no procfs") })
	m := newManager(t, limits, WithLoadSampler(sampler))
	m.Rebalance()
	assert.Equal(t, 4, m.Concurrency())
}

func TestProcLoadSampler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadavg")
	require.NoError(t, os.WriteFile(path, []byte("1.50 0.80 0.50 1/100 12345\n"), 0o644))

	s := &ProcLoadSampler{Path: path, CPUs: 3}
	load, err := s.Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, load, 1e-9)

	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	_, err = s.Load()
	assert.Error(t, err)

	s.Path = filepath.Join(t.TempDir(), "missing")
	_, err = s.Load()
	assert.Error(t, err)
}
