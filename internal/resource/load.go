package resource

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LoadSampler reports system load normalized to the number of cores:
// 1.0 means every core is busy.
type LoadSampler interface {
	Load() (float64, error)
}

// LoadFunc adapts a function to LoadSampler.
type LoadFunc func() (float64, error)

// Load implements LoadSampler.
func (f LoadFunc) Load() (float64, error) { return f() }

// ProcLoadSampler reads the one-minute load average from /proc/loadavg.
// On systems without procfs every sample fails and the concurrency limit
// stays where it is.
type ProcLoadSampler struct {
	Path string
	CPUs int
}

// NewProcLoadSampler returns a sampler for the local machine.
func NewProcLoadSampler() *ProcLoadSampler {
	return &ProcLoadSampler{Path: "/proc/loadavg", CPUs: runtime.NumCPU()}
}

// Load implements LoadSampler.
func (p *ProcLoadSampler) Load() (float64, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty load average in %s", p.Path)
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing load average: %w", err)
	}
	cpus := p.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	return load / float64(cpus), nil
}

// governor adjusts the concurrency limit one step at a time with
// hysteresis: shrink above high, grow below low, hold in between.
type governor struct {
	high, low float64
	min, max  int
}

func (g governor) next(current int, load float64) int {
	switch {
	case load > g.high && current > g.min:
		return current - 1
	case load < g.low && current < g.max:
		return current + 1
	default:
		return current
	}
}
