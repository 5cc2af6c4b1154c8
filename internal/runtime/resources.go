package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuMetricName = "/sched/cpu:seconds"

// ResourceUsage is a coarse point-in-time view of the process, published in
// the status documents.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker derives CPU use from consecutive readings of the
// scheduler's CPU counter. The first snapshot has no baseline and reports
// zero CPU.
type resourceTracker struct {
	mu          sync.Mutex
	samples     []metrics.Sample
	prevCPUSecs float64
	prevAt      time.Time
	cpus        float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuMetricName}},
		cpus:    float64(runtime.NumCPU()),
	}
}

// Snapshot reads current usage. Safe on a nil tracker.
func (rt *resourceTracker) Snapshot() ResourceUsage {
	if rt == nil {
		return ResourceUsage{}
	}

	rt.mu.Lock()
	cpuPercent := rt.cpuPercentLocked(time.Now())
	rt.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}

func (rt *resourceTracker) cpuPercentLocked(now time.Time) float64 {
	if len(rt.samples) == 0 {
		rt.samples = []metrics.Sample{{Name: cpuMetricName}}
	}
	metrics.Read(rt.samples)
	if rt.samples[0].Value.Kind() != metrics.KindFloat64 {
		rt.prevAt = now
		return 0
	}
	cpuSecs := rt.samples[0].Value.Float64()

	var percent float64
	if !rt.prevAt.IsZero() {
		wall := now.Sub(rt.prevAt).Seconds()
		if wall > 0 && rt.cpus > 0 {
			percent = (cpuSecs - rt.prevCPUSecs) / wall / rt.cpus * 100
		}
	}
	rt.prevCPUSecs = cpuSecs
	rt.prevAt = now
	return percent
}
