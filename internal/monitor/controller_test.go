package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perfopt/perfopt/internal/cache"
	"github.com/perfopt/perfopt/pkg/executor"
)

var (
	_ CacheTuner  = (*cache.FastTier)(nil)
	_ WorkerTuner = (*executor.Pool)(nil)
)

const mb = int64(1024 * 1024)

type fakeCache struct {
	capacity int64
	sweeps   int
}

func (c *fakeCache) Capacity() int64 { return c.capacity }
func (c *fakeCache) SetCapacity(n int64) { c.capacity = n }
func (c *fakeCache) Sweep() (expired, evicted int) { c.sweeps++; return 0, 0 }

type fakeWorkers struct {
	workers, min, max int
}

func (w *fakeWorkers) Workers() int { return w.workers }

func (w *fakeWorkers) SetWorkers(n int) int {
	if n < w.min {
		n = w.min
	}
	if n > w.max {
		n = w.max
	}
	w.workers = n
	return n
}

func (w *fakeWorkers) Bounds() (int, int) { return w.min, w.max }

type countingRecorder struct{ n int }

func (r *countingRecorder) RecordAdjustment() { r.n++ }

func defaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		LearningRate:           0.1,
		TrendWindow:            5,
		HitRatioTrendThreshold: 0.05,
		CPUTrendThreshold:      5,
		Headroom:               0.7,
		MaxMemoryPercent:       85,
		MaxCPUPercent:          90,
		CapacityFloor:          10 * mb,
		CapacityCeiling:        1000 * mb,
	}
}

// trend builds a window of samples that starts at base and ends at latest
func trend(base, latest ResourceSample, window int) []ResourceSample {
	out := make([]ResourceSample, 0, window)
	for i := 0; i < window-1; i++ {
		out = append(out, base)
	}
	return append(out, latest)
}

func TestTuneNeedsFullWindow(t *testing.T) {
	c := &fakeCache{capacity: 100 * mb}
	w := &fakeWorkers{workers: 8, min: 2, max: 16}
	rec := &countingRecorder{}
	ctrl := NewController(defaultControllerConfig(), c, w, rec, nil)

	history := trend(ResourceSample{CacheHitRatio: 0.9}, ResourceSample{CacheHitRatio: 0.1}, 4)
	d := ctrl.Tune(history)

	assert.False(t, d.Changed())
	assert.Equal(t, 100*mb, c.capacity)
	assert.Zero(t, rec.n)
}

func TestTuneGrowsCacheOnFallingHitRatio(t *testing.T) {
	c := &fakeCache{capacity: 100 * mb}
	rec := &countingRecorder{}
	ctrl := NewController(defaultControllerConfig(), c, nil, rec, nil)

	history := trend(
		ResourceSample{CacheHitRatio: 0.8, MemoryPercent: 40},
		ResourceSample{CacheHitRatio: 0.6, MemoryPercent: 40},
		5,
	)
	d := ctrl.Tune(history)

	assert.True(t, d.Changed())
	start := float64(100 * mb)
	assert.Equal(t, int64(start*1.1), c.capacity)
	assert.Equal(t, 1, rec.n)
}

func TestTuneCacheGrowthRespectsMemoryHeadroom(t *testing.T) {
	c := &fakeCache{capacity: 100 * mb}
	ctrl := NewController(defaultControllerConfig(), c, nil, nil, nil)

	// 85 * 0.7 = 59.5
	history := trend(
		ResourceSample{CacheHitRatio: 0.8, MemoryPercent: 60},
		ResourceSample{CacheHitRatio: 0.6, MemoryPercent: 60},
		5,
	)
	ctrl.Tune(history)

	assert.Equal(t, 100*mb, c.capacity)
}

func TestTuneCacheGrowthCapped(t *testing.T) {
	c := &fakeCache{capacity: 950 * mb}
	ctrl := NewController(defaultControllerConfig(), c, nil, nil, nil)

	history := trend(ResourceSample{CacheHitRatio: 0.8}, ResourceSample{CacheHitRatio: 0.5}, 5)
	ctrl.Tune(history)
	assert.Equal(t, 1000*mb, c.capacity)

	d := ctrl.Tune(history)
	assert.False(t, d.Changed(), "already at the ceiling")
	assert.Equal(t, 1000*mb, c.capacity)
}

func TestTuneWorkers(t *testing.T) {
	tests := []struct {
		name     string
		workers  int
		from, to float64
		want     int
		adjusted bool
	}{
		{"cpu rising shrinks", 8, 40, 50, 7, true},
		{"cpu rising at floor", 2, 40, 50, 2, false},
		{"cpu falling grows", 8, 50, 30, 9, true},
		{"cpu falling without headroom", 8, 80, 70, 8, false},
		{"cpu falling at ceiling", 16, 50, 30, 16, false},
		{"stable cpu", 8, 50, 52, 8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWorkers{workers: tt.workers, min: 2, max: 16}
			rec := &countingRecorder{}
			ctrl := NewController(defaultControllerConfig(), nil, w, rec, nil)

			d := ctrl.Tune(trend(ResourceSample{CPUPercent: tt.from}, ResourceSample{CPUPercent: tt.to}, 5))

			assert.Equal(t, tt.want, w.workers)
			assert.Equal(t, tt.adjusted, d.Changed())
			if tt.adjusted {
				assert.Equal(t, 1, rec.n)
			} else {
				assert.Zero(t, rec.n)
			}
		})
	}
}

func TestTuneStaysWithinBounds(t *testing.T) {
	w := &fakeWorkers{workers: 8, min: 2, max: 12}
	c := &fakeCache{capacity: 100 * mb}
	ctrl := NewController(defaultControllerConfig(), c, w, nil, nil)

	falling := trend(ResourceSample{CPUPercent: 60, CacheHitRatio: 0.9}, ResourceSample{CPUPercent: 10, CacheHitRatio: 0.1}, 5)
	for i := 0; i < 50; i++ {
		ctrl.Tune(falling)
		assert.LessOrEqual(t, w.workers, 12)
		assert.LessOrEqual(t, c.capacity, 1000*mb)
	}
	assert.Equal(t, 12, w.workers)
	assert.Equal(t, 1000*mb, c.capacity)

	rising := trend(ResourceSample{CPUPercent: 10}, ResourceSample{CPUPercent: 60}, 5)
	for i := 0; i < 50; i++ {
		ctrl.Tune(rising)
		assert.GreaterOrEqual(t, w.workers, 2)
	}
	assert.Equal(t, 2, w.workers)
}

func TestTuneCountsOncePerStep(t *testing.T) {
	c := &fakeCache{capacity: 100 * mb}
	w := &fakeWorkers{workers: 8, min: 2, max: 16}
	rec := &countingRecorder{}
	ctrl := NewController(defaultControllerConfig(), c, w, rec, nil)

	d := ctrl.Tune(trend(
		ResourceSample{CPUPercent: 40, CacheHitRatio: 0.9},
		ResourceSample{CPUPercent: 20, CacheHitRatio: 0.5},
		5,
	))

	assert.Greater(t, d.CapacityAfter, d.CapacityBefore)
	assert.Greater(t, d.WorkersAfter, d.WorkersBefore)
	assert.Equal(t, 1, rec.n)
}

func TestRelieveMemory(t *testing.T) {
	c := &fakeCache{capacity: 100 * mb}
	rec := &countingRecorder{}
	ctrl := NewController(defaultControllerConfig(), c, nil, rec, nil)

	d := ctrl.Relieve(ResourceSample{MemoryPercent: 90})
	assert.Equal(t, 80*mb, c.capacity)
	assert.True(t, d.Swept)
	assert.Equal(t, 1, c.sweeps)
	assert.Zero(t, rec.n, "relief is not an adaptive adjustment")

	c.capacity = 11 * mb
	ctrl.Relieve(ResourceSample{MemoryPercent: 90})
	assert.Equal(t, 10*mb, c.capacity, "never below the floor")

	ctrl.Relieve(ResourceSample{MemoryPercent: 50})
	assert.Equal(t, 2, c.sweeps, "no sweep below the ceiling")
}

func TestRelieveCPU(t *testing.T) {
	w := &fakeWorkers{workers: 3, min: 2, max: 16}
	ctrl := NewController(defaultControllerConfig(), nil, w, nil, nil)

	ctrl.Relieve(ResourceSample{CPUPercent: 95})
	assert.Equal(t, 2, w.workers)

	d := ctrl.Relieve(ResourceSample{CPUPercent: 95})
	assert.False(t, d.Changed())
	assert.Equal(t, 2, w.workers)
}

func TestRelieveCPUStopsAtConfiguredFloor(t *testing.T) {
	w := &fakeWorkers{workers: 3, min: 1, max: 16}
	ctrl := NewController(defaultControllerConfig(), nil, w, nil, nil)

	for i := 0; i < 5; i++ {
		ctrl.Relieve(ResourceSample{CPUPercent: 99})
	}
	assert.Equal(t, 1, w.workers, "with min_workers 1 the valve drains to a single worker")
}
