package monitor

import (
	"github.com/perfopt/perfopt/pkg/utils"
)

// CacheTuner is the part of the fast tier the controller adjusts
type CacheTuner interface {
	Capacity() int64
	SetCapacity(capacity int64)
	Sweep() (expired, evicted int)
}

// WorkerTuner is the part of the worker pool the controller adjusts.
// SetWorkers clamps to Bounds and returns the applied value.
type WorkerTuner interface {
	Workers() int
	SetWorkers(n int) int
	Bounds() (minWorkers, maxWorkers int)
}

// AdjustmentRecorder counts adaptive adjustments
type AdjustmentRecorder interface {
	RecordAdjustment()
}

// ControllerConfig holds the tuning thresholds
type ControllerConfig struct {
	LearningRate           float64
	TrendWindow            int
	HitRatioTrendThreshold float64
	CPUTrendThreshold      float64
	Headroom               float64
	MaxMemoryPercent       float64
	MaxCPUPercent          float64
	CapacityFloor          int64
	CapacityCeiling        int64
}

// Decision describes the tunables before and after one controller step
type Decision struct {
	CapacityBefore int64
	CapacityAfter  int64
	WorkersBefore  int
	WorkersAfter   int
	Swept          bool
}

// Changed reports whether any tunable moved
func (d Decision) Changed() bool {
	return d.CapacityBefore != d.CapacityAfter || d.WorkersBefore != d.WorkersAfter
}

// Controller adjusts fast tier capacity and worker count from the
// performance history. Either tuner may be nil when its component is off.
type Controller struct {
	config   ControllerConfig
	cache    CacheTuner
	workers  WorkerTuner
	recorder AdjustmentRecorder
	logger   *utils.StructuredLogger
}

// NewController creates a controller
func NewController(config ControllerConfig, cache CacheTuner, workers WorkerTuner, recorder AdjustmentRecorder, logger *utils.StructuredLogger) *Controller {
	if config.TrendWindow < 2 {
		config.TrendWindow = 2
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Controller{
		config:   config,
		cache:    cache,
		workers:  workers,
		recorder: recorder,
		logger:   logger.WithComponent("monitor"),
	}
}

func (c *Controller) current() Decision {
	var d Decision
	if c.cache != nil {
		d.CapacityBefore = c.cache.Capacity()
		d.CapacityAfter = d.CapacityBefore
	}
	if c.workers != nil {
		d.WorkersBefore = c.workers.Workers()
		d.WorkersAfter = d.WorkersBefore
	}
	return d
}

// Tune compares the newest sample with the one TrendWindow-1 positions
// before it and nudges the tunables by the learning rate:
//
//   - hit ratio falling with memory headroom grows the fast tier
//   - CPU rising shrinks the pool toward its minimum
//   - CPU falling with CPU headroom grows the pool toward its maximum
//
// At most one adjustment is counted per call.
func (c *Controller) Tune(history []ResourceSample) Decision {
	d := c.current()
	window := c.config.TrendWindow
	if len(history) < window {
		return d
	}

	latest := history[len(history)-1]
	base := history[len(history)-window]
	memoryTrend := latest.MemoryPercent - base.MemoryPercent
	cpuTrend := latest.CPUPercent - base.CPUPercent
	hitTrend := latest.CacheHitRatio - base.CacheHitRatio
	lr := c.config.LearningRate

	if c.cache != nil && hitTrend < -c.config.HitRatioTrendThreshold &&
		latest.MemoryPercent < c.config.MaxMemoryPercent*c.config.Headroom {
		grown := int64(float64(d.CapacityBefore) * (1 + lr))
		if grown <= d.CapacityBefore {
			grown = d.CapacityBefore + 1
		}
		if c.config.CapacityCeiling > 0 && grown > c.config.CapacityCeiling {
			grown = c.config.CapacityCeiling
		}
		if grown > d.CapacityBefore {
			c.cache.SetCapacity(grown)
			d.CapacityAfter = c.cache.Capacity()
		}
	}

	if c.workers != nil {
		minWorkers, _ := c.workers.Bounds()
		w := d.WorkersBefore
		switch {
		case cpuTrend > c.config.CPUTrendThreshold && w > minWorkers:
			target := int(float64(w) * (1 - lr))
			if target >= w {
				target = w - 1
			}
			d.WorkersAfter = c.workers.SetWorkers(target)
		case cpuTrend < -c.config.CPUTrendThreshold &&
			latest.CPUPercent < c.config.MaxCPUPercent*c.config.Headroom:
			target := int(float64(w) * (1 + lr))
			if target <= w {
				target = w + 1
			}
			d.WorkersAfter = c.workers.SetWorkers(target)
		}
	}

	if d.Changed() {
		if c.recorder != nil {
			c.recorder.RecordAdjustment()
		}
		c.logger.Info("Adaptive adjustment applied", map[string]interface{}{
			"memory_trend":    memoryTrend,
			"cpu_trend":       cpuTrend,
			"hit_ratio_trend": hitTrend,
			"capacity_from":   utils.FormatBytes(d.CapacityBefore),
			"capacity_to":     utils.FormatBytes(d.CapacityAfter),
			"workers_from":    d.WorkersBefore,
			"workers_to":      d.WorkersAfter,
		})
	}
	return d
}

// Relieve applies the hard ceilings to the latest sample. Memory above its
// ceiling shrinks the fast tier by a fifth, never below the floor, and
// sweeps it; CPU above its ceiling removes one worker, never going below the
// pool's min_workers. These are not counted as adaptive adjustments.
func (c *Controller) Relieve(latest ResourceSample) Decision {
	d := c.current()

	if c.cache != nil && latest.MemoryPercent > c.config.MaxMemoryPercent {
		shrunk := int64(float64(d.CapacityBefore) * 0.8)
		if shrunk < c.config.CapacityFloor {
			shrunk = c.config.CapacityFloor
		}
		if shrunk < d.CapacityBefore {
			c.cache.SetCapacity(shrunk)
			d.CapacityAfter = c.cache.Capacity()
		}
		c.cache.Sweep()
		d.Swept = true
	}

	if c.workers != nil && latest.CPUPercent > c.config.MaxCPUPercent {
		minWorkers, _ := c.workers.Bounds()
		if d.WorkersBefore > minWorkers {
			d.WorkersAfter = c.workers.SetWorkers(d.WorkersBefore - 1)
		}
	}

	if d.Changed() || d.Swept {
		c.logger.Warn("Resource ceiling exceeded, relieving pressure", map[string]interface{}{
			"memory_percent": latest.MemoryPercent,
			"cpu_percent":    latest.CPUPercent,
			"capacity_from":  utils.FormatBytes(d.CapacityBefore),
			"capacity_to":    utils.FormatBytes(d.CapacityAfter),
			"workers_from":   d.WorkersBefore,
			"workers_to":     d.WorkersAfter,
		})
	}
	return d
}
