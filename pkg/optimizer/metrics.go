package optimizer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/perfopt/perfopt/internal/metrics"
	"github.com/perfopt/perfopt/internal/monitor"
	"github.com/perfopt/perfopt/pkg/executor"
)

const bytesPerMB = 1024 * 1024

// PerformanceMetrics is a point-in-time report of the optimizer
type PerformanceMetrics struct {
	metrics.Snapshot

	CurrentResourceUsage ResourceUsage       `json:"current_resource_usage"`
	Configuration        ConfigurationReport `json:"configuration"`
	CacheStatistics      CacheStatistics     `json:"cache_statistics"`
	AdaptiveStatistics   *AdaptiveStatistics `json:"adaptive_statistics,omitempty"`
	ExecutorStatistics   executor.Stats      `json:"executor_statistics"`
	MonitorStatistics    monitor.Stats       `json:"monitor_statistics"`
}

// ResourceUsage is host pressure in percent
type ResourceUsage struct {
	MemoryPercent    float64 `json:"memory_percent"`
	CPUPercent       float64 `json:"cpu_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
}

// ConfigurationReport shows the live values of the tunables and switches
type ConfigurationReport struct {
	CachingEnabled    bool    `json:"caching_enabled"`
	MemoryCacheSizeMB float64 `json:"memory_cache_size_mb"`
	DiskCacheSizeMB   float64 `json:"disk_cache_size_mb"`
	CacheTTLSeconds   float64 `json:"cache_ttl_seconds"`
	DurableBackend    string  `json:"durable_backend"`
	ParallelEnabled   bool    `json:"parallel_enabled"`
	MaxWorkers        int     `json:"max_workers"`
	MonitoringEnabled bool    `json:"monitoring_enabled"`
	AdaptiveEnabled   bool    `json:"adaptive_enabled"`
	AutoTune          bool    `json:"auto_tune"`
}

// CacheStatistics reports tier occupancy and the hit ratio
type CacheStatistics struct {
	MemoryCacheItemCount int     `json:"memory_cache_item_count"`
	DiskCacheItemCount   int     `json:"disk_cache_item_count"`
	CacheHitRatio        float64 `json:"cache_hit_ratio"`
	DurableCircuitState  string  `json:"durable_circuit_state,omitempty"`
}

// AdaptiveStatistics reports the controller's activity
type AdaptiveStatistics struct {
	AdjustmentsMade     int64   `json:"adjustments_made"`
	CurrentLearningRate float64 `json:"current_learning_rate"`
}

// GetPerformanceMetrics takes a fresh host sample and combines it with the
// counters, the live configuration and the tier item counts. The counters
// come from a single snapshot, so related values are never torn.
func (o *Optimizer) GetPerformanceMetrics(ctx context.Context) *PerformanceMetrics {
	snap := o.stats.Snapshot()

	pm := &PerformanceMetrics{
		Snapshot:             snap,
		CurrentResourceUsage: o.resourceUsage(ctx),
		Configuration:        o.configurationReport(),
		ExecutorStatistics:   o.pool.GetStats(),
		MonitorStatistics:    o.monitor.GetStats(),
	}

	pm.CacheStatistics.CacheHitRatio = snap.HitRatio()
	if o.store != nil {
		fast, durable, err := o.store.Counts(ctx)
		if err != nil {
			o.logger.Warn("Failed to count durable records", map[string]interface{}{
				"error": err.Error(),
			})
		}
		pm.CacheStatistics.MemoryCacheItemCount = fast
		pm.CacheStatistics.DiskCacheItemCount = durable
	}
	if o.breaker != nil {
		pm.CacheStatistics.DurableCircuitState = o.breaker.State().String()
	}

	if o.config.Adaptive.Enabled {
		pm.AdaptiveStatistics = &AdaptiveStatistics{
			AdjustmentsMade:     snap.AdaptiveAdjustments,
			CurrentLearningRate: o.config.Adaptive.LearningRate,
		}
	}

	return pm
}

// resourceUsage samples the host now, falling back to the newest recorded
// sample when sampling fails.
func (o *Optimizer) resourceUsage(ctx context.Context) ResourceUsage {
	p, err := monitor.Probe(ctx, o.probe, o.config.Monitor.SampleTimeout)
	if err == nil {
		return ResourceUsage{
			MemoryPercent:    p.MemoryPercent,
			CPUPercent:       p.CPUPercent,
			DiskUsagePercent: p.DiskPercent,
		}
	}

	o.logger.Warn("Fresh resource sample failed", map[string]interface{}{
		"error": err.Error(),
	})
	latest, ok := o.monitor.Latest()
	if !ok {
		return ResourceUsage{}
	}
	return ResourceUsage{
		MemoryPercent:    latest.MemoryPercent,
		CPUPercent:       latest.CPUPercent,
		DiskUsagePercent: latest.DiskPercent,
	}
}

func (o *Optimizer) configurationReport() ConfigurationReport {
	memory := o.sizes.Memory
	if o.store != nil {
		memory = o.store.Fast().Capacity()
	}
	return ConfigurationReport{
		CachingEnabled:    o.config.Cache.Enabled,
		MemoryCacheSizeMB: float64(memory) / bytesPerMB,
		DiskCacheSizeMB:   float64(o.sizes.Durable) / bytesPerMB,
		CacheTTLSeconds:   o.config.Cache.TTL.Seconds(),
		DurableBackend:    o.config.Cache.Durable.Backend,
		ParallelEnabled:   o.pool.Enabled(),
		MaxWorkers:        o.pool.Workers(),
		MonitoringEnabled: o.config.Monitor.Enabled,
		AdaptiveEnabled:   o.config.Adaptive.Enabled,
		AutoTune:          o.config.Adaptive.AutoTune,
	}
}

// Collector returns the Prometheus collector, or nil when metrics are
// disabled. Register it with a registry and serve it with metrics.Handler.
func (o *Optimizer) Collector() prometheus.Collector {
	if o.collector == nil {
		return nil
	}
	return o.collector
}

// report feeds the collector on every scrape. It reads the latest monitor
// sample rather than sampling, so scrapes stay cheap.
func (o *Optimizer) report() metrics.Report {
	r := metrics.Report{
		Snapshot:    o.stats.Snapshot(),
		WorkerCount: o.pool.Workers(),
	}

	if o.store != nil {
		fast := o.store.Fast()
		r.FastCapacityBytes = fast.Capacity()
		r.FastSizeBytes = fast.Size()
		r.FastItems = fast.Len()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if n, err := o.store.Durable().Len(ctx); err == nil {
			r.DurableItems = n
		}
	}

	if latest, ok := o.monitor.Latest(); ok {
		r.MemoryPercent = latest.MemoryPercent
		r.CPUPercent = latest.CPUPercent
	}
	return r
}
