package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report is everything the collector exports on a scrape
type Report struct {
	Snapshot

	FastCapacityBytes int64
	FastSizeBytes     int64
	FastItems         int
	DurableItems      int
	WorkerCount       int

	MemoryPercent float64
	CPUPercent    float64
}

// ReportFunc produces a Report at scrape time
type ReportFunc func() Report

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Collector exports optimizer state as Prometheus metrics. Counters and
// gauges are read from a ReportFunc on every scrape; batch durations are
// observed live into a histogram.
type Collector struct {
	report ReportFunc

	cacheHits       *prometheus.Desc
	cacheMisses     *prometheus.Desc
	cacheHitRatio   *prometheus.Desc
	cacheItems      *prometheus.Desc
	fastCapacity    *prometheus.Desc
	fastSize        *prometheus.Desc
	tasks           *prometheus.Desc
	taskErrors      *prometheus.Desc
	avgTaskSeconds  *prometheus.Desc
	adjustments     *prometheus.Desc
	workerCount     *prometheus.Desc
	resourcePercent *prometheus.Desc

	batchDuration prometheus.Histogram
	batchSize     prometheus.Histogram
}

// NewCollector creates a collector reading state from report
func NewCollector(config *Config, report ReportFunc) (*Collector, error) {
	if report == nil {
		return nil, fmt.Errorf("report function cannot be nil")
	}
	if config == nil {
		config = &Config{Enabled: true, Namespace: "perfopt"}
	}
	ns := config.Namespace

	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, subsystem, name), help, labels, nil)
	}

	return &Collector{
		report: report,

		cacheHits:       desc("cache", "hits_total", "Cache hits by serving tier", "tier"),
		cacheMisses:     desc("cache", "misses_total", "Cache lookups that found nothing"),
		cacheHitRatio:   desc("cache", "hit_ratio", "Hits divided by lookups since start"),
		cacheItems:      desc("cache", "items", "Entries held by each tier", "tier"),
		fastCapacity:    desc("cache", "fast_capacity_bytes", "Current fast tier byte budget"),
		fastSize:        desc("cache", "fast_size_bytes", "Approximate bytes held by the fast tier"),
		tasks:           desc("executor", "tasks_total", "Items run through RunInParallel"),
		taskErrors:      desc("executor", "task_errors_total", "Items whose operation returned an error"),
		avgTaskSeconds:  desc("executor", "average_task_seconds", "Running per-item average of batch wall-clock time"),
		adjustments:     desc("controller", "adjustments_total", "Adaptive adjustments applied"),
		workerCount:     desc("executor", "workers", "Current worker pool size"),
		resourcePercent: desc("monitor", "resource_percent", "Latest sampled host pressure", "resource"),

		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "executor",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of parallel batches",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "executor",
			Name:      "batch_items",
			Help:      "Number of items per parallel batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}, nil
}

// ObserveBatch records one finished parallel batch
func (c *Collector) ObserveBatch(items int, elapsed time.Duration) {
	c.batchDuration.Observe(elapsed.Seconds())
	c.batchSize.Observe(float64(items))
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.cacheHitRatio, c.cacheItems,
		c.fastCapacity, c.fastSize, c.tasks, c.taskErrors,
		c.avgTaskSeconds, c.adjustments, c.workerCount, c.resourcePercent,
	} {
		ch <- d
	}
	c.batchDuration.Describe(ch)
	c.batchSize.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.report()

	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(r.FastHits), "fast")
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(r.DurableHits), "durable")
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(r.CacheMisses))
	ch <- prometheus.MustNewConstMetric(c.cacheHitRatio, prometheus.GaugeValue, r.HitRatio())
	ch <- prometheus.MustNewConstMetric(c.cacheItems, prometheus.GaugeValue, float64(r.FastItems), "fast")
	ch <- prometheus.MustNewConstMetric(c.cacheItems, prometheus.GaugeValue, float64(r.DurableItems), "durable")
	ch <- prometheus.MustNewConstMetric(c.fastCapacity, prometheus.GaugeValue, float64(r.FastCapacityBytes))
	ch <- prometheus.MustNewConstMetric(c.fastSize, prometheus.GaugeValue, float64(r.FastSizeBytes))
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(r.TotalTasks))
	ch <- prometheus.MustNewConstMetric(c.taskErrors, prometheus.CounterValue, float64(r.TaskErrors))
	ch <- prometheus.MustNewConstMetric(c.avgTaskSeconds, prometheus.GaugeValue, r.AverageTaskTimeMs/1000)
	ch <- prometheus.MustNewConstMetric(c.adjustments, prometheus.CounterValue, float64(r.AdaptiveAdjustments))
	ch <- prometheus.MustNewConstMetric(c.workerCount, prometheus.GaugeValue, float64(r.WorkerCount))
	ch <- prometheus.MustNewConstMetric(c.resourcePercent, prometheus.GaugeValue, r.MemoryPercent, "memory")
	ch <- prometheus.MustNewConstMetric(c.resourcePercent, prometheus.GaugeValue, r.CPUPercent, "cpu")

	c.batchDuration.Collect(ch)
	c.batchSize.Collect(ch)
}

// Handler returns an HTTP handler serving the registry's metrics, for
// services that embed the optimizer and expose their own endpoint.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
