package metrics

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegisterOTel publishes the same figures as the Prometheus collector through
// OpenTelemetry observable instruments. The meter reads report once per
// collection. Unregister the returned registration to stop publishing.
func RegisterOTel(meter metric.Meter, namespace string, report ReportFunc) (metric.Registration, error) {
	if meter == nil {
		return nil, fmt.Errorf("OpenTelemetry meter is required")
	}
	if report == nil {
		return nil, fmt.Errorf("report function cannot be nil")
	}

	name := func(n string) string {
		if namespace == "" {
			return n
		}
		return namespace + "." + n
	}

	var errs []error
	counter := func(n, desc, unit string) metric.Int64ObservableCounter {
		c, err := meter.Int64ObservableCounter(name(n), metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	gauge := func(n, desc, unit string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name(n), metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return g
	}
	ratio := func(n, desc, unit string) metric.Float64ObservableGauge {
		g, err := meter.Float64ObservableGauge(name(n), metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return g
	}

	hits := counter("cache.hits", "Cache hits by serving tier", "{hit}")
	misses := counter("cache.misses", "Lookups found in neither tier", "{miss}")
	items := gauge("cache.items", "Entries held by each tier", "{item}")
	fastBytes := gauge("cache.fast.size", "Bytes held by the fast tier", "By")
	fastCapacity := gauge("cache.fast.capacity", "Current fast tier capacity", "By")
	hitRatio := ratio("cache.hit_ratio", "Hits over lookups", "1")
	tasks := counter("executor.tasks", "Tasks submitted to the parallel executor", "{task}")
	taskErrors := counter("executor.task_errors", "Tasks that returned an error", "{task}")
	workers := gauge("executor.workers", "Current worker ceiling", "{worker}")
	adjustments := counter("controller.adjustments", "Adaptive adjustments applied", "{adjustment}")
	pressure := ratio("monitor.pressure", "Latest host resource usage", "%")

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
	}

	fast := metric.WithAttributes(attribute.String("tier", "fast"))
	durable := metric.WithAttributes(attribute.String("tier", "durable"))

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r := report()
		o.ObserveInt64(hits, r.FastHits, fast)
		o.ObserveInt64(hits, r.DurableHits, durable)
		o.ObserveInt64(misses, r.CacheMisses)
		o.ObserveInt64(items, int64(r.FastItems), fast)
		o.ObserveInt64(items, int64(r.DurableItems), durable)
		o.ObserveInt64(fastBytes, r.FastSizeBytes)
		o.ObserveInt64(fastCapacity, r.FastCapacityBytes)
		o.ObserveFloat64(hitRatio, r.HitRatio())
		o.ObserveInt64(tasks, r.TotalTasks)
		o.ObserveInt64(taskErrors, r.TaskErrors)
		o.ObserveInt64(workers, int64(r.WorkerCount))
		o.ObserveInt64(adjustments, r.AdaptiveAdjustments)
		o.ObserveFloat64(pressure, r.MemoryPercent, metric.WithAttributes(attribute.String("resource", "memory")))
		o.ObserveFloat64(pressure, r.CPUPercent, metric.WithAttributes(attribute.String("resource", "cpu")))
		return nil
	}, hits, misses, items, fastBytes, fastCapacity, hitRatio, tasks, taskErrors, workers, adjustments, pressure)
}
