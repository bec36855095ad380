package optimizer

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/perfopt/perfopt/internal/cache"
	"github.com/perfopt/perfopt/internal/monitor"
	"github.com/perfopt/perfopt/pkg/utils"
)

// Option customizes an Optimizer
type Option func(*options)

type options struct {
	logger  *utils.StructuredLogger
	sampler Sampler
	now     func() time.Time
	records RecordStore
	meter   metric.Meter
}

// WithLogger sets the logger instead of building one from the global config
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSampler replaces the host sampler used for monitoring and metrics
func WithSampler(sampler Sampler) Option {
	return func(o *options) {
		o.sampler = sampler
	}
}

// WithClock replaces the time source used for cache expiry
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRecordStore replaces the durable tier's backend
func WithRecordStore(store RecordStore) Option {
	return func(o *options) {
		o.records = store
	}
}

// WithMeter also publishes the metrics through an OpenTelemetry meter. It has
// no effect when metrics are disabled.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// Sampler reads host resource pressure
type Sampler = monitor.Sampler

// Pressure is one reading of host resource usage, in percent
type Pressure = monitor.Pressure

// RecordStore persists the durable tier's records
type RecordStore = cache.RecordStore

// Record describes one stored durable record
type Record = cache.Record
