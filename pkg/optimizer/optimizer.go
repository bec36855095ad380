package optimizer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/perfopt/perfopt/internal/cache"
	"github.com/perfopt/perfopt/internal/metrics"
	"github.com/perfopt/perfopt/internal/monitor"
	"github.com/perfopt/perfopt/pkg/config"
	"github.com/perfopt/perfopt/pkg/errors"
	"github.com/perfopt/perfopt/pkg/executor"
	"github.com/perfopt/perfopt/pkg/utils"
)

// metricsSampleWindow is the CPU window of the fresh sample taken for
// GetPerformanceMetrics, kept short so the call stays responsive.
const metricsSampleWindow = 100 * time.Millisecond

// Optimizer owns the two-tier cache, the worker pool, the resource monitor
// and the counters. All of its methods are safe for concurrent use.
type Optimizer struct {
	config *config.Configuration
	sizes  config.Sizes
	logger *utils.StructuredLogger
	// logCloser is set when the optimizer opened its own log file
	logCloser io.Closer

	store   *cache.Store   // nil when caching is disabled
	breaker *cache.Breaker // nil when the durable breaker is disabled
	// recordCloser is set when the optimizer opened its own record store
	recordCloser io.Closer

	pool      *executor.Pool
	stats     *metrics.Stats
	collector *metrics.Collector // nil when metrics are disabled
	otelReg   metric.Registration
	monitor   *monitor.Monitor
	probe     monitor.Sampler
	flights   singleflight.Group

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and builds an optimizer. A nil cfg means defaults.
// Background work does not begin until Start.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Optimizer, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sizes, err := cfg.Cache.ParseSizes()
	if err != nil {
		return nil, err
	}

	var o options
	for _, apply := range opts {
		apply(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	opt := &Optimizer{
		config: cfg,
		sizes:  sizes,
		stats:  metrics.NewStats(),
	}

	if o.logger == nil {
		logger, closer, err := newLogger(cfg.Global)
		if err != nil {
			return nil, err
		}
		o.logger = logger
		opt.logCloser = closer
	}
	opt.logger = o.logger.WithComponent("optimizer")

	if cfg.Cache.Enabled {
		if err := opt.openStore(ctx, o); err != nil {
			opt.release()
			return nil, err
		}
	}

	opt.pool, err = executor.NewPool(executor.Config{
		Enabled:     cfg.Executor.Enabled,
		Workers:     cfg.Executor.MaxWorkers,
		MinWorkers:  cfg.Executor.MinWorkers,
		MaxWorkers:  cfg.Executor.WorkerCeiling,
		TaskTimeout: cfg.Executor.TaskTimeout,
	}, o.logger)
	if err != nil {
		opt.release()
		return nil, err
	}

	sampler := o.sampler
	opt.probe = o.sampler
	if sampler == nil {
		sampler = monitor.NewHostSampler(cfg.Monitor.CPUSampleWindow, cfg.Monitor.DiskPath)
		opt.probe = monitor.NewHostSampler(metricsSampleWindow, cfg.Monitor.DiskPath)
	}

	// Leave the interface nil rather than holding a nil *FastTier
	var cacheTuner monitor.CacheTuner
	if opt.store != nil {
		cacheTuner = opt.store.Fast()
	}
	controller := monitor.NewController(monitor.ControllerConfig{
		LearningRate:           cfg.Adaptive.LearningRate,
		TrendWindow:            cfg.Adaptive.TrendWindow,
		HitRatioTrendThreshold: cfg.Adaptive.HitRatioTrendThreshold,
		CPUTrendThreshold:      cfg.Adaptive.CPUTrendThreshold,
		Headroom:               cfg.Adaptive.Headroom,
		MaxMemoryPercent:       cfg.Monitor.MaxMemoryPercent,
		MaxCPUPercent:          cfg.Monitor.MaxCPUPercent,
		CapacityFloor:          sizes.MemoryFloor,
		CapacityCeiling:        sizes.MemoryCeiling,
	}, cacheTuner, opt.pool, opt.stats, o.logger)

	interval := cfg.Monitor.CheckInterval
	if interval <= 0 {
		// Monitor disabled; the monitor still serves SampleNow
		interval = time.Second
	}
	opt.monitor, err = monitor.New(monitor.Config{
		Interval:      interval,
		ErrorBackoff:  cfg.Monitor.ErrorBackoff,
		SampleTimeout: cfg.Monitor.SampleTimeout,
		HistorySize:   cfg.Monitor.HistorySize,
		AutoTune:      cfg.Adaptive.Enabled && cfg.Adaptive.AutoTune,
		Logger:        o.logger,
	}, sampler, controller, opt.signals)
	if err != nil {
		opt.release()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		opt.collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   cfg.Metrics.Enabled,
			Namespace: cfg.Metrics.Namespace,
		}, opt.report)
		if err != nil {
			opt.release()
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create metrics collector").
				WithComponent("optimizer")
		}
		if o.meter != nil {
			opt.otelReg, err = metrics.RegisterOTel(o.meter, cfg.Metrics.Namespace, opt.report)
			if err != nil {
				opt.release()
				return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to register OpenTelemetry instruments").
					WithComponent("optimizer")
			}
		}
	}

	opt.logger.Info("Optimizer created", map[string]interface{}{
		"caching_enabled":  cfg.Cache.Enabled,
		"memory_cache":     utils.FormatBytes(sizes.Memory),
		"durable_cache":    utils.FormatBytes(sizes.Durable),
		"durable_backend":  cfg.Cache.Durable.Backend,
		"parallel_enabled": cfg.Executor.Enabled,
		"workers":          cfg.Executor.MaxWorkers,
		"monitoring":       cfg.Monitor.Enabled,
		"adaptive":         cfg.Adaptive.Enabled,
	})

	return opt, nil
}

func newLogger(global config.GlobalConfig) (*utils.StructuredLogger, io.Closer, error) {
	level, err := utils.ParseLogLevel(global.LogLevel)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid log level").
			WithComponent("optimizer")
	}
	format, err := utils.ParseLogFormat(global.LogFormat)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid log format").
			WithComponent("optimizer")
	}
	output, err := openLogOutput(global)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to open log output").
			WithComponent("optimizer")
	}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: output,
		Format: format,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create logger").
			WithComponent("optimizer")
	}
	for component, name := range global.ComponentLogLevels {
		componentLevel, err := utils.ParseLogLevel(name)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid component log level").
				WithComponent("optimizer").WithContext("log_component", component)
		}
		logger.SetComponentLevel(component, componentLevel)
	}

	var closer io.Closer
	if global.LogFile != "" {
		closer, _ = output.(io.Closer)
	}
	return logger, closer, nil
}

// openLogOutput returns stdout, the plain log file, or a rotating log file
func openLogOutput(global config.GlobalConfig) (io.Writer, error) {
	if global.LogFile == "" || global.LogMaxSize == "" {
		return utils.OpenLogOutput(global.LogFile)
	}
	maxBytes, err := utils.ParseBytes(global.LogMaxSize)
	if err != nil {
		return nil, err
	}
	return utils.NewRotatingFile(utils.RotatingFileConfig{
		Path:       global.LogFile,
		MaxBytes:   maxBytes,
		MaxBackups: global.LogMaxBackups,
		Compress:   global.LogCompress,
	})
}

// openStore builds the two tiers over the configured record store
func (o *Optimizer) openStore(ctx context.Context, with options) error {
	cfg := o.config
	fast, err := cache.NewFastTier(cache.FastTierConfig{
		CapacityBytes: o.sizes.Memory,
		MaxEntries:    cfg.Cache.MaxEntries,
		TTL:           cfg.Cache.TTL,
		Now:           with.now,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create fast tier").
			WithComponent("cache")
	}

	records := with.records
	if records == nil {
		switch cfg.Cache.Durable.Backend {
		case config.BackendS3:
			records, err = cache.NewS3Store(ctx, cfg.Cache.Durable.S3)
		case config.BackendRedis:
			var rs *cache.RedisStore
			if rs, err = cache.NewRedisStore(ctx, cfg.Cache.Durable.Redis); err == nil {
				records = rs
				o.recordCloser = rs
			}
		default:
			records, err = cache.NewDirStore(cfg.Cache.Durable.Directory)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to open durable tier").
				WithComponent("cache").
				WithContext("backend", cfg.Cache.Durable.Backend)
		}
	}

	var breaker *cache.Breaker
	if threshold := cfg.Cache.Durable.Breaker.FailureThreshold; threshold > 0 {
		logger := with.logger.WithComponent("cache")
		breaker = cache.NewBreaker(cfg.Cache.Durable.Backend, cache.BreakerConfig{
			FailureThreshold: threshold,
			OpenTimeout:      cfg.Cache.Durable.Breaker.OpenTimeout,
			OnStateChange: func(from, to gobreaker.State) {
				logger.Warn("Durable backend circuit changed state", map[string]interface{}{
					"from": from.String(),
					"to":   to.String(),
				})
			},
		})
		records = cache.NewGuardedStore(records, breaker)
		o.breaker = breaker
	}

	durable, err := cache.NewDurableTier(records, cache.DurableTierConfig{
		CapacityBytes: o.sizes.Durable,
		TTL:           cfg.Cache.TTL,
		Compression:   cfg.Cache.Durable.Compression,
		Now:           with.now,
		Logger:        with.logger.WithComponent("cache"),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create durable tier").
			WithComponent("cache")
	}

	o.store = cache.NewStore(fast, durable, with.logger)
	return nil
}

// signals feeds the monitor's history with the live hit ratio and latency
func (o *Optimizer) signals() (float64, float64) {
	snap := o.stats.Snapshot()
	return snap.HitRatio(), snap.AverageTaskTimeMs
}

// Start launches the resource monitor (when enabled) and the cache janitor.
// Both run until ctx ends or Close is called.
func (o *Optimizer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return errors.NewError(errors.ErrCodeComponentStopped, "optimizer is closed").
			WithComponent("optimizer").WithOperation("start")
	}
	if o.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "optimizer already started").
			WithComponent("optimizer").WithOperation("start")
	}

	runCtx, cancel := context.WithCancel(ctx)

	if o.config.Monitor.Enabled {
		if err := o.monitor.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	if o.store != nil && o.config.Cache.SweepInterval > 0 {
		o.wg.Add(1)
		go o.janitor(runCtx, o.config.Cache.SweepInterval)
	}

	o.cancel = cancel
	o.started = true
	o.logger.Info("Optimizer started", map[string]interface{}{
		"monitoring":     o.config.Monitor.Enabled,
		"sweep_interval": o.config.Cache.SweepInterval.String(),
	})
	return nil
}

// janitor periodically enforces TTL and budgets on both cache tiers
func (o *Optimizer) janitor(ctx context.Context, interval time.Duration) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.store.Sweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Cache sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Close stops background work and waits for it to exit. It is safe to call
// more than once.
func (o *Optimizer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = o.monitor.Stop()
	o.wg.Wait()

	o.logger.Info("Optimizer closed", nil)
	o.release()
	return nil
}

// release undoes what New set up outside the process: meter registrations,
// the record store's client and the log file.
func (o *Optimizer) release() {
	if o.otelReg != nil {
		if err := o.otelReg.Unregister(); err != nil {
			o.logger.Warn("Failed to unregister OpenTelemetry instruments", map[string]interface{}{
				"error": err.Error(),
			})
		}
		o.otelReg = nil
	}
	if o.recordCloser != nil {
		if err := o.recordCloser.Close(); err != nil {
			o.logger.Warn("Failed to close durable store", map[string]interface{}{
				"error": err.Error(),
			})
		}
		o.recordCloser = nil
	}
	if o.logCloser != nil {
		_ = o.logCloser.Close()
		o.logCloser = nil
	}
}

// Config returns the configuration the optimizer was built with
func (o *Optimizer) Config() *config.Configuration {
	return o.config
}

// SetFastTierCapacity sets the fast tier's byte budget, clamped to the
// configured floor and ceiling, and returns the applied value. It returns 0
// when caching is disabled.
func (o *Optimizer) SetFastTierCapacity(bytes int64) int64 {
	if o.store == nil {
		return 0
	}
	if bytes < o.sizes.MemoryFloor {
		bytes = o.sizes.MemoryFloor
	}
	if bytes > o.sizes.MemoryCeiling {
		bytes = o.sizes.MemoryCeiling
	}
	o.store.Fast().SetCapacity(bytes)
	o.logger.Info("Fast tier capacity set", map[string]interface{}{
		"capacity": utils.FormatBytes(bytes),
	})
	return bytes
}

// SetWorkerCount sets the worker pool size, clamped to its bounds, and
// returns the applied value. Running batches keep their size.
func (o *Optimizer) SetWorkerCount(n int) int {
	applied := o.pool.SetWorkers(n)
	o.logger.Info("Worker count set", map[string]interface{}{
		"requested": n,
		"workers":   applied,
	})
	return applied
}
