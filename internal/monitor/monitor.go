package monitor

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/perfopt/perfopt/pkg/errors"
	"github.com/perfopt/perfopt/pkg/utils"
)

// State is the monitor loop's current activity
type State int32

const (
	StateIdle State = iota
	StateSampling
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	default:
		return "unknown"
	}
}

// Config contains configuration for the resource monitor
type Config struct {
	Interval      time.Duration
	ErrorBackoff  time.Duration
	SampleTimeout time.Duration
	HistorySize   int
	// AutoTune enables the adaptive controller; the hard ceilings apply
	// regardless.
	AutoTune bool
	Now      func() time.Time
	Logger   *utils.StructuredLogger
}

// SignalFunc reports the cache hit ratio and average task latency to record
// alongside each host sample.
type SignalFunc func() (hitRatio, taskLatencyMs float64)

// Stats tracks monitor statistics
type Stats struct {
	Ticks       int64     `json:"ticks"`
	Failures    int64     `json:"failures"`
	LastSample  time.Time `json:"last_sample"`
	LastFailure time.Time `json:"last_failure"`
	LastError   string    `json:"last_error,omitempty"`
}

// Monitor samples host pressure on an interval, keeps a bounded history and
// drives the controller. Sampling failures never stop the loop; the next
// attempt waits for the error back-off instead of the regular interval.
type Monitor struct {
	config     Config
	sampler    Sampler
	controller *Controller
	signals    SignalFunc
	history    *History
	backoff    backoff.BackOff
	logger     *utils.StructuredLogger

	active int32
	state  int32
	stopCh chan struct{}
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a monitor. controller and signals may be nil.
func New(config Config, sampler Sampler, controller *Controller, signals SignalFunc) (*Monitor, error) {
	if sampler == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "sampler cannot be nil").
			WithComponent("monitor")
	}
	if config.Interval <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "check interval must be positive, got %v",
			config.Interval).WithComponent("monitor")
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = config.Interval
	}
	if config.HistorySize < 1 {
		config.HistorySize = 10
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = utils.NewDiscardLogger()
	}
	if signals == nil {
		signals = func() (float64, float64) { return 0, 0 }
	}

	return &Monitor{
		config:     config,
		sampler:    sampler,
		controller: controller,
		signals:    signals,
		history:    NewHistory(config.HistorySize),
		backoff:    backoff.NewConstantBackOff(config.ErrorBackoff),
		logger:     config.Logger.WithComponent("monitor"),
	}, nil
}

// Start begins monitoring in a background goroutine that runs until ctx
// ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "monitor already running").
			WithComponent("monitor").WithOperation("start")
	}

	m.logger.Info("Starting resource monitor", map[string]interface{}{
		"interval":      m.config.Interval.String(),
		"error_backoff": m.config.ErrorBackoff.String(),
		"auto_tune":     m.config.AutoTune,
	})

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx, m.stopCh)

	return nil
}

// Stop stops monitoring and waits for the loop to exit
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return nil // Already stopped
	}

	m.logger.Info("Stopping resource monitor", nil)
	close(m.stopCh)
	m.wg.Wait()

	return nil
}

// Running reports whether the loop is active
func (m *Monitor) Running() bool {
	return atomic.LoadInt32(&m.active) == 1
}

// State returns whether the loop is idle or sampling
func (m *Monitor) State() State {
	return State(atomic.LoadInt32(&m.state))
}

func (m *Monitor) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		}

		wait := m.config.Interval
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if next := m.backoff.NextBackOff(); next != backoff.Stop {
				wait = next
			}
		} else {
			m.backoff.Reset()
		}
		timer.Reset(wait)
	}
}

// Tick takes one sample, records it and lets the controller react
func (m *Monitor) Tick(ctx context.Context) error {
	atomic.StoreInt32(&m.state, int32(StateSampling))
	defer atomic.StoreInt32(&m.state, int32(StateIdle))

	pressure, err := m.SampleNow(ctx)
	if err != nil {
		m.statsMu.Lock()
		m.stats.Failures++
		m.stats.LastFailure = m.config.Now()
		m.stats.LastError = err.Error()
		m.statsMu.Unlock()

		fields := map[string]interface{}{
			"error": err.Error(),
			"code":  string(errors.GetCode(err)),
		}
		if errors.IsTransient(err) {
			m.logger.Warn("Resource sampling failed", fields)
		} else {
			// Retrying will not help; the loop keeps going at the back-off pace
			m.logger.Error("Resource sampling failed permanently", fields)
		}
		return err
	}

	hitRatio, latency := m.signals()
	sample := ResourceSample{
		Timestamp:     m.config.Now(),
		MemoryPercent: pressure.MemoryPercent,
		CPUPercent:    pressure.CPUPercent,
		DiskPercent:   pressure.DiskPercent,
		CacheHitRatio: hitRatio,
		TaskLatencyMs: latency,
	}
	m.history.Add(sample)

	m.statsMu.Lock()
	m.stats.Ticks++
	m.stats.LastSample = sample.Timestamp
	m.statsMu.Unlock()

	m.logger.Trace("Resource sample", map[string]interface{}{
		"memory_percent": sample.MemoryPercent,
		"cpu_percent":    sample.CPUPercent,
		"hit_ratio":      sample.CacheHitRatio,
	})

	if m.controller != nil {
		if m.config.AutoTune {
			m.controller.Tune(m.history.Samples())
		}
		m.controller.Relieve(sample)
	}
	return nil
}

type sampleResult struct {
	pressure Pressure
	err      error
}

// SampleNow reads host pressure bounded by the sample timeout
func (m *Monitor) SampleNow(ctx context.Context) (Pressure, error) {
	return Probe(ctx, m.sampler, m.config.SampleTimeout)
}

// Probe reads pressure from sampler, giving up after timeout when it is
// positive. A sampler that ignores its context is abandoned when the
// timeout fires.
func Probe(ctx context.Context, sampler Sampler, timeout time.Duration) (Pressure, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan sampleResult, 1)
	go func() {
		p, err := sampler.Sample(ctx)
		done <- sampleResult{pressure: p, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.pressure, classify(ctx, r.err)
		}
		return r.pressure, nil
	case <-ctx.Done():
		return Pressure{}, classify(ctx, ctx.Err())
	}
}

// classify keeps errors the sampler already classified and wraps the rest as
// transient sampling failures
func classify(ctx context.Context, err error) error {
	var classified *errors.PerfOptError
	if stderrors.As(err, &classified) {
		return err
	}
	code := errors.ErrCodeSampleFailed
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = errors.ErrCodeSampleTimeout
	}
	return errors.Wrap(err, code, "resource sampling failed").
		WithComponent("monitor").WithOperation("sample")
}

// Latest returns the newest recorded sample
func (m *Monitor) Latest() (ResourceSample, bool) {
	return m.history.Latest()
}

// History returns a copy of the recorded samples, oldest first
func (m *Monitor) History() []ResourceSample {
	return m.history.Samples()
}

// GetStats returns current monitor statistics
func (m *Monitor) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}
