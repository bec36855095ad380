package monitor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfopt/perfopt/pkg/errors"
	"github.com/perfopt/perfopt/pkg/utils"
)

// fakeSampler replays readings in order, repeating the last one
type fakeSampler struct {
	mu       sync.Mutex
	readings []Pressure
	err      error
	calls    int32
}

func (f *fakeSampler) Sample(ctx context.Context) (Pressure, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Pressure{}, f.err
	}
	if len(f.readings) == 0 {
		return Pressure{}, nil
	}
	p := f.readings[0]
	if len(f.readings) > 1 {
		f.readings = f.readings[1:]
	}
	return p, nil
}

func (f *fakeSampler) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

// stuckSampler ignores its context and never returns on its own
type stuckSampler struct {
	release chan struct{}
}

func (s *stuckSampler) Sample(context.Context) (Pressure, error) {
	<-s.release
	return Pressure{}, nil
}

func newTestMonitor(t *testing.T, sampler Sampler, controller *Controller, config Config) *Monitor {
	t.Helper()
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	m, err := New(config, sampler, controller, func() (float64, float64) { return 0.75, 12.5 })
	require.NoError(t, err)
	return m
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Interval: time.Second}, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))

	_, err = New(Config{}, &fakeSampler{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "sampling", StateSampling.String())
	assert.Equal(t, "unknown", State(7).String())
}

func TestTickRecordsSample(t *testing.T) {
	sampler := &fakeSampler{readings: []Pressure{{MemoryPercent: 42, CPUPercent: 17, DiskPercent: 60}}}
	m := newTestMonitor(t, sampler, nil, Config{HistorySize: 10})

	require.NoError(t, m.Tick(context.Background()))

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 42.0, latest.MemoryPercent)
	assert.Equal(t, 17.0, latest.CPUPercent)
	assert.Equal(t, 60.0, latest.DiskPercent)
	assert.Equal(t, 0.75, latest.CacheHitRatio)
	assert.Equal(t, 12.5, latest.TaskLatencyMs)
	assert.False(t, latest.Timestamp.IsZero())

	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, int64(1), m.GetStats().Ticks)
}

func TestTickFailure(t *testing.T) {
	sampler := &fakeSampler{err: fmt.Errorf("proc unavailable")}
	m := newTestMonitor(t, sampler, nil, Config{})

	err := m.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSampleFailed))
	assert.True(t, errors.IsTransient(err))

	_, ok := m.Latest()
	assert.False(t, ok, "a failed tick records nothing")

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Zero(t, stats.Ticks)
	assert.Contains(t, stats.LastError, "proc unavailable")
}

func TestTickPermanentFailureLogsError(t *testing.T) {
	var buf bytes.Buffer
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.WARN,
		Output: &buf,
		Format: utils.FormatText,
	})
	require.NoError(t, err)

	permanent := errors.NewError(errors.ErrCodeInvalidConfig, "disk path does not exist")
	m := newTestMonitor(t, &fakeSampler{err: permanent}, nil, Config{Logger: logger})

	err = m.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig), "the sampler's classification is kept")
	assert.False(t, errors.IsTransient(err))
	assert.Contains(t, buf.String(), "[ERROR] Resource sampling failed permanently")

	buf.Reset()
	m = newTestMonitor(t, &fakeSampler{err: fmt.Errorf("proc unavailable")}, nil, Config{Logger: logger})
	require.Error(t, m.Tick(context.Background()))
	assert.Contains(t, buf.String(), "[WARN] Resource sampling failed")
}

func TestHostSamplerMissingDiskPath(t *testing.T) {
	s := NewHostSampler(10*time.Millisecond, filepath.Join(t.TempDir(), "missing"))
	_, err := s.Sample(context.Background())
	require.Error(t, err)

	var pe *errors.PerfOptError
	require.True(t, stderrors.As(err, &pe))
	if pe.Context["path"] == "" {
		t.Skipf("host memory or cpu unavailable: %v", err)
	}
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
	assert.False(t, errors.IsTransient(err))
}

func TestTickSampleTimeout(t *testing.T) {
	sampler := &stuckSampler{release: make(chan struct{})}
	defer close(sampler.release)
	m := newTestMonitor(t, sampler, nil, Config{SampleTimeout: 20 * time.Millisecond})

	start := time.Now()
	err := m.Tick(context.Background())

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSampleTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHistoryBounded(t *testing.T) {
	sampler := &fakeSampler{readings: []Pressure{
		{CPUPercent: 1}, {CPUPercent: 2}, {CPUPercent: 3}, {CPUPercent: 4}, {CPUPercent: 5},
	}}
	m := newTestMonitor(t, sampler, nil, Config{HistorySize: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Tick(context.Background()))
	}

	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, 3.0, history[0].CPUPercent)
	assert.Equal(t, 5.0, history[2].CPUPercent)
}

func TestTickTunesOnceWindowIsFull(t *testing.T) {
	readings := []Pressure{
		{CPUPercent: 60}, {CPUPercent: 55}, {CPUPercent: 50}, {CPUPercent: 45}, {CPUPercent: 30},
	}
	w := &fakeWorkers{workers: 4, min: 2, max: 16}
	rec := &countingRecorder{}
	ctrl := NewController(defaultControllerConfig(), nil, w, rec, nil)
	m := newTestMonitor(t, &fakeSampler{readings: readings}, ctrl, Config{HistorySize: 10, AutoTune: true})

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Tick(context.Background()))
		assert.Equal(t, 4, w.workers, "no tuning before the window is full")
	}

	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, 5, w.workers)
	assert.Equal(t, 1, rec.n)
}

func TestTickWithoutAutoTuneStillRelieves(t *testing.T) {
	readings := []Pressure{
		{CPUPercent: 95}, {CPUPercent: 95}, {CPUPercent: 95}, {CPUPercent: 95}, {CPUPercent: 95},
	}
	w := &fakeWorkers{workers: 6, min: 2, max: 16}
	rec := &countingRecorder{}
	ctrl := NewController(defaultControllerConfig(), nil, w, rec, nil)
	m := newTestMonitor(t, &fakeSampler{readings: readings}, ctrl, Config{HistorySize: 10})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Tick(context.Background()))
	}

	assert.Equal(t, 2, w.workers, "one worker removed per tick down to the minimum")
	assert.Zero(t, rec.n)
}

func TestStartStop(t *testing.T) {
	sampler := &fakeSampler{readings: []Pressure{{MemoryPercent: 10}}}
	m := newTestMonitor(t, sampler, nil, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Running())

	err := m.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyStarted))

	require.Eventually(t, func() bool {
		return m.GetStats().Ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.Running())
	require.NoError(t, m.Stop())

	ticks := m.GetStats().Ticks
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ticks, m.GetStats().Ticks, "no ticks after Stop")
}

func TestLoopBacksOffAfterFailure(t *testing.T) {
	sampler := &fakeSampler{err: fmt.Errorf("transient")}
	m := newTestMonitor(t, sampler, nil, Config{
		Interval:     5 * time.Millisecond,
		ErrorBackoff: time.Hour,
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool {
		return sampler.Calls() >= 1
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sampler.Calls(), "the retry waits for the error back-off")
	assert.True(t, m.Running(), "failures never stop the loop")
}

func TestLoopStopsWithContext(t *testing.T) {
	m := newTestMonitor(t, &fakeSampler{}, nil, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after cancellation")
	}
	require.NoError(t, m.Stop())
}
