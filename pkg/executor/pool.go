package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perfopt/perfopt/pkg/errors"
	"github.com/perfopt/perfopt/pkg/utils"
)

// Config contains configuration for the worker pool
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	Workers     int           `yaml:"workers"`
	MinWorkers  int           `yaml:"min_workers"`
	MaxWorkers  int           `yaml:"max_workers"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// Stats tracks pool statistics
type Stats struct {
	Batches           int64 `json:"batches"`
	SequentialBatches int64 `json:"sequential_batches"`
	Items             int64 `json:"items"`
	Failures          int64 `json:"failures"`
	Panics            int64 `json:"panics"`
	Timeouts          int64 `json:"timeouts"`
	Resizes           int64 `json:"resizes"`
}

// Pool runs batches of items over a bounded number of goroutines. The worker
// count is read once at the start of each batch: resizing affects later
// batches and never interrupts or repeats work already dispatched.
type Pool struct {
	mu          sync.RWMutex
	enabled     bool
	workers     int
	minWorkers  int
	maxWorkers  int
	taskTimeout time.Duration

	statsMu sync.Mutex
	stats   Stats

	logger *utils.StructuredLogger
}

// NewPool creates a worker pool
func NewPool(cfg Config, logger *utils.StructuredLogger) (*Pool, error) {
	if cfg.MinWorkers < 1 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "min workers must be at least 1").
			WithComponent("executor")
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "max workers %d below min workers %d",
			cfg.MaxWorkers, cfg.MinWorkers).WithComponent("executor")
	}
	if cfg.Workers < cfg.MinWorkers || cfg.Workers > cfg.MaxWorkers {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "workers %d outside [%d, %d]",
			cfg.Workers, cfg.MinWorkers, cfg.MaxWorkers).WithComponent("executor")
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	return &Pool{
		enabled:     cfg.Enabled,
		workers:     cfg.Workers,
		minWorkers:  cfg.MinWorkers,
		maxWorkers:  cfg.MaxWorkers,
		taskTimeout: cfg.TaskTimeout,
		logger:      logger.WithComponent("executor"),
	}, nil
}

// Workers returns the current worker count
func (p *Pool) Workers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers
}

// SetWorkers clamps n to the pool bounds, applies it, and returns the
// applied value.
func (p *Pool) SetWorkers(n int) int {
	p.mu.Lock()
	if n < p.minWorkers {
		n = p.minWorkers
	}
	if n > p.maxWorkers {
		n = p.maxWorkers
	}
	old := p.workers
	p.workers = n
	p.mu.Unlock()

	if n != old {
		p.statsMu.Lock()
		p.stats.Resizes++
		p.statsMu.Unlock()

		p.logger.Debug("Worker pool resized", map[string]interface{}{
			"from": old,
			"to":   n,
		})
	}
	return n
}

// Bounds returns the minimum and maximum worker counts
func (p *Pool) Bounds() (minWorkers, maxWorkers int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minWorkers, p.maxWorkers
}

// Enabled reports whether batches run concurrently
func (p *Pool) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// SetEnabled switches between concurrent and sequential execution
func (p *Pool) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// indexed carries a result back to the collector
type indexed[R any] struct {
	index int
	value R
	err   error
}

// Run applies op to every item and returns the results in input order. Each
// item's error lands in its own slot and never cancels its siblings. When the
// pool is disabled or items is empty the items run sequentially on the
// calling goroutine. If ctx ends first, items without a result get a
// TASK_TIMEOUT error; items already running are left to finish on their own.
func Run[T, R any](ctx context.Context, p *Pool, op func(context.Context, T) (R, error), items []T) Batch[R] {
	if !p.Enabled() || len(items) == 0 {
		return runSequential(ctx, p, op, items)
	}

	workers := p.Workers()
	start := time.Now()

	results := make(Results[R], len(items))
	filled := make([]bool, len(items))
	// Buffered so late finishers never block after the collector has left
	done := make(chan indexed[R], len(items))

	go func() {
		var g errgroup.Group
		g.SetLimit(workers)
		for i, item := range items {
			if ctx.Err() != nil {
				break
			}
			i, item := i, item
			g.Go(func() error {
				value, err := callItem(ctx, p, op, i, item)
				done <- indexed[R]{index: i, value: value, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(done)
	}()

	remaining := len(items)
	store := func(r indexed[R]) {
		results[r.index] = Result[R]{Value: r.value, Err: r.err}
		filled[r.index] = true
		remaining--
	}

collect:
	for remaining > 0 {
		select {
		case r, ok := <-done:
			if !ok {
				break collect
			}
			store(r)
		case <-ctx.Done():
			// Keep whatever already finished
			for drained := false; !drained && remaining > 0; {
				select {
				case r, ok := <-done:
					if !ok {
						drained = true
						break
					}
					store(r)
				default:
					drained = true
				}
			}
			break collect
		}
	}

	timeouts := 0
	for i := range results {
		if !filled[i] {
			results[i].Err = errors.Wrap(ctx.Err(), errors.ErrCodeTaskTimeout,
				fmt.Sprintf("item %d did not complete before the deadline", i)).
				WithComponent("executor").WithOperation("run")
			timeouts++
		}
	}

	batch := Batch[R]{Results: results, Elapsed: time.Since(start), Workers: workers}
	p.record(len(results), results.Failed(), timeouts, countPanics(results), false, batch.Elapsed)
	return batch
}

func runSequential[T, R any](ctx context.Context, p *Pool, op func(context.Context, T) (R, error), items []T) Batch[R] {
	start := time.Now()
	results := make(Results[R], len(items))
	timeouts := 0

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			results[i].Err = errors.Wrap(err, errors.ErrCodeTaskTimeout,
				fmt.Sprintf("item %d did not start before the deadline", i)).
				WithComponent("executor").WithOperation("run")
			timeouts++
			continue
		}
		results[i].Value, results[i].Err = callItem(ctx, p, op, i, item)
	}

	batch := Batch[R]{Results: results, Elapsed: time.Since(start), Workers: 1, Sequential: true}
	p.record(len(results), results.Failed(), timeouts, countPanics(results), true, batch.Elapsed)
	return batch
}

// callItem runs op for one item, applying the per-item timeout and turning
// panics into TASK_PANIC errors.
func callItem[T, R any](ctx context.Context, p *Pool, op func(context.Context, T) (R, error), index int, item T) (value R, err error) {
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			var zero R
			value = zero
			err = errors.Newf(errors.ErrCodeTaskPanic, "item %d panicked: %v", index, r).
				WithComponent("executor").WithOperation("run").
				WithDetail("stack", string(debug.Stack()))
			p.logger.Warn("Task panicked", map[string]interface{}{
				"item":  index,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	value, err = op(ctx, item)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeTaskFailed) || errors.IsCode(err, errors.ErrCodeTaskPanic) {
			return value, err
		}
		return value, errors.Wrap(err, errors.ErrCodeTaskFailed, fmt.Sprintf("item %d failed", index)).
			WithComponent("executor").WithOperation("run")
	}
	return value, nil
}

func (p *Pool) record(results int, failed, timeouts, panics int, sequential bool, elapsed time.Duration) {
	p.statsMu.Lock()
	p.stats.Batches++
	if sequential {
		p.stats.SequentialBatches++
	}
	p.stats.Items += int64(results)
	p.stats.Failures += int64(failed)
	p.stats.Timeouts += int64(timeouts)
	p.stats.Panics += int64(panics)
	p.statsMu.Unlock()

	p.logger.Debug("Batch completed", map[string]interface{}{
		"items":      results,
		"failed":     failed,
		"timeouts":   timeouts,
		"sequential": sequential,
		"elapsed":    elapsed.String(),
	})
}

func countPanics[R any](results Results[R]) int {
	n := 0
	for _, r := range results {
		if errors.IsCode(r.Err, errors.ErrCodeTaskPanic) {
			n++
		}
	}
	return n
}
