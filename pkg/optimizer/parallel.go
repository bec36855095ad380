package optimizer

import (
	"context"
	"fmt"

	"github.com/perfopt/perfopt/pkg/executor"
)

// PreloadResult reports the outcome of Preload
type PreloadResult struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	SuccessCount int    `json:"success_count"`
	TotalCount   int    `json:"total_count"`
}

// RunInParallel applies op to every item on the worker pool and returns one
// result per item, in input order. Each item's error stays in its own slot.
// Batches run sequentially when parallel execution is disabled or items is
// empty, and only parallel batches feed the task counters.
func RunInParallel[T, R any](ctx context.Context, o *Optimizer, op func(context.Context, T) (R, error), items []T) executor.Results[R] {
	batch := executor.Run(ctx, o.pool, op, items)
	if batch.Sequential {
		return batch.Results
	}

	o.stats.RecordBatch(len(items), batch.Results.Failed(), batch.Elapsed)
	if o.collector != nil {
		o.collector.ObserveBatch(len(items), batch.Elapsed)
	}
	return batch.Results
}

// Preload runs op over items in parallel and caches each successful result
// under keyFn(item). Failed items are skipped.
func Preload[T, R any](ctx context.Context, o *Optimizer, items []T, keyFn func(T) string, op func(context.Context, T) (R, error)) PreloadResult {
	if o.store == nil || len(items) == 0 {
		return PreloadResult{
			Status:     StatusWarning,
			Message:    "Caching disabled or no items to preload",
			TotalCount: len(items),
		}
	}

	results := RunInParallel(ctx, o, op, items)

	success := 0
	for i, r := range results {
		if r.Err != nil {
			o.logger.Debug("Preload item failed", map[string]interface{}{
				"item":  i,
				"error": r.Err.Error(),
			})
			continue
		}
		if o.PutInCache(ctx, keyFn(items[i]), r.Value) {
			success++
		}
	}

	o.logger.Info("Cache preloaded", map[string]interface{}{
		"success": success,
		"total":   len(items),
	})
	return PreloadResult{
		Status:       StatusSuccess,
		Message:      fmt.Sprintf("Preloaded %d/%d items into cache", success, len(items)),
		SuccessCount: success,
		TotalCount:   len(items),
	}
}
