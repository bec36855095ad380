/*
Package executor runs a caller-supplied operation over a batch of items on a
bounded pool of goroutines and returns the results in input order.

	batch := executor.Run(ctx, pool, func(ctx context.Context, page Page) (Summary, error) {
		return summarize(ctx, page)
	}, pages)
	for i, r := range batch.Results {
		if r.Err != nil {
			log.Printf("page %d: %v", i, r.Err)
		}
	}

Failures are isolated per item: an error or panic fills that item's slot
(TASK_FAILED or TASK_PANIC) and siblings keep running. If ctx ends before the
batch finishes, items without a result get TASK_TIMEOUT and Run returns
without waiting for them.

When the pool is disabled, or the batch is empty, items run one after another
on the caller's goroutine.

The worker count is read once per batch. SetWorkers clamps to the configured
bounds and takes effect for the next batch, so in-flight work is never
dropped or repeated by a resize.
*/
package executor
