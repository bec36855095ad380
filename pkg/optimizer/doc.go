/*
Package optimizer is the entry point of perfopt: an adaptive performance
layer that a service embeds to cache expensive results, fan out batch work,
and keep both tuned to the host's resource pressure.

An Optimizer owns four cooperating parts:

  - a two-tier cache: a byte-budgeted in-memory tier in front of a durable
    tier (local directory, S3 bucket or Redis), both expiring entries after
    a TTL and evicting oldest writes first
  - a bounded worker pool behind RunInParallel
  - a resource monitor that samples memory and CPU on an interval and lets
    an adaptive controller resize the fast tier and the pool
  - counters exposed through GetPerformanceMetrics, a Prometheus collector
    and, with WithMeter, an OpenTelemetry meter

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("perfopt.yaml"); err != nil {
		return err
	}

	opt, err := optimizer.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := opt.Start(ctx); err != nil {
		return err
	}
	defer opt.Close()

	report, cached, err := optimizer.GetOrCompute(ctx, opt, "report:"+id,
		func(ctx context.Context) (Report, error) {
			return buildReport(ctx, id)
		})

	results := optimizer.RunInParallel(ctx, opt, analyzePage, pages)
	for i, r := range results {
		if r.Err != nil {
			log.Printf("page %d: %v", i, r.Err)
		}
	}

Values are stored as JSON. Cache failures never reach the caller: a broken
durable tier degrades to misses, and PutInCache reports false. Only
per-item task errors and configuration errors are returned.
*/
package optimizer
