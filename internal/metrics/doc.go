/*
Package metrics holds the optimizer's running counters and exports them to
Prometheus and OpenTelemetry.

Stats keeps cache hits (by tier) and misses, task counts, the per-item
running average of batch wall-clock time, and the number of adaptive
adjustments. Counters that change together share one lock so a Snapshot is a
consistent point-in-time view.

The average is maintained incrementally. After a batch of n items taking
elapsed wall-clock time, with N items recorded in total:

	avg' = (avg*(N-n) + elapsed) / N

Running batches of 3 items at 10ms each and then 7 items at 20ms each yields
17ms, the mean over all ten items, and not 15ms, the mean of the two batch
means.

Collector implements prometheus.Collector over a ReportFunc evaluated at
scrape time, plus live histograms of batch duration and size:

	reg := prometheus.NewRegistry()
	reg.MustRegister(opt.Collector())
	http.Handle("/metrics", metrics.Handler(reg))

RegisterOTel publishes the same report through observable instruments on an
OpenTelemetry meter, read once per collection cycle.
*/
package metrics
