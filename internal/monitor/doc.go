// Package monitor samples host resource pressure and adapts the optimizer's
// tunables to it.
//
// A Monitor ticks on the check interval. Each tick reads memory, CPU and disk
// usage through a Sampler (HostSampler uses gopsutil), appends the reading
// together with the current cache hit ratio and task latency to a bounded
// History, and hands it to the Controller.
//
// The Controller has two parts. Tune looks at the trend across the history
// window and grows the fast tier or resizes the worker pool by the learning
// rate. Relieve enforces the hard memory and CPU ceilings on every tick,
// whether or not auto-tuning is on.
//
// Sampling failures are logged and retried after the error back-off; they
// never stop the loop.
package monitor
