/*
Package config provides configuration management for the performance optimizer.

Configuration is layered, with later sources overriding earlier ones:

	defaults (NewDefault) -> YAML file (LoadFromFile) -> PERFOPT_* environment (LoadFromEnv)

Validate must be called after the last layer is applied. It rejects values
that would let the adaptive controller drive a tunable outside its bounds,
for example a cache memory size outside [memory_floor, memory_ceiling] or a
max_workers outside [min_workers, worker_ceiling].

# Example

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("perfopt.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

A minimal YAML file:

	cache:
	  memory_size: 256MB
	  ttl: 30m
	  durable:
	    backend: s3
	    s3:
	      bucket: analysis-cache
	      region: eu-west-1
	executor:
	  max_workers: 4
	monitor:
	  check_interval: 5s
*/
package config
