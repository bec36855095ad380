package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/perfopt/perfopt/pkg/errors"
	"github.com/perfopt/perfopt/pkg/utils"
)

// Configuration represents the complete optimizer configuration
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Cache    CacheConfig    `yaml:"cache"`
	Executor ExecutorConfig `yaml:"executor"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Adaptive AdaptiveConfig `yaml:"adaptive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// LogMaxSize rotates LogFile once it reaches this size ("100MB").
	// Empty disables rotation.
	LogMaxSize    string `yaml:"log_max_size"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogCompress   bool   `yaml:"log_compress"`

	// ComponentLogLevels overrides LogLevel per component ("cache": "DEBUG")
	ComponentLogLevels map[string]string `yaml:"component_log_levels"`
}

// CacheConfig represents the two-tier cache settings. Sizes are human-readable
// byte strings ("200MB").
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MemorySize    string        `yaml:"memory_size"`
	MemoryFloor   string        `yaml:"memory_floor"`
	MemoryCeiling string        `yaml:"memory_ceiling"`
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Durable       DurableConfig `yaml:"durable"`
}

// DurableConfig represents the persistent tier settings
type DurableConfig struct {
	Backend     string   `yaml:"backend"`
	Directory   string   `yaml:"directory"`
	Size        string   `yaml:"size"`
	Compression bool          `yaml:"compression"`
	S3          S3Config      `yaml:"s3"`
	Redis       RedisConfig   `yaml:"redis"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// RedisConfig represents Redis settings for the durable tier
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// BreakerConfig represents the circuit breaker guarding the durable backend.
// A zero failure threshold disables it.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// S3Config represents object storage settings for the durable tier
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ExecutorConfig represents worker pool settings
type ExecutorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxWorkers    int           `yaml:"max_workers"`
	MinWorkers    int           `yaml:"min_workers"`
	WorkerCeiling int           `yaml:"worker_ceiling"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
}

// MonitorConfig represents resource monitoring settings
type MonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxMemoryPercent float64       `yaml:"max_memory_percent"`
	MaxCPUPercent    float64       `yaml:"max_cpu_percent"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
	SampleTimeout    time.Duration `yaml:"sample_timeout"`
	CPUSampleWindow  time.Duration `yaml:"cpu_sample_window"`
	HistorySize      int           `yaml:"history_size"`
	DiskPath         string        `yaml:"disk_path"`
}

// AdaptiveConfig represents feedback-controller settings
type AdaptiveConfig struct {
	Enabled                bool    `yaml:"enabled"`
	AutoTune               bool    `yaml:"auto_tune"`
	LearningRate           float64 `yaml:"learning_rate"`
	TrendWindow            int     `yaml:"trend_window"`
	HitRatioTrendThreshold float64 `yaml:"hit_ratio_trend_threshold"`
	CPUTrendThreshold      float64 `yaml:"cpu_trend_threshold"`
	Headroom               float64 `yaml:"headroom"`
}

// MetricsConfig represents metrics export settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Durable backends
const (
	BackendDisk  = "disk"
	BackendS3    = "s3"
	BackendRedis = "redis"
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			Enabled:       true,
			MemorySize:    "200MB",
			MemoryFloor:   "10MB",
			MemoryCeiling: "1000MB",
			MaxEntries:    100000,
			TTL:           2 * time.Hour,
			SweepInterval: time.Minute,
			Durable: DurableConfig{
				Backend:   BackendDisk,
				Directory: "cache",
				Size:      "1GB",
				S3: S3Config{
					Prefix: "perfopt/",
					Region: "us-east-1",
				},
				Redis: RedisConfig{
					Addr:        "localhost:6379",
					Prefix:      "perfopt:",
					DialTimeout: 5 * time.Second,
				},
				Breaker: BreakerConfig{
					FailureThreshold: 5,
					OpenTimeout:      30 * time.Second,
				},
			},
		},
		Executor: ExecutorConfig{
			Enabled:       true,
			MaxWorkers:    8,
			MinWorkers:    2,
			WorkerCeiling: defaultWorkerCeiling(8),
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			MaxMemoryPercent: 85,
			MaxCPUPercent:    90,
			CheckInterval:    3 * time.Second,
			ErrorBackoff:     10 * time.Second,
			SampleTimeout:    5 * time.Second,
			CPUSampleWindow:  time.Second,
			HistorySize:      10,
			DiskPath:         "/",
		},
		Adaptive: AdaptiveConfig{
			Enabled:                true,
			AutoTune:               true,
			LearningRate:           0.1,
			TrendWindow:            5,
			HitRatioTrendThreshold: 0.05,
			CPUTrendThreshold:      5,
			Headroom:               0.7,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "perfopt",
		},
	}
}

// defaultWorkerCeiling is twice the CPU count, but never below the default
// worker count so that the defaults validate on small hosts.
func defaultWorkerCeiling(maxWorkers int) int {
	ceiling := runtime.NumCPU() * 2
	if ceiling < maxWorkers {
		return maxWorkers
	}
	return ceiling
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from PERFOPT_* environment variables.
// Malformed values are reported rather than silently ignored.
func (c *Configuration) LoadFromEnv() error {
	var problems []string

	str := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				problems = append(problems, name)
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if val := os.Getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				problems = append(problems, name)
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if val := os.Getenv(name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				problems = append(problems, name)
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				problems = append(problems, name)
				return
			}
			*dst = d
		}
	}

	// Global settings
	str("PERFOPT_LOG_LEVEL", &c.Global.LogLevel)
	str("PERFOPT_LOG_FORMAT", &c.Global.LogFormat)
	str("PERFOPT_LOG_FILE", &c.Global.LogFile)
	str("PERFOPT_LOG_MAX_SIZE", &c.Global.LogMaxSize)

	// Cache settings
	boolean("PERFOPT_CACHE_ENABLED", &c.Cache.Enabled)
	str("PERFOPT_CACHE_MEMORY_SIZE", &c.Cache.MemorySize)
	duration("PERFOPT_CACHE_TTL", &c.Cache.TTL)
	str("PERFOPT_CACHE_DURABLE_BACKEND", &c.Cache.Durable.Backend)
	str("PERFOPT_CACHE_DIRECTORY", &c.Cache.Durable.Directory)
	str("PERFOPT_CACHE_DURABLE_SIZE", &c.Cache.Durable.Size)
	str("PERFOPT_CACHE_S3_BUCKET", &c.Cache.Durable.S3.Bucket)
	str("PERFOPT_CACHE_S3_ENDPOINT", &c.Cache.Durable.S3.Endpoint)
	str("PERFOPT_CACHE_REDIS_ADDR", &c.Cache.Durable.Redis.Addr)
	str("PERFOPT_CACHE_REDIS_PASSWORD", &c.Cache.Durable.Redis.Password)

	// Executor settings
	boolean("PERFOPT_EXECUTOR_ENABLED", &c.Executor.Enabled)
	integer("PERFOPT_MAX_WORKERS", &c.Executor.MaxWorkers)

	// Monitor settings
	boolean("PERFOPT_MONITOR_ENABLED", &c.Monitor.Enabled)
	float("PERFOPT_MAX_MEMORY_PERCENT", &c.Monitor.MaxMemoryPercent)
	float("PERFOPT_MAX_CPU_PERCENT", &c.Monitor.MaxCPUPercent)
	duration("PERFOPT_CHECK_INTERVAL", &c.Monitor.CheckInterval)

	// Adaptive settings
	boolean("PERFOPT_ADAPTIVE_ENABLED", &c.Adaptive.Enabled)
	boolean("PERFOPT_AUTO_TUNE", &c.Adaptive.AutoTune)
	float("PERFOPT_LEARNING_RATE", &c.Adaptive.LearningRate)

	if len(problems) > 0 {
		return errors.Newf(errors.ErrCodeConfigLoad, "malformed environment variables: %s",
			strings.Join(problems, ", "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Sizes holds the parsed byte budgets of the cache section.
type Sizes struct {
	Memory        int64
	MemoryFloor   int64
	MemoryCeiling int64
	Durable       int64
}

// ParseSizes parses the human-readable cache sizes.
func (c *CacheConfig) ParseSizes() (Sizes, error) {
	var s Sizes
	fields := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"memory_size", c.MemorySize, &s.Memory},
		{"memory_floor", c.MemoryFloor, &s.MemoryFloor},
		{"memory_ceiling", c.MemoryCeiling, &s.MemoryCeiling},
		{"durable.size", c.Durable.Size, &s.Durable},
	}
	for _, f := range fields {
		n, err := utils.ParseBytes(f.raw)
		if err != nil {
			return Sizes{}, errors.Wrap(err, errors.ErrCodeConfigValidation,
				fmt.Sprintf("invalid cache.%s %q", f.name, f.raw))
		}
		if n <= 0 {
			return Sizes{}, errors.Newf(errors.ErrCodeConfigValidation,
				"cache.%s must be greater than 0", f.name)
		}
		*f.dst = n
	}
	return s, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeConfigValidation, format, args...).
			WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR, FATAL)",
			c.Global.LogLevel)
	}
	for component, level := range c.Global.ComponentLogLevels {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return invalid("invalid component_log_levels.%s: %s", component, level)
		}
	}
	if c.Global.LogMaxSize != "" {
		if n, err := utils.ParseBytes(c.Global.LogMaxSize); err != nil || n <= 0 {
			return invalid("invalid log_max_size %q", c.Global.LogMaxSize)
		}
	}
	if c.Global.LogMaxBackups < 0 {
		return invalid("log_max_backups must not be negative")
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	// Cache
	sizes, err := c.Cache.ParseSizes()
	if err != nil {
		return err
	}
	if sizes.MemoryFloor > sizes.MemoryCeiling {
		return invalid("cache.memory_floor must not exceed cache.memory_ceiling")
	}
	if sizes.Memory < sizes.MemoryFloor || sizes.Memory > sizes.MemoryCeiling {
		return invalid("cache.memory_size must be within [memory_floor, memory_ceiling]")
	}
	if c.Cache.MaxEntries <= 0 {
		return invalid("cache.max_entries must be greater than 0")
	}
	if c.Cache.TTL < 0 {
		return invalid("cache.ttl must not be negative")
	}
	if c.Cache.SweepInterval < 0 {
		return invalid("cache.sweep_interval must not be negative")
	}
	if c.Cache.Durable.Breaker.OpenTimeout < 0 {
		return invalid("cache.durable.breaker.open_timeout must not be negative")
	}
	switch c.Cache.Durable.Backend {
	case BackendDisk:
		if c.Cache.Durable.Directory == "" {
			return invalid("cache.durable.directory is required for the disk backend")
		}
	case BackendS3:
		if c.Cache.Durable.S3.Bucket == "" {
			return invalid("cache.durable.s3.bucket is required for the s3 backend")
		}
	case BackendRedis:
		if c.Cache.Durable.Redis.Addr == "" {
			return invalid("cache.durable.redis.addr is required for the redis backend")
		}
		if strings.ContainsAny(c.Cache.Durable.Redis.Prefix, "*?[]\\") {
			return invalid("cache.durable.redis.prefix must not contain glob characters")
		}
	default:
		return invalid("unknown cache.durable.backend %q (must be %s, %s or %s)",
			c.Cache.Durable.Backend, BackendDisk, BackendS3, BackendRedis)
	}

	// Executor
	if c.Executor.MinWorkers < 1 {
		return invalid("executor.min_workers must be at least 1")
	}
	if c.Executor.WorkerCeiling < c.Executor.MinWorkers {
		return invalid("executor.worker_ceiling must be at least executor.min_workers")
	}
	if c.Executor.MaxWorkers < c.Executor.MinWorkers || c.Executor.MaxWorkers > c.Executor.WorkerCeiling {
		return invalid("executor.max_workers must be within [min_workers, worker_ceiling]")
	}
	if c.Executor.TaskTimeout < 0 {
		return invalid("executor.task_timeout must not be negative")
	}

	// Monitor
	if c.Monitor.MaxMemoryPercent <= 0 || c.Monitor.MaxMemoryPercent > 100 {
		return invalid("monitor.max_memory_percent must be within (0, 100]")
	}
	if c.Monitor.MaxCPUPercent <= 0 || c.Monitor.MaxCPUPercent > 100 {
		return invalid("monitor.max_cpu_percent must be within (0, 100]")
	}
	if c.Monitor.Enabled {
		if c.Monitor.CheckInterval <= 0 {
			return invalid("monitor.check_interval must be greater than 0")
		}
		if c.Monitor.ErrorBackoff < c.Monitor.CheckInterval {
			return invalid("monitor.error_backoff must be at least monitor.check_interval")
		}
		if c.Monitor.SampleTimeout <= c.Monitor.CPUSampleWindow {
			return invalid("monitor.sample_timeout must exceed monitor.cpu_sample_window")
		}
	}

	// Adaptive
	if c.Adaptive.LearningRate <= 0 || c.Adaptive.LearningRate >= 1 {
		return invalid("adaptive.learning_rate must be within (0, 1)")
	}
	if c.Adaptive.TrendWindow < 2 {
		return invalid("adaptive.trend_window must be at least 2")
	}
	if c.Monitor.HistorySize < c.Adaptive.TrendWindow {
		return invalid("monitor.history_size must be at least adaptive.trend_window")
	}
	if c.Adaptive.Headroom <= 0 || c.Adaptive.Headroom > 1 {
		return invalid("adaptive.headroom must be within (0, 1]")
	}
	if c.Adaptive.HitRatioTrendThreshold < 0 || c.Adaptive.CPUTrendThreshold < 0 {
		return invalid("adaptive trend thresholds must not be negative")
	}

	return nil
}
