package monitor

import (
	"context"
	stderrors "errors"
	"io/fs"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/perfopt/perfopt/pkg/errors"
)

// Pressure is one reading of host resource usage, in percent
type Pressure struct {
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	DiskPercent   float64 `json:"disk_usage_percent"`
}

// Sampler reads host resource pressure
type Sampler interface {
	Sample(ctx context.Context) (Pressure, error)
}

// HostSampler reads pressure from the operating system via gopsutil
type HostSampler struct {
	cpuWindow time.Duration
	diskPath  string
}

// NewHostSampler creates a sampler measuring CPU over cpuWindow and disk
// usage of the filesystem holding diskPath. An empty diskPath skips disk.
func NewHostSampler(cpuWindow time.Duration, diskPath string) *HostSampler {
	return &HostSampler{cpuWindow: cpuWindow, diskPath: diskPath}
}

// Sample implements Sampler. CPU is measured over the configured window, so
// the call blocks for at least that long unless ctx ends first.
func (s *HostSampler) Sample(ctx context.Context) (Pressure, error) {
	var p Pressure

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return p, sampleError(ctx, err, "memory")
	}
	p.MemoryPercent = vm.UsedPercent

	percents, err := cpu.PercentWithContext(ctx, s.cpuWindow, false)
	if err != nil {
		return p, sampleError(ctx, err, "cpu")
	}
	if len(percents) == 0 {
		return p, errors.NewError(errors.ErrCodeSampleFailed, "no cpu usage reported").
			WithComponent("monitor").WithOperation("sample")
	}
	p.CPUPercent = percents[0]

	if s.diskPath != "" {
		usage, err := disk.UsageWithContext(ctx, s.diskPath)
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return p, errors.Wrap(err, errors.ErrCodeInvalidConfig, "disk path does not exist").
					WithComponent("monitor").WithOperation("sample").WithContext("path", s.diskPath)
			}
			return p, sampleError(ctx, err, "disk").WithContext("path", s.diskPath)
		}
		p.DiskPercent = usage.UsedPercent
	}

	return p, nil
}

// sampleError classifies a sampling failure as a timeout when the sampling
// context expired and as a plain failure otherwise.
func sampleError(ctx context.Context, err error, resource string) *errors.PerfOptError {
	code := errors.ErrCodeSampleFailed
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = errors.ErrCodeSampleTimeout
	}
	return errors.Wrap(err, code, "failed to sample "+resource+" usage").
		WithComponent("monitor").WithOperation("sample")
}
