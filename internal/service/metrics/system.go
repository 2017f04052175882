package metrics

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemStats is what the host contributes to a snapshot.
type SystemStats struct {
	MemoryTotal uint64
	MemoryFree  uint64
	MemoryUsed  uint64
	Load        [3]float64
	Cores       int
	Uptime      uint64
}

// SystemReader reads host counters.
type SystemReader interface {
	Read(ctx context.Context) (SystemStats, error)
}

// HostReader reads host counters through gopsutil. Partial readings are
// returned together with the joined errors of the probes that failed.
type HostReader struct{}

func (HostReader) Read(ctx context.Context) (SystemStats, error) {
	var (
		stats SystemStats
		errs  []error
	)

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		stats.MemoryTotal = vm.Total
		stats.MemoryFree = vm.Available
		stats.MemoryUsed = vm.Total - vm.Available
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load: %w", err))
	} else {
		stats.Load = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err != nil || cores == 0 {
		stats.Cores = runtime.NumCPU()
	} else {
		stats.Cores = cores
	}

	if up, err := host.UptimeWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("uptime: %w", err))
	} else {
		stats.Uptime = up
	}

	return stats, errors.Join(errs...)
}
