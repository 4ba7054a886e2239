package worker

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"fleet/api/model"
)

const mb = 1024 * 1024

// Sampler reports what the host has and what it is using.
type Sampler interface {
	Capacity(ctx context.Context) (model.Capacity, error)
	Sample(ctx context.Context) (model.Heartbeat, error)
}

// HostSampler reads the local machine. Disk is measured on DiskPath.
type HostSampler struct {
	DiskPath string
}

func (h HostSampler) path() string {
	if h.DiskPath != "" {
		return h.DiskPath
	}
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

func (h HostSampler) Capacity(ctx context.Context) (model.Capacity, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return model.Capacity{}, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.Capacity{}, fmt.Errorf("read memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, h.path())
	if err != nil {
		return model.Capacity{}, fmt.Errorf("read disk %s: %w", h.path(), err)
	}
	return model.Capacity{
		CPUMillicores: int64(cores) * 1000,
		MemoryMB:      int64(vm.Total / mb),
		DiskMB:        int64(du.Total / mb),
	}, nil
}

func (h HostSampler) Sample(ctx context.Context) (model.Heartbeat, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return model.Heartbeat{}, fmt.Errorf("count cpus: %w", err)
	}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.Heartbeat{}, fmt.Errorf("read cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.Heartbeat{}, fmt.Errorf("read memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, h.path())
	if err != nil {
		return model.Heartbeat{}, fmt.Errorf("read disk %s: %w", h.path(), err)
	}
	var busy float64
	if len(pct) > 0 {
		busy = pct[0]
	}
	return model.Heartbeat{
		CPUUsed:    millicores(busy, cores),
		MemoryUsed: int64(vm.Used / mb),
		DiskUsed:   int64(du.Used / mb),
	}, nil
}

// millicores converts whole-machine busy percent to used millicores.
func millicores(percent float64, cores int) int64 {
	return int64(percent / 100 * float64(cores) * 1000)
}
