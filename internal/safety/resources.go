package safety

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
)

// ResourceSnapshot 是一次系统资源采样结果。
type ResourceSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
}

// ResourceSampler 提供系统资源采样，测试中可替换为固定值实现。
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceSnapshot, error)
}

// NewSystemSampler 返回基于 gopsutil 的真实采样器。
func NewSystemSampler(diskPath string) ResourceSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &systemSampler{diskPath: diskPath}
}

type systemSampler struct {
	diskPath string
}

// Sample 并行采集 CPU、内存与磁盘指标。
func (s *systemSampler) Sample(ctx context.Context) (ResourceSnapshot, error) {
	var snapshot ResourceSnapshot

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		percents, err := cpu.PercentWithContext(groupCtx, 0, false)
		if err != nil {
			return err
		}
		if len(percents) == 0 {
			return errors.New("safety: CPU 采样返回空结果")
		}
		snapshot.CPUPercent = percents[0]
		return nil
	})

	group.Go(func() error {
		vm, err := mem.VirtualMemoryWithContext(groupCtx)
		if err != nil {
			return err
		}
		snapshot.MemoryPercent = vm.UsedPercent
		return nil
	})

	group.Go(func() error {
		usage, err := disk.UsageWithContext(groupCtx, s.diskPath)
		if err != nil {
			return err
		}
		snapshot.DiskFreeGB = float64(usage.Free) / (1 << 30)
		return nil
	})

	if err := group.Wait(); err != nil {
		return ResourceSnapshot{}, err
	}

	return snapshot, nil
}
