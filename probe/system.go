package probe

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

const bytesPerGB = 1 << 30

// System samples the real host: memory and load from the kernel, disk from the filesystem
// holding DiskPath, temperatures from thermal zones and GPUs through nvidia-smi.
type System struct {
	// DiskPath is the filesystem whose free space is reported.
	DiskPath string
	gpu      *gpuReader
	now      func() time.Time
}

// NewSystem creates a host probe reporting free disk space for diskPath.
func NewSystem(diskPath string) *System {
	if diskPath == "" {
		diskPath = "/"
	}
	return &System{DiskPath: diskPath, gpu: newGPUReader(), now: time.Now}
}

func (p *System) Sample(ctx context.Context) (Snapshot, error) {
	s := Snapshot{Time: p.now(), CPUThreads: runtime.NumCPU()}

	if err := sampleHost(p.DiskPath, &s); err != nil {
		return Snapshot{}, fmt.Errorf("sample host: %w", err)
	}
	if s.CPUThreads > 0 {
		s.CPUAvailableThreads = float64(s.CPUThreads) * (1 - s.CPULoadPercent/100)
		if s.CPUAvailableThreads < 0 {
			s.CPUAvailableThreads = 0
		}
	}

	gpus, err := p.gpu.read(ctx)
	if err != nil {
		// A missing or broken driver is not fatal; the host simply has no GPU capacity.
		gpus = nil
	}
	applyGPUs(&s, gpus)
	return s, nil
}

func applyGPUs(s *Snapshot, gpus []GPU) {
	s.GPUs = gpus
	if len(gpus) == 0 {
		return
	}
	var load float64
	for _, g := range gpus {
		s.GPUTotalGB += g.MemoryTotalGB
		s.GPUAvailableGB += g.MemoryTotalGB - g.MemoryUsedGB
		load += g.LoadPercent
		if g.TempC > s.GPUTempC {
			s.GPUTempC = g.TempC
		}
	}
	s.GPULoadPercent = load / float64(len(gpus))
}
