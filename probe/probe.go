// Package probe samples current hardware availability on the local host.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/ByteMirror/warden/resource"
)

// GPU is one device as reported by the driver.
type GPU struct {
	Index         int     `json:"index"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	LoadPercent   float64 `json:"load_percent"`
	TempC         float64 `json:"temp_c"`
	PowerW        float64 `json:"power_w"`
}

// Snapshot is a point-in-time reading. It is never persisted.
type Snapshot struct {
	Time time.Time `json:"time"`

	RAMTotalGB     float64 `json:"ram_total_gb"`
	RAMAvailableGB float64 `json:"ram_available_gb"`
	RAMUsedPercent float64 `json:"ram_used_percent"`

	CPUThreads          int     `json:"cpu_threads"`
	CPUAvailableThreads float64 `json:"cpu_available_threads"`
	CPULoadPercent      float64 `json:"cpu_load_percent"`
	CPUTempC            float64 `json:"cpu_temp_c"`

	GPUs           []GPU   `json:"gpus,omitempty"`
	GPUTotalGB     float64 `json:"gpu_total_gb"`
	GPUAvailableGB float64 `json:"gpu_available_gb"`
	GPULoadPercent float64 `json:"gpu_load_percent"`
	GPUTempC       float64 `json:"gpu_temp_c"`

	DiskFreeGB  float64 `json:"disk_free_gb"`
	DiskTotalGB float64 `json:"disk_total_gb"`
}

// Available returns the free capacity as a requirement vector.
func (s Snapshot) Available() resource.Vector {
	return resource.Vector{RAM: s.RAMAvailableGB, CPU: s.CPUAvailableThreads, GPU: s.GPUAvailableGB}
}

// MaxTempC returns the hottest reading across CPU and GPU.
func (s Snapshot) MaxTempC() float64 {
	if s.GPUTempC > s.CPUTempC {
		return s.GPUTempC
	}
	return s.CPUTempC
}

// Probe samples the host.
type Probe interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// Func adapts a function to the Probe interface.
type Func func(ctx context.Context) (Snapshot, error)

func (f Func) Sample(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// Static returns a fixed reading that tests and dry runs can change between cycles.
type Static struct {
	mu   sync.Mutex
	snap Snapshot
	err  error
}

func NewStatic(s Snapshot) *Static {
	return &Static{snap: s}
}

func (p *Static) Sample(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return Snapshot{}, p.err
	}
	s := p.snap
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	return s, nil
}

// Set replaces the reading returned by subsequent samples.
func (p *Static) Set(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = s
	p.err = nil
}

// Update mutates the current reading in place.
func (p *Static) Update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
}

// Fail makes subsequent samples return err.
func (p *Static) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}
