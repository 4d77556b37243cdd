// Package resource defines the hardware categories the orchestrator accounts for and the
// requirement vector shared by agents, tasks and the allocator.
package resource

import (
	"fmt"
	"math"
)

// Kind is one accounted hardware category.
type Kind int

const (
	RAM Kind = iota
	CPU
	GPU
)

// Kinds lists every category in allocation order.
var Kinds = []Kind{RAM, CPU, GPU}

func (k Kind) String() string {
	switch k {
	case RAM:
		return "ram"
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// Unit returns the unit the category is measured in.
func (k Kind) Unit() string {
	switch k {
	case RAM, GPU:
		return "GB"
	case CPU:
		return "threads"
	default:
		return ""
	}
}

// Vector is a requirement or capacity across all categories.
// RAM and GPU are gigabytes, CPU is a thread count.
type Vector struct {
	RAM float64 `json:"ram_gb" yaml:"ram_gb"`
	CPU float64 `json:"cpu_threads" yaml:"cpu_threads"`
	GPU float64 `json:"gpu_gb" yaml:"gpu_gb"`
}

// Get returns the amount for one category.
func (v Vector) Get(k Kind) float64 {
	switch k {
	case RAM:
		return v.RAM
	case CPU:
		return v.CPU
	case GPU:
		return v.GPU
	default:
		return 0
	}
}

// Add returns v+o.
func (v Vector) Add(o Vector) Vector {
	return Vector{RAM: v.RAM + o.RAM, CPU: v.CPU + o.CPU, GPU: v.GPU + o.GPU}
}

// Sub returns v-o, clamped at zero per category.
func (v Vector) Sub(o Vector) Vector {
	return Vector{
		RAM: math.Max(0, v.RAM-o.RAM),
		CPU: math.Max(0, v.CPU-o.CPU),
		GPU: math.Max(0, v.GPU-o.GPU),
	}
}

// Min returns the per-category minimum of v and o.
func (v Vector) Min(o Vector) Vector {
	return Vector{RAM: math.Min(v.RAM, o.RAM), CPU: math.Min(v.CPU, o.CPU), GPU: math.Min(v.GPU, o.GPU)}
}

// IsZero reports whether every category is zero.
func (v Vector) IsZero() bool {
	return v.RAM == 0 && v.CPU == 0 && v.GPU == 0
}

// Negative reports whether any category is below zero.
func (v Vector) Negative() bool {
	return v.RAM < 0 || v.CPU < 0 || v.GPU < 0
}

// Finite reports whether every category is a real number.
func (v Vector) Finite() bool {
	for _, x := range []float64{v.RAM, v.CPU, v.GPU} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Valid reports whether v can be used as a request: finite and not negative.
func (v Vector) Valid() bool {
	return v.Finite() && !v.Negative()
}

// Exceeds returns the first category in which v is larger than limit.
func (v Vector) Exceeds(limit Vector) (Kind, bool) {
	const eps = 1e-9
	for _, k := range Kinds {
		if v.Get(k) > limit.Get(k)+eps {
			return k, true
		}
	}
	return 0, false
}

func (v Vector) String() string {
	return fmt.Sprintf("ram=%.1fGB cpu=%.1f gpu=%.1fGB", v.RAM, v.CPU, v.GPU)
}
