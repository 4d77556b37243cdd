package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const gpuQueryTimeout = 10 * time.Second

var errNoGPUDriver = errors.New("nvidia-smi not found")

type gpuReader struct {
	once sync.Once
	path string
}

func newGPUReader() *gpuReader {
	return &gpuReader{}
}

func (r *gpuReader) read(ctx context.Context) ([]GPU, error) {
	r.once.Do(func() {
		r.path, _ = exec.LookPath("nvidia-smi")
	})
	if r.path == "" {
		return nil, errNoGPUDriver
	}

	ctx, cancel := context.WithTimeout(ctx, gpuQueryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.path,
		"--query-gpu=memory.total,memory.used,utilization.gpu,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(out.String())
}

// parseNvidiaSMI parses csv rows of memory.total,memory.used (MiB), utilization, temperature
// and power draw. Fields reported as "[N/A]" are treated as zero.
func parseNvidiaSMI(out string) ([]GPU, error) {
	var gpus []GPU
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			return nil, fmt.Errorf("nvidia-smi row %d: expected at least 4 fields, got %d", i, len(fields))
		}
		vals := make([]float64, 5)
		for j := 0; j < len(fields) && j < 5; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[j]), 64)
			if err != nil {
				continue
			}
			vals[j] = v
		}
		gpus = append(gpus, GPU{
			Index:         i,
			MemoryTotalGB: vals[0] / 1024,
			MemoryUsedGB:  vals[1] / 1024,
			LoadPercent:   vals[2],
			TempC:         vals[3],
			PowerW:        vals[4],
		})
	}
	return gpus, nil
}
