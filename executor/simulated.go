package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/orchestrator"
)

const defaultSteps = 10

// Simulated walks a task through evenly sized steps and checkpoints after each one. Agents
// without a command run on it, which makes it the executor for dry runs and demos.
type Simulated struct {
	Steps    int
	StepTime time.Duration
}

func (s *Simulated) Execute(ctx context.Context, run *orchestrator.Run) (map[string]any, error) {
	steps := s.Steps
	if steps <= 0 {
		steps = defaultSteps
	}
	total := run.Task.TotalUnits
	if run.Checkpoint.TotalUnits > 0 {
		total = run.Checkpoint.TotalUnits
	}
	if total <= 0 {
		total = int64(steps)
	}
	per := max(1, total/int64(steps))
	start := min(run.Checkpoint.ProcessedUnits, total)

	var timer *time.Timer
	if s.StepTime > 0 {
		timer = time.NewTimer(s.StepTime)
		defer timer.Stop()
	}

	done := start
	for done < total {
		if run.ShouldPause() {
			return nil, orchestrator.ErrPaused
		}
		if timer != nil {
			select {
			case <-ctx.Done():
				return nil, orchestrator.ErrPaused
			case <-timer.C:
				timer.Reset(s.StepTime)
			}
		}
		next := min(total, done+per)
		step := fmt.Sprintf("units %d-%d", done+1, next)
		done = next
		if _, err := run.Progress(checkpoint.Patch{
			ProcessedUnits: checkpoint.Units(done),
			TotalUnits:     checkpoint.Units(total),
			CompleteStep:   step,
		}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"units": total, "resumed_at": start}, nil
}
