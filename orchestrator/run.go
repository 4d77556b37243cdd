package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/queue"
)

// Executor performs the work of one task. Implementations report progress through the Run
// and should return ErrPaused promptly once ShouldPause reports true.
type Executor interface {
	Execute(ctx context.Context, run *Run) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *Run) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, run *Run) (map[string]any, error) {
	return f(ctx, run)
}

// pauseSignal is shared by every run of one agent in a batch.
type pauseSignal struct {
	set    atomic.Bool
	reason atomic.Value
}

func (p *pauseSignal) raise(reason string) {
	p.reason.CompareAndSwap(nil, reason)
	p.set.Store(true)
}

func (p *pauseSignal) Reason() string {
	if r, ok := p.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Run is the handle an executor receives for one dispatched task.
type Run struct {
	Task  queue.Task
	Agent agent.Descriptor
	// Checkpoint is the state the task resumes from. Progress is zero for a fresh start.
	Checkpoint checkpoint.Checkpoint

	pause *pauseSignal
	cps   *checkpoint.Manager
}

// NewRun builds a run handle outside the loop, resuming the task's checkpoint when one
// exists. It lets executors be driven directly.
func NewRun(task queue.Task, desc agent.Descriptor, cps *checkpoint.Manager) (*Run, error) {
	cp, ok := cps.Get(task.ID)
	if !ok {
		var err error
		cp, err = cps.Create(task.ID, task.Agent, task.Type, task.TotalUnits, nil)
		var pe *checkpoint.PersistenceError
		if err != nil && !errors.As(err, &pe) {
			return nil, err
		}
	}
	return &Run{Task: task, Agent: desc, Checkpoint: cp, pause: &pauseSignal{}, cps: cps}, nil
}

// RequestPause asks the run to stop at its next step boundary. The first reason wins.
func (r *Run) RequestPause(reason string) {
	r.pause.raise(reason)
}

// ShouldPause reports whether the task has been asked to stop at its next step boundary.
func (r *Run) ShouldPause() bool {
	return r.pause.set.Load()
}

// PauseReason returns why the run was asked to pause.
func (r *Run) PauseReason() string {
	return r.pause.Reason()
}

// Resumed reports whether this run continues earlier work.
func (r *Run) Resumed() bool {
	return r.Checkpoint.ResumeCount > 0 || r.Checkpoint.Progress > 0 || r.Checkpoint.ProcessedUnits > 0
}

// Progress records a checkpoint update. Failed writes are retried by the loop and are not
// reported to the executor.
func (r *Run) Progress(p checkpoint.Patch) (checkpoint.Checkpoint, error) {
	cp, err := r.cps.Update(r.Task.ID, p)
	var pe *checkpoint.PersistenceError
	if errors.As(err, &pe) {
		return cp, nil
	}
	return cp, err
}
