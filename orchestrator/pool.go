package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/queue"
)

type job struct {
	task queue.Task
	desc agent.Descriptor
	run  *Run
}

type result struct {
	job    *job
	output map[string]any
	err    error
	took   time.Duration
}

// prepare opens or resumes the checkpoint of every job and hands out pause signals.
func (o *Orchestrator) prepare(jobs []*job) []*job {
	o.signalsMu.Lock()
	defer o.signalsMu.Unlock()

	for _, j := range jobs {
		t := j.task
		cp, ok := o.checkpoints.Get(t.ID)
		var err error
		switch {
		case ok && !cp.Done():
			cp, err = o.checkpoints.Resume(t.ID)
		case ok:
			cp, err = o.checkpoints.Reset(t.ID)
		default:
			cp, err = o.checkpoints.Create(t.ID, t.Agent, t.Type, t.TotalUnits, nil)
		}
		if err != nil {
			o.checkpointErr("open", t.ID, err)
		}

		sig, ok := o.signals[t.Agent]
		if !ok {
			sig = &pauseSignal{}
			o.signals[t.Agent] = sig
		}
		j.run = &Run{Task: t, Agent: j.desc, Checkpoint: cp, pause: sig, cps: o.checkpoints}

		o.metrics.Counter("tasks_dispatched").Inc()
		o.events.Emit(Event{Type: EventTaskDispatched, Agent: t.Agent, Task: t.ID, Message: fmt.Sprintf("%s started %s", t.Agent, t.Type)})
		log.InfoLog.Printf("dispatching %s (%s) to %s on %s lane", t.ID, t.Type, t.Agent, t.Class)
	}
	return jobs
}

// classLimit bounds concurrent runs per execution lane.
func (o *Orchestrator) classLimit(c queue.Class) int {
	switch c {
	case queue.ClassGPU:
		return 1
	case queue.ClassCPU:
		threads := o.cfg.Ceiling.CPU
		if snap := o.snapshot.Load(); snap != nil {
			threads = snap.CPUAvailableThreads
		}
		return max(1, int(threads))
	default:
		return max(1, o.cfg.Workers)
	}
}

// runBatch executes jobs on one bounded group per lane and blocks until all have returned.
// A watchdog re-checks resources while the batch runs and asks runs to pause on a breach.
func (o *Orchestrator) runBatch(ctx context.Context, jobs []*job) []result {
	results := make([]result, len(jobs))
	lanes := make(map[queue.Class][]int)
	for i, j := range jobs {
		lanes[j.task.Class] = append(lanes[j.task.Class], i)
	}

	done := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		o.watchdog(ctx, done)
	}()

	var all errgroup.Group
	for class, idx := range lanes {
		all.Go(func() error {
			var lane errgroup.Group
			lane.SetLimit(o.classLimit(class))
			for _, i := range idx {
				lane.Go(func() error {
					results[i] = o.execute(ctx, jobs[i])
					return nil
				})
			}
			return lane.Wait()
		})
	}
	all.Wait()
	close(done)
	<-watchdogDone

	o.signalsMu.Lock()
	clear(o.signals)
	o.signalsMu.Unlock()
	return results
}

// execute runs one job, turning executor failures and panics into TaskExecutionError.
func (o *Orchestrator) execute(ctx context.Context, j *job) (res result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("executor panicked on %s: %v", j.task.ID, r)
			res = result{job: j, took: time.Since(start), err: &TaskExecutionError{
				TaskID: j.task.ID, AgentID: j.task.Agent, Err: fmt.Errorf("panic: %v", r),
			}}
		}
	}()

	out, err := o.exec.Execute(ctx, j.run)
	if err != nil && !errors.Is(err, ErrPaused) {
		err = &TaskExecutionError{TaskID: j.task.ID, AgentID: j.task.Agent, Err: err}
	}
	return result{job: j, output: out, err: err, took: time.Since(start)}
}

// watchdog samples every watch interval until done is closed. A threshold breach asks every
// run except the coordinator's to pause; cancellation asks all of them.
func (o *Orchestrator) watchdog(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(o.watch)
	defer ticker.Stop()
	coord, _ := o.registry.Coordinator()
	cancelled := ctx.Done()
	for {
		select {
		case <-done:
			return
		case <-cancelled:
			o.raiseAll(ReasonShutdown, "")
			cancelled = nil
		case <-ticker.C:
			snap, err := o.probe.Sample(context.WithoutCancel(ctx))
			if err != nil {
				continue
			}
			if breaches := o.modes.Thresholds().Breaches(snap); len(breaches) > 0 {
				log.WarningLog.Printf("breach during batch, pausing runs: %v", breaches)
				o.raiseAll(ReasonEmergency, coord.ID)
			}
		}
	}
}

func (o *Orchestrator) raisePause(agentID, reason string) {
	o.signalsMu.Lock()
	defer o.signalsMu.Unlock()
	if sig, ok := o.signals[agentID]; ok {
		sig.raise(reason)
	}
}

// raiseAll raises the pause signal of every running agent except skip.
func (o *Orchestrator) raiseAll(reason, skip string) {
	o.signalsMu.Lock()
	defer o.signalsMu.Unlock()
	for id, sig := range o.signals {
		if id != skip {
			sig.raise(reason)
		}
	}
}

// finish applies the outcome of every run of a batch.
func (o *Orchestrator) finish(results []result) {
	now := o.now()
	for _, r := range results {
		if r.job == nil {
			continue
		}
		t := r.job.task
		o.alloc.Release(t.ID)
		o.metrics.Timer("task_duration").Record(r.took)

		switch {
		case errors.Is(r.err, ErrPaused):
			reason := r.job.run.PauseReason()
			if reason == "" {
				reason = ReasonManual
			}
			if err := o.queue.Return(t.ID); err != nil {
				log.ErrorLog.Printf("cannot requeue paused task %s: %v", t.ID, err)
			}
			o.pauseCheckpoint(t.ID, reason)
			o.updateAgent(t.Agent, func(s *agent.State) error {
				s.LastActivity = now
				return nil
			})
			o.metrics.Counter("tasks_paused").Inc()
			o.events.Emit(Event{Type: EventTaskPaused, Agent: t.Agent, Task: t.ID, Message: fmt.Sprintf("%s paused (%s)", t.ID, reason)})
			log.InfoLog.Printf("task %s paused: %s", t.ID, reason)

		case r.err == nil:
			if _, err := o.queue.Finish(t.ID, false, r.output, ""); err != nil {
				log.ErrorLog.Printf("finishing %s: %v", t.ID, err)
			}
			if _, err := o.checkpoints.Complete(t.ID, true, ""); err != nil {
				o.checkpointErr("complete", t.ID, err)
			}
			o.updateAgent(t.Agent, func(s *agent.State) error {
				if s.CurrentTask == t.ID {
					s.CurrentTask = ""
				}
				s.RecordTask(true, r.took, now)
				return nil
			})
			o.metrics.Counter("tasks_completed").Inc()
			o.events.Emit(Event{Type: EventTaskCompleted, Agent: t.Agent, Task: t.ID, Message: fmt.Sprintf("%s completed %s", t.Agent, t.Type)})
			log.InfoLog.Printf("task %s completed in %s", t.ID, r.took)

		default:
			msg := r.err.Error()
			if _, err := o.queue.Finish(t.ID, true, nil, msg); err != nil {
				log.ErrorLog.Printf("finishing %s: %v", t.ID, err)
			}
			if _, err := o.checkpoints.Complete(t.ID, false, msg); err != nil {
				o.checkpointErr("complete", t.ID, err)
			}
			st, _ := o.updateAgent(t.Agent, func(s *agent.State) error {
				if s.CurrentTask == t.ID {
					s.CurrentTask = ""
				}
				s.RecordTask(false, r.took, now)
				return nil
			})
			o.metrics.Counter("tasks_failed").Inc()
			o.events.Emit(Event{Type: EventTaskFailed, Agent: t.Agent, Task: t.ID, Message: msg})
			log.ErrorLog.Printf("task failed: %v", r.err)

			if limit := o.cfg.MaxTaskFailures; limit > 0 && st.ConsecutiveFailures >= limit {
				o.failAgent(t.Agent, fmt.Sprintf("%d consecutive task failures", st.ConsecutiveFailures), now)
			}
		}
	}
}
