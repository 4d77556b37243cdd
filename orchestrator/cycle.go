package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/allocator"
	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/probe"
	"github.com/ByteMirror/warden/queue"
)

// Run drives cycles every interval until ctx is cancelled or a shutdown request is applied.
// Requests and submissions wake the loop early. On exit every running agent is paused.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = o.cfg.PollInterval()
	}
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator loop already running")
	}
	defer o.running.Store(false)
	log.InfoLog.Printf("loop started with interval %s", interval)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.InfoLog.Printf("loop cancelled: %v", ctx.Err())
			return o.Shutdown()
		case <-timer.C:
		case <-o.wake:
		}
		if ctx.Err() != nil {
			return o.Shutdown()
		}

		if err := o.RunCycle(ctx); err != nil {
			log.WarningLog.Printf("cycle %d: %v", o.cycle.Load(), err)
		}
		if o.onCycle != nil {
			o.onCycle(o.cycle.Load())
		}
		if o.stopping.Load() {
			return o.Shutdown()
		}
		timer.Reset(interval)
	}
}

// IsRunning reports whether Run is active.
func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

// RunCycle performs one pass: apply queued requests, sample, evaluate the mode, activate
// agents, drain the queue, run the batch to completion and persist. It returns an error
// wrapping mode.ErrResourceCritical when the cycle entered emergency mode, joined with any
// persistence failure.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	start := time.Now()
	cycle := o.cycle.Add(1)
	o.metrics.Counter("cycles").Inc()

	o.applyIntents()
	if o.stopping.Load() {
		return nil
	}

	var modeErr error
	if snap, ok := o.sample(ctx); ok {
		modeErr = o.evaluateMode(snap)
	}

	now := o.now()
	switch o.modes.Mode() {
	case mode.Normal:
		o.schedule(now)
	case mode.Critical:
		o.ensureCoordinator(now)
	case mode.Emergency:
		o.enforceEmergency(now)
	}

	if n := o.queue.Promote(); n > 0 {
		log.InfoLog.Printf("promoted %d tasks on deadline", n)
	}
	if jobs := o.drain(now); len(jobs) > 0 {
		o.finish(o.runBatch(ctx, o.prepare(jobs)))
	}

	o.syncAgentQueues()
	persistErr := o.persist()

	o.updateGauges()
	o.metrics.Timer("cycle_duration").Since(start)
	finished := o.now()
	o.lastCycle.Store(&finished)
	log.DebugLog.Printf("cycle %d done in %s", cycle, time.Since(start))
	return errors.Join(modeErr, persistErr)
}

// Shutdown pauses every running agent, including the coordinator, and flushes all state.
func (o *Orchestrator) Shutdown() error {
	o.stopping.Store(true)
	o.pauseAll(ReasonShutdown, "", o.now())
	err := o.persist()
	log.InfoLog.Printf("shutdown complete")
	return err
}

// sample reads the probe. On failure the previous snapshot is reused; ok is false when no
// snapshot has ever been taken.
func (o *Orchestrator) sample(ctx context.Context) (probe.Snapshot, bool) {
	snap, err := o.probe.Sample(ctx)
	if err != nil {
		o.metrics.Counter("probe_errors").Inc()
		if o.probeLog.ShouldLog() {
			log.WarningLog.Printf("probe failed, using previous snapshot: %v", err)
		}
		if prev := o.snapshot.Load(); prev != nil {
			return *prev, true
		}
		return probe.Snapshot{}, false
	}
	o.snapshot.Store(&snap)
	o.alloc.Observe(snap)
	o.recordAlerts(o.cfg.Alerts.Evaluate(snap))
	return snap, true
}

func (o *Orchestrator) evaluateMode(snap probe.Snapshot) error {
	tr, err := o.modes.Evaluate(snap)
	if tr != nil {
		o.modeChanged(tr)
	}
	return err
}

func (o *Orchestrator) modeChanged(tr *mode.Transition) {
	msg := fmt.Sprintf("mode %s -> %s: %v", tr.From, tr.To, tr.Reasons)
	if tr.To == mode.Emergency {
		o.metrics.Counter("emergencies").Inc()
		log.WarningLog.Print(msg)
	} else {
		log.InfoLog.Print(msg)
	}
	o.events.Emit(Event{Type: EventModeChanged, Message: msg, Data: map[string]any{"from": tr.From.String(), "to": tr.To.String()}})
}

// modeAllows reports whether tasks of agentID may run in the current mode.
func modeAllows(ms mode.State, coordinator, agentID string) bool {
	switch ms.Mode {
	case mode.Normal:
		return true
	case mode.Critical:
		return agentID == ms.CriticalAgent || agentID == coordinator
	case mode.Emergency:
		return agentID == coordinator
	default:
		return false
	}
}

// autoWakeable reports whether the scheduler or a queued task may activate the agent.
// Operator pauses and failed agents wait for an explicit resume.
func autoWakeable(st agent.State) bool {
	switch st.Status {
	case agent.StatusHibernated:
		return true
	case agent.StatusPaused:
		return st.PauseReason != ReasonManual
	default:
		return false
	}
}

// activateAgent reserves the agent's resources and marks it active.
func (o *Orchestrator) activateAgent(id string, trigger agent.Trigger, now time.Time) error {
	st, err := o.registry.State(id)
	if err != nil {
		return agent.Unavailable(id, agent.ReasonUnknownAgent, "")
	}
	if st.Status.Running() {
		return nil
	}
	if err := o.policy.CanActivate(id, trigger, now); err != nil {
		return err
	}
	desc, _ := o.registry.Descriptor(id)
	if err := o.alloc.Allocate(agentHolder(id), desc.Resources); err != nil {
		o.metrics.Counter("allocation_denied").Inc()
		o.events.Emit(Event{Type: EventAllocationDenied, Agent: id, Message: err.Error()})
		return err
	}
	if _, err := o.updateAgent(id, func(s *agent.State) error { return s.Resume(now) }); err != nil {
		o.alloc.Release(agentHolder(id))
		return err
	}
	o.metrics.Counter("activations").Inc()
	o.events.Emit(Event{Type: EventAgentActivated, Agent: id, Message: fmt.Sprintf("%s activated", id)})
	log.InfoLog.Printf("activated %s", id)
	return nil
}

// pauseAgent releases the agent's reservation and tags its current checkpoint.
func (o *Orchestrator) pauseAgent(id, reason string, now time.Time) error {
	st, err := o.updateAgent(id, func(s *agent.State) error { return s.Pause(reason, now) })
	if err != nil {
		return err
	}
	o.alloc.Release(agentHolder(id))
	o.raisePause(id, reason)
	if st.CurrentTask != "" {
		o.pauseCheckpoint(st.CurrentTask, reason)
	}
	o.metrics.Counter("pauses").Inc()
	o.events.Emit(Event{Type: EventAgentPaused, Agent: id, Task: st.CurrentTask, Message: fmt.Sprintf("%s paused (%s)", id, reason)})
	log.InfoLog.Printf("paused %s: %s", id, reason)
	return nil
}

// hibernateAgent releases the agent and drops its task assignment. An unfinished task stays
// queued and resumes from its checkpoint on the next dispatch.
func (o *Orchestrator) hibernateAgent(id, reason string, now time.Time) error {
	before, err := o.registry.State(id)
	if err != nil {
		return err
	}
	if _, err := o.updateAgent(id, func(s *agent.State) error { return s.Hibernate(now) }); err != nil {
		return err
	}
	o.alloc.Release(agentHolder(id))
	if before.CurrentTask != "" {
		o.pauseCheckpoint(before.CurrentTask, reason)
	}
	o.events.Emit(Event{Type: EventAgentHibernated, Agent: id, Message: fmt.Sprintf("%s hibernated (%s)", id, reason)})
	log.InfoLog.Printf("hibernated %s: %s", id, reason)
	return nil
}

func (o *Orchestrator) failAgent(id, reason string, now time.Time) {
	if _, err := o.updateAgent(id, func(s *agent.State) error { return s.Fail(reason, now) }); err != nil {
		log.ErrorLog.Printf("failed to move %s to error: %v", id, err)
		return
	}
	o.alloc.Release(agentHolder(id))
	o.events.Emit(Event{Type: EventAgentFailed, Agent: id, Message: fmt.Sprintf("%s moved to error: %s", id, reason)})
	log.ErrorLog.Printf("agent %s moved to error: %s", id, reason)
}

func (o *Orchestrator) pauseCheckpoint(taskID, reason string) {
	if _, err := o.checkpoints.Pause(taskID, reason); err != nil {
		o.checkpointErr("pause", taskID, err)
	}
}

// checkpointErr logs checkpoint failures other than a missing or finished record.
func (o *Orchestrator) checkpointErr(op, taskID string, err error) {
	if errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, checkpoint.ErrFinished) {
		return
	}
	var pe *checkpoint.PersistenceError
	if errors.As(err, &pe) {
		o.metrics.Counter("persistence_errors").Inc()
	}
	if o.persistLog.ShouldLog() {
		log.ErrorLog.Printf("checkpoint %s %s: %v", op, taskID, err)
	}
}

// pauseAll pauses every running agent except skip.
func (o *Orchestrator) pauseAll(reason, skip string, now time.Time) {
	for _, id := range o.registry.WithStatus(agent.StatusActive, agent.StatusCriticalActive) {
		if id == skip {
			continue
		}
		if err := o.pauseAgent(id, reason, now); err != nil {
			log.ErrorLog.Printf("failed to pause %s: %v", id, err)
		}
	}
}

// ensureCoordinator keeps the coordinator active whenever its reservation fits.
func (o *Orchestrator) ensureCoordinator(now time.Time) {
	coord, ok := o.registry.Coordinator()
	if !ok {
		return
	}
	st, _ := o.registry.State(coord.ID)
	if st.Status.Running() || st.Status == agent.StatusError || (st.Status == agent.StatusPaused && st.PauseReason == ReasonManual) {
		return
	}
	if err := o.activateAgent(coord.ID, agent.TriggerSchedule, now); err != nil {
		log.WarningLog.Printf("coordinator %s cannot be activated: %v", coord.ID, err)
	}
}

// enforceEmergency pauses everything but the coordinator.
func (o *Orchestrator) enforceEmergency(now time.Time) {
	coord, _ := o.registry.Coordinator()
	o.pauseAll(ReasonEmergency, coord.ID, now)
	o.ensureCoordinator(now)
}

// schedule applies the schedule windows in normal mode. Agents leaving their window or
// exceeding their session are paused and idle on-demand agents hibernate. Always-active
// agents are kept up and in-window agents are admitted up to max_scheduled_active next to
// the coordinator. While a manual-only agent is active nothing new is admitted.
func (o *Orchestrator) schedule(now time.Time) {
	o.ensureCoordinator(now)

	manualActive := false
	scheduledActive := 0
	for _, d := range o.registry.Descriptors() {
		if d.Coordinator {
			continue
		}
		inWindow := agent.IsInSchedule(d, now)
		if d.Scheduled() && !inWindow {
			delete(o.sessionCapped, d.ID)
		}
		st, _ := o.registry.State(d.ID)
		if !st.Status.Running() {
			continue
		}
		if st.CurrentTask == "" {
			if d.Scheduled() && !inWindow {
				o.pauseAgent(d.ID, ReasonSchedule, now)
				continue
			}
			if d.OnDemand() && len(st.TaskQueue)+len(st.PriorityQueue) == 0 {
				o.hibernateAgent(d.ID, ReasonIdle, now)
				continue
			}
			if d.MaxSession > 0 && st.SessionUptime(now) >= d.MaxSession {
				o.pauseAgent(d.ID, ReasonMaxSession, now)
				if d.Scheduled() {
					o.sessionCapped[d.ID] = true
				}
				continue
			}
		}
		if d.ManualOnly {
			manualActive = true
		}
		if d.Scheduled() {
			scheduledActive++
		}
	}
	if manualActive {
		return
	}

	for _, d := range o.registry.Descriptors() {
		if d.Coordinator {
			continue
		}
		st, _ := o.registry.State(d.ID)
		if st.Status.Running() || !autoWakeable(st) {
			continue
		}
		if d.AlwaysActive {
			if err := o.activateAgent(d.ID, agent.TriggerSchedule, now); err != nil {
				log.DebugLog.Printf("always-active %s not admitted: %v", d.ID, err)
			}
			continue
		}
		if !d.Scheduled() || o.sessionCapped[d.ID] || !agent.IsInSchedule(d, now) {
			continue
		}
		if scheduledActive >= o.cfg.MaxScheduledActive {
			continue
		}
		if err := o.activateAgent(d.ID, agent.TriggerSchedule, now); err != nil {
			log.DebugLog.Printf("scheduled %s not admitted: %v", d.ID, err)
			continue
		}
		scheduledActive++
	}
}

func (o *Orchestrator) scheduledRunning() int {
	n := 0
	for _, id := range o.registry.WithStatus(agent.StatusActive, agent.StatusCriticalActive) {
		if d, _ := o.registry.Descriptor(id); d.Scheduled() {
			n++
		}
	}
	return n
}

// drain walks the queue once and returns the tasks dispatched for this cycle. At most one
// task per agent and one GPU task are dispatched per batch.
func (o *Orchestrator) drain(now time.Time) []*job {
	ms := o.modes.State()
	coord, _ := o.registry.Coordinator()
	busy := make(map[string]bool)
	gpuTaken := false

	var jobs []*job
	var dropped []queue.Task
	o.queue.Drain(func(t *queue.Task, r queue.Readiness) queue.Verdict {
		switch r {
		case queue.Blocked:
			dropped = append(dropped, *t)
			return queue.Drop
		case queue.Waiting:
			return queue.Requeue
		}
		desc, ok := o.registry.Descriptor(t.Agent)
		if !ok {
			dropped = append(dropped, *t)
			return queue.Drop
		}
		if !modeAllows(ms, coord.ID, t.Agent) || busy[t.Agent] {
			return queue.Requeue
		}
		if t.Class == queue.ClassGPU && gpuTaken {
			return queue.Requeue
		}

		st, _ := o.registry.State(t.Agent)
		if st.CurrentTask != "" && st.CurrentTask != t.ID {
			return queue.Requeue
		}
		if !st.Status.Running() {
			if verdict, ok := o.wakeForTask(desc, st, ms, now); !ok {
				return verdict
			}
		}

		if !t.Resources.IsZero() {
			if err := o.alloc.Allocate(t.ID, t.Resources); err != nil {
				o.metrics.Counter("allocation_denied").Inc()
				o.events.Emit(Event{Type: EventAllocationDenied, Agent: t.Agent, Task: t.ID, Message: err.Error()})
				log.DebugLog.Printf("task %s held: %v", t.ID, err)
				return queue.RequeueStopTier
			}
		}

		o.updateAgent(t.Agent, func(s *agent.State) error {
			s.CurrentTask = t.ID
			s.LastActivity = now
			return nil
		})
		busy[t.Agent] = true
		if t.Class == queue.ClassGPU {
			gpuTaken = true
		}
		task := *t
		task.Status = queue.StatusRunning
		task.Attempts++
		jobs = append(jobs, &job{task: task, desc: desc})
		return queue.Dispatched
	})

	for _, t := range dropped {
		msg := fmt.Sprintf("task %s dropped: a dependency failed or its agent is unknown", t.ID)
		o.metrics.Counter("tasks_dropped").Inc()
		o.events.Emit(Event{Type: EventTaskFailed, Agent: t.Agent, Task: t.ID, Message: msg})
		log.WarningLog.Print(msg)
		if st, err := o.registry.State(t.Agent); err == nil && st.CurrentTask == t.ID {
			o.updateAgent(t.Agent, func(s *agent.State) error {
				s.CurrentTask = ""
				return nil
			})
		}
	}
	return jobs
}

// wakeForTask activates an idle agent for a queued task. ok is false when the task must
// wait, with the verdict to report.
func (o *Orchestrator) wakeForTask(desc agent.Descriptor, st agent.State, ms mode.State, now time.Time) (queue.Verdict, bool) {
	if !autoWakeable(st) {
		return queue.Requeue, false
	}
	if ms.Mode == mode.Normal && desc.Scheduled() && o.scheduledRunning() >= o.cfg.MaxScheduledActive {
		return queue.Requeue, false
	}
	err := o.activateAgent(desc.ID, agent.TriggerDemand, now)
	switch {
	case err == nil:
		return queue.Dispatched, true
	case errors.Is(err, allocator.ErrAllocationDenied):
		return queue.RequeueStopTier, false
	default:
		log.DebugLog.Printf("agent %s not woken: %v", desc.ID, err)
		return queue.Requeue, false
	}
}

func (o *Orchestrator) updateGauges() {
	o.metrics.Gauge("queue_pending").Set(float64(o.queue.Len()))
	o.metrics.Gauge("agents_running").Set(float64(len(o.registry.WithStatus(agent.StatusActive, agent.StatusCriticalActive))))
	committed := o.alloc.Committed()
	o.metrics.Gauge("ram_committed_gb").Set(committed.RAM)
	o.metrics.Gauge("gpu_committed_gb").Set(committed.GPU)
	o.metrics.Gauge("cpu_committed_threads").Set(committed.CPU)
}
