package orchestrator

import (
	"fmt"
	"time"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/queue"
)

// IntentKind names an operator request.
type IntentKind string

const (
	IntentPause          IntentKind = "pause"
	IntentResume         IntentKind = "resume"
	IntentManual         IntentKind = "manual"
	IntentCritical       IntentKind = "critical"
	IntentExitCritical   IntentKind = "exit_critical"
	IntentEmergency      IntentKind = "emergency"
	IntentMaintenanceOn  IntentKind = "maintenance_on"
	IntentMaintenanceOff IntentKind = "maintenance_off"
	IntentShutdown       IntentKind = "shutdown"
	IntentCleanup        IntentKind = "cleanup"
)

// criticalPriority is the priority of the task submitted with a critical request.
const criticalPriority = 10

// Intent is an operator request. The loop applies it at the start of the next cycle.
type Intent struct {
	Kind        IntentKind `json:"kind"`
	Agent       string     `json:"agent,omitempty"`
	TaskType    string     `json:"task_type,omitempty"`
	Description string     `json:"description,omitempty"`
	Days        int        `json:"days,omitempty"`
}

// Result reports how an intent was applied.
type Result struct {
	Message string `json:"message"`
	Err     error  `json:"-"`
}

type pendingIntent struct {
	Intent
	done chan Result
}

// Validate checks an intent against the roster without touching runtime state.
func (o *Orchestrator) Validate(in Intent) error {
	switch in.Kind {
	case IntentPause, IntentResume:
		return o.knownAgent(in.Agent)
	case IntentManual:
		if err := o.knownAgent(in.Agent); err != nil {
			return err
		}
		if desc, _ := o.registry.Descriptor(in.Agent); !desc.ManualOnly {
			return fmt.Errorf("%w: %s is not a manual-only agent, use resume", ErrInvalidIntent, in.Agent)
		}
		return nil
	case IntentCritical:
		if err := o.knownAgent(in.Agent); err != nil {
			return err
		}
		if in.TaskType == "" {
			return fmt.Errorf("%w: critical requires a task type", ErrInvalidIntent)
		}
		return nil
	case IntentCleanup:
		if in.Days < 0 {
			return fmt.Errorf("%w: cleanup days must not be negative", ErrInvalidIntent)
		}
		return nil
	case IntentExitCritical, IntentEmergency, IntentMaintenanceOn, IntentMaintenanceOff, IntentShutdown:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, in.Kind)
	}
}

func (o *Orchestrator) knownAgent(id string) error {
	if id == "" {
		return fmt.Errorf("%w: agent id required", ErrInvalidIntent)
	}
	if _, ok := o.registry.Descriptor(id); !ok {
		return fmt.Errorf("%w: %s", agent.ErrUnknownAgent, id)
	}
	return nil
}

// Request queues an intent for the loop and wakes it. Pause, emergency and shutdown
// requests also signal running tasks right away so they stop at their next step.
func (o *Orchestrator) Request(in Intent) (<-chan Result, error) {
	if err := o.Validate(in); err != nil {
		return nil, err
	}
	if o.stopping.Load() {
		return nil, ErrStopping
	}

	done := make(chan Result, 1)
	o.intentsMu.Lock()
	o.intents = append(o.intents, pendingIntent{Intent: in, done: done})
	o.intentsMu.Unlock()

	switch in.Kind {
	case IntentPause:
		if !o.isCriticalHolder(in.Agent) {
			o.raisePause(in.Agent, ReasonManual)
		}
	case IntentEmergency:
		coord, _ := o.registry.Coordinator()
		o.raiseAll(ReasonEmergency, coord.ID)
	case IntentShutdown:
		o.raiseAll(ReasonShutdown, "")
	}
	o.Wake()
	return done, nil
}

// Wake makes a waiting loop start its next cycle now.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Apply validates and applies an intent immediately. It is used when no loop is running.
func (o *Orchestrator) Apply(in Intent) Result {
	if err := o.Validate(in); err != nil {
		return Result{Err: err}
	}
	res := o.apply(in)
	if err := o.persist(); err != nil && res.Err == nil {
		res.Err = err
	}
	return res
}

// applyIntents runs the queued intents in arrival order.
func (o *Orchestrator) applyIntents() {
	o.intentsMu.Lock()
	pending := o.intents
	o.intents = nil
	o.intentsMu.Unlock()

	for _, p := range pending {
		p.done <- o.apply(p.Intent)
	}
}

func (o *Orchestrator) apply(in Intent) Result {
	now := o.now()
	var res Result
	switch in.Kind {
	case IntentPause:
		res = o.applyPause(in.Agent, now)
	case IntentResume:
		res = o.applyResume(in.Agent, now)
	case IntentManual:
		res = o.applyManual(in.Agent, now)
	case IntentCritical:
		res = o.applyCritical(in, now)
	case IntentExitCritical:
		res = o.applyExitCritical(now)
	case IntentEmergency:
		if tr := o.modes.EnterEmergency("operator request"); tr != nil {
			o.modeChanged(tr)
		}
		o.enforceEmergency(now)
		res = Result{Message: "emergency mode: only the coordinator stays active"}
	case IntentMaintenanceOn:
		if err := o.modes.EnterMaintenance(); err != nil {
			res = Result{Err: err}
		} else {
			o.modeChanged(&mode.Transition{From: mode.Normal, To: mode.Maintenance, Reasons: []string{"operator request"}})
			res = Result{Message: "maintenance mode: dispatch suspended"}
		}
	case IntentMaintenanceOff:
		if err := o.modes.ExitMaintenance(); err != nil {
			res = Result{Err: err}
		} else {
			o.modeChanged(&mode.Transition{From: mode.Maintenance, To: mode.Normal, Reasons: []string{"operator request"}})
			res = Result{Message: "maintenance mode ended"}
		}
	case IntentShutdown:
		o.stopping.Store(true)
		o.pauseAll(ReasonShutdown, "", now)
		res = Result{Message: "shutdown: all agents paused"}
	case IntentCleanup:
		cps, tasks, err := o.Cleanup(in.Days)
		res = Result{Message: fmt.Sprintf("removed %d checkpoints and %d task records older than %d days", cps, tasks, in.Days), Err: err}
	default:
		res = Result{Err: fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, in.Kind)}
	}

	if res.Err != nil {
		o.events.Emit(Event{Type: EventIntentRejected, Agent: in.Agent, Message: fmt.Sprintf("%s: %v", in.Kind, res.Err)})
		log.WarningLog.Printf("%s request rejected: %v", in.Kind, res.Err)
	} else {
		log.InfoLog.Printf("%s request applied: %s", in.Kind, res.Message)
	}
	return res
}

func (o *Orchestrator) isCriticalHolder(id string) bool {
	ms := o.modes.State()
	return ms.Mode == mode.Critical && ms.CriticalAgent == id
}

func (o *Orchestrator) applyPause(id string, now time.Time) Result {
	if o.isCriticalHolder(id) {
		return Result{Err: fmt.Errorf("%w: %s holds critical mode, exit critical first", mode.ErrModeConflict, id)}
	}
	st, _ := o.registry.State(id)
	if !st.Status.Running() {
		return Result{Err: fmt.Errorf("%w: %s is %s", agent.ErrInvalidTransition, id, st.Status)}
	}
	if err := o.pauseAgent(id, ReasonManual, now); err != nil {
		return Result{Err: err}
	}
	return Result{Message: fmt.Sprintf("%s paused", id)}
}

func (o *Orchestrator) applyResume(id string, now time.Time) Result {
	st, _ := o.registry.State(id)
	if st.Status.Running() {
		return Result{Err: fmt.Errorf("%w: %s is already %s", agent.ErrInvalidTransition, id, st.Status)}
	}
	coord, _ := o.registry.Coordinator()
	if ms := o.modes.State(); ms.Mode != mode.Maintenance && !modeAllows(ms, coord.ID, id) {
		return Result{Err: agent.Unavailable(id, agent.ReasonMode, ms.Mode.String()+" mode")}
	}
	if err := o.activateAgent(id, agent.TriggerManual, now); err != nil {
		return Result{Err: err}
	}
	return Result{Message: fmt.Sprintf("%s resumed", id)}
}

// applyManual preempts every agent but the coordinator and activates id.
func (o *Orchestrator) applyManual(id string, now time.Time) Result {
	if m := o.modes.Mode(); m == mode.Emergency || m == mode.Critical {
		return Result{Err: fmt.Errorf("%w: manual activation refused in %s mode", mode.ErrModeConflict, m)}
	}
	coord, _ := o.registry.Coordinator()
	for _, other := range o.registry.WithStatus(agent.StatusActive) {
		if other == id || other == coord.ID {
			continue
		}
		if err := o.pauseAgent(other, ReasonPreempted, now); err != nil {
			log.ErrorLog.Printf("failed to preempt %s: %v", other, err)
		}
	}
	if st, _ := o.registry.State(id); st.Status.Running() {
		return Result{Message: fmt.Sprintf("%s already active, others preempted", id)}
	}
	if err := o.activateAgent(id, agent.TriggerManual, now); err != nil {
		return Result{Err: err}
	}
	return Result{Message: fmt.Sprintf("%s activated manually", id)}
}

// applyCritical grants id exclusive use of the host for one critical task type.
func (o *Orchestrator) applyCritical(in Intent, now time.Time) Result {
	desc, _ := o.registry.Descriptor(in.Agent)
	tr, err := o.modes.RequestCritical(in.Agent, in.TaskType, in.Description, desc.CanRunCritical(in.TaskType))
	if err != nil {
		return Result{Err: err}
	}

	coord, _ := o.registry.Coordinator()
	for _, other := range o.registry.WithStatus(agent.StatusActive, agent.StatusCriticalActive) {
		if other == in.Agent || other == coord.ID {
			continue
		}
		if err := o.pauseAgent(other, ReasonCritical, now); err != nil {
			log.ErrorLog.Printf("failed to pause %s for critical mode: %v", other, err)
		}
	}

	rollback := func(err error) Result {
		if _, exitErr := o.modes.ExitCritical(); exitErr != nil {
			log.ErrorLog.Printf("critical rollback: %v", exitErr)
		}
		return Result{Err: err}
	}

	st, _ := o.registry.State(in.Agent)
	reserved := false
	if !st.Status.Running() {
		if err := o.alloc.Allocate(agentHolder(in.Agent), desc.Resources); err != nil {
			o.metrics.Counter("allocation_denied").Inc()
			return rollback(err)
		}
		reserved = true
	}
	if _, err := o.updateAgent(in.Agent, func(s *agent.State) error { return s.EnterCritical(now) }); err != nil {
		if reserved {
			o.alloc.Release(agentHolder(in.Agent))
		}
		return rollback(err)
	}

	task, err := o.queue.Submit(queue.Task{
		Agent:    in.Agent,
		Type:     in.TaskType,
		Priority: criticalPriority,
		Class:    agentClass(desc),
		Payload:  map[string]any{"description": in.Description, "critical": true},
	})
	if err != nil {
		log.ErrorLog.Printf("critical task for %s not queued: %v", in.Agent, err)
	} else {
		o.taskSubmitted(task)
	}
	o.modeChanged(tr)
	return Result{Message: fmt.Sprintf("critical mode for %s: %s", in.Agent, in.TaskType)}
}

func (o *Orchestrator) applyExitCritical(now time.Time) Result {
	holder, err := o.modes.ExitCritical()
	if err != nil {
		return Result{Err: err}
	}
	if err := o.hibernateAgent(holder, ReasonCritical, now); err != nil {
		log.ErrorLog.Printf("failed to hibernate former critical holder %s: %v", holder, err)
	}
	o.modeChanged(&mode.Transition{From: mode.Critical, To: mode.Normal, Reasons: []string{"operator request"}})
	o.schedule(now)
	return Result{Message: fmt.Sprintf("critical mode ended, %s hibernated", holder)}
}

// Submit validates and queues a task, then wakes the loop.
func (o *Orchestrator) Submit(t queue.Task) (queue.Task, error) {
	if err := o.knownAgent(t.Agent); err != nil {
		return queue.Task{}, err
	}
	if o.stopping.Load() {
		return queue.Task{}, ErrStopping
	}
	if err := o.alloc.Admissible(t.Resources); err != nil {
		return queue.Task{}, fmt.Errorf("%w: %v", queue.ErrInvalidTask, err)
	}
	if t.Class == "" && t.Resources.IsZero() {
		desc, _ := o.registry.Descriptor(t.Agent)
		t.Class = agentClass(desc)
	}
	stored, err := o.queue.Submit(t)
	if err != nil {
		return queue.Task{}, err
	}
	o.taskSubmitted(stored)
	o.Wake()
	return stored, nil
}

// agentClass places tasks without their own request on the lane of their agent.
func agentClass(desc agent.Descriptor) queue.Class {
	return queue.DefaultClass(desc.Resources)
}

func (o *Orchestrator) taskSubmitted(t queue.Task) {
	o.metrics.Counter("tasks_submitted").Inc()
	o.events.Emit(Event{Type: EventTaskSubmitted, Agent: t.Agent, Task: t.ID, Message: fmt.Sprintf("%s queued for %s in %s tier", t.Type, t.Agent, t.Tier)})
	o.registry.Update(t.Agent, func(s *agent.State) error {
		s.Enqueue(t.ID, t.Tier == queue.TierCritical)
		return nil
	})
}

// Cleanup removes finished checkpoints and task outcomes older than days.
func (o *Orchestrator) Cleanup(days int) (checkpoints, tasks int, err error) {
	if days < 0 {
		return 0, 0, fmt.Errorf("%w: cleanup days must not be negative", ErrInvalidIntent)
	}
	checkpoints, err = o.checkpoints.Cleanup(days)
	tasks = o.queue.Prune(o.now().Add(-time.Duration(days) * 24 * time.Hour))
	return checkpoints, tasks, err
}

// IsStopping reports whether a shutdown has been requested.
func (o *Orchestrator) IsStopping() bool {
	return o.stopping.Load()
}
