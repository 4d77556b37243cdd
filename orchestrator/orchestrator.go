// Package orchestrator runs the scheduling loop: it samples resources, applies the operating
// mode, activates agents, drains the task queue into a bounded worker pool and persists the
// resulting state after every cycle.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/allocator"
	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/config"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/metrics"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/probe"
	"github.com/ByteMirror/warden/queue"
)

const (
	queueBlob = "queue"
	modeBlob  = "mode"

	agentHolderPrefix = "agent:"

	maxAlerts = 100
)

// Pause reasons recorded on agents and checkpoints.
const (
	ReasonManual     = "manual"
	ReasonEmergency  = "emergency"
	ReasonCritical   = "critical"
	ReasonSchedule   = "schedule"
	ReasonMaxSession = "max_session"
	ReasonPreempted  = "preempted"
	ReasonShutdown   = "shutdown"
	ReasonCapacity   = "capacity"
	ReasonIdle       = "idle"
)

// Options wires an Orchestrator. Config, Roster, Probe, Executor and Store are required.
type Options struct {
	Config   *config.Config
	Roster   *config.Roster
	Probe    probe.Probe
	Executor Executor
	Store    checkpoint.Store

	// Now defaults to time.Now.
	Now func() time.Time
	// WatchInterval is how often resources are re-checked while a batch runs. Zero uses
	// five seconds.
	WatchInterval time.Duration
	// OnCycle is called after every completed cycle of Run.
	OnCycle func(cycle uint64)
}

// Orchestrator owns every component. Only the loop goroutine mutates agent and checkpoint
// state; the read accessors are safe from any goroutine.
type Orchestrator struct {
	cfg         *config.Config
	registry    *agent.Registry
	policy      *agent.Policy
	alloc       *allocator.Allocator
	queue       *queue.Queue
	checkpoints *checkpoint.Manager
	modes       *mode.Controller
	probe       probe.Probe
	exec        Executor
	store       checkpoint.Store
	now         func() time.Time
	watch       time.Duration
	onCycle     func(uint64)

	events  *EventLog
	metrics *metrics.Registry

	snapshot atomic.Pointer[probe.Snapshot]
	alertsMu sync.Mutex
	alerts   []probe.Alert

	intentsMu sync.Mutex
	intents   []pendingIntent
	wake      chan struct{}
	stopping  atomic.Bool
	running   atomic.Bool
	cycle     atomic.Uint64
	lastCycle atomic.Pointer[time.Time]

	// signals holds the pause signal of every agent in the running batch.
	signalsMu sync.Mutex
	signals   map[string]*pauseSignal

	// sessionCapped marks scheduled agents paused for max_session until their window closes.
	sessionCapped map[string]bool

	probeLog   *log.Every
	persistLog *log.Every
}

// New builds an orchestrator from validated configuration. Call Init before use.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Roster == nil || opts.Probe == nil || opts.Executor == nil || opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: config, roster, probe, executor and store are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	registry, err := agent.NewRegistry(opts.Roster.Agents, opts.Roster.Groups)
	if err != nil {
		return nil, &config.ConfigError{Path: opts.Config.AgentsPath(), Err: err}
	}
	watch := opts.WatchInterval
	if watch <= 0 {
		watch = 5 * time.Second
	}

	cfg := opts.Config
	return &Orchestrator{
		cfg:           cfg,
		registry:      registry,
		policy:        agent.NewPolicy(registry),
		alloc:         allocator.New(cfg.Ceiling, cfg.SafetyMargin),
		queue:         queue.New(now),
		checkpoints:   checkpoint.NewManager(opts.Store, now),
		modes:         mode.NewController(cfg.Thresholds, now),
		probe:         opts.Probe,
		exec:          opts.Executor,
		store:         opts.Store,
		now:           now,
		watch:         watch,
		onCycle:       opts.OnCycle,
		events:        NewEventLog(1000, now),
		metrics:       metrics.NewRegistry(),
		wake:          make(chan struct{}, 1),
		signals:       make(map[string]*pauseSignal),
		sessionCapped: make(map[string]bool),
		probeLog:      log.NewEvery(time.Minute),
		persistLog:    log.NewEvery(time.Minute),
	}, nil
}

// Init reloads persisted agent states, checkpoints, the queue and the mode, then rebuilds
// the allocator reservations of running agents. Agents whose reservation no longer fits are
// paused.
func (o *Orchestrator) Init() error {
	states, err := o.store.LoadAgentStates()
	if err != nil {
		return err
	}
	for _, s := range states {
		if !o.registry.Restore(s) {
			log.WarningLog.Printf("ignoring persisted state of unknown agent %s", s.AgentID)
		}
	}

	if err := o.checkpoints.Load(); err != nil {
		return err
	}

	if data, err := o.store.LoadBlob(queueBlob); err == nil {
		if err := o.queue.LoadState(data); err != nil {
			log.ErrorLog.Printf("discarding unreadable queue snapshot: %v", err)
		}
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return err
	}

	if data, err := o.store.LoadBlob(modeBlob); err == nil {
		var s mode.State
		if err := json.Unmarshal(data, &s); err != nil {
			log.ErrorLog.Printf("discarding unreadable mode state: %v", err)
		} else {
			o.modes.Restore(s)
		}
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return err
	}

	now := o.now()
	for _, st := range o.registry.States() {
		if !st.Status.Running() {
			continue
		}
		desc, _ := o.registry.Descriptor(st.AgentID)
		if err := o.alloc.Allocate(agentHolder(st.AgentID), desc.Resources); err != nil {
			log.WarningLog.Printf("pausing %s on startup: %v", st.AgentID, err)
			o.updateAgent(st.AgentID, func(s *agent.State) error { return s.Pause(ReasonCapacity, now) })
		}
	}

	ms := o.modes.State()
	if ms.Mode == mode.Critical {
		if st, err := o.registry.State(ms.CriticalAgent); err != nil || st.Status != agent.StatusCriticalActive {
			log.WarningLog.Printf("critical holder %s is no longer critical, returning to normal", ms.CriticalAgent)
			o.modes.ExitCritical()
		}
	}
	o.syncAgentQueues()
	return nil
}

// Close flushes state and closes the store.
func (o *Orchestrator) Close() error {
	err := o.persist()
	return errors.Join(err, o.store.Close())
}

func agentHolder(id string) string {
	return agentHolderPrefix + id
}

// updateAgent mutates one agent and writes the result through to the store.
func (o *Orchestrator) updateAgent(id string, fn func(*agent.State) error) (agent.State, error) {
	st, err := o.registry.Update(id, fn)
	if err != nil {
		return st, err
	}
	if perr := o.store.SaveAgentState(st); perr != nil {
		o.metrics.Counter("persistence_errors").Inc()
		if o.persistLog.ShouldLog() {
			log.ErrorLog.Printf("failed to save agent %s: %v", id, perr)
		}
	}
	return st, nil
}

// persist writes every agent state, the queue, the mode and any checkpoint writes that
// failed earlier.
func (o *Orchestrator) persist() error {
	var errs []error
	for _, st := range o.registry.States() {
		if err := o.store.SaveAgentState(st); err != nil {
			errs = append(errs, err)
		}
	}
	if data, err := o.queue.MarshalState(); err != nil {
		errs = append(errs, err)
	} else if err := o.store.SaveBlob(queueBlob, data); err != nil {
		errs = append(errs, err)
	}
	if data, err := json.Marshal(o.modes.State()); err != nil {
		errs = append(errs, err)
	} else if err := o.store.SaveBlob(modeBlob, data); err != nil {
		errs = append(errs, err)
	}
	if err := o.checkpoints.Flush(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		o.metrics.Counter("persistence_errors").Inc()
		if o.persistLog.ShouldLog() {
			log.ErrorLog.Printf("persist failed, retrying next cycle: %v", err)
		}
	}
	return err
}

// syncAgentQueues mirrors the pending task ids of each agent into its runtime state.
func (o *Orchestrator) syncAgentQueues() {
	type lists struct{ normal, urgent []string }
	byAgent := make(map[string]*lists)
	for _, t := range o.queue.List() {
		if t.Status != queue.StatusPending {
			continue
		}
		l := byAgent[t.Agent]
		if l == nil {
			l = &lists{}
			byAgent[t.Agent] = l
		}
		if t.Tier == queue.TierCritical {
			l.urgent = append(l.urgent, t.ID)
		} else {
			l.normal = append(l.normal, t.ID)
		}
	}
	for _, d := range o.registry.Descriptors() {
		l := byAgent[d.ID]
		if l == nil {
			l = &lists{}
		}
		o.registry.Update(d.ID, func(s *agent.State) error {
			s.TaskQueue = l.normal
			s.PriorityQueue = l.urgent
			return nil
		})
	}
}

// Registry exposes the agent registry for read access.
func (o *Orchestrator) Registry() *agent.Registry { return o.registry }

// Queue exposes the task queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Checkpoints exposes the checkpoint manager for read access.
func (o *Orchestrator) Checkpoints() *checkpoint.Manager { return o.checkpoints }

// Modes exposes the mode controller for read access.
func (o *Orchestrator) Modes() *mode.Controller { return o.modes }

// Allocator exposes the allocator for read access.
func (o *Orchestrator) Allocator() *allocator.Allocator { return o.alloc }

// Events exposes the event log.
func (o *Orchestrator) Events() *EventLog { return o.events }
