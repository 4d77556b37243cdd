package orchestrator

import (
	"fmt"
	"time"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/allocator"
	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/metrics"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/probe"
	"github.com/ByteMirror/warden/queue"
	"github.com/ByteMirror/warden/resource"
)

const statusAlerts = 10

// AgentStatus is one row of the status report.
type AgentStatus struct {
	ID            string          `json:"id"`
	Status        agent.Status    `json:"status"`
	Tier          int             `json:"tier"`
	Group         string          `json:"group,omitempty"`
	Schedule      string          `json:"schedule,omitempty"`
	InSchedule    bool            `json:"in_schedule"`
	CurrentTask   string          `json:"current_task,omitempty"`
	Progress      float64         `json:"progress"`
	CurrentStep   string          `json:"current_step,omitempty"`
	ETA           *time.Time      `json:"eta,omitempty"`
	Pending       int             `json:"pending"`
	PauseReason   string          `json:"pause_reason,omitempty"`
	SessionUptime time.Duration   `json:"session_uptime"`
	Resources     resource.Vector `json:"resources"`
}

// StatusReport is the answer to the status command.
type StatusReport struct {
	Time            time.Time       `json:"time"`
	Mode            mode.State      `json:"mode"`
	Running         bool            `json:"running"`
	Cycle           uint64          `json:"cycle"`
	LastCycle       *time.Time      `json:"last_cycle,omitempty"`
	Snapshot        *probe.Snapshot `json:"snapshot,omitempty"`
	Committed       resource.Vector `json:"committed"`
	Ceiling         resource.Vector `json:"ceiling"`
	Agents          []AgentStatus   `json:"agents"`
	QueueByTier     map[string]int  `json:"queue_by_tier"`
	Pending         int             `json:"pending"`
	InFlight        int             `json:"in_flight"`
	Alerts          []probe.Alert   `json:"alerts,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// Status builds a point-in-time report. It is safe to call while the loop runs.
func (o *Orchestrator) Status() StatusReport {
	now := o.now()
	r := StatusReport{
		Time:        now,
		Mode:        o.modes.State(),
		Running:     o.running.Load(),
		Cycle:       o.cycle.Load(),
		LastCycle:   o.lastCycle.Load(),
		Committed:   o.alloc.Committed(),
		Ceiling:     o.alloc.Ceiling(),
		QueueByTier: make(map[string]int),
		Pending:     o.queue.Len(),
		InFlight:    o.queue.InFlight(),
		Alerts:      o.RecentAlerts(statusAlerts),
	}
	if snap := o.snapshot.Load(); snap != nil {
		s := *snap
		r.Snapshot = &s
		r.Recommendations = probe.Recommendations(s)
	}
	for tier, n := range o.queue.LenByTier() {
		r.QueueByTier[tier.String()] = n
	}
	for _, d := range o.registry.Descriptors() {
		r.Agents = append(r.Agents, o.agentStatus(d, now))
	}
	return r
}

func (o *Orchestrator) agentStatus(d agent.Descriptor, now time.Time) AgentStatus {
	st, _ := o.registry.State(d.ID)
	row := AgentStatus{
		ID:            d.ID,
		Status:        st.Status,
		Tier:          d.Tier,
		Group:         d.Group,
		Schedule:      d.Schedule,
		InSchedule:    agent.IsInSchedule(d, now),
		CurrentTask:   st.CurrentTask,
		Pending:       len(st.TaskQueue) + len(st.PriorityQueue),
		PauseReason:   st.PauseReason,
		SessionUptime: st.SessionUptime(now),
		Resources:     d.Resources,
	}
	if st.CurrentTask != "" {
		if cp, ok := o.checkpoints.Get(st.CurrentTask); ok {
			row.Progress = cp.Progress
			row.CurrentStep = cp.CurrentStep
			row.ETA = cp.EstimatedCompletion
		}
	}
	return row
}

// TaskCounts summarises task outcomes from the checkpoints and the queue.
type TaskCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Overview is the long-form report behind the overview command.
type Overview struct {
	StatusReport
	ByStatus    map[string][]string        `json:"by_status"`
	Tasks       TaskCounts                 `json:"tasks"`
	UptimeHours map[string]float64         `json:"uptime_hours"`
	Allocator   map[string]allocator.Stats `json:"allocator"`
	Holdings    []allocator.Holding        `json:"holdings"`
	Metrics     metrics.Snapshot           `json:"metrics"`
	Events      []Event                    `json:"events"`
}

// Overview builds the extended report.
func (o *Orchestrator) Overview(events int) Overview {
	now := o.now()
	ov := Overview{
		StatusReport: o.Status(),
		ByStatus:     make(map[string][]string),
		UptimeHours:  make(map[string]float64),
		Allocator:    make(map[string]allocator.Stats),
		Holdings:     o.alloc.Holdings(),
		Metrics:      o.metrics.Snapshot(),
		Events:       o.events.Recent(events),
	}
	for _, st := range o.registry.States() {
		key := st.Status.String()
		ov.ByStatus[key] = append(ov.ByStatus[key], st.AgentID)
		ov.UptimeHours[st.AgentID] = st.TotalUptime(now).Hours()
	}
	for k, s := range o.alloc.Stats() {
		ov.Allocator[k.String()] = s
	}
	running, completed, failed := o.checkpoints.Counts()
	ov.Tasks = TaskCounts{
		Pending:   o.queue.Len(),
		Running:   running,
		Completed: completed,
		Failed:    failed,
	}
	return ov
}

// AgentDetail is everything known about one agent.
type AgentDetail struct {
	Descriptor agent.Descriptor       `json:"descriptor"`
	State      agent.State            `json:"state"`
	InSchedule bool                   `json:"in_schedule"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Pending    []queue.Task           `json:"pending,omitempty"`
}

// Agent returns the detail view of one agent.
func (o *Orchestrator) Agent(id string) (AgentDetail, error) {
	desc, ok := o.registry.Descriptor(id)
	if !ok {
		return AgentDetail{}, fmt.Errorf("%w: %s", agent.ErrUnknownAgent, id)
	}
	st, err := o.registry.State(id)
	if err != nil {
		return AgentDetail{}, err
	}
	d := AgentDetail{Descriptor: desc, State: st, InSchedule: agent.IsInSchedule(desc, o.now())}
	if st.CurrentTask != "" {
		if cp, ok := o.checkpoints.Get(st.CurrentTask); ok {
			d.Checkpoint = &cp
		}
	}
	for _, t := range o.queue.List() {
		if t.Agent == id && t.Status == queue.StatusPending {
			d.Pending = append(d.Pending, t)
		}
	}
	return d, nil
}

// Snapshot returns the latest resource reading, if any.
func (o *Orchestrator) Snapshot() (probe.Snapshot, bool) {
	if s := o.snapshot.Load(); s != nil {
		return *s, true
	}
	return probe.Snapshot{}, false
}

// Metrics returns a copy of the loop metrics.
func (o *Orchestrator) Metrics() metrics.Snapshot {
	return o.metrics.Snapshot()
}

func (o *Orchestrator) recordAlerts(alerts []probe.Alert) {
	if len(alerts) == 0 {
		return
	}
	o.alertsMu.Lock()
	o.alerts = append(o.alerts, alerts...)
	if len(o.alerts) > maxAlerts {
		o.alerts = o.alerts[len(o.alerts)-maxAlerts:]
	}
	o.alertsMu.Unlock()

	for _, a := range alerts {
		o.metrics.Counter("alerts_" + a.Level.String()).Inc()
		o.events.Emit(Event{Type: EventAlert, Message: a.Message, Data: map[string]any{"level": a.Level.String(), "kind": a.Kind}})
	}
}

// RecentAlerts returns up to n of the newest alerts, oldest first.
func (o *Orchestrator) RecentAlerts(n int) []probe.Alert {
	o.alertsMu.Lock()
	defer o.alertsMu.Unlock()
	if n <= 0 || n > len(o.alerts) {
		n = len(o.alerts)
	}
	return append([]probe.Alert(nil), o.alerts[len(o.alerts)-n:]...)
}
