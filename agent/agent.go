// Package agent holds the static agent descriptors, the mutable runtime state of every agent,
// the activation policy and the state machine transitions between agent statuses.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ByteMirror/warden/resource"
)

// Status is the lifecycle state of an agent.
type Status int

const (
	StatusHibernated Status = iota
	StatusActive
	StatusPaused
	StatusCriticalActive
	StatusError
)

var statuses = []Status{StatusHibernated, StatusActive, StatusPaused, StatusCriticalActive, StatusError}

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusHibernated:
		return "hibernated"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusCriticalActive:
		return "critical_active"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range statuses {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown agent status %q", b)
}

// Running reports whether the agent holds resources and may execute tasks.
func (s Status) Running() bool {
	return s == StatusActive || s == StatusCriticalActive
}

// Descriptor is the static definition of an agent loaded from agents.yaml.
type Descriptor struct {
	ID            string          `yaml:"id" json:"id"`
	Tier          int             `yaml:"tier" json:"tier"`
	Resources     resource.Vector `yaml:"resources" json:"resources"`
	Schedule      string          `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Group         string          `yaml:"group,omitempty" json:"group,omitempty"`
	AlwaysActive  bool            `yaml:"always_active,omitempty" json:"always_active,omitempty"`
	ManualOnly    bool            `yaml:"manual_only,omitempty" json:"manual_only,omitempty"`
	Coordinator   bool            `yaml:"coordinator,omitempty" json:"coordinator,omitempty"`
	CriticalTasks []string        `yaml:"critical_tasks,omitempty" json:"critical_tasks,omitempty"`
	Command       []string        `yaml:"command,omitempty" json:"command,omitempty"`
	TTY           bool            `yaml:"tty,omitempty" json:"tty,omitempty"`
	MaxSession    time.Duration   `yaml:"max_session,omitempty" json:"max_session,omitempty"`

	windows []Window
}

// Scheduled reports whether the agent is admitted by its schedule windows.
func (d Descriptor) Scheduled() bool {
	return !d.AlwaysActive && !d.ManualOnly && d.Schedule != ""
}

// OnDemand reports whether the agent is only woken by queued tasks or operator requests.
func (d Descriptor) OnDemand() bool {
	return !d.AlwaysActive && !d.ManualOnly && !d.Coordinator && d.Schedule == ""
}

// CanRunCritical reports whether taskType is one of the agent's critical-capable task types.
func (d Descriptor) CanRunCritical(taskType string) bool {
	return slices.Contains(d.CriticalTasks, taskType)
}

// Group caps how many of its members may be active at once. MaxActive <= 0 means no cap.
type Group struct {
	Name      string `yaml:"name" json:"name"`
	MaxActive int    `yaml:"max_active" json:"max_active"`
}

// State is the mutable runtime record of one agent.
type State struct {
	AgentID             string        `json:"agent_id"`
	Status              Status        `json:"status"`
	CurrentTask         string        `json:"current_task,omitempty"`
	TaskQueue           []string      `json:"task_queue,omitempty"`
	PriorityQueue       []string      `json:"priority_queue,omitempty"`
	LastActivity        time.Time     `json:"last_activity"`
	SessionStart        *time.Time    `json:"session_start,omitempty"`
	Uptime              time.Duration `json:"uptime"`
	TasksCompleted      int           `json:"tasks_completed"`
	TasksFailed         int           `json:"tasks_failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgTaskDuration     time.Duration `json:"avg_task_duration"`
	PauseReason         string        `json:"pause_reason,omitempty"`
}

// ErrInvalidTransition is returned when a transition is not allowed from the current status.
var ErrInvalidTransition = errors.New("invalid agent transition")

var transitions = map[Status][]Status{
	StatusHibernated:     {StatusActive, StatusCriticalActive, StatusError},
	StatusActive:         {StatusPaused, StatusHibernated, StatusCriticalActive, StatusError},
	StatusPaused:         {StatusActive, StatusHibernated, StatusCriticalActive, StatusError},
	StatusCriticalActive: {StatusPaused, StatusHibernated, StatusError},
	StatusError:          {StatusActive, StatusHibernated},
}

// CanTransition reports whether the state machine allows moving from s to to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

func (s *State) transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, s.AgentID, s.Status, to)
	}
	s.Status = to
	return nil
}

// SessionUptime returns the uptime of the running session at now.
func (s *State) SessionUptime(now time.Time) time.Duration {
	if s.SessionStart == nil {
		return 0
	}
	return now.Sub(*s.SessionStart)
}

// TotalUptime returns the accumulated uptime including the running session.
func (s *State) TotalUptime(now time.Time) time.Duration {
	return s.Uptime + s.SessionUptime(now)
}

func (s *State) closeSession(now time.Time) {
	s.Uptime += s.SessionUptime(now)
	s.SessionStart = nil
	s.LastActivity = now
}

func (s *State) openSession(now time.Time) {
	start := now
	s.SessionStart = &start
	s.LastActivity = now
	s.PauseReason = ""
}

// Activate marks the agent active and starts a new session. Resource reservation and policy
// approval are the caller's responsibility.
func (s *State) Activate(now time.Time) error {
	if err := s.transition(StatusActive); err != nil {
		return err
	}
	s.openSession(now)
	return nil
}

// Resume is Activate for a paused, hibernated or failed agent. The current task is kept so
// it continues from its checkpoint.
func (s *State) Resume(now time.Time) error {
	if s.Status.Running() {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, s.AgentID, s.Status)
	}
	wasError := s.Status == StatusError
	if err := s.Activate(now); err != nil {
		return err
	}
	if wasError {
		s.ConsecutiveFailures = 0
	}
	return nil
}

// Pause stops the session and records why. The current task stays assigned.
func (s *State) Pause(reason string, now time.Time) error {
	if err := s.transition(StatusPaused); err != nil {
		return err
	}
	s.closeSession(now)
	s.PauseReason = reason
	return nil
}

// Hibernate stops the session and drops the current task assignment.
func (s *State) Hibernate(now time.Time) error {
	if s.Status == StatusHibernated {
		s.CurrentTask = ""
		return nil
	}
	if err := s.transition(StatusHibernated); err != nil {
		return err
	}
	s.closeSession(now)
	s.CurrentTask = ""
	return nil
}

// EnterCritical makes the agent the critical holder.
func (s *State) EnterCritical(now time.Time) error {
	wasRunning := s.Status.Running()
	if err := s.transition(StatusCriticalActive); err != nil {
		return err
	}
	if !wasRunning {
		s.openSession(now)
	}
	s.LastActivity = now
	return nil
}

// Fail moves the agent to the error state.
func (s *State) Fail(reason string, now time.Time) error {
	if err := s.transition(StatusError); err != nil {
		return err
	}
	s.closeSession(now)
	s.CurrentTask = ""
	s.PauseReason = reason
	return nil
}

// RecordTask updates the task counters and the running average duration.
func (s *State) RecordTask(success bool, took time.Duration, now time.Time) {
	if success {
		s.TasksCompleted++
		s.ConsecutiveFailures = 0
	} else {
		s.TasksFailed++
		s.ConsecutiveFailures++
	}
	n := time.Duration(s.TasksCompleted + s.TasksFailed)
	s.AvgTaskDuration += (took - s.AvgTaskDuration) / n
	s.LastActivity = now
}

// Enqueue records a pending task id. Urgent tasks go to the priority list.
func (s *State) Enqueue(taskID string, urgent bool) {
	if urgent {
		s.PriorityQueue = append(s.PriorityQueue, taskID)
		return
	}
	s.TaskQueue = append(s.TaskQueue, taskID)
}

// Dequeue forgets a task id from both pending lists.
func (s *State) Dequeue(taskID string) {
	s.TaskQueue = slices.DeleteFunc(s.TaskQueue, func(id string) bool { return id == taskID })
	s.PriorityQueue = slices.DeleteFunc(s.PriorityQueue, func(id string) bool { return id == taskID })
	if len(s.TaskQueue) == 0 {
		s.TaskQueue = nil
	}
	if len(s.PriorityQueue) == 0 {
		s.PriorityQueue = nil
	}
}
