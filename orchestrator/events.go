package orchestrator

import (
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventModeChanged      EventType = "mode_changed"
	EventAgentActivated   EventType = "agent_activated"
	EventAgentPaused      EventType = "agent_paused"
	EventAgentHibernated  EventType = "agent_hibernated"
	EventAgentFailed      EventType = "agent_failed"
	EventTaskSubmitted    EventType = "task_submitted"
	EventTaskDispatched   EventType = "task_dispatched"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskPaused       EventType = "task_paused"
	EventAllocationDenied EventType = "allocation_denied"
	EventIntentRejected   EventType = "intent_rejected"
	EventAlert            EventType = "alert"
)

// Event is a single occurrence recorded by the loop.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	Task      string         `json:"task,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Sequence  uint64         `json:"sequence"`
}

// EventLog keeps the most recent events in memory for status, overview and the dashboard.
type EventLog struct {
	mu       sync.Mutex
	events   []Event
	sequence uint64
	max      int
	now      func() time.Time
}

// NewEventLog creates an EventLog. max caps the retained events.
func NewEventLog(max int, now func() time.Time) *EventLog {
	if max <= 0 {
		max = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &EventLog{max: max, now: now}
}

// Emit records an event and returns its sequence number.
func (l *EventLog) Emit(event Event) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	event.Sequence = l.sequence
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	l.events = append(l.events, event)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	return event.Sequence
}

// Since returns up to limit events with a sequence greater than seq, oldest first.
func (l *EventLog) Since(seq uint64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, e := range l.events {
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Recent returns the last n events, oldest first.
func (l *EventLog) Recent(n int) []Event {
	return l.Since(0, n)
}

// Last returns the sequence number of the newest event.
func (l *EventLog) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}
