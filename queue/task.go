package queue

import (
	"fmt"
	"time"

	"github.com/ByteMirror/warden/resource"
)

// Tier is a queue level. Lower values are served first.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierMedium
	TierLow
)

// Tiers lists every tier in service order.
var Tiers = [...]Tier{TierCritical, TierHigh, TierMedium, TierLow}

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	for _, c := range Tiers {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", b)
}

// Status represents the current state of a task
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", b)
}

// Class selects the execution lane a task runs on.
type Class string

const (
	ClassIO  Class = "io"
	ClassCPU Class = "cpu"
	ClassGPU Class = "gpu"
)

// Task is a unit of work submitted to one agent.
type Task struct {
	ID           string          `json:"id"`
	Agent        string          `json:"agent"`
	Type         string          `json:"type"`
	Priority     int             `json:"priority"`
	Class        Class           `json:"class"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	Resources    resource.Vector `json:"resources"`
	Dependencies []string        `json:"dependencies,omitempty"`
	TotalUnits   int64           `json:"total_units,omitempty"`
	Payload      map[string]any  `json:"payload,omitempty"`

	Status   Status         `json:"status"`
	Tier     Tier           `json:"tier"`
	Attempts int            `json:"attempts"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

const (
	criticalWindow = 5 * time.Minute
	highWindow     = 15 * time.Minute

	MinPriority = 0
	MaxPriority = 10
)

// PlaceTier maps a task to its tier. A near deadline wins over the explicit priority.
func PlaceTier(priority int, deadline *time.Time, now time.Time) Tier {
	if deadline != nil {
		left := deadline.Sub(now)
		if left < criticalWindow {
			return TierCritical
		}
		if left < highWindow {
			return TierHigh
		}
	}
	switch {
	case priority >= 8:
		return TierCritical
	case priority >= 6:
		return TierHigh
	case priority >= 4:
		return TierMedium
	default:
		return TierLow
	}
}

// DefaultClass derives the lane from the requested resources.
func DefaultClass(r resource.Vector) Class {
	if r.GPU > 0 {
		return ClassGPU
	}
	return ClassIO
}
