// Package checkpoint persists per-task progress and per-agent runtime records so that
// interrupted work resumes where it stopped.
package checkpoint

import (
	"errors"
	"fmt"
	"time"
)

// Terminal is the final outcome of a task, or None while it is unfinished.
type Terminal int

const (
	None Terminal = iota
	Completed
	Failed
)

func (t Terminal) String() string {
	switch t {
	case None:
		return "none"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (t Terminal) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Terminal) UnmarshalText(b []byte) error {
	for _, c := range []Terminal{None, Completed, Failed} {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown terminal state %q", b)
}

// Checkpoint is the durable progress record of one task.
type Checkpoint struct {
	TaskID              string         `json:"task_id"`
	AgentID             string         `json:"agent_id"`
	TaskType            string         `json:"task_type"`
	StartTime           time.Time      `json:"start_time"`
	LastUpdate          time.Time      `json:"last_update"`
	Progress            float64        `json:"progress"`
	CurrentStep         string         `json:"current_step,omitempty"`
	CompletedSteps      []string       `json:"completed_steps,omitempty"`
	PendingSteps        []string       `json:"pending_steps,omitempty"`
	ProcessedUnits      int64          `json:"processed_units"`
	TotalUnits          int64          `json:"total_units"`
	ErrorCount          int            `json:"error_count"`
	LastError           string         `json:"last_error,omitempty"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	Terminal            Terminal       `json:"terminal"`
	PauseReason         string         `json:"pause_reason,omitempty"`
	ResumeCount         int            `json:"resume_count"`
	SessionStart        time.Time      `json:"session_start"`
	Custom              map[string]any `json:"custom,omitempty"`
}

// Done reports whether the checkpoint reached a terminal state.
func (c Checkpoint) Done() bool {
	return c.Terminal != None
}

// Patch is a progress update. Zero fields are left unchanged.
type Patch struct {
	Progress       *float64
	Step           string
	CompleteStep   string
	PendingSteps   []string
	ProcessedUnits *int64
	TotalUnits     *int64
	Error          string
	Custom         map[string]any
}

// Progress returns a pointer to p for Patch literals.
func Progress(p float64) *float64 {
	return &p
}

// Units returns a pointer to n for Patch literals.
func Units(n int64) *int64 {
	return &n
}

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrExists   = errors.New("checkpoint already exists")
	ErrFinished = errors.New("checkpoint already finished")
)

// PersistenceError is a failed durable write or read. The in-memory state stays
// authoritative and the write is retried on the next flush.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
