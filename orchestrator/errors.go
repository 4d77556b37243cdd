package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrPaused is returned by executors that stopped at a step boundary because the run
	// was asked to pause. The task goes back to the queue and resumes from its checkpoint.
	ErrPaused = errors.New("task paused")
	// ErrStopping refuses requests once shutdown has been applied.
	ErrStopping = errors.New("orchestrator is shutting down")
	// ErrInvalidIntent is a request that fails validation before it is queued.
	ErrInvalidIntent = errors.New("invalid request")
)

// TaskExecutionError is a task that failed inside its executor. It is terminal for the task.
type TaskExecutionError struct {
	TaskID  string
	AgentID string
	Err     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s on %s failed: %v", e.TaskID, e.AgentID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}
