package queue

import (
	"fmt"
	"time"
)

// Readiness is the dependency state of a task.
type Readiness int

const (
	Ready Readiness = iota
	Waiting
	Blocked
)

type outcome struct {
	Failed bool      `json:"failed,omitempty"`
	At     time.Time `json:"at"`
}

// DependencyResolver tracks task dependencies and the outcome of finished tasks.
// Callers hold the queue lock.
type DependencyResolver struct {
	finished         map[string]outcome
	taskDependencies map[string][]string
}

// NewDependencyResolver creates a new dependency resolver
func NewDependencyResolver() *DependencyResolver {
	return &DependencyResolver{
		finished:         make(map[string]outcome),
		taskDependencies: make(map[string][]string),
	}
}

// AddTask registers a task and its dependencies
func (dr *DependencyResolver) AddTask(taskID string, dependencies []string) error {
	if err := dr.checkCircularDependency(taskID, dependencies); err != nil {
		return err
	}
	if len(dependencies) > 0 {
		dr.taskDependencies[taskID] = dependencies
	}
	return nil
}

// Finish records the outcome of a task.
func (dr *DependencyResolver) Finish(taskID string, failed bool, at time.Time) {
	dr.finished[taskID] = outcome{Failed: failed, At: at}
	delete(dr.taskDependencies, taskID)
}

// Readiness reports whether every dependency of taskID has completed. A failed dependency
// blocks the task permanently.
func (dr *DependencyResolver) Readiness(taskID string) Readiness {
	state := Ready
	for _, depID := range dr.taskDependencies[taskID] {
		out, ok := dr.finished[depID]
		switch {
		case !ok:
			state = Waiting
		case out.Failed:
			return Blocked
		}
	}
	return state
}

// Forget drops a task that left the queue without finishing.
func (dr *DependencyResolver) Forget(taskID string) {
	delete(dr.taskDependencies, taskID)
}

// Prune drops outcomes recorded before cutoff.
func (dr *DependencyResolver) Prune(cutoff time.Time) int {
	n := 0
	for id, out := range dr.finished {
		if out.At.Before(cutoff) {
			delete(dr.finished, id)
			n++
		}
	}
	return n
}

// checkCircularDependency detects circular dependencies using DFS
func (dr *DependencyResolver) checkCircularDependency(taskID string, dependencies []string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var dfs func(string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true

		deps := dr.taskDependencies[id]
		if id == taskID {
			deps = dependencies
		}

		for _, depID := range deps {
			if !visited[depID] {
				if dfs(depID) {
					return true
				}
			} else if recStack[depID] {
				return true
			}
		}

		recStack[id] = false
		return false
	}

	if dfs(taskID) {
		return fmt.Errorf("%w: task %s", ErrCircularDependency, taskID)
	}
	return nil
}
