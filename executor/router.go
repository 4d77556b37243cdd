// Package executor holds the task runners the orchestrator dispatches work to.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/ByteMirror/warden/orchestrator"
)

// Router picks the executor for each run. An explicit per-agent handler wins, then the
// command executor for agents that declare a command, then Default.
type Router struct {
	Command orchestrator.Executor
	Default orchestrator.Executor

	mu      sync.RWMutex
	byAgent map[string]orchestrator.Executor
}

func NewRouter(command, fallback orchestrator.Executor) *Router {
	return &Router{Command: command, Default: fallback, byAgent: make(map[string]orchestrator.Executor)}
}

// Handle routes every task of agentID to e.
func (r *Router) Handle(agentID string, e orchestrator.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[agentID] = e
}

func (r *Router) route(run *orchestrator.Run) orchestrator.Executor {
	r.mu.RLock()
	e, ok := r.byAgent[run.Agent.ID]
	r.mu.RUnlock()
	if ok {
		return e
	}
	if len(run.Agent.Command) > 0 && r.Command != nil {
		return r.Command
	}
	return r.Default
}

func (r *Router) Execute(ctx context.Context, run *orchestrator.Run) (map[string]any, error) {
	e := r.route(run)
	if e == nil {
		return nil, fmt.Errorf("no executor for agent %s", run.Agent.ID)
	}
	return e.Execute(ctx, run)
}
