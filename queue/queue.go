// Package queue holds submitted tasks in four priority tiers. Placement honours deadline
// proximity before explicit priority, tiers are served critical first and each tier is FIFO.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ByteMirror/warden/log"
)

var (
	ErrDuplicateTask      = errors.New("task already queued")
	ErrInvalidTask        = errors.New("invalid task")
	ErrCircularDependency = errors.New("circular dependency")
	ErrTaskNotFound       = errors.New("task not found")
)

// Verdict is the outcome a drain handler reports for one task.
type Verdict int

const (
	// Dispatched moves the task to the in-flight set.
	Dispatched Verdict = iota
	// Requeue puts the task at the tail of its tier and keeps scanning the tier.
	Requeue
	// RequeueStopTier puts the task at the tail and leaves the rest of the tier for the
	// next drain. Lower tiers are still visited.
	RequeueStopTier
	// Drop removes the task without running it. The handler records why.
	Drop
)

// Queue is safe for concurrent use. Drain handlers run with the queue locked and must not
// call back into the queue.
type Queue struct {
	mu       sync.Mutex
	tiers    [len(Tiers)][]*Task
	pending  map[string]*Task
	inflight map[string]*Task
	deps     *DependencyResolver
	now      func() time.Time
}

// New creates an empty queue. now defaults to time.Now.
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		pending:  make(map[string]*Task),
		inflight: make(map[string]*Task),
		deps:     NewDependencyResolver(),
		now:      now,
	}
}

// Submit validates t, places it in a tier and returns the stored copy.
func (q *Queue) Submit(t Task) (Task, error) {
	if t.Agent == "" {
		return Task{}, fmt.Errorf("%w: missing target agent", ErrInvalidTask)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return Task{}, fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalidTask, t.Priority, MinPriority, MaxPriority)
	}
	if !t.Resources.Valid() {
		return Task{}, fmt.Errorf("%w: resource request must be finite and not negative", ErrInvalidTask)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, ok := q.pending[t.ID]; ok {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	if _, ok := q.inflight[t.ID]; ok {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	if err := q.deps.AddTask(t.ID, t.Dependencies); err != nil {
		return Task{}, err
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	if t.Class == "" {
		t.Class = DefaultClass(t.Resources)
	}
	t.Status = StatusPending
	t.Tier = PlaceTier(t.Priority, t.Deadline, now)

	task := t
	q.pending[task.ID] = &task
	q.tiers[task.Tier] = append(q.tiers[task.Tier], &task)
	log.DebugLog.Printf("queue: %s for %s placed in %s tier", task.ID, task.Agent, task.Tier)
	return task, nil
}

// Promote moves tasks whose deadline now falls inside an escalation window into the higher
// tier. Tasks are never demoted. It returns the number of promoted tasks.
func (q *Queue) Promote() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	moved := 0
	for _, tier := range Tiers {
		kept := q.tiers[tier][:0]
		for _, t := range q.tiers[tier] {
			if t.Deadline != nil {
				if target := PlaceTier(t.Priority, t.Deadline, now); target < t.Tier {
					t.Tier = target
					q.tiers[target] = append(q.tiers[target], t)
					moved++
					continue
				}
			}
			kept = append(kept, t)
		}
		q.tiers[tier] = kept
	}
	return moved
}

// Drain visits every pending task at most once, tiers from critical to low, and applies the
// handler's verdict. The handler also receives the task's dependency readiness.
func (q *Queue) Drain(handler func(*Task, Readiness) Verdict) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tier := range Tiers {
		items := q.tiers[tier]
		q.tiers[tier] = nil

		var unvisited, requeued []*Task
		stopped := false
		for _, t := range items {
			if stopped {
				unvisited = append(unvisited, t)
				continue
			}
			switch handler(t, q.deps.Readiness(t.ID)) {
			case Dispatched:
				delete(q.pending, t.ID)
				t.Status = StatusRunning
				t.Attempts++
				q.inflight[t.ID] = t
			case Drop:
				delete(q.pending, t.ID)
				q.deps.Finish(t.ID, true, q.now())
			case RequeueStopTier:
				requeued = append(requeued, t)
				stopped = true
			default:
				requeued = append(requeued, t)
			}
		}
		q.tiers[tier] = append(unvisited, requeued...)
	}
}

// Finish records the outcome of an in-flight task and removes it from the queue.
func (q *Queue) Finish(id string, failed bool, result map[string]any, errMsg string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.inflight[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(q.inflight, id)
	if failed {
		t.Status = StatusFailed
	} else {
		t.Status = StatusCompleted
	}
	t.Result = result
	t.Error = errMsg
	q.deps.Finish(id, failed, q.now())
	return *t, nil
}

// Return puts an in-flight task back at the tail of its tier, for work that paused before
// finishing.
func (q *Queue) Return(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.inflight[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(q.inflight, id)
	t.Status = StatusPending
	q.pending[id] = t
	q.tiers[t.Tier] = append(q.tiers[t.Tier], t)
	return nil
}

// Remove deletes a pending task.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(q.pending, id)
	q.deps.Forget(id)
	tier := q.tiers[t.Tier]
	for i, c := range tier {
		if c.ID == id {
			q.tiers[t.Tier] = append(tier[:i], tier[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a pending or in-flight task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.pending[id]; ok {
		return *t, true
	}
	if t, ok := q.inflight[id]; ok {
		return *t, true
	}
	return Task{}, false
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of dispatched, unfinished tasks.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// LenByTier returns the pending count per tier.
func (q *Queue) LenByTier() map[Tier]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Tier]int, len(Tiers))
	for _, tier := range Tiers {
		out[tier] = len(q.tiers[tier])
	}
	return out
}

// List returns pending tasks in service order followed by in-flight tasks.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked()
}

func (q *Queue) listLocked() []Task {
	out := make([]Task, 0, len(q.pending)+len(q.inflight))
	for _, tier := range Tiers {
		for _, t := range q.tiers[tier] {
			out = append(out, *t)
		}
	}
	running := make([]Task, 0, len(q.inflight))
	for _, t := range q.inflight {
		running = append(running, *t)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].SubmittedAt.Before(running[j].SubmittedAt) })
	return append(out, running...)
}

// Prune forgets dependency outcomes older than cutoff.
func (q *Queue) Prune(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deps.Prune(cutoff)
}

type queueState struct {
	Tasks    []Task             `json:"tasks"`
	Finished map[string]outcome `json:"finished,omitempty"`
}

// MarshalState serialises the queue. In-flight tasks are stored as pending so a crash
// mid-batch re-runs them from their checkpoint.
func (q *Queue) MarshalState() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := queueState{Tasks: q.listLocked(), Finished: q.deps.finished}
	for i := range state.Tasks {
		state.Tasks[i].Status = StatusPending
	}
	return json.MarshalIndent(state, "", "  ")
}

// LoadState replaces the queue contents with a serialised state. Tier order is preserved.
func (q *Queue) LoadState(data []byte) error {
	var state queueState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse queue state: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tiers = [len(Tiers)][]*Task{}
	q.pending = make(map[string]*Task)
	q.inflight = make(map[string]*Task)
	q.deps = NewDependencyResolver()
	for id, out := range state.Finished {
		q.deps.finished[id] = out
	}
	for i := range state.Tasks {
		t := state.Tasks[i]
		if t.Tier < TierCritical || t.Tier > TierLow {
			t.Tier = PlaceTier(t.Priority, t.Deadline, q.now())
		}
		if err := q.deps.AddTask(t.ID, t.Dependencies); err != nil {
			log.WarningLog.Printf("queue: dropping %s on load: %v", t.ID, err)
			continue
		}
		t.Status = StatusPending
		q.pending[t.ID] = &t
		q.tiers[t.Tier] = append(q.tiers[t.Tier], &t)
	}
	return nil
}
