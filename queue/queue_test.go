package queue

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/warden/resource"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue() (*Queue, *clock) {
	c := &clock{t: time.Date(2025, 6, 27, 9, 0, 0, 0, time.UTC)}
	return New(c.now), c
}

func deadlineIn(c *clock, d time.Duration) *time.Time {
	t := c.t.Add(d)
	return &t
}

// order drains the queue dispatching everything and returns the visit order.
func order(q *Queue) []string {
	var ids []string
	q.Drain(func(t *Task, _ Readiness) Verdict {
		ids = append(ids, t.ID)
		return Dispatched
	})
	return ids
}

func TestTierString(t *testing.T) {
	tests := []struct {
		tier     Tier
		expected string
	}{
		{TierCritical, "critical"},
		{TierHigh, "high"},
		{TierMedium, "medium"},
		{TierLow, "low"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tier.String())
			var back Tier
			require.NoError(t, back.UnmarshalText([]byte(tt.expected)))
			assert.Equal(t, tt.tier, back)
		})
	}
}

func TestPlaceTier(t *testing.T) {
	now := time.Date(2025, 6, 27, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	tests := []struct {
		name     string
		priority int
		deadline *time.Time
		expected Tier
	}{
		{"priority 10", 10, nil, TierCritical},
		{"priority 8", 8, nil, TierCritical},
		{"priority 7", 7, nil, TierHigh},
		{"priority 6", 6, nil, TierHigh},
		{"priority 5", 5, nil, TierMedium},
		{"priority 4", 4, nil, TierMedium},
		{"priority 3", 3, nil, TierLow},
		{"priority 0", 0, nil, TierLow},
		{"deadline in 4m", 2, at(4 * time.Minute), TierCritical},
		{"deadline passed", 1, at(-time.Minute), TierCritical},
		{"deadline in 10m", 2, at(10 * time.Minute), TierHigh},
		{"deadline at 15m", 2, at(15 * time.Minute), TierLow},
		{"far deadline keeps priority", 9, at(time.Hour), TierCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PlaceTier(tt.priority, tt.deadline, now))
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	q, _ := newTestQueue()

	_, err := q.Submit(Task{Priority: 5})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = q.Submit(Task{Agent: "a", Priority: 11})
	assert.ErrorIs(t, err, ErrInvalidTask)

	task, err := q.Submit(Task{Agent: "a", Priority: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID, "an id is generated")
	assert.Equal(t, ClassIO, task.Class)

	_, err = q.Submit(Task{ID: task.ID, Agent: "a"})
	assert.ErrorIs(t, err, ErrDuplicateTask)

	for _, bad := range []resource.Vector{{RAM: -1}, {RAM: math.NaN()}, {CPU: math.Inf(1)}} {
		_, err = q.Submit(Task{Agent: "a", Resources: bad})
		assert.ErrorIs(t, err, ErrInvalidTask, "%v", bad)
	}
	assert.Equal(t, 1, q.Len())

	gpu, err := q.Submit(Task{Agent: "a", Resources: resource.Vector{GPU: 2}})
	require.NoError(t, err)
	assert.Equal(t, ClassGPU, gpu.Class)
}

func TestHighPriorityServedFirst(t *testing.T) {
	q, _ := newTestQueue()

	_, err := q.Submit(Task{ID: "p5", Agent: "a", Priority: 5})
	require.NoError(t, err)
	_, err = q.Submit(Task{ID: "p9", Agent: "a", Priority: 9})
	require.NoError(t, err)

	assert.Equal(t, []string{"p9", "p5"}, order(q))
}

func TestDeadlinePromotionBeatsPriority(t *testing.T) {
	q, c := newTestQueue()

	_, err := q.Submit(Task{ID: "p7", Agent: "a", Priority: 7})
	require.NoError(t, err)
	_, err = q.Submit(Task{ID: "urgent", Agent: "a", Priority: 2, Deadline: deadlineIn(c, 4*time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, []string{"urgent", "p7"}, order(q))
}

func TestFIFOWithinTier(t *testing.T) {
	q, _ := newTestQueue()
	for i := 0; i < 5; i++ {
		_, err := q.Submit(Task{ID: fmt.Sprintf("t%d", i), Agent: "a", Priority: 5})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, order(q))
}

func TestRequeueContinuesTier(t *testing.T) {
	q, _ := newTestQueue()
	for _, id := range []string{"blocked", "next", "after"} {
		_, err := q.Submit(Task{ID: id, Agent: id, Priority: 9})
		require.NoError(t, err)
	}

	var visited []string
	q.Drain(func(t *Task, _ Readiness) Verdict {
		visited = append(visited, t.ID)
		if t.ID == "blocked" {
			return Requeue
		}
		return Dispatched
	})

	assert.Equal(t, []string{"blocked", "next", "after"}, visited, "a blocked agent does not hold back siblings")
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, q.InFlight())
}

func TestRequeueStopTierMovesToLowerTier(t *testing.T) {
	q, _ := newTestQueue()
	for _, task := range []Task{
		{ID: "c1", Agent: "a", Priority: 9},
		{ID: "c2", Agent: "b", Priority: 9},
		{ID: "h1", Agent: "c", Priority: 7},
		{ID: "l1", Agent: "d", Priority: 1},
	} {
		_, err := q.Submit(task)
		require.NoError(t, err)
	}

	var visited []string
	q.Drain(func(t *Task, _ Readiness) Verdict {
		visited = append(visited, t.ID)
		if t.ID == "c1" {
			return RequeueStopTier
		}
		return Dispatched
	})

	assert.Equal(t, []string{"c1", "h1", "l1"}, visited, "rest of the critical tier waits, lower tiers still run")

	// c2 kept its place ahead of the requeued c1.
	var next []string
	q.Drain(func(t *Task, _ Readiness) Verdict {
		next = append(next, t.ID)
		return Requeue
	})
	assert.Equal(t, []string{"c2", "c1"}, next)
}

func TestPromote(t *testing.T) {
	q, c := newTestQueue()
	_, err := q.Submit(Task{ID: "later", Agent: "a", Priority: 1, Deadline: deadlineIn(c, 20*time.Minute)})
	require.NoError(t, err)
	_, err = q.Submit(Task{ID: "p9", Agent: "a", Priority: 9})
	require.NoError(t, err)

	assert.Equal(t, 0, q.Promote())
	assert.Equal(t, 1, q.LenByTier()[TierLow])

	c.advance(10 * time.Minute)
	assert.Equal(t, 1, q.Promote())
	assert.Equal(t, 1, q.LenByTier()[TierHigh])

	c.advance(6 * time.Minute)
	assert.Equal(t, 1, q.Promote())
	assert.Equal(t, []string{"p9", "later"}, order(q), "promoted task joins the tail of its new tier")
}

func TestDependencies(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Submit(Task{ID: "first", Agent: "a", Priority: 1})
	require.NoError(t, err)
	_, err = q.Submit(Task{ID: "second", Agent: "a", Priority: 9, Dependencies: []string{"first"}})
	require.NoError(t, err)

	readiness := map[string]Readiness{}
	q.Drain(func(t *Task, r Readiness) Verdict {
		readiness[t.ID] = r
		if r != Ready {
			return Requeue
		}
		return Dispatched
	})
	assert.Equal(t, Waiting, readiness["second"])
	assert.Equal(t, Ready, readiness["first"])

	_, err = q.Finish("first", false, map[string]any{"ok": true}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, order(q))
}

func TestFailedDependencyBlocks(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Submit(Task{ID: "first", Agent: "a"})
	require.NoError(t, err)
	_, err = q.Submit(Task{ID: "second", Agent: "a", Dependencies: []string{"first"}})
	require.NoError(t, err)

	q.Drain(func(t *Task, r Readiness) Verdict {
		if t.ID == "first" {
			return Dispatched
		}
		return Requeue
	})
	_, err = q.Finish("first", true, nil, "boom")
	require.NoError(t, err)

	var got Readiness
	q.Drain(func(t *Task, r Readiness) Verdict {
		got = r
		return Drop
	})
	assert.Equal(t, Blocked, got)
	assert.Equal(t, 0, q.Len())
}

func TestCircularDependencyRejected(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Submit(Task{ID: "a", Agent: "x", Dependencies: []string{"b"}})
	require.NoError(t, err)
	_, err = q.Submit(Task{ID: "b", Agent: "x", Dependencies: []string{"a"}})
	assert.ErrorIs(t, err, ErrCircularDependency)

	_, err = q.Submit(Task{ID: "self", Agent: "x", Dependencies: []string{"self"}})
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestReturnAndRemove(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Submit(Task{ID: "t1", Agent: "a"})
	require.NoError(t, err)
	_, err = q.Submit(Task{ID: "t2", Agent: "a"})
	require.NoError(t, err)

	q.Drain(func(t *Task, _ Readiness) Verdict {
		if t.ID == "t1" {
			return Dispatched
		}
		return Requeue
	})
	got, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, q.Return("t1"))
	assert.Equal(t, 2, q.Len())
	assert.ErrorIs(t, q.Return("t1"), ErrTaskNotFound)

	require.NoError(t, q.Remove("t2"))
	assert.ErrorIs(t, q.Remove("t2"), ErrTaskNotFound)
	assert.Equal(t, []string{"t1"}, order(q))
}

func TestStateRoundTrip(t *testing.T) {
	q, c := newTestQueue()
	for _, task := range []Task{
		{ID: "c1", Agent: "a", Priority: 9, Resources: resource.Vector{RAM: 2, CPU: 1}},
		{ID: "m1", Agent: "b", Priority: 5, Payload: map[string]any{"path": "/srv/media"}},
		{ID: "d1", Agent: "b", Priority: 1, Deadline: deadlineIn(c, time.Hour), Dependencies: []string{"m1"}},
		{ID: "run", Agent: "c", Priority: 7},
	} {
		_, err := q.Submit(task)
		require.NoError(t, err)
	}
	q.Drain(func(t *Task, _ Readiness) Verdict {
		if t.ID == "run" {
			return Dispatched
		}
		return Requeue
	})

	data, err := q.MarshalState()
	require.NoError(t, err)

	restored := New(c.now)
	require.NoError(t, restored.LoadState(data))

	assert.Equal(t, 4, restored.Len(), "in-flight work comes back as pending")
	assert.Equal(t, 0, restored.InFlight())

	want := q.List()
	for i := range want {
		want[i].Status = StatusPending
	}
	got := restored.List()
	// The in-flight task is listed last on both sides; reorder want to service order.
	if diff := cmp.Diff(sortByID(want), sortByID(got)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	var readiness Readiness
	restored.Drain(func(t *Task, r Readiness) Verdict {
		if t.ID == "d1" {
			readiness = r
		}
		return Requeue
	})
	assert.Equal(t, Waiting, readiness, "dependencies survive the round trip")
}

func sortByID(tasks []Task) map[string]Task {
	out := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out
}
