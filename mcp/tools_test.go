package mcp

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
)

// resultText extracts the text string from a CallToolResult.
// It assumes the result contains exactly one TextContent item.
func resultText(t *testing.T, result *gomcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := gomcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("result content[0] is not TextContent: %T", result.Content[0])
	}
	return tc.Text
}

func call(t *testing.T, h func(context.Context, gomcp.CallToolRequest) (*gomcp.CallToolResult, error), args map[string]any) *gomcp.CallToolResult {
	t.Helper()
	req := gomcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned Go error: %v", err)
	}
	return result
}

type fakeController struct {
	mu        sync.Mutex
	intents   []orchestrator.Intent
	submitted []queue.Task
	events    []orchestrator.Event
	eventsErr error
	polls     int
}

func (f *fakeController) Status() (*orchestrator.StatusReport, error) {
	return &orchestrator.StatusReport{
		Mode:   mode.State{Mode: mode.Normal},
		Cycle:  7,
		Agents: []orchestrator.AgentStatus{{ID: "ceo", Status: agent.StatusActive}},
	}, nil
}

func (f *fakeController) Overview(events int) (*orchestrator.Overview, error) {
	return &orchestrator.Overview{Tasks: orchestrator.TaskCounts{Completed: events}}, nil
}

func (f *fakeController) Agent(id string) (*orchestrator.AgentDetail, error) {
	if id != "ceo" {
		return nil, &control.RemoteError{Method: control.MethodAgent, Message: "unknown agent: " + id}
	}
	return &orchestrator.AgentDetail{Descriptor: agent.Descriptor{ID: "ceo", Coordinator: true}}, nil
}

func (f *fakeController) Events(since uint64, limit int) (*control.EventsReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	reply := &control.EventsReply{Last: since}
	for _, e := range f.events {
		if e.Sequence > since {
			reply.Events = append(reply.Events, e)
			reply.Last = e.Sequence
		}
	}
	return reply, nil
}

func (f *fakeController) Intent(in orchestrator.Intent, wait time.Duration) (*control.IntentReply, error) {
	f.intents = append(f.intents, in)
	if in.Kind == orchestrator.IntentCritical && in.TaskType == "" {
		return nil, &control.RemoteError{Method: control.MethodIntent, Message: "invalid intent: critical needs a task type"}
	}
	return &control.IntentReply{Message: string(in.Kind) + " " + in.Agent + " applied"}, nil
}

func (f *fakeController) Submit(t queue.Task) (*queue.Task, error) {
	f.submitted = append(f.submitted, t)
	t.ID = "task-1"
	t.Tier = queue.PlaceTier(t.Priority, t.Deadline, time.Now())
	return &t, nil
}

func TestHandleGetStatus(t *testing.T) {
	result := call(t, handleGetStatus(&fakeController{}), nil)
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	var st orchestrator.StatusReport
	if err := json.Unmarshal([]byte(resultText(t, result)), &st); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if st.Cycle != 7 {
		t.Errorf("Cycle = %d, want 7", st.Cycle)
	}
	if len(st.Agents) != 1 || st.Agents[0].ID != "ceo" {
		t.Errorf("Agents = %+v, want ceo only", st.Agents)
	}
}

func TestHandleGetOverviewClampsEvents(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want int
	}{
		{name: "default", args: nil, want: defaultOverviewEvents},
		{name: "explicit", args: map[string]any{"events": float64(5)}, want: 5},
		{name: "negative", args: map[string]any{"events": float64(-3)}, want: 0},
		{name: "huge", args: map[string]any{"events": float64(10000)}, want: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := resultText(t, call(t, handleGetOverview(&fakeController{}), tt.args))
			var ov orchestrator.Overview
			if err := json.Unmarshal([]byte(text), &ov); err != nil {
				t.Fatalf("failed to parse JSON response: %v", err)
			}
			if ov.Tasks.Completed != tt.want {
				t.Errorf("events requested = %d, want %d", ov.Tasks.Completed, tt.want)
			}
		})
	}
}

func TestHandleGetAgent(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]any
		wantErr  bool
		contains string
	}{
		{name: "known agent", args: map[string]any{"agent": "ceo"}, contains: `"coordinator": true`},
		{name: "unknown agent", args: map[string]any{"agent": "nope"}, wantErr: true, contains: "unknown agent: nope"},
		{name: "missing agent", args: nil, wantErr: true, contains: "missing required parameter: agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, handleGetAgent(&fakeController{}), tt.args)
			if result.IsError != tt.wantErr {
				t.Fatalf("IsError = %t, want %t", result.IsError, tt.wantErr)
			}
			if text := resultText(t, result); !strings.Contains(text, tt.contains) {
				t.Errorf("result %q does not contain %q", text, tt.contains)
			}
		})
	}
}

func TestHandleWaitForEventsFiltersTypes(t *testing.T) {
	f := &fakeController{events: []orchestrator.Event{
		{Sequence: 1, Type: orchestrator.EventTaskDispatched, Task: "t1"},
		{Sequence: 2, Type: orchestrator.EventTaskCompleted, Task: "t1"},
		{Sequence: 3, Type: orchestrator.EventAgentHibernated, Agent: "worker"},
	}}
	result := call(t, handleWaitForEvents(f, time.Millisecond), map[string]any{
		"since": float64(0),
		"types": "task_completed, task_failed",
	})
	var view eventsView
	if err := json.Unmarshal([]byte(resultText(t, result)), &view); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if len(view.Events) != 1 || view.Events[0].Type != orchestrator.EventTaskCompleted {
		t.Fatalf("events = %+v, want the single task_completed", view.Events)
	}
	if view.Last != 3 {
		t.Errorf("Last = %d, want 3", view.Last)
	}
}

func TestHandleWaitForEventsTimesOut(t *testing.T) {
	f := &fakeController{}
	start := time.Now()
	result := call(t, handleWaitForEvents(f, 5*time.Millisecond), map[string]any{"since": float64(9), "timeout": float64(0)})
	if time.Since(start) > 2*time.Second {
		t.Errorf("zero timeout waited %s", time.Since(start))
	}
	var view eventsView
	if err := json.Unmarshal([]byte(resultText(t, result)), &view); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if len(view.Events) != 0 || view.Last != 9 {
		t.Errorf("view = %+v, want no events and last 9", view)
	}
}

func TestHandleWaitForEventsReportsErrors(t *testing.T) {
	f := &fakeController{eventsErr: control.ErrNotRunning}
	result := call(t, handleWaitForEvents(f, time.Millisecond), nil)
	if !result.IsError {
		t.Fatal("expected IsError=true, got false")
	}
	if !strings.Contains(resultText(t, result), "no warden loop is running") {
		t.Errorf("unexpected message %q", resultText(t, result))
	}
}

func TestHandleSubmitTask(t *testing.T) {
	f := &fakeController{}
	result := call(t, handleSubmitTask(f), map[string]any{
		"agent":        "seo",
		"type":         "audit",
		"priority":     float64(9),
		"units":        float64(40),
		"depends_on":   "a, b",
		"payload_json": `{"site":"example.org"}`,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if got := resultText(t, result); got != "Task task-1 queued for seo in the critical tier." {
		t.Errorf("result = %q", got)
	}
	if len(f.submitted) != 1 {
		t.Fatalf("submitted %d tasks, want 1", len(f.submitted))
	}
	task := f.submitted[0]
	if task.Priority != 9 || task.TotalUnits != 40 || task.Deadline != nil {
		t.Errorf("task = %+v", task)
	}
	if strings.Join(task.Dependencies, ",") != "a,b" {
		t.Errorf("Dependencies = %v, want [a b]", task.Dependencies)
	}
	if task.Payload["site"] != "example.org" {
		t.Errorf("Payload = %v", task.Payload)
	}
}

func TestHandleSubmitTaskValidation(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]any
		contains string
	}{
		{name: "missing type", args: map[string]any{"agent": "seo"}, contains: "missing required parameters"},
		{name: "bad payload", args: map[string]any{"agent": "seo", "type": "audit", "payload_json": "[1,2]"}, contains: "payload_json must be a JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeController{}
			result := call(t, handleSubmitTask(f), tt.args)
			if !result.IsError {
				t.Fatal("expected IsError=true, got false")
			}
			if text := resultText(t, result); !strings.Contains(text, tt.contains) {
				t.Errorf("result %q does not contain %q", text, tt.contains)
			}
			if len(f.submitted) != 0 {
				t.Errorf("invalid task was submitted")
			}
		})
	}
}

func TestHandleSubmitTaskDeadline(t *testing.T) {
	f := &fakeController{}
	call(t, handleSubmitTask(f), map[string]any{"agent": "seo", "type": "audit", "deadline_minutes": float64(10)})
	if len(f.submitted) != 1 || f.submitted[0].Deadline == nil {
		t.Fatalf("deadline not set: %+v", f.submitted)
	}
	if left := time.Until(*f.submitted[0].Deadline); left < 9*time.Minute || left > 10*time.Minute {
		t.Errorf("deadline in %s, want about 10m", left)
	}
}

func TestHandleIntent(t *testing.T) {
	f := &fakeController{}
	result := call(t, handleIntent(f, orchestrator.IntentPause), map[string]any{"agent": "seo"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if got := resultText(t, result); got != "pause seo applied" {
		t.Errorf("result = %q", got)
	}

	result = call(t, handleIntent(f, orchestrator.IntentCritical), map[string]any{"agent": "media"})
	if !result.IsError {
		t.Fatal("expected IsError=true, got false")
	}
	if !strings.Contains(resultText(t, result), "critical refused: invalid intent") {
		t.Errorf("unexpected message %q", resultText(t, result))
	}

	want := []orchestrator.Intent{{Kind: orchestrator.IntentPause, Agent: "seo"}, {Kind: orchestrator.IntentCritical, Agent: "media"}}
	if len(f.intents) != len(want) || f.intents[0] != want[0] || f.intents[1] != want[1] {
		t.Errorf("intents = %+v, want %+v", f.intents, want)
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	read := NewServer(&fakeController{}, "test", false)
	write := NewServer(&fakeController{}, "test", true)

	if slices.Contains(read.tools, "submit_task") {
		t.Error("read-only server offers submit_task")
	}
	for _, name := range []string{"get_status", "get_agent", "wait_for_events", "submit_task", "pause_agent", "start_critical", "trigger_emergency"} {
		if !slices.Contains(write.tools, name) {
			t.Errorf("write server is missing %s", name)
		}
	}
}
