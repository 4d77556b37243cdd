package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
)

const (
	defaultOverviewEvents = 20
	defaultWaitSeconds    = 30
	maxWaitSeconds        = 60
	eventBatch            = 50
	eventPollInterval     = 500 * time.Millisecond
	intentWait            = 10 * time.Second
)

// jsonResult marshals v into an indented text result.
func jsonResult(v any) *gomcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to marshal response: " + err.Error())
	}
	return gomcp.NewToolResultText(string(data))
}

func handleGetStatus(ctl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: get_status")
		st, err := ctl.Status()
		if err != nil {
			return gomcp.NewToolResultError("failed to read status: " + err.Error()), nil
		}
		return jsonResult(st), nil
	}
}

func handleGetOverview(ctl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		events := clampInt(getIntParam(req, "events", defaultOverviewEvents), 0, 500)
		Log("tool call: get_overview (events=%d)", events)
		ov, err := ctl.Overview(events)
		if err != nil {
			return gomcp.NewToolResultError("failed to read overview: " + err.Error()), nil
		}
		return jsonResult(ov), nil
	}
}

func handleGetAgent(ctl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetString("agent", "")
		if id == "" {
			return gomcp.NewToolResultError("missing required parameter: agent"), nil
		}
		Log("tool call: get_agent (agent=%s)", id)
		d, err := ctl.Agent(id)
		if err != nil {
			return gomcp.NewToolResultError("failed to read agent: " + err.Error()), nil
		}
		return jsonResult(d), nil
	}
}

type eventsView struct {
	Events []orchestrator.Event `json:"events"`
	Last   uint64               `json:"last"`
}

// handleWaitForEvents polls the loop until a matching event arrives or the timeout passes.
func handleWaitForEvents(ctl Controller, poll time.Duration) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		since := uint64(max(0, getIntParam(req, "since", 0)))
		timeout := time.Duration(clampInt(getIntParam(req, "timeout", defaultWaitSeconds), 0, maxWaitSeconds)) * time.Second
		types := splitList(req.GetString("types", ""))
		Log("tool call: wait_for_events (since=%d, types=%v, timeout=%s)", since, types, timeout)

		deadline := time.Now().Add(timeout)
		for {
			reply, err := ctl.Events(since, eventBatch)
			if err != nil {
				return gomcp.NewToolResultError("failed to read events: " + err.Error()), nil
			}
			view := eventsView{Last: max(since, reply.Last)}
			for _, e := range reply.Events {
				if len(types) == 0 || slices.Contains(types, string(e.Type)) {
					view.Events = append(view.Events, e)
				}
			}
			since = view.Last
			if len(view.Events) > 0 || !time.Now().Before(deadline) {
				return jsonResult(view), nil
			}
			select {
			case <-ctx.Done():
				return jsonResult(view), nil
			case <-time.After(min(poll, time.Until(deadline))):
			}
		}
	}
}

func handleSubmitTask(ctl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		t := queue.Task{
			Agent:        req.GetString("agent", ""),
			Type:         req.GetString("type", ""),
			Priority:     clampInt(getIntParam(req, "priority", 5), queue.MinPriority, queue.MaxPriority),
			TotalUnits:   int64(max(0, getIntParam(req, "units", 0))),
			Dependencies: splitList(req.GetString("depends_on", "")),
		}
		if t.Agent == "" || t.Type == "" {
			return gomcp.NewToolResultError("missing required parameters: agent and type"), nil
		}
		if mins := getIntParam(req, "deadline_minutes", 0); mins > 0 {
			d := time.Now().Add(time.Duration(mins) * time.Minute)
			t.Deadline = &d
		}
		if raw := req.GetString("payload_json", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &t.Payload); err != nil {
				return gomcp.NewToolResultError("payload_json must be a JSON object: " + err.Error()), nil
			}
		}
		Log("tool call: submit_task (agent=%s, type=%s, priority=%d)", t.Agent, t.Type, t.Priority)

		stored, err := ctl.Submit(t)
		if err != nil {
			return gomcp.NewToolResultError("failed to submit task: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Task %s queued for %s in the %s tier.", stored.ID, stored.Agent, stored.Tier)), nil
	}
}

// handleIntent relays an operator request and waits for the loop to apply it.
func handleIntent(ctl Controller, kind orchestrator.IntentKind) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		in := orchestrator.Intent{
			Kind:        kind,
			Agent:       req.GetString("agent", ""),
			TaskType:    req.GetString("task_type", ""),
			Description: req.GetString("description", ""),
		}
		Log("tool call: %s (agent=%s)", kind, in.Agent)
		reply, err := ctl.Intent(in, intentWait)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("%s refused: %v", kind, err)), nil
		}
		return gomcp.NewToolResultText(reply.Message), nil
	}
}

// getIntParam reads a numeric parameter. JSON numbers arrive as float64.
func getIntParam(req gomcp.CallToolRequest, name string, defaultVal int) int {
	if args := req.GetArguments(); args != nil {
		if v, ok := args[name].(float64); ok {
			return int(v)
		}
	}
	return defaultVal
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
