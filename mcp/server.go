// Package mcp exposes a running warden loop to MCP clients over stdio.
package mcp

import (
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
)

const serverInstructions = "You are connected to warden, the orchestrator that decides which agents may run on this host " +
	"and with how much RAM, CPU and GPU. Call get_status before asking for work so you know the mode and what is " +
	"already running. Submit work with submit_task rather than starting agents yourself; warden queues it by " +
	"priority and deadline and only runs it when resources allow. Use wait_for_events to follow progress instead of " +
	"polling get_status in a loop. Emergency and critical mode stop other agents, so use them only when asked."

// Controller is the part of the control client the tools need.
type Controller interface {
	Status() (*orchestrator.StatusReport, error)
	Overview(events int) (*orchestrator.Overview, error)
	Agent(id string) (*orchestrator.AgentDetail, error)
	Events(since uint64, limit int) (*control.EventsReply, error)
	Intent(in orchestrator.Intent, wait time.Duration) (*control.IntentReply, error)
	Submit(t queue.Task) (*queue.Task, error)
}

// Server wraps an MCP server bound to one warden loop.
type Server struct {
	server *mcpserver.MCPServer
	ctl    Controller
	write  bool // registers the tools that change state
	tools  []string
}

func (s *Server) add(tool gomcp.Tool, h mcpserver.ToolHandlerFunc) {
	s.server.AddTool(tool, h)
	s.tools = append(s.tools, tool.Name)
}

// NewServer creates an MCP server. Without write only the read tools are offered.
func NewServer(ctl Controller, version string, write bool) *Server {
	s := &Server{
		server: mcpserver.NewMCPServer("warden", version, mcpserver.WithInstructions(serverInstructions)),
		ctl:    ctl,
		write:  write,
	}
	s.registerReadTools()
	if write {
		s.registerControlTools()
	}
	Log("server created: write=%t", write)
	return s
}

func (s *Server) registerReadTools() {
	s.add(gomcp.NewTool("get_status",
		gomcp.WithDescription("Current mode, committed resources against the ceiling, every agent with its task and progress, queue depth per tier, alerts and recommendations."),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleGetStatus(s.ctl))

	s.add(gomcp.NewTool("get_overview",
		gomcp.WithDescription("Extended report: agents grouped by status, task counts, uptime, allocator statistics, metrics and recent events."),
		gomcp.WithNumber("events",
			gomcp.Description("How many recent events to include. Defaults to 20."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleGetOverview(s.ctl))

	s.add(gomcp.NewTool("get_agent",
		gomcp.WithDescription("Descriptor, state, current checkpoint and queued tasks of one agent."),
		gomcp.WithString("agent",
			gomcp.Required(),
			gomcp.Description("Agent id as configured in agents.yaml."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleGetAgent(s.ctl))

	s.add(gomcp.NewTool("wait_for_events",
		gomcp.WithDescription(
			"Long-poll for loop events (mode changes, activations, pauses, task dispatch and completion, alerts). "+
				"Pass the returned last sequence number as since on the next call so nothing is missed.",
		),
		gomcp.WithNumber("since",
			gomcp.Description("Return events after this sequence number. 0 returns the most recent ones."),
		),
		gomcp.WithString("types",
			gomcp.Description("Comma-separated event types to keep, for example task_completed,task_failed. Empty keeps all."),
		),
		gomcp.WithNumber("timeout",
			gomcp.Description("Seconds to wait for a matching event, 0 to 60. Defaults to 30."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleWaitForEvents(s.ctl, eventPollInterval))
}

func (s *Server) registerControlTools() {
	s.add(gomcp.NewTool("submit_task",
		gomcp.WithDescription("Queue a task for an agent. The tier follows from deadline and priority; the task runs when its agent may be active and resources allow."),
		gomcp.WithString("agent", gomcp.Required(), gomcp.Description("Agent that runs the task.")),
		gomcp.WithString("type", gomcp.Required(), gomcp.Description("Task type, passed to the agent.")),
		gomcp.WithNumber("priority", gomcp.Description("0 to 10, higher runs first. Defaults to 5.")),
		gomcp.WithNumber("deadline_minutes", gomcp.Description("Minutes until the task is due. Close deadlines promote the task.")),
		gomcp.WithNumber("units", gomcp.Description("Total work units, used for progress and ETA.")),
		gomcp.WithString("depends_on", gomcp.Description("Comma-separated task ids that must complete first.")),
		gomcp.WithString("payload_json", gomcp.Description("JSON object handed to the agent.")),
	), handleSubmitTask(s.ctl))

	for _, t := range []struct {
		name, desc string
		kind       orchestrator.IntentKind
	}{
		{"pause_agent", "Pause an agent. Its running task stops at the next step boundary and resumes later from its checkpoint.", orchestrator.IntentPause},
		{"resume_agent", "Resume a paused or hibernated agent if the mode and resources allow.", orchestrator.IntentResume},
		{"activate_agent", "Activate a manual-only agent. Every other agent except the coordinator is paused and the scheduler holds off until it stops.", orchestrator.IntentManual},
	} {
		s.add(gomcp.NewTool(t.name,
			gomcp.WithDescription(t.desc),
			gomcp.WithString("agent", gomcp.Required(), gomcp.Description("Agent id.")),
		), handleIntent(s.ctl, t.kind))
	}

	s.add(gomcp.NewTool("start_critical",
		gomcp.WithDescription("Enter critical mode: the agent runs the task exclusively and every other agent except the coordinator is paused."),
		gomcp.WithString("agent", gomcp.Required(), gomcp.Description("Agent allowed to run the critical task.")),
		gomcp.WithString("task_type", gomcp.Required(), gomcp.Description("Critical task type the agent declares.")),
		gomcp.WithString("description", gomcp.Description("Why critical mode is needed.")),
	), handleIntent(s.ctl, orchestrator.IntentCritical))

	s.add(gomcp.NewTool("exit_critical",
		gomcp.WithDescription("Leave critical mode and return to normal scheduling."),
	), handleIntent(s.ctl, orchestrator.IntentExitCritical))

	s.add(gomcp.NewTool("trigger_emergency",
		gomcp.WithDescription("Enter emergency mode: everything except the coordinator is paused until resources recover."),
		gomcp.WithDestructiveHintAnnotation(true),
	), handleIntent(s.ctl, orchestrator.IntentEmergency))
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.server)
}
