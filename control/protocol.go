// Package control relays requests from CLI processes into a running orchestrator loop over a
// Unix domain socket. Each connection carries one newline-terminated JSON request and one
// JSON response.
package control

import (
	"encoding/json"

	"github.com/ByteMirror/warden/orchestrator"
)

// IPC method constants shared between client and server.
const (
	MethodPing     = "ping"
	MethodStatus   = "status"
	MethodOverview = "overview"
	MethodAgent    = "agent"
	MethodIntent   = "intent"
	MethodSubmit   = "submit"
	MethodEvents   = "events"
)

// Request is the JSON envelope sent from client to server.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON envelope sent from server to client.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// IntentParams carries an intent and how long the caller waits for the loop to apply it.
type IntentParams struct {
	Intent      orchestrator.Intent `json:"intent"`
	WaitSeconds int                 `json:"wait_seconds,omitempty"`
}

// IntentReply reports an applied intent, or that it is still queued behind a running batch.
type IntentReply struct {
	Message string `json:"message"`
	Queued  bool   `json:"queued,omitempty"`
}

// AgentParams selects one agent.
type AgentParams struct {
	ID string `json:"id"`
}

// OverviewParams bounds the number of recent events returned.
type OverviewParams struct {
	Events int `json:"events,omitempty"`
}

// EventsParams asks for events after a sequence number.
type EventsParams struct {
	Since uint64 `json:"since"`
	Limit int    `json:"limit,omitempty"`
}

// EventsReply carries events and the newest sequence number.
type EventsReply struct {
	Events []orchestrator.Event `json:"events"`
	Last   uint64               `json:"last"`
}
