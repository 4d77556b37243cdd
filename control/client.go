package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
)

const dialTimeout = 2 * time.Second

// ErrNotRunning means no loop is listening on the socket.
var ErrNotRunning = errors.New("no warden loop is running")

// RemoteError is an error reported by the loop.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Client talks to a control server over a Unix domain socket.
type Client struct {
	socketPath string
}

// NewClient creates a new socket client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Ping checks connectivity to the loop.
func (c *Client) Ping() error {
	_, err := c.send(MethodPing, nil, dialTimeout)
	return err
}

// Status fetches the status report.
func (c *Client) Status() (*orchestrator.StatusReport, error) {
	var report orchestrator.StatusReport
	if err := c.call(MethodStatus, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Overview fetches the extended report with up to events recent events.
func (c *Client) Overview(events int) (*orchestrator.Overview, error) {
	var ov orchestrator.Overview
	if err := c.call(MethodOverview, OverviewParams{Events: events}, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// Agent fetches the detail view of one agent.
func (c *Client) Agent(id string) (*orchestrator.AgentDetail, error) {
	var detail orchestrator.AgentDetail
	if err := c.call(MethodAgent, AgentParams{ID: id}, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Intent sends an operator request and waits up to wait for the loop to apply it.
func (c *Client) Intent(in orchestrator.Intent, wait time.Duration) (*IntentReply, error) {
	params := IntentParams{Intent: in, WaitSeconds: int(wait / time.Second)}
	var out IntentReply
	if err := c.callWithTimeout(MethodIntent, params, &out, wait+5*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit queues a task in the running loop.
func (c *Client) Submit(t queue.Task) (*queue.Task, error) {
	var stored queue.Task
	if err := c.call(MethodSubmit, t, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Events fetches up to limit events after since.
func (c *Client) Events(since uint64, limit int) (*EventsReply, error) {
	var out EventsReply
	if err := c.call(MethodEvents, EventsParams{Since: since, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(method string, params, out any) error {
	return c.callWithTimeout(method, params, out, dialTimeout)
}

func (c *Client) callWithTimeout(method string, params, out any, timeout time.Duration) error {
	resp, err := c.send(method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// send dials the socket, sends a request, reads the response and closes the connection.
func (c *Client) send(method string, params any, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	req := Request{Method: method}
	if params != nil {
		if req.Params, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxMessageSize), maxMessageSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("no response from warden loop")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !resp.OK {
		return nil, &RemoteError{Method: method, Message: resp.Error}
	}
	return &resp, nil
}
