package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
)

const (
	connTimeout       = 35 * time.Second
	defaultIntentWait = 30 * time.Second
	maxIntentWait     = 30 * time.Second
	maxMessageSize    = 1 << 20
)

// ErrAlreadyRunning is returned by Start when another loop answers on the socket.
var ErrAlreadyRunning = errors.New("another warden loop is listening on the control socket")

// Backend is the loop the server relays into. *orchestrator.Orchestrator implements it.
type Backend interface {
	Status() orchestrator.StatusReport
	Overview(events int) orchestrator.Overview
	Agent(id string) (orchestrator.AgentDetail, error)
	Request(in orchestrator.Intent) (<-chan orchestrator.Result, error)
	Submit(t queue.Task) (queue.Task, error)
	Events() *orchestrator.EventLog
}

// Server listens on a Unix domain socket and dispatches requests to a Backend.
type Server struct {
	backend    Backend
	listener   net.Listener
	socketPath string

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer creates a control server. Call Start to begin listening.
func NewServer(socketPath string, backend Backend) *Server {
	return &Server{
		backend:    backend,
		socketPath: socketPath,
		closed:     make(chan struct{}),
	}
}

// Start begins listening on the socket and serves connections in the background until Stop.
func (s *Server) Start() error {
	if NewClient(s.socketPath).Ping() == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.socketPath)
	}
	// Nothing answered, so any socket file left here is stale.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	os.Chmod(s.socketPath, 0600)
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	log.InfoLog.Printf("control socket listening on %s", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight connections and removes the socket file.
func (s *Server) Stop() error {
	close(s.closed)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}

// SocketPath returns the path the server is listening on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxMessageSize), maxMessageSize)
	if !scanner.Scan() {
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeResponse(conn, Response{Error: "invalid request: " + err.Error()})
		return
	}
	writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case MethodPing:
		return Response{OK: true}

	case MethodStatus:
		return reply(s.backend.Status())

	case MethodOverview:
		var p OverviewParams
		if err := decodeParams(req, &p); err != nil {
			return errorResponse(err)
		}
		if p.Events <= 0 {
			p.Events = 20
		}
		return reply(s.backend.Overview(p.Events))

	case MethodAgent:
		var p AgentParams
		if err := decodeParams(req, &p); err != nil {
			return errorResponse(err)
		}
		detail, err := s.backend.Agent(p.ID)
		if err != nil {
			return errorResponse(err)
		}
		return reply(detail)

	case MethodIntent:
		var p IntentParams
		if err := decodeParams(req, &p); err != nil {
			return errorResponse(err)
		}
		return s.dispatchIntent(p)

	case MethodSubmit:
		var t queue.Task
		if err := decodeParams(req, &t); err != nil {
			return errorResponse(err)
		}
		stored, err := s.backend.Submit(t)
		if err != nil {
			return errorResponse(err)
		}
		return reply(stored)

	case MethodEvents:
		var p EventsParams
		if err := decodeParams(req, &p); err != nil {
			return errorResponse(err)
		}
		events := s.backend.Events()
		return reply(EventsReply{Events: events.Since(p.Since, p.Limit), Last: events.Last()})

	default:
		return Response{Error: "unknown method: " + req.Method}
	}
}

// dispatchIntent queues the intent and waits for the loop to apply it. A loop busy with a
// long batch answers later; the caller is told the request is queued.
func (s *Server) dispatchIntent(p IntentParams) Response {
	done, err := s.backend.Request(p.Intent)
	if err != nil {
		return errorResponse(err)
	}

	wait := defaultIntentWait
	if p.WaitSeconds > 0 {
		wait = min(time.Duration(p.WaitSeconds)*time.Second, maxIntentWait)
	}
	select {
	case res := <-done:
		if res.Err != nil {
			return errorResponse(res.Err)
		}
		return reply(IntentReply{Message: res.Message})
	case <-s.closed:
		return Response{Error: "server shutting down"}
	case <-time.After(wait):
		return reply(IntentReply{Message: fmt.Sprintf("%s queued, applies at the start of the next cycle", p.Intent.Kind), Queued: true})
	}
}

func decodeParams(req Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid %s params: %w", req.Method, err)
	}
	return nil
}

func reply(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Error: "marshal error: " + err.Error()}
	}
	return Response{OK: true, Data: data}
}

func errorResponse(err error) Response {
	return Response{Error: err.Error()}
}

func writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}
