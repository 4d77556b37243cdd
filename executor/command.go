package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/orchestrator"
)

// ErrNoCommand is returned for agents that declare no command.
var ErrNoCommand = errors.New("agent has no command")

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultGracePeriod  = 10 * time.Second
	stderrTail          = 4 << 10
	maxLine             = 1 << 20
)

// Command runs the agent's command as a child process. The task reaches the process through
// WARDEN_* environment variables and its payload as JSON on stdin, or in WARDEN_PAYLOAD when
// the agent runs on a terminal. The process reports back by printing lines to stdout:
//
//	PROGRESS <percent> [step]
//	UNITS <processed> [total]
//	STEP <name>
//	DONE <name>
//	ERROR <message>
//	RESULT <json object>
//
// Anything else is logged at debug level. A pause request interrupts the process, which
// should checkpoint and exit. Interrupted runs that never printed RESULT count as paused.
type Command struct {
	// Dir is the working directory. Empty uses the current directory.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// PollInterval is how often the pause signal is checked.
	PollInterval time.Duration
	// GracePeriod is how long an interrupted process has before it is killed.
	GracePeriod time.Duration
}

// report collects what the process printed.
type report struct {
	mu     sync.Mutex
	result map[string]any
}

func (r *report) set(v map[string]any) {
	r.mu.Lock()
	r.result = v
	r.mu.Unlock()
}

func (r *report) get() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (c *Command) Execute(ctx context.Context, run *orchestrator.Run) (map[string]any, error) {
	argv := run.Agent.Command
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s: %w", run.Agent.ID, ErrNoCommand)
	}
	payload, err := json.Marshal(run.Task.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), c.Env...), taskEnv(run)...)

	stderr := &tailBuffer{max: stderrTail}
	var out io.Reader
	if run.Agent.TTY {
		cmd.Env = append(cmd.Env, "WARDEN_PAYLOAD="+string(payload))
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", argv[0], err)
		}
		defer func() { _ = ptmx.Close() }()
		out = ptmx
	} else {
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Stderr = stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", argv[0], err)
		}
		out = stdout
	}

	rep := &report{}
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consume(out, run, rep)
	}()

	poll := c.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	grace := c.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var (
		interrupted bool
		kill        <-chan time.Time
		cancelled   = ctx.Done()
	)
	interrupt := func() {
		if interrupted {
			return
		}
		interrupted = true
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			log.WarningLog.Printf("interrupt task %s: %v", run.Task.ID, err)
		}
		kill = time.After(grace)
	}

	for running := true; running; {
		select {
		case <-consumed:
			running = false
		case <-ticker.C:
			if run.ShouldPause() {
				interrupt()
			}
		case <-cancelled:
			cancelled = nil
			interrupt()
		case <-kill:
			log.WarningLog.Printf("task %s ignored interrupt for %s, killing", run.Task.ID, grace)
			_ = cmd.Process.Kill()
			kill = nil
		}
	}

	waitErr := cmd.Wait()
	result := rep.get()
	if interrupted && result == nil {
		return nil, orchestrator.ErrPaused
	}
	if waitErr != nil {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], waitErr, tail)
		}
		return nil, fmt.Errorf("%s: %w", argv[0], waitErr)
	}
	if result == nil {
		result = map[string]any{"exit_code": 0}
	}
	return result, nil
}

func taskEnv(run *orchestrator.Run) []string {
	cp := run.Checkpoint
	return []string{
		"WARDEN_TASK_ID=" + run.Task.ID,
		"WARDEN_TASK_TYPE=" + run.Task.Type,
		"WARDEN_AGENT=" + run.Agent.ID,
		"WARDEN_PROGRESS=" + strconv.FormatFloat(cp.Progress, 'f', 1, 64),
		"WARDEN_PROCESSED_UNITS=" + strconv.FormatInt(cp.ProcessedUnits, 10),
		"WARDEN_TOTAL_UNITS=" + strconv.FormatInt(cp.TotalUnits, 10),
		"WARDEN_CURRENT_STEP=" + cp.CurrentStep,
		"WARDEN_RESUME_COUNT=" + strconv.Itoa(cp.ResumeCount),
	}
}

// consume reads the process output until it closes. A terminal reports EIO once the child
// exits, which ends the scan like EOF does.
func consume(r io.Reader, run *orchestrator.Run, rep *report) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		patch, result, err := parseLine(line)
		switch {
		case err != nil:
			log.WarningLog.Printf("task %s: %v", run.Task.ID, err)
		case result != nil:
			rep.set(result)
		case patch != nil:
			if _, err := run.Progress(*patch); err != nil {
				log.WarningLog.Printf("task %s progress: %v", run.Task.ID, err)
			}
		default:
			log.DebugLog.Printf("[%s] %s", run.Task.ID, line)
		}
	}
}

// parseLine decodes one line of process output. Lines that are not directives return
// neither a patch nor a result.
func parseLine(line string) (*checkpoint.Patch, map[string]any, error) {
	word, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch word {
	case "PROGRESS":
		value, step, _ := strings.Cut(rest, " ")
		pct, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(pct) || pct < 0 || pct > 100 {
			return nil, nil, fmt.Errorf("bad progress %q", value)
		}
		return &checkpoint.Patch{Progress: checkpoint.Progress(pct), Step: strings.TrimSpace(step)}, nil, nil
	case "UNITS":
		fields := strings.Fields(rest)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, nil, fmt.Errorf("bad units %q", rest)
		}
		done, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || done < 0 {
			return nil, nil, fmt.Errorf("bad units %q", rest)
		}
		p := &checkpoint.Patch{ProcessedUnits: checkpoint.Units(done)}
		if len(fields) == 2 {
			total, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil || total < 0 {
				return nil, nil, fmt.Errorf("bad units %q", rest)
			}
			p.TotalUnits = checkpoint.Units(total)
		}
		return p, nil, nil
	case "STEP":
		if rest == "" {
			return nil, nil, errors.New("empty step")
		}
		return &checkpoint.Patch{Step: rest}, nil, nil
	case "DONE":
		if rest == "" {
			return nil, nil, errors.New("empty step")
		}
		return &checkpoint.Patch{CompleteStep: rest}, nil, nil
	case "ERROR":
		return &checkpoint.Patch{Error: rest}, nil, nil
	case "RESULT":
		var v map[string]any
		if err := json.Unmarshal([]byte(rest), &v); err != nil {
			return nil, nil, fmt.Errorf("bad result: %w", err)
		}
		if v == nil {
			v = map[string]any{}
		}
		return nil, v, nil
	}
	return nil, nil, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
