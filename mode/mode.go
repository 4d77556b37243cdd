// Package mode tracks the global operating mode and decides when resource exhaustion forces
// the system into emergency mode.
package mode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ByteMirror/warden/probe"
)

// Mode is the global operating mode.
type Mode int

const (
	Normal Mode = iota
	Critical
	Emergency
	Maintenance
)

var modes = []Mode{Normal, Critical, Emergency, Maintenance}

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Critical:
		return "critical"
	case Emergency:
		return "emergency"
	case Maintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	for _, c := range modes {
		if c.String() == string(b) {
			*m = c
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

var (
	// ErrResourceCritical marks a threshold breach that forced emergency mode.
	ErrResourceCritical = errors.New("resource critical")
	// ErrModeConflict refuses a request the current mode does not allow.
	ErrModeConflict = errors.New("mode conflict")
	// ErrCriticalHeld refuses critical mode while another agent holds it.
	ErrCriticalHeld = errors.New("critical mode already held")
	// ErrNotCriticalCapable refuses a critical request for a task type the agent does not list.
	ErrNotCriticalCapable = errors.New("task type is not critical-capable")
	// ErrNotInCritical refuses exit_critical outside critical mode.
	ErrNotInCritical = errors.New("not in critical mode")
)

// Thresholds are the emergency triggers. A zero MinAvailableRAMGB disables that check.
type Thresholds struct {
	CriticalRAMPercent float64 `json:"critical_ram_percent"`
	CriticalCPUPercent float64 `json:"critical_cpu_percent"`
	MaxTempC           float64 `json:"max_temp_c"`
	MinDiskGB          float64 `json:"min_disk_gb"`
	MinAvailableRAMGB  float64 `json:"min_available_ram_gb,omitempty"`
}

// DefaultThresholds returns the stock emergency triggers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalRAMPercent: 90,
		CriticalCPUPercent: 85,
		MaxTempC:           80,
		MinDiskGB:          10,
	}
}

// Breaches lists every threshold s violates.
func (t Thresholds) Breaches(s probe.Snapshot) []string {
	var out []string
	if s.RAMUsedPercent > t.CriticalRAMPercent {
		out = append(out, fmt.Sprintf("ram %.1f%% > %.0f%%", s.RAMUsedPercent, t.CriticalRAMPercent))
	}
	if s.CPULoadPercent > t.CriticalCPUPercent {
		out = append(out, fmt.Sprintf("cpu %.1f%% > %.0f%%", s.CPULoadPercent, t.CriticalCPUPercent))
	}
	if temp := s.MaxTempC(); temp > t.MaxTempC {
		out = append(out, fmt.Sprintf("temperature %.1fC > %.0fC", temp, t.MaxTempC))
	}
	if s.DiskTotalGB > 0 && s.DiskFreeGB < t.MinDiskGB {
		out = append(out, fmt.Sprintf("disk %.1fGB free < %.0fGB", s.DiskFreeGB, t.MinDiskGB))
	}
	if t.MinAvailableRAMGB > 0 && s.RAMTotalGB > 0 && s.RAMAvailableGB < t.MinAvailableRAMGB {
		out = append(out, fmt.Sprintf("ram %.1fGB available < %.1fGB", s.RAMAvailableGB, t.MinAvailableRAMGB))
	}
	return out
}

// State is the persisted controller state.
type State struct {
	Mode           Mode       `json:"mode"`
	CriticalAgent  string     `json:"critical_agent,omitempty"`
	CriticalTask   string     `json:"critical_task,omitempty"`
	Description    string     `json:"description,omitempty"`
	Since          time.Time  `json:"since"`
	EmergencyCause []string   `json:"emergency_cause,omitempty"`
	LastEmergency  *time.Time `json:"last_emergency,omitempty"`
}

// Transition reports a mode change made by the controller.
type Transition struct {
	From, To Mode
	Reasons  []string
}

// Controller owns the operating mode. It is safe for concurrent use.
type Controller struct {
	mu         sync.Mutex
	thresholds Thresholds
	state      State
	now        func() time.Time
}

// NewController starts in normal mode.
func NewController(t Thresholds, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{thresholds: t, now: now, state: State{Mode: Normal, Since: now()}}
}

// Thresholds returns the configured emergency triggers.
func (c *Controller) Thresholds() Thresholds {
	return c.thresholds
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode
}

// Restore installs persisted state.
func (c *Controller) Restore(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) setLocked(m Mode) {
	c.state.Mode = m
	c.state.Since = c.now()
	if m != Critical {
		c.state.CriticalAgent = ""
		c.state.CriticalTask = ""
		c.state.Description = ""
	}
}

// Evaluate applies a snapshot. Any breach outside emergency enters emergency and returns an
// error wrapping ErrResourceCritical; a clean snapshot in emergency returns to normal. The
// critical holder interrupted by an emergency is not restored.
func (c *Controller) Evaluate(s probe.Snapshot) (*Transition, error) {
	breaches := c.thresholds.Breaches(s)

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state.Mode
	switch {
	case len(breaches) > 0 && from != Emergency:
		c.setLocked(Emergency)
		c.state.EmergencyCause = breaches
		now := c.now()
		c.state.LastEmergency = &now
		return &Transition{From: from, To: Emergency, Reasons: breaches},
			fmt.Errorf("%w: %v", ErrResourceCritical, breaches)
	case len(breaches) > 0:
		c.state.EmergencyCause = breaches
	case from == Emergency:
		c.setLocked(Normal)
		c.state.EmergencyCause = nil
		return &Transition{From: from, To: Normal, Reasons: []string{"thresholds clear"}}, nil
	}
	return nil, nil
}

// EnterEmergency forces emergency mode on operator request.
func (c *Controller) EnterEmergency(reason string) *Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state.Mode
	if from == Emergency {
		return nil
	}
	c.setLocked(Emergency)
	c.state.EmergencyCause = []string{reason}
	now := c.now()
	c.state.LastEmergency = &now
	return &Transition{From: from, To: Emergency, Reasons: []string{reason}}
}

// RequestCritical makes agentID the critical holder. canRun reports whether taskType is one
// of the agent's critical-capable task types.
func (c *Controller) RequestCritical(agentID, taskType, description string, canRun bool) (*Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Mode {
	case Emergency, Maintenance:
		return nil, fmt.Errorf("%w: critical mode refused in %s mode", ErrModeConflict, c.state.Mode)
	case Critical:
		return nil, fmt.Errorf("%w by %s", ErrCriticalHeld, c.state.CriticalAgent)
	}
	if !canRun {
		return nil, fmt.Errorf("%w: %s cannot run %s", ErrNotCriticalCapable, agentID, taskType)
	}

	from := c.state.Mode
	c.setLocked(Critical)
	c.state.CriticalAgent = agentID
	c.state.CriticalTask = taskType
	c.state.Description = description
	return &Transition{From: from, To: Critical, Reasons: []string{agentID + ": " + taskType}}, nil
}

// ExitCritical returns to normal mode and reports the former holder.
func (c *Controller) ExitCritical() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode != Critical {
		return "", fmt.Errorf("%w: mode is %s", ErrNotInCritical, c.state.Mode)
	}
	holder := c.state.CriticalAgent
	c.setLocked(Normal)
	return holder, nil
}

// EnterMaintenance suspends scheduled activation and dispatch. Refused in emergency or critical.
func (c *Controller) EnterMaintenance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Mode {
	case Maintenance:
		return nil
	case Normal:
		c.setLocked(Maintenance)
		return nil
	default:
		return fmt.Errorf("%w: maintenance refused in %s mode", ErrModeConflict, c.state.Mode)
	}
}

// ExitMaintenance returns to normal mode.
func (c *Controller) ExitMaintenance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode != Maintenance {
		return fmt.Errorf("%w: not in maintenance mode", ErrModeConflict)
	}
	c.setLocked(Normal)
	return nil
}
