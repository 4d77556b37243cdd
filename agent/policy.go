package agent

import (
	"errors"
	"fmt"
	"time"
)

// ErrAgentUnavailable is the transient refusal to activate an agent. Tasks for it are re-queued.
var ErrAgentUnavailable = errors.New("agent unavailable")

// Reason names why an activation was refused.
type Reason string

const (
	ReasonConcurrency     Reason = "concurrency"
	ReasonManualOnly      Reason = "manual-only"
	ReasonOutsideSchedule Reason = "outside-schedule"
	ReasonMode            Reason = "mode"
	ReasonUnknownAgent    Reason = "unknown-agent"
	ReasonState           Reason = "state"
)

// UnavailableError carries the refusal reason. It matches ErrAgentUnavailable with errors.Is.
type UnavailableError struct {
	Agent  string
	Reason Reason
	Detail string
}

func (e *UnavailableError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent %s unavailable: %s", e.Agent, e.Reason)
	}
	return fmt.Sprintf("agent %s unavailable: %s (%s)", e.Agent, e.Reason, e.Detail)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrAgentUnavailable
}

// Unavailable builds an UnavailableError.
func Unavailable(agentID string, reason Reason, detail string) error {
	return &UnavailableError{Agent: agentID, Reason: reason, Detail: detail}
}

// ReasonOf extracts the refusal reason from err, or "" when err is not a refusal.
func ReasonOf(err error) Reason {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}

// Trigger is what asks for an activation.
type Trigger int

const (
	// TriggerSchedule is the scheduler admitting an agent inside its window.
	TriggerSchedule Trigger = iota
	// TriggerDemand is a queued task waking its agent.
	TriggerDemand
	// TriggerManual is an operator request. It bypasses schedule and manual-only checks.
	TriggerManual
	// TriggerCritical is a critical-mode request.
	TriggerCritical
)

// Policy decides whether an agent may be activated. It never mutates the registry.
type Policy struct {
	registry *Registry
}

// NewPolicy creates a policy reading from r.
func NewPolicy(r *Registry) *Policy {
	return &Policy{registry: r}
}

// CanActivate returns nil when the agent may become active now, otherwise an
// UnavailableError naming the reason.
func (p *Policy) CanActivate(id string, trigger Trigger, now time.Time) error {
	desc, ok := p.registry.Descriptor(id)
	if !ok {
		return Unavailable(id, ReasonUnknownAgent, "")
	}

	switch trigger {
	case TriggerSchedule:
		if desc.ManualOnly {
			return Unavailable(id, ReasonManualOnly, "")
		}
		if !IsInSchedule(desc, now) {
			return Unavailable(id, ReasonOutsideSchedule, desc.Schedule)
		}
	case TriggerDemand:
		if desc.ManualOnly {
			return Unavailable(id, ReasonManualOnly, "")
		}
	}

	return p.checkGroup(desc)
}

func (p *Policy) checkGroup(desc Descriptor) error {
	if desc.Group == "" {
		return nil
	}
	group, ok := p.registry.Group(desc.Group)
	if !ok || group.MaxActive <= 0 {
		return nil
	}
	if n := p.registry.CountRunning(desc.Group, desc.ID); n >= group.MaxActive {
		return Unavailable(desc.ID, ReasonConcurrency, fmt.Sprintf("group %s has %d/%d active", group.Name, n, group.MaxActive))
	}
	return nil
}
