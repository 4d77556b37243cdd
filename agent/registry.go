package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ByteMirror/warden/resource"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Registry holds the descriptors and one runtime state per agent. States are created on
// first reference and never deleted.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	order       []string
	groups      map[string]Group
	states      map[string]*State
}

// NewRegistry builds a registry from validated descriptors and groups.
func NewRegistry(descs []Descriptor, groups []Group) (*Registry, error) {
	r := &Registry{
		descriptors: make(map[string]Descriptor, len(descs)),
		groups:      make(map[string]Group, len(groups)),
		states:      make(map[string]*State, len(descs)),
	}
	for _, g := range groups {
		r.groups[g.Name] = g
	}
	for _, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("agent descriptor without id")
		}
		if _, dup := r.descriptors[d.ID]; dup {
			return nil, fmt.Errorf("duplicate agent %s", d.ID)
		}
		if err := d.Compile(); err != nil {
			return nil, err
		}
		r.descriptors[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		a, b := r.descriptors[r.order[i]], r.descriptors[r.order[j]]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		return a.ID < b.ID
	})
	return r, nil
}

// Descriptor returns the static definition of id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Descriptors returns every descriptor ordered by tier then id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}

func (r *Registry) Group(name string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	return g, ok
}

// Coordinator returns the coordinator descriptor if one is configured.
func (r *Registry) Coordinator() (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if d := r.descriptors[id]; d.Coordinator {
			return d, true
		}
	}
	return Descriptor{}, false
}

// IsCoordinator reports whether id is the coordinator.
func (r *Registry) IsCoordinator(id string) bool {
	d, ok := r.Descriptor(id)
	return ok && d.Coordinator
}

func (r *Registry) stateLocked(id string) (*State, error) {
	if _, ok := r.descriptors[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	s, ok := r.states[id]
	if !ok {
		s = &State{AgentID: id, Status: StatusHibernated}
		r.states[id] = s
	}
	return s, nil
}

// State returns a copy of the runtime state of id, creating it on first reference.
func (r *Registry) State(id string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.stateLocked(id)
	if err != nil {
		return State{}, err
	}
	return s.clone(), nil
}

// Update applies fn to the runtime state of id. The state is left unchanged when fn fails.
func (r *Registry) Update(id string, fn func(*State) error) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.stateLocked(id)
	if err != nil {
		return State{}, err
	}
	work := s.clone()
	if err := fn(&work); err != nil {
		return s.clone(), err
	}
	*s = work
	return work.clone(), nil
}

// States returns a copy of every runtime state in descriptor order.
func (r *Registry) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.order))
	for _, id := range r.order {
		s, _ := r.stateLocked(id)
		out = append(out, s.clone())
	}
	return out
}

// Restore installs a persisted state. States of unknown agents are ignored.
func (r *Registry) Restore(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[s.AgentID]; !ok {
		return false
	}
	c := s.clone()
	r.states[s.AgentID] = &c
	return true
}

// CountRunning counts active or critical_active members of group, excluding skip.
func (r *Registry) CountRunning(group, skip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id, s := range r.states {
		if id == skip || !s.Status.Running() {
			continue
		}
		if r.descriptors[id].Group == group {
			n++
		}
	}
	return n
}

// WithStatus returns the ids of agents in any of the given statuses, in descriptor order.
func (r *Registry) WithStatus(statuses ...Status) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		s, ok := r.states[id]
		status := StatusHibernated
		if ok {
			status = s.Status
		}
		if slices.Contains(statuses, status) {
			out = append(out, id)
		}
	}
	return out
}

// RunningResources sums the descriptor vectors of running agents.
func (r *Registry) RunningResources() resource.Vector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total resource.Vector
	for id, s := range r.states {
		if s.Status.Running() {
			total = total.Add(r.descriptors[id].Resources)
		}
	}
	return total
}

func (s *State) clone() State {
	c := *s
	c.TaskQueue = slices.Clone(s.TaskQueue)
	c.PriorityQueue = slices.Clone(s.PriorityQueue)
	if s.SessionStart != nil {
		t := *s.SessionStart
		c.SessionStart = &t
	}
	return c
}
