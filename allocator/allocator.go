// Package allocator performs admission control over the host's RAM, CPU threads and GPU
// memory. Every reservation covers all categories at once: a request is either granted in
// full or refused without side effects.
package allocator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/probe"
	"github.com/ByteMirror/warden/resource"
)

var (
	// ErrAllocationDenied means the request does not fit right now. Callers re-enqueue.
	ErrAllocationDenied = errors.New("allocation denied")
	// ErrAlreadyAllocated means the holder already owns a reservation.
	ErrAlreadyAllocated = errors.New("holder already has a reservation")
	// ErrInvalidRequest means the request has negative or non-finite components.
	ErrInvalidRequest = errors.New("invalid resource request")
)

// Stats tracks usage of one category.
type Stats struct {
	Current      float64
	Peak         float64
	Acquisitions int64
	Failures     int64
}

// Allocator tracks committed resources per holder under a single critical section.
type Allocator struct {
	mu sync.Mutex

	ceiling  resource.Vector
	margin   resource.Vector
	snapshot *probe.Snapshot

	// committed totals as of the last snapshot; availability reported by the probe already
	// excludes these, so only reservations made since then are charged against it.
	committedAtSample resource.Vector

	holdings  map[string]resource.Vector
	committed resource.Vector
	stats     map[resource.Kind]*Stats
}

// New creates an allocator with the given ceiling and safety margin.
func New(ceiling, margin resource.Vector) *Allocator {
	a := &Allocator{
		ceiling:  ceiling,
		margin:   margin,
		holdings: make(map[string]resource.Vector),
		stats:    make(map[resource.Kind]*Stats),
	}
	for _, k := range resource.Kinds {
		a.stats[k] = &Stats{}
	}
	return a
}

// Observe records the latest probe reading used for live availability checks.
func (a *Allocator) Observe(s probe.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := s
	a.snapshot = &snap
	a.committedAtSample = a.committed
}

// CanAllocate reports whether req would be admitted now.
func (a *Allocator) CanAllocate(req resource.Vector) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check(req) == nil
}

// Allocate reserves req for holder across every category, or nothing at all.
func (a *Allocator) Allocate(holder string, req resource.Vector) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.holdings[holder]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAllocated, holder)
	}
	if err := a.check(req); err != nil {
		for _, k := range resource.Kinds {
			if req.Get(k) > 0 {
				a.stats[k].Failures++
			}
		}
		log.DebugLog.Printf("allocator: denied %s for %s: %v", req, holder, err)
		return err
	}

	a.holdings[holder] = req
	a.committed = a.committed.Add(req)
	for _, k := range resource.Kinds {
		amount := req.Get(k)
		if amount <= 0 {
			continue
		}
		st := a.stats[k]
		st.Acquisitions++
		st.Current = a.committed.Get(k)
		if st.Current > st.Peak {
			st.Peak = st.Current
		}
	}
	return nil
}

// Release frees everything held by holder. Unknown or already released holders are ignored.
func (a *Allocator) Release(holder string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req, ok := a.holdings[holder]
	if !ok {
		return
	}
	delete(a.holdings, holder)
	a.committed = a.committed.Sub(req)
	a.committedAtSample = a.committedAtSample.Min(a.committed)
	for _, k := range resource.Kinds {
		a.stats[k].Current = a.committed.Get(k)
	}
}

// Holds reports whether holder currently owns a reservation.
func (a *Allocator) Holds(holder string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.holdings[holder]
	return ok
}

// Committed returns the total currently reserved.
func (a *Allocator) Committed() resource.Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

// Ceiling returns the configured upper bound.
func (a *Allocator) Ceiling() resource.Vector {
	return a.ceiling
}

// Holding is one holder's reservation.
type Holding struct {
	Holder string          `json:"holder"`
	Amount resource.Vector `json:"amount"`
}

// Admissible reports whether req could ever be granted, that is whether it fits under the
// ceiling with the safety margin on an otherwise idle host.
func (a *Allocator) Admissible(req resource.Vector) error {
	if !req.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, req)
	}
	for _, k := range resource.Kinds {
		amount := req.Get(k)
		if amount <= 0 {
			continue
		}
		if amount+a.margin.Get(k) > a.ceiling.Get(k)+1e-9 {
			return fmt.Errorf("%w: %s request %.1f%s exceeds ceiling %.1f%s with margin %.1f",
				ErrInvalidRequest, k, amount, k.Unit(), a.ceiling.Get(k), k.Unit(), a.margin.Get(k))
		}
	}
	return nil
}

// Holdings lists reservations sorted by holder.
func (a *Allocator) Holdings() []Holding {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Holding, 0, len(a.holdings))
	for h, v := range a.holdings {
		out = append(out, Holding{Holder: h, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder < out[j].Holder })
	return out
}

// Stats returns a copy of the per-category statistics.
func (a *Allocator) Stats() map[resource.Kind]Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[resource.Kind]Stats, len(a.stats))
	for k, st := range a.stats {
		out[k] = *st
	}
	return out
}

// check must be called with mu held. Categories the request does not use are not checked,
// so a saturated GPU never blocks a CPU-only task.
func (a *Allocator) check(req resource.Vector) error {
	if !req.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, req)
	}

	var avail resource.Vector
	var pending resource.Vector
	if a.snapshot != nil {
		avail = a.snapshot.Available()
		// Reservations made since the snapshot are not yet reflected in its availability.
		pending = a.committed.Sub(a.committedAtSample)
	}

	for _, k := range resource.Kinds {
		amount := req.Get(k)
		if amount <= 0 {
			continue
		}
		if a.committed.Get(k)+amount+a.margin.Get(k) > a.ceiling.Get(k)+1e-9 {
			return fmt.Errorf("%w: %s ceiling %.1f%s exceeded (committed %.1f, requested %.1f)",
				ErrAllocationDenied, k, a.ceiling.Get(k), k.Unit(), a.committed.Get(k), amount)
		}
		if a.snapshot == nil {
			continue
		}
		if need := pending.Get(k) + amount + a.margin.Get(k); need > avail.Get(k)+1e-9 {
			return fmt.Errorf("%w: %s available %.1f%s, need %.1f",
				ErrAllocationDenied, k, avail.Get(k), k.Unit(), need)
		}
	}
	return nil
}
