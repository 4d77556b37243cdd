package checkpoint

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ByteMirror/warden/log"
)

// etaMinProgress is the progress percent above which completion is extrapolated.
const etaMinProgress = 5.0

// Manager owns the checkpoints in memory and writes every change through to the Store.
// Its lock serialises progress reports from concurrently running tasks.
type Manager struct {
	mu    sync.Mutex
	store Store
	cps   map[string]*Checkpoint
	dirty map[string]bool
	now   func() time.Time
}

// NewManager creates a manager over store. now defaults to time.Now.
func NewManager(store Store, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store: store,
		cps:   make(map[string]*Checkpoint),
		dirty: make(map[string]bool),
		now:   now,
	}
}

// Load replaces the in-memory set with every persisted checkpoint.
func (m *Manager) Load() error {
	all, err := m.store.LoadCheckpoints()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps = make(map[string]*Checkpoint, len(all))
	for i := range all {
		c := all[i]
		m.cps[c.TaskID] = &c
	}
	return nil
}

// saveLocked persists c. On failure the record is marked dirty for Flush.
func (m *Manager) saveLocked(c *Checkpoint) error {
	if err := m.store.SaveCheckpoint(*c); err != nil {
		m.dirty[c.TaskID] = true
		return err
	}
	delete(m.dirty, c.TaskID)
	return nil
}

// Flush retries writes that failed earlier.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id := range m.dirty {
		c, ok := m.cps[id]
		if !ok {
			delete(m.dirty, id)
			continue
		}
		if err := m.saveLocked(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Create starts the checkpoint of a new task.
func (m *Manager) Create(taskID, agentID, taskType string, totalUnits int64, custom map[string]any) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cps[taskID]; ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrExists, taskID)
	}
	now := m.now()
	c := &Checkpoint{
		TaskID:       taskID,
		AgentID:      agentID,
		TaskType:     taskType,
		StartTime:    now,
		LastUpdate:   now,
		TotalUnits:   totalUnits,
		SessionStart: now,
		Custom:       maps.Clone(custom),
	}
	m.cps[taskID] = c
	return c.clone(), m.saveLocked(c)
}

// Get returns a copy of the checkpoint of taskID.
func (m *Manager) Get(taskID string) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cps[taskID]
	if !ok {
		return Checkpoint{}, false
	}
	return c.clone(), true
}

func (m *Manager) liveLocked(taskID string) (*Checkpoint, error) {
	c, ok := m.cps[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if c.Done() {
		return nil, fmt.Errorf("%w: %s is %s", ErrFinished, taskID, c.Terminal)
	}
	return c, nil
}

// Update applies a progress patch. Progress never decreases; the completion estimate is
// refreshed from the current session once progress passes five percent.
func (m *Manager) Update(taskID string, p Patch) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.liveLocked(taskID)
	if err != nil {
		return Checkpoint{}, err
	}
	now := m.now()

	if p.TotalUnits != nil && *p.TotalUnits >= 0 {
		c.TotalUnits = *p.TotalUnits
	}
	if p.ProcessedUnits != nil && *p.ProcessedUnits > c.ProcessedUnits {
		c.ProcessedUnits = *p.ProcessedUnits
	}
	progress := c.Progress
	if p.Progress != nil && !math.IsNaN(*p.Progress) && !math.IsInf(*p.Progress, 0) {
		progress = *p.Progress
	}
	if p.ProcessedUnits != nil && c.TotalUnits > 0 {
		progress = float64(c.ProcessedUnits) / float64(c.TotalUnits) * 100
	}
	c.Progress = max(c.Progress, min(progress, 100))

	if p.Step != "" {
		c.CurrentStep = p.Step
	}
	if p.PendingSteps != nil {
		c.PendingSteps = slices.Clone(p.PendingSteps)
	}
	if p.CompleteStep != "" {
		c.CompletedSteps = append(c.CompletedSteps, p.CompleteStep)
		c.PendingSteps = slices.DeleteFunc(c.PendingSteps, func(s string) bool { return s == p.CompleteStep })
	}
	if p.Error != "" {
		c.ErrorCount++
		c.LastError = p.Error
	}
	if len(p.Custom) > 0 {
		if c.Custom == nil {
			c.Custom = make(map[string]any, len(p.Custom))
		}
		maps.Copy(c.Custom, p.Custom)
	}

	c.LastUpdate = now
	c.estimate(now)
	return c.clone(), m.saveLocked(c)
}

// estimate extrapolates the completion time from the elapsed time of the current session.
func (c *Checkpoint) estimate(now time.Time) {
	if c.Progress <= etaMinProgress {
		c.EstimatedCompletion = nil
		return
	}
	elapsed := now.Sub(c.SessionStart)
	remaining := time.Duration(float64(elapsed) * (100/c.Progress - 1))
	eta := now.Add(remaining)
	c.EstimatedCompletion = &eta
}

// Pause tags the checkpoint with the reason the task stopped. The current step is kept.
func (m *Manager) Pause(taskID, reason string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.liveLocked(taskID)
	if err != nil {
		return Checkpoint{}, err
	}
	c.PauseReason = reason
	c.LastUpdate = m.now()
	return c.clone(), m.saveLocked(c)
}

// Resume starts a new session for a paused task. The estimate is dropped until the next
// update measures the new session.
func (m *Manager) Resume(taskID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.liveLocked(taskID)
	if err != nil {
		return Checkpoint{}, err
	}
	now := m.now()
	c.SessionStart = now
	c.LastUpdate = now
	c.ResumeCount++
	c.PauseReason = ""
	c.EstimatedCompletion = nil
	return c.clone(), m.saveLocked(c)
}

// Complete finalises the checkpoint.
func (m *Manager) Complete(taskID string, success bool, errMsg string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.liveLocked(taskID)
	if err != nil {
		return Checkpoint{}, err
	}
	now := m.now()
	c.LastUpdate = now
	c.PauseReason = ""
	if success {
		c.Terminal = Completed
		c.Progress = 100
		c.EstimatedCompletion = &now
	} else {
		c.Terminal = Failed
		c.ErrorCount++
		c.LastError = errMsg
		c.EstimatedCompletion = nil
	}
	return c.clone(), m.saveLocked(c)
}

// Reset restarts a task from zero. It is the only way progress goes down.
func (m *Manager) Reset(taskID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cps[taskID]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	now := m.now()
	*c = Checkpoint{
		TaskID:       c.TaskID,
		AgentID:      c.AgentID,
		TaskType:     c.TaskType,
		StartTime:    now,
		LastUpdate:   now,
		TotalUnits:   c.TotalUnits,
		SessionStart: now,
		Custom:       c.Custom,
	}
	return c.clone(), m.saveLocked(c)
}

// Cleanup removes terminal checkpoints last updated more than days ago and returns how many
// were removed. Unfinished checkpoints are never removed.
func (m *Manager) Cleanup(days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("cleanup days must not be negative, got %d", days)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0
	var errs []error
	for id, c := range m.cps {
		if !c.Done() || c.LastUpdate.After(cutoff) {
			continue
		}
		if err := m.store.DeleteCheckpoint(id); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(m.cps, id)
		delete(m.dirty, id)
		removed++
	}
	if removed > 0 {
		log.InfoLog.Printf("removed %d checkpoints older than %d days", removed, days)
	}
	return removed, errors.Join(errs...)
}

// List returns every checkpoint ordered by start time.
func (m *Manager) List() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, 0, len(m.cps))
	for _, c := range m.cps {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Counts returns the number of unfinished, completed and failed checkpoints.
func (m *Manager) Counts() (running, completed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cps {
		switch c.Terminal {
		case Completed:
			completed++
		case Failed:
			failed++
		default:
			running++
		}
	}
	return running, completed, failed
}

func (c *Checkpoint) clone() Checkpoint {
	out := *c
	out.CompletedSteps = slices.Clone(c.CompletedSteps)
	out.PendingSteps = slices.Clone(c.PendingSteps)
	out.Custom = maps.Clone(c.Custom)
	if c.EstimatedCompletion != nil {
		t := *c.EstimatedCompletion
		out.EstimatedCompletion = &t
	}
	return out
}
