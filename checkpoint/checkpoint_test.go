package checkpoint

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/log"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()

	os.Exit(m.Run())
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 27, 9, 0, 0, 0, time.UTC)}
}

// stores returns one constructor per backend so every behaviour is checked on both.
func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "warden.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	eta := time.Date(2025, 6, 27, 11, 30, 0, 0, time.UTC)
	session := time.Date(2025, 6, 27, 9, 5, 0, 0, time.UTC)

	cp := Checkpoint{
		TaskID:              "backup/2025-06-27",
		AgentID:             "05_MEDIA_LAG",
		TaskType:            "massive_backup",
		StartTime:           time.Date(2025, 6, 27, 9, 0, 0, 0, time.UTC),
		LastUpdate:          time.Date(2025, 6, 27, 10, 0, 0, 0, time.UTC),
		Progress:            47,
		CurrentStep:         "copy photos",
		CompletedSteps:      []string{"scan"},
		PendingSteps:        []string{"verify"},
		ProcessedUnits:      470,
		TotalUnits:          1000,
		ErrorCount:          1,
		LastError:           "EIO on /mnt/b",
		EstimatedCompletion: &eta,
		PauseReason:         "emergency",
		ResumeCount:         2,
		SessionStart:        session,
		Custom:              map[string]any{"target": "/mnt/backup", "files": float64(1234)},
	}
	state := agent.State{
		AgentID:        "05_MEDIA_LAG",
		Status:         agent.StatusPaused,
		CurrentTask:    cp.TaskID,
		TaskQueue:      []string{"t2"},
		LastActivity:   cp.LastUpdate,
		SessionStart:   &session,
		Uptime:         90 * time.Minute,
		TasksCompleted: 4,
		PauseReason:    "emergency",
	}

	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			require.NoError(t, s.SaveCheckpoint(cp))
			require.NoError(t, s.SaveAgentState(state))
			require.NoError(t, s.SaveBlob("queue", []byte(`{"tasks":[]}`)))

			cps, err := s.LoadCheckpoints()
			require.NoError(t, err)
			require.Len(t, cps, 1)
			if diff := cmp.Diff(cp, cps[0]); diff != "" {
				t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
			}

			states, err := s.LoadAgentStates()
			require.NoError(t, err)
			require.Len(t, states, 1)
			if diff := cmp.Diff(state, states[0]); diff != "" {
				t.Errorf("agent state mismatch (-want +got):\n%s", diff)
			}

			blob, err := s.LoadBlob("queue")
			require.NoError(t, err)
			assert.Equal(t, `{"tasks":[]}`, string(blob))

			_, err = s.LoadBlob("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			// Overwrite then delete.
			cp2 := cp
			cp2.Progress = 60
			require.NoError(t, s.SaveCheckpoint(cp2))
			cps, err = s.LoadCheckpoints()
			require.NoError(t, err)
			require.Len(t, cps, 1)
			assert.Equal(t, 60.0, cps[0].Progress)

			require.NoError(t, s.DeleteCheckpoint(cp.TaskID))
			require.NoError(t, s.DeleteCheckpoint(cp.TaskID))
			cps, err = s.LoadCheckpoints()
			require.NoError(t, err)
			assert.Empty(t, cps)
		})
	}
}

func TestFileStoreSkipsCorruptRecords(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)

	require.NoError(t, s.SaveCheckpoint(Checkpoint{TaskID: "good"}))
	require.NoError(t, os.WriteFile(filepath.Join(root, checkpointsDir, "bad.json"), []byte("{"), 0644))

	cps, err := s.LoadCheckpoints()
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "good", cps[0].TaskID)
}

func TestSQLiteStoreSkipsCorruptRows(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveCheckpoint(Checkpoint{TaskID: "good", AgentID: "a"}))
	require.NoError(t, s.SaveAgentState(agent.State{AgentID: "a"}))
	_, err = s.db.Exec(`INSERT INTO checkpoints (task_id, agent_id, terminal, data, updated_at) VALUES ('bad', 'a', 'none', '{', ?)`, time.Now())
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO agent_states (agent_id, status, data, updated_at) VALUES ('broken', 'active', 'not json', ?)`, time.Now())
	require.NoError(t, err)

	cps, err := s.LoadCheckpoints()
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "good", cps[0].TaskID)

	states, err := s.LoadAgentStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "a", states[0].AgentID)
}

func TestManagerProgressIsMonotonic(t *testing.T) {
	c := newClock()
	m := NewManager(mustFileStore(t), c.now)

	_, err := m.Create("t1", "a", "scan", 0, nil)
	require.NoError(t, err)
	_, err = m.Create("t1", "a", "scan", 0, nil)
	assert.ErrorIs(t, err, ErrExists)

	steps := []struct {
		report float64
		want   float64
	}{
		{10, 10},
		{40, 40},
		{25, 40},
		{40, 40},
		{math.NaN(), 40},
		{math.Inf(1), 40},
		{60, 60},
		{150, 100},
	}
	for _, s := range steps {
		cp, err := m.Update("t1", Patch{Progress: Progress(s.report)})
		require.NoError(t, err)
		assert.Equal(t, s.want, cp.Progress, "reported %v", s.report)
	}

	cp, err := m.Reset("t1")
	require.NoError(t, err)
	assert.Zero(t, cp.Progress, "reset is the only way down")
}

func TestManagerUnitsAndSteps(t *testing.T) {
	c := newClock()
	m := NewManager(mustFileStore(t), c.now)

	_, err := m.Create("t1", "a", "convert", 200, map[string]any{"src": "/in"})
	require.NoError(t, err)

	cp, err := m.Update("t1", Patch{
		ProcessedUnits: Units(50),
		Step:           "encode",
		PendingSteps:   []string{"encode", "mux"},
		Custom:         map[string]any{"codec": "av1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, cp.Progress)
	assert.Equal(t, "encode", cp.CurrentStep)

	cp, err = m.Update("t1", Patch{CompleteStep: "encode", Error: "frame 12 dropped"})
	require.NoError(t, err)
	assert.Equal(t, []string{"encode"}, cp.CompletedSteps)
	assert.Equal(t, []string{"mux"}, cp.PendingSteps)
	assert.Equal(t, 1, cp.ErrorCount)
	assert.Equal(t, map[string]any{"src": "/in", "codec": "av1"}, cp.Custom)

	cp, err = m.Update("t1", Patch{ProcessedUnits: Units(10)})
	require.NoError(t, err)
	assert.Equal(t, int64(50), cp.ProcessedUnits, "processed units never go back")
	assert.Equal(t, 25.0, cp.Progress)
}

func TestManagerETA(t *testing.T) {
	c := newClock()
	m := NewManager(mustFileStore(t), c.now)
	_, err := m.Create("t1", "a", "backup", 0, nil)
	require.NoError(t, err)

	c.advance(time.Minute)
	cp, err := m.Update("t1", Patch{Progress: Progress(5)})
	require.NoError(t, err)
	assert.Nil(t, cp.EstimatedCompletion, "no estimate at five percent")

	c.advance(9 * time.Minute)
	cp, err = m.Update("t1", Patch{Progress: Progress(25)})
	require.NoError(t, err)
	require.NotNil(t, cp.EstimatedCompletion)
	// 10 minutes for 25% leaves 30 minutes.
	assert.Equal(t, c.now().Add(30*time.Minute), *cp.EstimatedCompletion)
}

func TestResumeRecomputesETAFromNewSession(t *testing.T) {
	c := newClock()
	m := NewManager(mustFileStore(t), c.now)
	_, err := m.Create("t1", "media", "massive_backup", 0, nil)
	require.NoError(t, err)

	c.advance(47 * time.Minute)
	cp, err := m.Update("t1", Patch{Progress: Progress(47), Step: "copy"})
	require.NoError(t, err)
	require.NotNil(t, cp.EstimatedCompletion)
	assert.WithinDuration(t, c.now().Add(53*time.Minute), *cp.EstimatedCompletion, time.Second)

	cp, err = m.Pause("t1", "emergency")
	require.NoError(t, err)
	assert.Equal(t, "emergency", cp.PauseReason)
	assert.Equal(t, "copy", cp.CurrentStep, "pause keeps the step")

	c.advance(3 * time.Hour)
	cp, err = m.Resume("t1")
	require.NoError(t, err)
	assert.Equal(t, 47.0, cp.Progress)
	assert.Equal(t, 1, cp.ResumeCount)
	assert.Equal(t, c.now(), cp.SessionStart)
	assert.Nil(t, cp.EstimatedCompletion)
	assert.Empty(t, cp.PauseReason)

	c.advance(10 * time.Minute)
	cp, err = m.Update("t1", Patch{Progress: Progress(50)})
	require.NoError(t, err)
	require.NotNil(t, cp.EstimatedCompletion)
	// Only the 10 minute session counts, not the 3 hour pause.
	assert.Equal(t, c.now().Add(10*time.Minute), *cp.EstimatedCompletion)
}

func TestManagerCompleteAndCleanup(t *testing.T) {
	c := newClock()
	store := mustFileStore(t)
	m := NewManager(store, c.now)

	for _, id := range []string{"old-ok", "old-failed", "running", "recent"} {
		_, err := m.Create(id, "a", "job", 0, nil)
		require.NoError(t, err)
	}
	_, err := m.Complete("old-ok", true, "")
	require.NoError(t, err)
	cp, err := m.Complete("old-failed", false, "disk full")
	require.NoError(t, err)
	assert.Equal(t, Failed, cp.Terminal)
	assert.Equal(t, "disk full", cp.LastError)

	_, err = m.Update("old-ok", Patch{Progress: Progress(10)})
	assert.ErrorIs(t, err, ErrFinished)

	c.advance(40 * 24 * time.Hour)
	_, err = m.Complete("recent", true, "")
	require.NoError(t, err)

	_, err = m.Cleanup(-1)
	assert.Error(t, err)

	removed, err := m.Cleanup(30)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ids := []string{}
	for _, cp := range m.List() {
		ids = append(ids, cp.TaskID)
	}
	assert.ElementsMatch(t, []string{"running", "recent"}, ids)

	// The removal reached the store.
	reloaded := NewManager(store, c.now)
	require.NoError(t, reloaded.Load())
	assert.Len(t, reloaded.List(), 2)

	running, completed, failed := reloaded.Counts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
}

// flakyStore fails checkpoint writes while broken is set.
type flakyStore struct {
	Store
	broken bool
}

func (s *flakyStore) SaveCheckpoint(c Checkpoint) error {
	if s.broken {
		return &PersistenceError{Op: "save checkpoint", Key: c.TaskID, Err: errors.New("read-only filesystem")}
	}
	return s.Store.SaveCheckpoint(c)
}

func TestManagerRetriesFailedWrites(t *testing.T) {
	c := newClock()
	store := &flakyStore{Store: mustFileStore(t), broken: true}
	m := NewManager(store, c.now)

	cp, err := m.Create("t1", "a", "job", 0, nil)
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "t1", cp.TaskID, "memory stays authoritative")

	assert.Error(t, m.Flush())

	store.broken = false
	require.NoError(t, m.Flush())

	cps, err := store.LoadCheckpoints()
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func mustFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}
