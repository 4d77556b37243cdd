package executor

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()

	os.Exit(m.Run())
}

func manager(t *testing.T) *checkpoint.Manager {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return checkpoint.NewManager(store, time.Now)
}

func newRun(t *testing.T, cps *checkpoint.Manager, desc agent.Descriptor, task queue.Task) *orchestrator.Run {
	t.Helper()
	if task.Agent == "" {
		task.Agent = desc.ID
	}
	run, err := orchestrator.NewRun(task, desc, cps)
	require.NoError(t, err)
	return run
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func shell(id, script string) agent.Descriptor {
	return agent.Descriptor{ID: id, Command: []string{"sh", "-c", script}}
}

func TestSimulatedRunsToCompletion(t *testing.T) {
	cps := manager(t)
	run := newRun(t, cps, agent.Descriptor{ID: "worker"}, queue.Task{ID: "t1", Type: "index", TotalUnits: 8})

	out, err := (&Simulated{Steps: 4}).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, int64(8), out["units"])
	assert.Equal(t, int64(0), out["resumed_at"])

	cp, ok := cps.Get("t1")
	require.True(t, ok)
	assert.Equal(t, int64(8), cp.ProcessedUnits)
	assert.InDelta(t, 100, cp.Progress, 0.001)
	assert.Equal(t, []string{"units 1-2", "units 3-4", "units 5-6", "units 7-8"}, cp.CompletedSteps)
}

func TestSimulatedStopsWhenAskedToPause(t *testing.T) {
	cps := manager(t)
	run := newRun(t, cps, agent.Descriptor{ID: "worker"}, queue.Task{ID: "t1", TotalUnits: 10})
	run.RequestPause("manual")

	_, err := (&Simulated{Steps: 5}).Execute(context.Background(), run)
	require.ErrorIs(t, err, orchestrator.ErrPaused)
	assert.Equal(t, "manual", run.PauseReason())

	cp, _ := cps.Get("t1")
	assert.Zero(t, cp.ProcessedUnits)
}

func TestSimulatedResumesFromCheckpoint(t *testing.T) {
	cps := manager(t)
	_, err := cps.Create("t1", "worker", "index", 10, nil)
	require.NoError(t, err)
	_, err = cps.Update("t1", checkpoint.Patch{ProcessedUnits: checkpoint.Units(6)})
	require.NoError(t, err)

	run := newRun(t, cps, agent.Descriptor{ID: "worker"}, queue.Task{ID: "t1", TotalUnits: 10})
	assert.True(t, run.Resumed())

	out, err := (&Simulated{Steps: 5}).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, int64(6), out["resumed_at"])

	cp, _ := cps.Get("t1")
	assert.Equal(t, []string{"units 7-8", "units 9-10"}, cp.CompletedSteps)
}

func TestSimulatedCancelPauses(t *testing.T) {
	cps := manager(t)
	run := newRun(t, cps, agent.Descriptor{ID: "worker"}, queue.Task{ID: "t1", TotalUnits: 10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Simulated{Steps: 5, StepTime: time.Hour}).Execute(ctx, run)
	require.ErrorIs(t, err, orchestrator.ErrPaused)
}

func TestRouter(t *testing.T) {
	cps := manager(t)
	named := func(name string) orchestrator.Executor {
		return orchestrator.ExecutorFunc(func(context.Context, *orchestrator.Run) (map[string]any, error) {
			return map[string]any{"by": name}, nil
		})
	}
	r := NewRouter(named("command"), named("default"))
	r.Handle("special", named("special"))

	tests := []struct {
		name string
		desc agent.Descriptor
		want string
	}{
		{name: "per agent handler", desc: agent.Descriptor{ID: "special", Command: []string{"true"}}, want: "special"},
		{name: "agent with command", desc: agent.Descriptor{ID: "backup", Command: []string{"true"}}, want: "command"},
		{name: "fallback", desc: agent.Descriptor{ID: "worker"}, want: "default"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun(t, cps, tt.desc, queue.Task{ID: "r" + string(rune('a'+i))})
			out, err := r.Execute(context.Background(), run)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out["by"])
		})
	}

	empty := NewRouter(nil, nil)
	_, err := empty.Execute(context.Background(), newRun(t, cps, agent.Descriptor{ID: "worker"}, queue.Task{ID: "none"}))
	assert.ErrorContains(t, err, "no executor for agent worker")
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		patch   *checkpoint.Patch
		result  map[string]any
		wantErr bool
	}{
		{line: "PROGRESS 42.5 copying files", patch: &checkpoint.Patch{Progress: checkpoint.Progress(42.5), Step: "copying files"}},
		{line: "PROGRESS 10", patch: &checkpoint.Patch{Progress: checkpoint.Progress(10)}},
		{line: "PROGRESS 140", wantErr: true},
		{line: "PROGRESS lots", wantErr: true},
		{line: "PROGRESS NaN", wantErr: true},
		{line: "PROGRESS +Inf", wantErr: true},
		{line: "PROGRESS -Inf", wantErr: true},
		{line: "UNITS 3 12", patch: &checkpoint.Patch{ProcessedUnits: checkpoint.Units(3), TotalUnits: checkpoint.Units(12)}},
		{line: "UNITS 4", patch: &checkpoint.Patch{ProcessedUnits: checkpoint.Units(4)}},
		{line: "UNITS -1", wantErr: true},
		{line: "STEP upload", patch: &checkpoint.Patch{Step: "upload"}},
		{line: "DONE upload", patch: &checkpoint.Patch{CompleteStep: "upload"}},
		{line: "STEP", wantErr: true},
		{line: "ERROR disk slow", patch: &checkpoint.Patch{Error: "disk slow"}},
		{line: `RESULT {"files": 3}`, result: map[string]any{"files": float64(3)}},
		{line: "RESULT null", result: map[string]any{}},
		{line: "RESULT {", wantErr: true},
		{line: "just some output"},
		{line: ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			patch, result, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.patch, patch)
			assert.Equal(t, tt.result, result)
		})
	}
}

func TestCommandReportsProgressAndResult(t *testing.T) {
	requireShell(t)
	cps := manager(t)
	desc := shell("backup", `echo "STEP $WARDEN_TASK_TYPE"; echo "UNITS 5 10"; echo chatter; echo 'RESULT {"files":3}'`)
	run := newRun(t, cps, desc, queue.Task{ID: "t1", Type: "snapshot"})

	out, err := (&Command{PollInterval: 10 * time.Millisecond}).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"files": float64(3)}, out)

	cp, _ := cps.Get("t1")
	assert.Equal(t, "snapshot", cp.CurrentStep)
	assert.Equal(t, int64(5), cp.ProcessedUnits)
	assert.InDelta(t, 50, cp.Progress, 0.001)
}

func TestCommandReceivesPayloadOnStdin(t *testing.T) {
	requireShell(t)
	cps := manager(t)
	desc := shell("backup", `read -r line; case "$line" in *'"path":"/srv"'*) echo 'RESULT {"ok":true}';; esac`)
	run := newRun(t, cps, desc, queue.Task{ID: "t1", Payload: map[string]any{"path": "/srv"}})

	out, err := (&Command{}).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestCommandWithoutResultReportsExitCode(t *testing.T) {
	requireShell(t)
	run := newRun(t, manager(t), shell("backup", "exit 0"), queue.Task{ID: "t1"})

	out, err := (&Command{}).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"exit_code": 0}, out)
}

func TestCommandFailureIncludesStderr(t *testing.T) {
	requireShell(t)
	run := newRun(t, manager(t), shell("backup", "echo boom >&2; exit 3"), queue.Task{ID: "t1"})

	_, err := (&Command{}).Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exit status 3")
	assert.ErrorContains(t, err, "boom")
	assert.NotErrorIs(t, err, orchestrator.ErrPaused)
}

func TestCommandInterruptedOnPause(t *testing.T) {
	requireShell(t)
	cps := manager(t)
	desc := shell("backup", `trap 'echo "UNITS 1 4"; exit 130' INT; echo "PROGRESS 10 warming"; while true; do sleep 0.05; done`)
	run := newRun(t, cps, desc, queue.Task{ID: "t1"})

	go func() {
		time.Sleep(100 * time.Millisecond)
		run.RequestPause("emergency")
	}()

	_, err := (&Command{PollInterval: 10 * time.Millisecond, GracePeriod: 2 * time.Second}).Execute(context.Background(), run)
	require.ErrorIs(t, err, orchestrator.ErrPaused)

	cp, _ := cps.Get("t1")
	assert.GreaterOrEqual(t, cp.Progress, 10.0)
}

func TestCommandKilledAfterGracePeriod(t *testing.T) {
	requireShell(t)
	desc := shell("backup", `trap '' INT; while true; do sleep 0.05; done`)
	run := newRun(t, manager(t), desc, queue.Task{ID: "t1"})
	run.RequestPause("shutdown")

	start := time.Now()
	_, err := (&Command{PollInterval: 10 * time.Millisecond, GracePeriod: 100 * time.Millisecond}).Execute(context.Background(), run)
	require.ErrorIs(t, err, orchestrator.ErrPaused)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandWithoutCommand(t *testing.T) {
	run := newRun(t, manager(t), agent.Descriptor{ID: "worker"}, queue.Task{ID: "t1"})
	_, err := (&Command{}).Execute(context.Background(), run)
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestCommandOnTerminal(t *testing.T) {
	requireShell(t)
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("pty not available")
	}
	cps := manager(t)
	desc := shell("render", `[ -t 1 ] && echo "PROGRESS 70 tty"; echo "RESULT $WARDEN_PAYLOAD"`)
	desc.TTY = true
	run := newRun(t, cps, desc, queue.Task{ID: "t1", Payload: map[string]any{"scene": "intro"}})

	out, err := (&Command{PollInterval: 10 * time.Millisecond}).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, "intro", out["scene"])

	cp, _ := cps.Get("t1")
	assert.InDelta(t, 70, cp.Progress, 0.001)
	assert.Equal(t, "tty", cp.CurrentStep)
}
