package ui

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/allocator"
	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/metrics"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/probe"
	"github.com/ByteMirror/warden/queue"
	"github.com/ByteMirror/warden/resource"
)

func stripAnsi(s string) string {
	var sb strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var at = time.Date(2025, 6, 27, 9, 30, 0, 0, time.UTC)

func report() orchestrator.StatusReport {
	eta := at.Add(90 * time.Minute)
	last := at.Add(-5 * time.Second)
	return orchestrator.StatusReport{
		Time:      at,
		Mode:      mode.State{Mode: mode.Critical, CriticalAgent: "media", CriticalTask: "crit-1", Description: "nightly render"},
		Running:   true,
		Cycle:     42,
		LastCycle: &last,
		Snapshot: &probe.Snapshot{
			RAMTotalGB: 64, RAMAvailableGB: 40, CPUThreads: 16, CPULoadPercent: 35, CPUTempC: 61,
			GPUTotalGB: 24, GPUAvailableGB: 12, DiskFreeGB: 200, DiskTotalGB: 500,
		},
		Committed: resource.Vector{RAM: 10, CPU: 2, GPU: 4},
		Ceiling:   resource.Vector{RAM: 20, CPU: 8, GPU: 8},
		Agents: []orchestrator.AgentStatus{
			{ID: "ceo", Status: agent.StatusActive, Tier: 1},
			{ID: "media", Status: agent.StatusCriticalActive, CurrentTask: "crit-1", Progress: 47, CurrentStep: "encode", ETA: &eta},
			{ID: "seo", Status: agent.StatusPaused, Schedule: "08:00-12:00", InSchedule: true, PauseReason: "critical", Pending: 2},
		},
		QueueByTier:     map[string]int{"critical": 1, "high": 0, "medium": 2, "low": 0},
		Pending:         3,
		InFlight:        1,
		Alerts:          []probe.Alert{{Level: probe.LevelWarning, Kind: "ram", Message: "RAM usage 82% above 80%", Time: at}},
		Recommendations: []string{"Pause low-priority agents while CPU stays above 80%"},
	}
}

func TestRenderStatus(t *testing.T) {
	out := stripAnsi(RenderStatus(report(), 120))

	for _, want := range []string{
		"mode critical",
		"loop running",
		"cycle 42",
		"critical: media running crit-1 (nightly render)",
		"10.0/20.0 GB committed",
		"disk 200.0/500.0 GB free",
		"critical_active",
		"crit-1",
		"47%",
		"1h30m",
		"encode",
		"critical 1  high 0  medium 2  low 0  pending 3  in flight 1",
		"[warning] RAM usage 82% above 80%",
		"- Pause low-priority agents",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRenderStatusWithoutReading(t *testing.T) {
	r := orchestrator.StatusReport{Mode: mode.State{Mode: mode.Emergency, EmergencyCause: []string{"ram 3.1GB free"}}}
	out := stripAnsi(RenderStatus(r, 0))

	assert.Contains(t, out, "loop stopped")
	assert.Contains(t, out, "emergency: ram 3.1GB free")
	assert.Contains(t, out, "no reading yet")
	assert.Contains(t, out, "no agents configured")
}

func TestRenderOverview(t *testing.T) {
	ov := orchestrator.Overview{
		StatusReport: report(),
		ByStatus:     map[string][]string{"active": {"ceo"}, "paused": {"seo"}},
		Tasks:        orchestrator.TaskCounts{Pending: 3, Running: 1, Completed: 12, Failed: 2},
		UptimeHours:  map[string]float64{"ceo": 5.5},
		Allocator:    map[string]allocator.Stats{"ram": {Current: 10, Peak: 18, Acquisitions: 7, Failures: 1}},
		Holdings:     []allocator.Holding{{Holder: "agent:media", Amount: resource.Vector{RAM: 8, GPU: 4}}},
		Metrics: metrics.Snapshot{
			Counters: map[string]uint64{"cycles": 42},
			Gauges:   map[string]float64{"queue_pending": 3},
			Timers:   map[string]metrics.Summary{"cycle_duration": {Count: 42, Mean: 0.01, P95: 0.02, Max: 0.05}},
		},
		Events: []orchestrator.Event{{Type: orchestrator.EventTaskCompleted, Timestamp: at, Agent: "seo", Task: "t7", Message: "done"}},
	}
	out := stripAnsi(RenderOverview(ov, 120))

	for _, want := range []string{
		fmt.Sprintf("%-16s %s", "active", "ceo"),
		"completed 12  failed 2",
		"5.50",
		"peak 18.0  acquired 7  refused 1",
		"agent:media",
		"cycles",
		"cycle_duration",
		"task_completed",
		"seo/t7 done",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRenderAgent(t *testing.T) {
	eta := at.Add(10 * time.Minute)
	d := orchestrator.AgentDetail{
		Descriptor: agent.Descriptor{ID: "media", Tier: 3, Resources: resource.Vector{RAM: 8, GPU: 4}, Command: []string{"render", "--fast"}},
		State:      agent.State{AgentID: "media", Status: agent.StatusActive, TasksCompleted: 4, TasksFailed: 1, AvgTaskDuration: 3 * time.Minute},
		Checkpoint: &checkpoint.Checkpoint{
			TaskID: "t1", TaskType: "render", Progress: 47, CurrentStep: "encode",
			ProcessedUnits: 47, TotalUnits: 100, ResumeCount: 1, LastUpdate: at,
			EstimatedCompletion: &eta, LastError: "frame 12 retried",
		},
		Pending: []queue.Task{{ID: "t2", Type: "thumbs", Priority: 5, Tier: queue.TierMedium}},
	}
	out := stripAnsi(RenderAgent(d, 0))

	for _, want := range []string{
		"media",
		"tasks completed 4  failed 1  avg 3m",
		"command: render --fast",
		"t1 (render)",
		"units 47/100  resumed 1×  eta 10m",
		"last error: frame 12 retried",
		"medium",
		"thumbs",
	} {
		assert.Contains(t, out, want)
	}
}

func TestUsageBar(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		filled   int
	}{
		{name: "empty", fraction: 0, filled: 0},
		{name: "half", fraction: 0.5, filled: 5},
		{name: "over", fraction: 1.7, filled: 10},
		{name: "negative", fraction: -1, filled: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain := stripAnsi(UsageBar(10, tt.fraction, 0.85))
			assert.Equal(t, 10, len([]rune(plain)))
			assert.Equal(t, tt.filled, strings.Count(plain, "█"))
		})
	}
	assert.Empty(t, UsageBar(0, 0.5, 0))
	assert.NotEqual(t, UsageBar(10, 0.9, 0), UsageBar(10, 0.9, 0.85))
}

func TestGradientText(t *testing.T) {
	assert.Empty(t, GradientText("", "#F0A868", "#7EC8D8"))
	out := GradientText("ab\ncd", "#FF0000", "#0000FF")
	assert.Equal(t, "ab\ncd", stripAnsi(out))
	assert.True(t, strings.HasSuffix(out, "\033[0m"))
	assert.Contains(t, out, "255;0;0")

	header := RenderStatus(report(), 120)
	assert.Contains(t, header, "\033[38;2;240;168;104mw", "title starts at the first gradient colour")
	assert.Contains(t, stripAnsi(header), "warden")
}

func TestPrintWritesJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, report(), RenderStatus))

	var got orchestrator.StatusReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, uint64(42), got.Cycle)
	assert.Equal(t, mode.Critical, got.Mode.Mode)
	assert.False(t, Styled(&buf))
	assert.Equal(t, DefaultWidth, Width(&buf))
}

type fakeSource struct {
	status   *orchestrator.StatusReport
	events   []orchestrator.Event
	err      error
	intents  []orchestrator.Intent
	sinceArg uint64
}

func (f *fakeSource) Status() (*orchestrator.StatusReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

func (f *fakeSource) Events(since uint64, limit int) (*control.EventsReply, error) {
	f.sinceArg = since
	var out []orchestrator.Event
	last := since
	for _, e := range f.events {
		if e.Sequence > since {
			out = append(out, e)
			last = max(last, e.Sequence)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return &control.EventsReply{Events: out, Last: last}, nil
}

func (f *fakeSource) Intent(in orchestrator.Intent, _ time.Duration) (*control.IntentReply, error) {
	f.intents = append(f.intents, in)
	if in.Agent == "ghost" {
		return nil, &control.RemoteError{Method: control.MethodIntent, Message: "unknown agent: ghost"}
	}
	return &control.IntentReply{Message: string(in.Kind) + " applied"}, nil
}

func press(s string) tea.KeyMsg {
	switch s {
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func loaded(t *testing.T, src *fakeSource) *Dashboard {
	t.Helper()
	d := NewDashboard(src, time.Hour)
	d.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	d.Update(d.refresh()())
	require.NotNil(t, d.status)
	return d
}

func TestDashboardShowsStatusAndEvents(t *testing.T) {
	r := report()
	src := &fakeSource{status: &r, events: []orchestrator.Event{
		{Sequence: 1, Type: orchestrator.EventAgentPaused, Timestamp: at, Agent: "seo", Message: "critical"},
		{Sequence: 2, Type: orchestrator.EventTaskDispatched, Timestamp: at, Agent: "media", Task: "crit-1"},
	}}
	d := loaded(t, src)

	view := stripAnsi(d.View())
	assert.Contains(t, view, selectIcon+"ceo")
	assert.Contains(t, view, "agent_paused")
	assert.Contains(t, view, "media/crit-1")
	assert.Equal(t, uint64(2), d.lastSeq)

	d.Update(d.refresh()())
	assert.Equal(t, uint64(2), src.sinceArg)
	assert.Len(t, d.events, 2)
}

func TestDashboardSendsIntentsForSelectedAgent(t *testing.T) {
	r := report()
	src := &fakeSource{status: &r}
	d := loaded(t, src)

	d.Update(press("down"))
	d.Update(press("down"))
	d.Update(press("down"))
	assert.Equal(t, 2, d.selected)
	d.Update(press("up"))
	assert.Equal(t, 1, d.selected)

	_, cmd := d.Update(press("p"))
	require.NotNil(t, cmd)
	_, refresh := d.Update(cmd())
	assert.NotNil(t, refresh)
	assert.Equal(t, []orchestrator.Intent{{Kind: orchestrator.IntentPause, Agent: "media"}}, src.intents)
	assert.Equal(t, "pause applied", d.notice)

	_, cmd = d.Update(press("E"))
	d.Update(cmd())
	assert.Equal(t, orchestrator.Intent{Kind: orchestrator.IntentEmergency}, src.intents[1])
}

func TestDashboardShowsRejectedIntent(t *testing.T) {
	r := report()
	r.Agents = []orchestrator.AgentStatus{{ID: "ghost"}}
	d := loaded(t, &fakeSource{status: &r})

	_, cmd := d.Update(press("r"))
	d.Update(cmd())
	assert.Contains(t, stripAnsi(d.View()), "resume: unknown agent: ghost")
}

func TestDashboardCopiesSelectedAgent(t *testing.T) {
	r := report()
	d := loaded(t, &fakeSource{status: &r})
	var copied string
	d.copy = func(s string) error { copied = s; return nil }

	d.Update(press("y"))
	assert.Contains(t, copied, `"id": "ceo"`)
	assert.Equal(t, "copied ceo", d.notice)

	d.copy = func(string) error { return errors.New("no clipboard") }
	d.Update(press("y"))
	assert.Contains(t, stripAnsi(d.notice), "no clipboard")
}

func TestDashboardUnreachable(t *testing.T) {
	d := NewDashboard(&fakeSource{err: control.ErrNotRunning}, 0)
	d.Update(d.refresh()())
	assert.Contains(t, stripAnsi(d.View()), "cannot reach warden")
	assert.Equal(t, time.Second, d.interval)
}

func TestDashboardQuitAndHelp(t *testing.T) {
	r := report()
	d := loaded(t, &fakeSource{status: &r})

	short := stripAnsi(d.View())
	d.Update(press("?"))
	full := stripAnsi(d.View())
	assert.NotContains(t, short, "exit critical")
	assert.Contains(t, full, "exit critical")

	_, cmd := d.Update(press("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestSummary(t *testing.T) {
	got := Summary(report())
	assert.Equal(t, "cycle 42  mode critical  agents 2/3 running  queue 3 pending 1 in flight  ram 10.0/20.0 cpu 2.0/8.0 gpu 4.0/8.0", got)
}
