package ui

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	zone "github.com/lrstanley/bubblezone"

	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/keys"
	"github.com/ByteMirror/warden/orchestrator"
)

const (
	dashboardEvents = 8
	intentWait      = 5 * time.Second
)

// Source is what the dashboard polls. *control.Client implements it.
type Source interface {
	Status() (*orchestrator.StatusReport, error)
	Events(since uint64, limit int) (*control.EventsReply, error)
	Intent(in orchestrator.Intent, wait time.Duration) (*control.IntentReply, error)
}

type (
	tickMsg    time.Time
	refreshMsg struct {
		status *orchestrator.StatusReport
		events *control.EventsReply
		err    error
	}
	intentMsg struct {
		kind  orchestrator.IntentKind
		reply *control.IntentReply
		err   error
	}
)

var zoneOnce sync.Once

// Dashboard is a live view of a running loop.
type Dashboard struct {
	src      Source
	interval time.Duration
	help     help.Model
	copy     func(string) error

	status   *orchestrator.StatusReport
	events   []orchestrator.Event
	lastSeq  uint64
	selected int
	err      error
	notice   string
	width    int
	fullHelp bool
}

func NewDashboard(src Source, interval time.Duration) *Dashboard {
	zoneOnce.Do(zone.NewGlobal)
	if interval <= 0 {
		interval = time.Second
	}
	return &Dashboard{
		src:      src,
		interval: interval,
		help:     help.New(),
		copy:     clipboard.WriteAll,
		width:    DefaultWidth,
	}
}

// Run takes over the terminal until the user quits.
func (d *Dashboard) Run() error {
	_, err := tea.NewProgram(d, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run()
	return err
}

func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.refresh(), d.tick())
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (d *Dashboard) refresh() tea.Cmd {
	src, since := d.src, d.lastSeq
	return func() tea.Msg {
		st, err := src.Status()
		if err != nil {
			return refreshMsg{err: err}
		}
		ev, err := src.Events(since, dashboardEvents)
		return refreshMsg{status: st, events: ev, err: err}
	}
}

func (d *Dashboard) send(in orchestrator.Intent) tea.Cmd {
	src := d.src
	d.notice = fmt.Sprintf("%s sent", in.Kind)
	return func() tea.Msg {
		reply, err := src.Intent(in, intentWait)
		return intentMsg{kind: in.Kind, reply: reply, err: err}
	}
}

func (d *Dashboard) selectedAgent() (orchestrator.AgentStatus, bool) {
	if d.status == nil || d.selected < 0 || d.selected >= len(d.status.Agents) {
		return orchestrator.AgentStatus{}, false
	}
	return d.status.Agents[d.selected], true
}

func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.help.Width = msg.Width
		return d, nil
	case tickMsg:
		return d, tea.Batch(d.refresh(), d.tick())
	case refreshMsg:
		d.err = msg.err
		if msg.status != nil {
			d.status = msg.status
			if d.selected >= len(d.status.Agents) {
				d.selected = max(0, len(d.status.Agents)-1)
			}
		}
		if msg.events != nil {
			d.events = append(d.events, msg.events.Events...)
			if over := len(d.events) - dashboardEvents; over > 0 {
				d.events = d.events[over:]
			}
			d.lastSeq = max(d.lastSeq, msg.events.Last)
		}
		return d, nil
	case intentMsg:
		switch {
		case msg.err != nil:
			d.notice = dangerStyle.Render(fmt.Sprintf("%s: %v", msg.kind, msg.err))
		case msg.reply != nil:
			d.notice = msg.reply.Message
		}
		return d, d.refresh()
	case tea.MouseMsg:
		if msg.Action != tea.MouseActionRelease || msg.Button != tea.MouseButtonLeft || d.status == nil {
			return d, nil
		}
		for i, a := range d.status.Agents {
			if zone.Get(rowZone(a.ID)).InBounds(msg) {
				d.selected = i
				break
			}
		}
		return d, nil
	case tea.KeyMsg:
		return d.handleKey(msg)
	}
	return d, nil
}

func (d *Dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	name, ok := keys.Lookup(msg.String())
	if !ok {
		return d, nil
	}
	switch name {
	case keys.KeyQuit:
		return d, tea.Quit
	case keys.KeyUp:
		if d.selected > 0 {
			d.selected--
		}
	case keys.KeyDown:
		if d.status != nil && d.selected < len(d.status.Agents)-1 {
			d.selected++
		}
	case keys.KeyRefresh:
		return d, d.refresh()
	case keys.KeyHelp:
		d.fullHelp = !d.fullHelp
	case keys.KeyEmergency:
		return d, d.send(orchestrator.Intent{Kind: orchestrator.IntentEmergency})
	case keys.KeyExitCritical:
		return d, d.send(orchestrator.Intent{Kind: orchestrator.IntentExitCritical})
	case keys.KeyPause, keys.KeyResume, keys.KeyManual:
		a, ok := d.selectedAgent()
		if !ok {
			return d, nil
		}
		kind := map[keys.KeyName]orchestrator.IntentKind{
			keys.KeyPause:  orchestrator.IntentPause,
			keys.KeyResume: orchestrator.IntentResume,
			keys.KeyManual: orchestrator.IntentManual,
		}[name]
		return d, d.send(orchestrator.Intent{Kind: kind, Agent: a.ID})
	case keys.KeyCopy:
		a, ok := d.selectedAgent()
		if !ok {
			return d, nil
		}
		data, err := json.MarshalIndent(a, "", "  ")
		if err == nil {
			err = d.copy(string(data))
		}
		if err != nil {
			d.notice = dangerStyle.Render("copy: " + err.Error())
		} else {
			d.notice = "copied " + a.ID
		}
	}
	return d, nil
}

func rowZone(id string) string {
	return "agent:" + id
}

func (d *Dashboard) View() string {
	var parts []string
	switch {
	case d.status != nil:
		selected := ""
		if a, ok := d.selectedAgent(); ok {
			selected = a.ID
		}
		parts = append(parts, renderStatus(*d.status, d.width, tableOptions{
			selected: selected,
			mark:     func(id, row string) string { return zone.Mark(rowZone(id), row) },
		}))
	case d.err != nil:
		parts = append(parts, dangerStyle.Render("cannot reach warden: "+d.err.Error()))
	default:
		parts = append(parts, dimStyle.Render("connecting…"))
	}
	if d.status != nil && d.err != nil {
		parts = append(parts, dangerStyle.Render("stale: "+d.err.Error()))
	}

	if len(d.events) > 0 {
		parts = append(parts, sectionStyle.Render("Events"))
		for _, e := range d.events {
			parts = append(parts, clip(formatEvent(e), d.width-2))
		}
	}
	if d.notice != "" {
		parts = append(parts, "", d.notice)
	}
	parts = append(parts, "", d.helpView())
	return zone.Scan(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// helpKeys adapts the global bindings to help.KeyMap.
type helpKeys struct{}

func (helpKeys) ShortHelp() []key.Binding {
	return keys.Bindings(keys.KeyPause, keys.KeyResume, keys.KeyManual, keys.KeyHelp, keys.KeyQuit)
}

func (helpKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		keys.Bindings(keys.KeyUp, keys.KeyDown, keys.KeyRefresh, keys.KeyCopy),
		keys.Bindings(keys.KeyPause, keys.KeyResume, keys.KeyManual),
		keys.Bindings(keys.KeyEmergency, keys.KeyExitCritical),
		keys.Bindings(keys.KeyHelp, keys.KeyQuit),
	}
}

func (d *Dashboard) helpView() string {
	d.help.ShowAll = d.fullHelp
	return strings.TrimRight(d.help.View(helpKeys{}), "\n")
}
