package ui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
)

const (
	DefaultWidth = 100
	barWidth     = 20
	hotFraction  = 0.85
)

// tableOptions customise the agent table for interactive use.
type tableOptions struct {
	selected string
	mark     func(id, row string) string
}

// RenderStatus draws the report the status command prints.
func RenderStatus(r orchestrator.StatusReport, width int) string {
	return renderStatus(r, width, tableOptions{})
}

func renderStatus(r orchestrator.StatusReport, width int, opts tableOptions) string {
	if width <= 0 {
		width = DefaultWidth
	}
	parts := []string{
		renderHeader(r),
		renderResources(r),
		sectionStyle.Render("Agents"),
		renderAgents(r, width, opts),
		sectionStyle.Render("Queue"),
		renderQueue(r),
	}
	if len(r.Alerts) > 0 {
		parts = append(parts, sectionStyle.Render("Alerts"))
		for _, a := range r.Alerts {
			line := fmt.Sprintf("%s [%s] %s", a.Time.Format("15:04:05"), a.Level, a.Message)
			parts = append(parts, alertStyle(a.Level).Render(wordwrap.String(line, width-2)))
		}
	}
	if len(r.Recommendations) > 0 {
		parts = append(parts, sectionStyle.Render("Recommendations"))
		for _, rec := range r.Recommendations {
			parts = append(parts, wordwrap.String("- "+rec, width-2))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderHeader(r orchestrator.StatusReport) string {
	loop := dangerStyle.Render("loop stopped")
	if r.Running {
		loop = readyStyle.Render("loop running")
	}
	last := "never"
	if r.LastCycle != nil {
		last = r.LastCycle.Format("15:04:05")
	}
	head := fmt.Sprintf("%s  %s  %s  cycle %d  last %s",
		GradientText("warden", titleGradientStart, titleGradientEnd), modeCell(r.Mode.Mode), loop, r.Cycle, last)

	var detail string
	switch r.Mode.Mode {
	case mode.Critical:
		detail = fmt.Sprintf("critical: %s running %s", r.Mode.CriticalAgent, orDash(r.Mode.CriticalTask))
		if r.Mode.Description != "" {
			detail += " (" + r.Mode.Description + ")"
		}
	case mode.Emergency:
		detail = "emergency: " + strings.Join(r.Mode.EmergencyCause, ", ")
	case mode.Maintenance:
		detail = "maintenance: no agent is started"
	}
	if detail == "" {
		return head
	}
	return lipgloss.JoinVertical(lipgloss.Left, head, notifyStyle.Render(detail))
}

func renderResources(r orchestrator.StatusReport) string {
	rows := []string{
		usageRow("RAM", r.Committed.RAM, r.Ceiling.RAM, "GB"),
		usageRow("CPU", r.Committed.CPU, r.Ceiling.CPU, "threads"),
		usageRow("GPU", r.Committed.GPU, r.Ceiling.GPU, "GB"),
	}
	if s := r.Snapshot; s != nil {
		host := fmt.Sprintf("host  ram %s/%s GB free  cpu %.0f%% %.0f°C  gpu %.0f%% %.0f°C  disk %s/%s GB free",
			gb(s.RAMAvailableGB), gb(s.RAMTotalGB), s.CPULoadPercent, s.CPUTempC,
			s.GPULoadPercent, s.GPUTempC, gb(s.DiskFreeGB), gb(s.DiskTotalGB))
		rows = append(rows, dimStyle.Render(host))
	} else {
		rows = append(rows, dimStyle.Render("host  no reading yet"))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func usageRow(label string, used, ceiling float64, unit string) string {
	frac := 0.0
	if ceiling > 0 {
		frac = used / ceiling
	}
	return fmt.Sprintf("%-4s %s %s/%s %s committed", label, UsageBar(barWidth, frac, hotFraction), gb(used), gb(ceiling), unit)
}

type column struct {
	title string
	width int
}

var agentColumns = []column{
	{"AGENT", 14},
	{"STATUS", 18},
	{"TASK", 18},
	{"PROGRESS", 18},
	{"ETA", 7},
	{"QUEUED", 7},
	{"NOTE", 0},
}

func renderAgents(r orchestrator.StatusReport, width int, opts tableOptions) string {
	fixed := 0
	for _, c := range agentColumns {
		fixed += c.width + 1
	}
	noteWidth := max(10, width-fixed-2)

	var header strings.Builder
	header.WriteString("  ")
	for _, c := range agentColumns {
		header.WriteString(pad(c.title, c.width) + " ")
	}
	lines := []string{headerStyle.Render(strings.TrimRight(header.String(), " "))}

	for _, a := range r.Agents {
		progress := "-"
		if a.CurrentTask != "" {
			progress = fmt.Sprintf("%s %3.0f%%", UsageBar(10, a.Progress/100, 0), a.Progress)
		}
		note := a.PauseReason
		switch {
		case a.CurrentStep != "":
			note = a.CurrentStep
		case a.Schedule != "" && note == "":
			note = "window " + a.Schedule
			if !a.InSchedule {
				note += " (out)"
			}
		}
		cells := []string{
			clip(a.ID, 14),
			statusCell(a.Status),
			clip(orDash(a.CurrentTask), 18),
			progress,
			eta(a.ETA, r.Time),
			fmt.Sprintf("%d", a.Pending),
			clip(note, noteWidth),
		}
		var row strings.Builder
		prefix := "  "
		if a.ID == opts.selected {
			prefix = selectIcon
		}
		row.WriteString(prefix)
		for i, c := range agentColumns {
			row.WriteString(pad(cells[i], c.width) + " ")
		}
		line := strings.TrimRight(row.String(), " ")
		if a.ID == opts.selected {
			line = selectedStyle.Render(line)
		}
		if opts.mark != nil {
			line = opts.mark(a.ID, line)
		}
		lines = append(lines, line)
	}
	if len(r.Agents) == 0 {
		lines = append(lines, dimStyle.Render("  no agents configured"))
	}
	return strings.Join(lines, "\n")
}

func renderQueue(r orchestrator.StatusReport) string {
	parts := make([]string, 0, len(queue.Tiers)+2)
	for _, t := range queue.Tiers {
		parts = append(parts, fmt.Sprintf("%s %d", t, r.QueueByTier[t.String()]))
	}
	parts = append(parts, fmt.Sprintf("pending %d", r.Pending), fmt.Sprintf("in flight %d", r.InFlight))
	return strings.Join(parts, "  ")
}

// RenderOverview draws the long-form report.
func RenderOverview(ov orchestrator.Overview, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	parts := []string{renderStatus(ov.StatusReport, width, tableOptions{})}

	parts = append(parts, sectionStyle.Render("Agents by status"))
	statuses := make([]string, 0, len(ov.ByStatus))
	for s := range ov.ByStatus {
		statuses = append(statuses, s)
	}
	slices.Sort(statuses)
	for _, s := range statuses {
		ids := slices.Clone(ov.ByStatus[s])
		slices.Sort(ids)
		parts = append(parts, wordwrap.String(fmt.Sprintf("%-16s %s", s, strings.Join(ids, ", ")), width-2))
	}

	parts = append(parts, sectionStyle.Render("Tasks"),
		fmt.Sprintf("pending %d  running %d  completed %d  failed %d",
			ov.Tasks.Pending, ov.Tasks.Running, ov.Tasks.Completed, ov.Tasks.Failed))

	if len(ov.UptimeHours) > 0 {
		parts = append(parts, sectionStyle.Render("Uptime (hours)"))
		ids := make([]string, 0, len(ov.UptimeHours))
		for id := range ov.UptimeHours {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%-14s %8.2f", id, ov.UptimeHours[id]))
		}
	}

	if len(ov.Allocator) > 0 {
		parts = append(parts, sectionStyle.Render("Allocator"))
		kinds := make([]string, 0, len(ov.Allocator))
		for k := range ov.Allocator {
			kinds = append(kinds, k)
		}
		slices.Sort(kinds)
		for _, k := range kinds {
			s := ov.Allocator[k]
			parts = append(parts, fmt.Sprintf("%-4s current %s  peak %s  acquired %d  refused %d",
				k, gb(s.Current), gb(s.Peak), s.Acquisitions, s.Failures))
		}
		for _, h := range ov.Holdings {
			parts = append(parts, dimStyle.Render(fmt.Sprintf("  %-22s ram %s cpu %s gpu %s",
				h.Holder, gb(h.Amount.RAM), gb(h.Amount.CPU), gb(h.Amount.GPU))))
		}
	}

	parts = append(parts, renderMetrics(ov)...)

	if len(ov.Events) > 0 {
		parts = append(parts, sectionStyle.Render("Recent events"))
		for _, e := range ov.Events {
			parts = append(parts, clip(formatEvent(e), width-2))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderMetrics(ov orchestrator.Overview) []string {
	m := ov.Metrics
	if len(m.Counters) == 0 && len(m.Gauges) == 0 && len(m.Timers) == 0 {
		return nil
	}
	out := []string{sectionStyle.Render("Metrics")}
	names := make([]string, 0, len(m.Counters))
	for n := range m.Counters {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		out = append(out, fmt.Sprintf("%-26s %d", n, m.Counters[n]))
	}
	names = names[:0]
	for n := range m.Gauges {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		out = append(out, fmt.Sprintf("%-26s %.2f", n, m.Gauges[n]))
	}
	names = names[:0]
	for n := range m.Timers {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		s := m.Timers[n]
		out = append(out, fmt.Sprintf("%-26s n=%d mean=%.3fs p95=%.3fs max=%.3fs", n, s.Count, s.Mean, s.P95, s.Max))
	}
	return out
}

func formatEvent(e orchestrator.Event) string {
	subject := e.Agent
	if e.Task != "" {
		subject = strings.Trim(subject+"/"+e.Task, "/")
	}
	if subject != "" {
		subject = " " + subject
	}
	return fmt.Sprintf("%s %-18s%s %s", e.Timestamp.Format("15:04:05"), e.Type, subject, e.Message)
}

// RenderAgent draws the detail view of one agent.
func RenderAgent(d orchestrator.AgentDetail, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	desc, st := d.Descriptor, d.State
	lines := []string{
		fmt.Sprintf("%s  %s", titleStyle.Render(desc.ID), statusCell(st.Status)),
		fmt.Sprintf("tier %d  group %s  schedule %s  in window %t", desc.Tier, orDash(desc.Group), orDash(desc.Schedule), d.InSchedule),
		fmt.Sprintf("needs ram %s GB  cpu %s threads  gpu %s GB", gb(desc.Resources.RAM), gb(desc.Resources.CPU), gb(desc.Resources.GPU)),
		fmt.Sprintf("tasks completed %d  failed %d  avg %s", st.TasksCompleted, st.TasksFailed, humanDuration(st.AvgTaskDuration)),
	}
	if st.PauseReason != "" {
		lines = append(lines, pausedStyle.Render("paused: "+st.PauseReason))
	}
	if len(desc.Command) > 0 {
		lines = append(lines, dimStyle.Render(clip("command: "+strings.Join(desc.Command, " "), width-2)))
	}
	if cp := d.Checkpoint; cp != nil {
		lines = append(lines, sectionStyle.Render("Current task"),
			fmt.Sprintf("%s (%s)  %s %.1f%%", cp.TaskID, cp.TaskType, UsageBar(barWidth, cp.Progress/100, 0), cp.Progress),
			fmt.Sprintf("step %s  units %d/%d  resumed %d×  eta %s", orDash(cp.CurrentStep), cp.ProcessedUnits, cp.TotalUnits, cp.ResumeCount, eta(cp.EstimatedCompletion, cp.LastUpdate)))
		if cp.LastError != "" {
			lines = append(lines, dangerStyle.Render(wordwrap.String("last error: "+cp.LastError, width-2)))
		}
	}
	if len(d.Pending) > 0 {
		lines = append(lines, sectionStyle.Render("Queued"))
		for _, t := range d.Pending {
			lines = append(lines, fmt.Sprintf("%-10s %-20s priority %2d  %s", t.Tier, clip(t.ID, 20), t.Priority, t.Type))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Summary is the one-line status a foreground loop prints every few cycles.
func Summary(r orchestrator.StatusReport) string {
	running := 0
	for _, a := range r.Agents {
		if a.Status.Running() {
			running++
		}
	}
	return fmt.Sprintf("cycle %d  mode %s  agents %d/%d running  queue %d pending %d in flight  ram %s/%s cpu %s/%s gpu %s/%s",
		r.Cycle, r.Mode.Mode, running, len(r.Agents), r.Pending, r.InFlight,
		gb(r.Committed.RAM), gb(r.Ceiling.RAM), gb(r.Committed.CPU), gb(r.Ceiling.CPU), gb(r.Committed.GPU), gb(r.Ceiling.GPU))
}
