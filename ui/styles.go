package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/probe"
)

const (
	runningIcon = "● "
	pausedIcon  = "‖ "
	idleIcon    = "○ "
	errorIcon   = "✗ "
	selectIcon  = "▸ "
)

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#dddddd"})

var headerStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"})

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"})

var readyStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#51bd73", Dark: "#51bd73"})

var notifyStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F0A868"))

var dangerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#de613e"))

var pausedStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#888888", Dark: "#888888"})

var selectedStyle = lipgloss.NewStyle().
	Background(lipgloss.AdaptiveColor{Light: "#dde4f0", Dark: "#2a3140"})

var sectionStyle = lipgloss.NewStyle().
	MarginTop(1).
	Bold(true).
	Foreground(lipgloss.Color("#7EC8D8"))

var boxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.AdaptiveColor{Light: "#b0b0b0", Dark: "#444444"}).
	Padding(0, 1)

func statusCell(s agent.Status) string {
	switch s {
	case agent.StatusActive:
		return readyStyle.Render(runningIcon + s.String())
	case agent.StatusCriticalActive:
		return notifyStyle.Render(runningIcon + s.String())
	case agent.StatusPaused:
		return pausedStyle.Render(pausedIcon + s.String())
	case agent.StatusError:
		return dangerStyle.Render(errorIcon + s.String())
	default:
		return dimStyle.Render(idleIcon + s.String())
	}
}

func modeCell(m mode.Mode) string {
	label := "mode " + m.String()
	switch m {
	case mode.Normal:
		return readyStyle.Render(label)
	case mode.Emergency:
		return dangerStyle.Render(label)
	default:
		return notifyStyle.Render(label)
	}
}

func alertStyle(l probe.Level) lipgloss.Style {
	if l == probe.LevelCritical {
		return dangerStyle
	}
	return notifyStyle
}
