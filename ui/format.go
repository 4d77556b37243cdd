package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/ansi"
)

// clip shortens plain text to width cells.
func clip(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// pad right-fills s, which may already carry colour codes, to width cells.
func pad(s string, width int) string {
	if gap := width - ansi.PrintableRuneWidth(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// humanDuration prints d at minute resolution, or seconds when shorter than a minute.
func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func eta(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	if !t.After(now) {
		return "due"
	}
	return humanDuration(t.Sub(now))
}

func gb(v float64) string {
	return fmt.Sprintf("%.1f", v)
}
