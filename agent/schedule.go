package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a daily activation window in minutes since midnight. Both ends are inclusive and
// a window whose end is before its start wraps past midnight.
type Window struct {
	Start int
	End   int
}

// Contains reports whether the minute of day m falls inside the window.
func (w Window) Contains(m int) bool {
	if w.Start <= w.End {
		return m >= w.Start && m <= w.End
	}
	return m >= w.Start || m <= w.End
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// ParseSchedule parses comma separated "HH:MM-HH:MM" windows.
func ParseSchedule(s string) ([]Window, error) {
	var windows []Window
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("schedule window %q: expected HH:MM-HH:MM", part)
		}
		start, err := parseClock(from)
		if err != nil {
			return nil, fmt.Errorf("schedule window %q: %w", part, err)
		}
		end, err := parseClock(to)
		if err != nil {
			return nil, fmt.Errorf("schedule window %q: %w", part, err)
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("schedule %q has no windows", s)
	}
	return windows, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Compile parses the descriptor's schedule once so IsInSchedule does not re-parse it.
func (d *Descriptor) Compile() error {
	d.windows = nil
	if !d.Scheduled() {
		return nil
	}
	windows, err := ParseSchedule(d.Schedule)
	if err != nil {
		return fmt.Errorf("agent %s: %w", d.ID, err)
	}
	d.windows = windows
	return nil
}

// IsInSchedule reports whether the agent may be active at now by schedule alone.
func IsInSchedule(d Descriptor, now time.Time) bool {
	if d.AlwaysActive {
		return true
	}
	if d.ManualOnly || d.Schedule == "" {
		return false
	}
	windows := d.windows
	if windows == nil {
		var err error
		if windows, err = ParseSchedule(d.Schedule); err != nil {
			return false
		}
	}
	m := now.Hour()*60 + now.Minute()
	for _, w := range windows {
		if w.Contains(m) {
			return true
		}
	}
	return false
}
