package probe

import (
	"fmt"
	"time"
)

// Level is the severity of an alert.
type Level int

const (
	LevelWarning Level = iota
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "warning":
		*l = LevelWarning
	case "critical":
		*l = LevelCritical
	default:
		return fmt.Errorf("unknown alert level %q", b)
	}
	return nil
}

// Alert is a threshold crossing observed in one snapshot.
type Alert struct {
	Level   Level     `json:"level"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Band is a warning/critical pair in percent or degrees.
type Band struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// AlertThresholds configures alert generation. These are advisory and distinct from the
// emergency thresholds that change the operating mode.
type AlertThresholds struct {
	CPU  Band `json:"cpu"`
	RAM  Band `json:"ram"`
	GPU  Band `json:"gpu"`
	Temp Band `json:"temp"`
}

// DefaultAlertThresholds returns the stock warning and critical bands.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		CPU:  Band{Warning: 75, Critical: 90},
		RAM:  Band{Warning: 80, Critical: 90},
		GPU:  Band{Warning: 85, Critical: 95},
		Temp: Band{Warning: 75, Critical: 85},
	}
}

// Evaluate returns the alerts raised by s.
func (t AlertThresholds) Evaluate(s Snapshot) []Alert {
	var alerts []Alert
	check := func(kind string, value float64, band Band, format string) {
		var level Level
		switch {
		case value > band.Critical:
			level = LevelCritical
		case value > band.Warning:
			level = LevelWarning
		default:
			return
		}
		alerts = append(alerts, Alert{
			Level:   level,
			Kind:    kind,
			Message: fmt.Sprintf(format, value),
			Time:    s.Time,
		})
	}

	check("cpu", s.CPULoadPercent, t.CPU, "CPU at %.1f%%")
	check("ram", s.RAMUsedPercent, t.RAM, "RAM at %.1f%%")
	for _, g := range s.GPUs {
		check("gpu", g.LoadPercent, t.GPU, fmt.Sprintf("GPU %d at %%.1f%%%%", g.Index))
		check("temperature", g.TempC, t.Temp, fmt.Sprintf("GPU %d at %%.1f°C", g.Index))
	}
	if s.CPUTempC > 0 {
		check("temperature", s.CPUTempC, t.Temp, "CPU at %.1f°C")
	}
	return alerts
}

// Recommendations returns operator hints for s.
func Recommendations(s Snapshot) []string {
	var recs []string
	switch {
	case s.CPULoadPercent > 80:
		recs = append(recs, "consider pausing low-priority agents")
	case s.CPULoadPercent < 30:
		recs = append(recs, "CPU headroom available for more agents")
	}
	switch {
	case s.RAMUsedPercent > 85:
		recs = append(recs, "RAM critical: hibernate non-essential agents")
	case s.RAMAvailableGB > 10:
		recs = append(recs, "RAM headroom available for additional agents")
	}
	for _, g := range s.GPUs {
		switch {
		case g.LoadPercent > 90:
			recs = append(recs, fmt.Sprintf("GPU %d saturated: defer GPU work", g.Index))
		case g.LoadPercent < 20:
			recs = append(recs, fmt.Sprintf("GPU %d idle: GPU work can be scheduled", g.Index))
		}
	}
	return recs
}
