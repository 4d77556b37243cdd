package ui

import (
	"fmt"
	"strings"
)

// parseHex converts "#RRGGBB" to (r, g, b) uint8 values.
func parseHex(hex string) (uint8, uint8, uint8) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return 0, 0, 0
	}
	var r, g, b uint8
	_, _ = fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b)
	return r, g, b
}

func lerpByte(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}

func truecolor(sb *strings.Builder, r, g, b uint8) {
	fmt.Fprintf(sb, "\033[38;2;%d;%d;%dm", r, g, b)
}

// GradientText renders text with a left-to-right truecolor gradient. Newlines are kept.
func GradientText(text, startHex, endHex string) string {
	if text == "" {
		return ""
	}
	r1, g1, b1 := parseHex(startHex)
	r2, g2, b2 := parseHex(endHex)

	visible := len([]rune(strings.ReplaceAll(text, "\n", "")))
	if visible == 0 {
		return text
	}

	var sb strings.Builder
	idx := 0
	for _, r := range text {
		if r == '\n' {
			sb.WriteRune('\n')
			continue
		}
		t := 0.0
		if visible > 1 {
			t = float64(idx) / float64(visible-1)
		}
		truecolor(&sb, lerpByte(r1, r2, t), lerpByte(g1, g2, t), lerpByte(b1, b2, t))
		sb.WriteRune(r)
		idx++
	}
	sb.WriteString("\033[0m")
	return sb.String()
}

// Colours of the title in the status header.
const (
	titleGradientStart = "#F0A868"
	titleGradientEnd   = "#7EC8D8"
)

// Gauge colours, from calm to alarming.
const (
	gaugeLow  = "#51bd73"
	gaugeMid  = "#F0A868"
	gaugeHigh = "#de613e"
)

// UsageBar renders a bar of width cells filled to fraction. The fill fades from green
// towards orange, and to red once fraction passes hot.
func UsageBar(width int, fraction, hot float64) string {
	if width <= 0 {
		return ""
	}
	fraction = min(max(fraction, 0), 1)
	filled := int(fraction*float64(width) + 0.5)
	end := gaugeMid
	if hot > 0 && fraction >= hot {
		end = gaugeHigh
	}
	r1, g1, b1 := parseHex(gaugeLow)
	r2, g2, b2 := parseHex(end)

	var sb strings.Builder
	for i := 0; i < filled; i++ {
		t := 0.0
		if width > 1 {
			t = float64(i) / float64(width-1)
		}
		truecolor(&sb, lerpByte(r1, r2, t), lerpByte(g1, g2, t), lerpByte(b1, b2, t))
		sb.WriteString("█")
	}
	if filled < width {
		sb.WriteString("\033[38;2;60;60;60m")
		sb.WriteString(strings.Repeat("░", width-filled))
	}
	sb.WriteString("\033[0m")
	return sb.String()
}
