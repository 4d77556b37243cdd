package keys

import (
	"github.com/charmbracelet/bubbles/key"
)

type KeyName int

const (
	KeyUp KeyName = iota
	KeyDown
	KeyPause
	KeyResume
	KeyManual
	KeyEmergency
	KeyExitCritical
	KeyCopy
	KeyRefresh
	KeyHelp
	KeyQuit
)

// GlobalKeyStringsMap maps a key press, as bubbletea prints it, to its action.
var GlobalKeyStringsMap = map[string]KeyName{
	"up":     KeyUp,
	"k":      KeyUp,
	"down":   KeyDown,
	"j":      KeyDown,
	"p":      KeyPause,
	"r":      KeyResume,
	"m":      KeyManual,
	"E":      KeyEmergency,
	"X":      KeyExitCritical,
	"y":      KeyCopy,
	"g":      KeyRefresh,
	"?":      KeyHelp,
	"q":      KeyQuit,
	"ctrl+c": KeyQuit,
}

// GlobalkeyBindings holds the help text for every action.
var GlobalkeyBindings = map[KeyName]key.Binding{
	KeyUp: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	KeyDown: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	KeyPause: key.NewBinding(
		key.WithKeys("p"),
		key.WithHelp("p", "pause"),
	),
	KeyResume: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "resume"),
	),
	KeyManual: key.NewBinding(
		key.WithKeys("m"),
		key.WithHelp("m", "manual"),
	),
	KeyEmergency: key.NewBinding(
		key.WithKeys("E"),
		key.WithHelp("E", "emergency"),
	),
	KeyExitCritical: key.NewBinding(
		key.WithKeys("X"),
		key.WithHelp("X", "exit critical"),
	),
	KeyCopy: key.NewBinding(
		key.WithKeys("y"),
		key.WithHelp("y", "copy agent"),
	),
	KeyRefresh: key.NewBinding(
		key.WithKeys("g"),
		key.WithHelp("g", "refresh"),
	),
	KeyHelp: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	KeyQuit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Lookup resolves a key press.
func Lookup(pressed string) (KeyName, bool) {
	name, ok := GlobalKeyStringsMap[pressed]
	return name, ok
}

// Bindings returns the bindings for names, in order.
func Bindings(names ...KeyName) []key.Binding {
	out := make([]key.Binding, 0, len(names))
	for _, n := range names {
		out = append(out, GlobalkeyBindings[n])
	}
	return out
}
