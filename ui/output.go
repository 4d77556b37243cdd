package ui

import (
	"encoding/json"
	"io"
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Styled reports whether w is a terminal that should get the rendered views. Pipes, files
// and NO_COLOR get JSON instead.
func Styled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	return !termenv.EnvNoColor()
}

// Width returns the terminal width of w, or DefaultWidth.
func Width(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			return cols
		}
	}
	return DefaultWidth
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Print renders v with render on a terminal and as JSON anywhere else.
func Print[T any](w io.Writer, v T, render func(T, int) string) error {
	if !Styled(w) {
		return WriteJSON(w, v)
	}
	_, err := io.WriteString(w, render(v, Width(w))+"\n")
	return err
}
