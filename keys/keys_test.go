package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEveryKeyHasABinding(t *testing.T) {
	for pressed, name := range GlobalKeyStringsMap {
		binding, ok := GlobalkeyBindings[name]
		if assert.True(t, ok, "no binding for %q", pressed) {
			assert.Contains(t, binding.Keys(), pressed)
		}
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		pressed string
		want    KeyName
		ok      bool
	}{
		{pressed: "j", want: KeyDown, ok: true},
		{pressed: "ctrl+c", want: KeyQuit, ok: true},
		{pressed: "E", want: KeyEmergency, ok: true},
		{pressed: "e", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.pressed, func(t *testing.T) {
			got, ok := Lookup(tt.pressed)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestBindingsKeepOrder(t *testing.T) {
	got := Bindings(KeyPause, KeyQuit)
	if assert.Len(t, got, 2) {
		assert.Equal(t, "pause", got[0].Help().Desc)
		assert.Equal(t, "quit", got[1].Help().Desc)
	}
}
