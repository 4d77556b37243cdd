package resource

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{RAM, "ram"},
		{CPU, "cpu"},
		{GPU, "gpu"},
		{Kind(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

func TestVectorArithmetic(t *testing.T) {
	a := Vector{RAM: 8, CPU: 2, GPU: 4}
	b := Vector{RAM: 6, CPU: 3, GPU: 0}

	assert.Equal(t, Vector{RAM: 14, CPU: 5, GPU: 4}, a.Add(b))
	assert.Equal(t, Vector{RAM: 2, CPU: 0, GPU: 4}, a.Sub(b), "sub clamps at zero")
	assert.Equal(t, Vector{RAM: 6, CPU: 2, GPU: 0}, a.Min(b))
	assert.True(t, Vector{}.IsZero())
	assert.False(t, a.IsZero())
	assert.True(t, Vector{CPU: -1}.Negative())
}

func TestVectorValid(t *testing.T) {
	tests := []struct {
		name string
		v    Vector
		want bool
	}{
		{name: "zero", v: Vector{}, want: true},
		{name: "positive", v: Vector{RAM: 4, CPU: 2, GPU: 1}, want: true},
		{name: "negative", v: Vector{CPU: -1}, want: false},
		{name: "nan", v: Vector{RAM: math.NaN()}, want: false},
		{name: "inf", v: Vector{GPU: math.Inf(1)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Valid())
		})
	}
}

func TestVectorExceeds(t *testing.T) {
	limit := Vector{RAM: 16, CPU: 8, GPU: 10}

	_, over := Vector{RAM: 16, CPU: 8, GPU: 10}.Exceeds(limit)
	assert.False(t, over, "equal to the limit fits")

	kind, over := Vector{RAM: 4, CPU: 2, GPU: 11}.Exceeds(limit)
	assert.True(t, over)
	assert.Equal(t, GPU, kind)

	kind, over = Vector{RAM: 17, CPU: 9}.Exceeds(limit)
	assert.True(t, over)
	assert.Equal(t, RAM, kind, "reports the first category in allocation order")
}
