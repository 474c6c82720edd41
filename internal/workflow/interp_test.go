package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"A": "x", "LONG": "y"}

	tests := []struct {
		in   string
		want string
	}{
		{"echo $A ${LONG}", "echo x y"},
		{"echo ${A}${LONG}", "echo xy"},
		{"no refs here", "no refs here"},
		{"unknown $UNSET stays", "unknown $UNSET stays"},
		{"unknown ${UNSET} stays", "unknown ${UNSET} stays"},
		{"$A$A", "xx"},
		// $AB is one name, not $A followed by B.
		{"echo $AB", "echo $AB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Interpolate(tt.in, vars), tt.in)
	}
}

func TestInterpolateIdempotent(t *testing.T) {
	vars := map[string]string{"A": "x", "LONG": "y"}
	once := Interpolate("echo $A ${LONG}", vars)
	assert.Equal(t, once, Interpolate(once, vars))
}

func TestInterpolateEmptyVars(t *testing.T) {
	assert.Equal(t, "echo $A", Interpolate("echo $A", nil))
}

func TestMergeVars(t *testing.T) {
	a := map[string]string{"A": "1", "B": "2"}
	b := map[string]string{"B": "3", "C": "4"}
	got := mergeVars(a, b)
	assert.Equal(t, map[string]string{"A": "1", "B": "3", "C": "4"}, got)
	// Inputs are untouched.
	assert.Equal(t, "2", a["B"])
}
