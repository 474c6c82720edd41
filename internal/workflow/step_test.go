package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflux/termflux/internal/errs"
)

func TestValidateStepsAcceptsNestedTree(t *testing.T) {
	steps := []Step{
		{ID: "prep", Kind: KindShell, Command: "make deps"},
		{ID: "build", Kind: KindParallel, Steps: []Step{
			{ID: "lint", Kind: KindShell, Command: "make lint"},
			{ID: "test", Kind: KindShell, Command: "make test"},
		}},
		{ID: "gate", Kind: KindConditional, Condition: "test -f ok", Steps: []Step{
			{ID: "deploy", Kind: KindSequential, Steps: []Step{
				{ID: "push", Kind: KindShell, Command: "make push"},
				{ID: "pause", Kind: KindWait, TimeoutSec: 2},
			}},
		}},
	}
	assert.NoError(t, ValidateSteps(steps))
}

func TestValidateStepsRejections(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{"empty tree", nil},
		{"missing id", []Step{{Kind: KindShell, Command: "x"}}},
		{"unknown kind", []Step{{ID: "a", Kind: "magic"}}},
		{"shell without command", []Step{{ID: "a", Kind: KindShell}}},
		{"shell with children", []Step{{ID: "a", Kind: KindShell, Command: "x",
			Steps: []Step{{ID: "b", Kind: KindShell, Command: "y"}}}}},
		{"wait with children", []Step{{ID: "a", Kind: KindWait,
			Steps: []Step{{ID: "b", Kind: KindShell, Command: "y"}}}}},
		{"parallel without children", []Step{{ID: "a", Kind: KindParallel}}},
		{"parallel with composite child", []Step{{ID: "a", Kind: KindParallel,
			Steps: []Step{{ID: "b", Kind: KindSequential,
				Steps: []Step{{ID: "c", Kind: KindShell, Command: "y"}}}}}}},
		{"conditional without condition", []Step{{ID: "a", Kind: KindConditional,
			Steps: []Step{{ID: "b", Kind: KindShell, Command: "y"}}}}},
		{"sequential without children", []Step{{ID: "a", Kind: KindSequential}}},
		{"bad onFailure", []Step{{ID: "a", Kind: KindShell, Command: "x", OnFailure: "explode"}}},
		{"nested invalid", []Step{{ID: "a", Kind: KindSequential,
			Steps: []Step{{ID: "b", Kind: KindShell}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps)
			var verr *errs.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}
