// Package workflow is the queue-backed executor for declarative step
// trees. Shell leaves run inside workspace containers; composites add
// parallel, sequential and conditional structure around them.
package workflow

import (
	"fmt"

	"github.com/termflux/termflux/internal/errs"
)

// StepKind tags the step variant.
type StepKind string

const (
	KindShell       StepKind = "shell"
	KindParallel    StepKind = "parallel"
	KindSequential  StepKind = "sequential"
	KindConditional StepKind = "conditional"
	KindWait        StepKind = "wait"
)

// On-failure policies.
const (
	FailStop     = "stop"
	FailContinue = "continue"
	FailRetry    = "retry"
)

// DefaultShellTimeoutSec bounds shell steps that declare no timeout.
const DefaultShellTimeoutSec = 300

// DefaultWaitSec is the wait-step sleep when no timeout is declared.
const DefaultWaitSec = 1

// Step is one node of a workflow definition. Shell and wait are leaves;
// parallel, sequential and conditional carry nested steps.
type Step struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Kind       StepKind          `json:"kind"`
	Command    string            `json:"command,omitempty"`
	Steps      []Step            `json:"steps,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
	Retries    int               `json:"retries,omitempty"`
	OnFailure  string            `json:"onFailure,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	// DependsOn is advisory; execution order is declaration order.
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Step result statuses.
const (
	StepSuccess   = "success"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
	StepCancelled = "cancelled"
)

// StepResult records one step's outcome in execution order.
type StepResult struct {
	StepID      string `json:"stepId"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	Output      string `json:"output,omitempty"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	DurationMS  int64  `json:"durationMs"`
}

// ValidateSteps checks a step tree recursively: known kinds, leaves
// without children, composites with children, parallel children
// restricted to shell.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errs.NewValidation("steps", "workflow has no steps")
	}
	for i := range steps {
		if err := validateStep(&steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step) error {
	if s.ID == "" {
		return errs.NewValidation("step.id", "required")
	}
	switch s.OnFailure {
	case "", FailStop, FailContinue, FailRetry:
	default:
		return errs.NewValidation("step.onFailure", fmt.Sprintf("step %s: unknown policy %q", s.ID, s.OnFailure))
	}

	switch s.Kind {
	case KindShell:
		if s.Command == "" {
			return errs.NewValidation("step.command", fmt.Sprintf("shell step %s requires a command", s.ID))
		}
		if len(s.Steps) > 0 {
			return errs.NewValidation("step.steps", fmt.Sprintf("shell step %s is a leaf", s.ID))
		}
	case KindWait:
		if len(s.Steps) > 0 {
			return errs.NewValidation("step.steps", fmt.Sprintf("wait step %s is a leaf", s.ID))
		}
	case KindParallel:
		if len(s.Steps) == 0 {
			return errs.NewValidation("step.steps", fmt.Sprintf("parallel step %s requires nested steps", s.ID))
		}
		for i := range s.Steps {
			if s.Steps[i].Kind != KindShell {
				return errs.NewValidation("step.steps",
					fmt.Sprintf("parallel step %s: child %s must be shell", s.ID, s.Steps[i].ID))
			}
			if err := validateStep(&s.Steps[i]); err != nil {
				return err
			}
		}
	case KindSequential:
		if len(s.Steps) == 0 {
			return errs.NewValidation("step.steps", fmt.Sprintf("sequential step %s requires nested steps", s.ID))
		}
		for i := range s.Steps {
			if err := validateStep(&s.Steps[i]); err != nil {
				return err
			}
		}
	case KindConditional:
		if s.Condition == "" {
			return errs.NewValidation("step.condition", fmt.Sprintf("conditional step %s requires a condition", s.ID))
		}
		if len(s.Steps) == 0 {
			return errs.NewValidation("step.steps", fmt.Sprintf("conditional step %s requires nested steps", s.ID))
		}
		for i := range s.Steps {
			if err := validateStep(&s.Steps[i]); err != nil {
				return err
			}
		}
	default:
		return errs.NewValidation("step.kind", fmt.Sprintf("step %s: unknown kind %q", s.ID, s.Kind))
	}
	return nil
}
