package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnboundArgument   = errors.New("argument references an undeclared binding")
	ErrUnresolvedCompute = errors.New("step compute target is not resolved")
	ErrValidationFailed  = errors.New("pipeline validation failed")
)

// UnboundArgumentError reports a placeholder argument whose binding is not
// declared as an input or output of the step.
type UnboundArgumentError struct {
	Step     string
	Position int
	Binding  string
}

func (e *UnboundArgumentError) Error() string {
	return fmt.Sprintf("step %q: argument %d references undeclared binding %q", e.Step, e.Position, e.Binding)
}

// Is reports whether target is ErrUnboundArgument.
func (e *UnboundArgumentError) Is(target error) bool {
	return target == ErrUnboundArgument
}

// ValidationError aggregates every local validation issue found while
// composing a pipeline.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrValidationFailed.Error()
	}
	return ErrValidationFailed.Error() + ": " + strings.Join(e.Issues, "; ")
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Add records an issue. Blank issues are ignored.
func (e *ValidationError) Add(format string, args ...any) {
	issue := fmt.Sprintf(format, args...)
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

// OrNil returns e when it holds issues and nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
