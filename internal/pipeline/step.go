package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// StepSpec is the input to BuildStep.
type StepSpec struct {
	Name        string
	Script      string
	SourceDir   string
	CodeID      string
	Args        []Arg
	Inputs      []Binding
	Outputs     []Binding
	Environment model.EnvironmentRef
	Compute     model.ComputeTargetRef
}

// Step is one immutable processing step.
type Step struct {
	name        string
	script      string
	sourceDir   string
	codeID      string
	args        []Arg
	inputs      []Binding
	outputs     []Binding
	environment model.EnvironmentRef
	compute     model.ComputeTargetRef
}

// BuildStep validates spec and returns the step it describes. Every
// placeholder argument must reference a declared input or output and the
// compute target must be a resolved reference.
func BuildStep(spec StepSpec) (*Step, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("build step: name is required")
	}
	if strings.TrimSpace(spec.Script) == "" {
		return nil, fmt.Errorf("build step %q: script is required", spec.Name)
	}

	declared := make(map[string]Binding, len(spec.Inputs)+len(spec.Outputs))
	for _, b := range slices.Concat(spec.Inputs, spec.Outputs) {
		if b == nil {
			return nil, fmt.Errorf("build step %q: nil binding", spec.Name)
		}
		name := b.BindingName()
		if _, dup := declared[name]; dup {
			return nil, fmt.Errorf("build step %q: duplicate binding %q", spec.Name, name)
		}
		declared[name] = b
	}

	for i, arg := range spec.Args {
		b, ok := arg.Binding()
		if !ok {
			continue
		}
		if d, found := declared[b.BindingName()]; !found || d != b {
			return nil, &UnboundArgumentError{Step: spec.Name, Position: i, Binding: b.BindingName()}
		}
	}

	if !spec.Compute.Resolved() {
		return nil, fmt.Errorf("build step %q: %w: %q", spec.Name, ErrUnresolvedCompute, spec.Compute.Name)
	}

	return &Step{
		name:        spec.Name,
		script:      spec.Script,
		sourceDir:   spec.SourceDir,
		codeID:      spec.CodeID,
		args:        slices.Clone(spec.Args),
		inputs:      slices.Clone(spec.Inputs),
		outputs:     slices.Clone(spec.Outputs),
		environment: spec.Environment,
		compute:     spec.Compute,
	}, nil
}

func (s *Step) Name() string { return s.name }
func (s *Step) Script() string { return s.script }
func (s *Step) SourceDir() string { return s.sourceDir }
func (s *Step) CodeID() string { return s.codeID }
func (s *Step) Args() []Arg { return slices.Clone(s.args) }
func (s *Step) Inputs() []Binding { return slices.Clone(s.inputs) }
func (s *Step) Outputs() []Binding { return slices.Clone(s.outputs) }
func (s *Step) Environment() model.EnvironmentRef { return s.environment }
func (s *Step) Compute() model.ComputeTargetRef { return s.compute }

// CommandLine renders the arguments with placeholders shown as {name}.
func (s *Step) CommandLine() []string {
	out := make([]string, len(s.args))
	for i, a := range s.args {
		out[i] = a.String()
	}
	return out
}

func (s *Step) job() platform.JobStep {
	js := platform.JobStep{
		Name:          s.name,
		Script:        s.script,
		SourceDir:     s.sourceDir,
		CodeID:        s.codeID,
		EnvironmentID: s.environment.ID,
		ComputeID:     s.compute.ID,
	}
	for _, b := range s.inputs {
		js.Inputs = append(js.Inputs, b.jobBinding(platform.KindInput))
	}
	for _, b := range s.outputs {
		js.Outputs = append(js.Outputs, b.jobBinding(platform.KindOutput))
	}
	for _, a := range s.args {
		if b, ok := a.Binding(); ok {
			kind := platform.KindInput
			if slices.Contains(s.outputs, b) {
				kind = platform.KindOutput
			}
			jb := b.jobBinding(kind)
			js.Args = append(js.Args, platform.JobArg{Binding: &jb})
			continue
		}
		js.Args = append(js.Args, platform.JobArg{Literal: a.literal})
	}
	return js
}
