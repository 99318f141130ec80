package pipeline

import (
	"fmt"
	"slices"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// Pipeline is a validated, immutable set of steps bound to one workspace.
type Pipeline struct {
	workspace  model.Workspace
	experiment string
	steps      []*Step
	order      []string
	children   map[string][]string
}

// Workspace returns the workspace the pipeline was composed in.
func (p *Pipeline) Workspace() model.Workspace { return p.workspace }

// Experiment returns the experiment name given at composition.
func (p *Pipeline) Experiment() string { return p.experiment }

// Steps returns the steps in declaration order.
func (p *Pipeline) Steps() []*Step { return slices.Clone(p.steps) }

// Order returns step names in dependency order.
func (p *Pipeline) Order() []string { return slices.Clone(p.order) }

// Children returns the steps that consume an output of step.
func (p *Pipeline) Children(step string) []string { return slices.Clone(p.children[step]) }

// Parents returns the steps whose outputs step consumes.
func (p *Pipeline) Parents(step string) []string {
	var parents []string
	for _, name := range p.order {
		if slices.Contains(p.children[name], step) {
			parents = append(parents, name)
		}
	}
	return parents
}

// Job returns the platform description of the pipeline with steps in
// dependency order.
func (p *Pipeline) Job() platform.PipelineJob {
	byName := make(map[string]*Step, len(p.steps))
	for _, st := range p.steps {
		byName[st.name] = st
	}
	job := platform.PipelineJob{
		DisplayName: p.displayName(),
		Experiment:  p.experiment,
	}
	for _, name := range p.order {
		job.Steps = append(job.Steps, byName[name].job())
	}
	return job
}

func (p *Pipeline) displayName() string {
	if len(p.order) == 0 {
		return p.experiment
	}
	return fmt.Sprintf("%s-%s", p.experiment, p.order[0])
}
