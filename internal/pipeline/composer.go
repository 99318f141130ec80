package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// Validator checks a composed job against the remote platform.
type Validator interface {
	ValidatePipeline(ctx context.Context, job platform.PipelineJob) error
}

// Composer aggregates steps into pipelines.
type Composer struct {
	validator Validator
}

// NewComposer returns a Composer that asks v to validate every pipeline
// that passes local checks. A nil v skips remote validation.
func NewComposer(v Validator) *Composer {
	return &Composer{validator: v}
}

// Compose validates steps as a data-flow graph in workspace ws and returns
// the resulting pipeline. All local issues are reported together in a
// *ValidationError. Nothing is registered on the platform.
func (c *Composer) Compose(ctx context.Context, ws model.Workspace, experiment string, steps ...*Step) (*Pipeline, error) {
	issues := &ValidationError{}
	if strings.TrimSpace(experiment) == "" {
		issues.Add("experiment name is required")
	}
	if len(steps) == 0 {
		issues.Add("pipeline has no steps")
	}

	var unique []*Step
	seen := make(map[string]struct{}, len(steps))
	producers := make(map[string]string)
	for i, st := range steps {
		if st == nil {
			issues.Add("step[%d] is nil", i)
			continue
		}
		if _, dup := seen[st.name]; dup {
			issues.Add("duplicate step name %q", st.name)
			continue
		}
		seen[st.name] = struct{}{}
		unique = append(unique, st)

		for _, out := range st.outputs {
			pd, ok := out.(PipelineData)
			if !ok {
				issues.Add("step %q: output %q is not bound to pipeline data", st.name, out.BindingName())
				continue
			}
			if strings.TrimSpace(pd.Name) == "" {
				issues.Add("step %q: output has no name", st.name)
				continue
			}
			if pd.Store.Name == "" {
				issues.Add("step %q: output %q has no datastore", st.name, pd.Name)
			}
			if prev, exists := producers[pd.Name]; exists {
				issues.Add("output %q is produced by steps %q and %q", pd.Name, prev, st.name)
				continue
			}
			producers[pd.Name] = st.name
		}
	}

	adj := make(map[string][]string, len(unique))
	for _, st := range unique {
		for _, b := range st.inputs {
			if b.Datastore().Name == "" {
				issues.Add("step %q: input %q has no datastore", st.name, b.BindingName())
			}
			pd, ok := b.(PipelineData)
			if !ok {
				continue
			}
			producer, found := producers[pd.Name]
			if !found {
				issues.Add("step %q: input %q is not produced by any step", st.name, pd.Name)
				continue
			}
			adj[producer] = append(adj[producer], st.name)
		}
		for _, b := range append(st.Inputs(), st.outputs...) {
			ds := b.Datastore()
			if ds.Name != "" && ds.Workspace != ws.Name {
				issues.Add("step %q: datastore %q of binding %q belongs to workspace %q, not %q",
					st.name, ds.Name, b.BindingName(), ds.Workspace, ws.Name)
			}
		}
	}

	order, acyclic := topoOrder(unique, adj)
	if !acyclic {
		issues.Add("step graph contains a cycle")
	}

	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		workspace:  ws,
		experiment: experiment,
		steps:      unique,
		order:      order,
		children:   adj,
	}
	if c.validator != nil {
		if err := c.validator.ValidatePipeline(ctx, p.Job()); err != nil {
			return nil, fmt.Errorf("%w: remote: %w", ErrValidationFailed, err)
		}
	}
	return p, nil
}

// topoOrder returns step names in dependency order. Among steps whose
// producers are all placed, declaration order wins. ok is false when the
// graph has a cycle.
func topoOrder(steps []*Step, adj map[string][]string) ([]string, bool) {
	indegree := make(map[string]int, len(steps))
	for _, children := range adj {
		for _, c := range children {
			indegree[c]++
		}
	}

	order := make([]string, 0, len(steps))
	placed := make(map[string]bool, len(steps))
	for len(order) < len(steps) {
		progressed := false
		for _, st := range steps {
			if placed[st.name] || indegree[st.name] > 0 {
				continue
			}
			placed[st.name] = true
			order = append(order, st.name)
			for _, c := range adj[st.name] {
				indegree[c]--
			}
			progressed = true
		}
		if !progressed {
			return nil, false
		}
	}
	return order, true
}
