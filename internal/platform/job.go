package platform

// Binding kinds.
const (
	KindInput  = "input"
	KindOutput = "output"
)

// PipelineJob is the platform-neutral description of a composed pipeline.
type PipelineJob struct {
	DisplayName string
	Experiment  string
	Steps       []JobStep
	Tags        map[string]string
}

// JobStep is one processing step of a pipeline job.
type JobStep struct {
	Name          string
	Script        string
	SourceDir     string
	CodeID        string
	Args          []JobArg
	Inputs        []JobBinding
	Outputs       []JobBinding
	EnvironmentID string
	ComputeID     string
}

// JobArg is either a literal or a placeholder for a binding. The platform
// substitutes placeholders with data locations at run time.
type JobArg struct {
	Literal string
	Binding *JobBinding
}

// JobBinding is a data reference or pipeline output used by a step.
type JobBinding struct {
	Kind      string
	Name      string
	Datastore string
	Path      string
}

// Datastores returns the distinct datastore names referenced by the job in
// first-use order.
func (j PipelineJob) Datastores() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, st := range j.Steps {
		for _, b := range st.Inputs {
			add(b.Datastore)
		}
		for _, b := range st.Outputs {
			add(b.Datastore)
		}
	}
	return names
}
