package azureml

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

type jobResource struct {
	ID         string        `json:"id,omitempty"`
	Name       string        `json:"name,omitempty"`
	Properties jobProperties `json:"properties"`
}

type jobProperties struct {
	JobType        string                `json:"jobType"`
	DisplayName    string                `json:"displayName,omitempty"`
	ExperimentName string                `json:"experimentName,omitempty"`
	Status         string                `json:"status,omitempty"`
	Tags           map[string]string     `json:"tags,omitempty"`
	Jobs           map[string]commandJob `json:"jobs,omitempty"`
}

type commandJob struct {
	JobType       string               `json:"jobType"`
	Command       string               `json:"command"`
	CodeID        string               `json:"codeId,omitempty"`
	EnvironmentID string               `json:"environmentId"`
	ComputeID     string               `json:"computeId"`
	Inputs        map[string]jobInput  `json:"inputs,omitempty"`
	Outputs       map[string]jobOutput `json:"outputs,omitempty"`
}

type jobInput struct {
	JobInputType string `json:"jobInputType"`
	URI          string `json:"uri"`
	Mode         string `json:"mode,omitempty"`
}

type jobOutput struct {
	JobOutputType string `json:"jobOutputType"`
	URI           string `json:"uri,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

// ValidatePipeline implements platform.Platform by checking that every
// datastore, environment and compute target the job references exists in
// the workspace.
func (c *Client) ValidatePipeline(ctx context.Context, job platform.PipelineJob) error {
	var missing []string
	check := func(kind, url string) error {
		err := c.get(ctx, url, nil)
		if errors.Is(err, platform.ErrNotFound) {
			missing = append(missing, kind)
			return nil
		}
		return err
	}

	for _, ds := range job.Datastores() {
		if err := check("datastore "+ds, c.resourceURL("/datastores/"+ds)); err != nil {
			return fmt.Errorf("validate datastore %q: %w", ds, err)
		}
	}
	for _, st := range job.Steps {
		if st.ComputeID == "" || st.EnvironmentID == "" {
			missing = append(missing, fmt.Sprintf("step %s compute or environment", st.Name))
			continue
		}
		if err := check("compute "+st.ComputeID, c.armURL(st.ComputeID)); err != nil {
			return fmt.Errorf("validate compute of step %q: %w", st.Name, err)
		}
		if err := check("environment "+st.EnvironmentID, c.armURL(st.EnvironmentID)); err != nil {
			return fmt.Errorf("validate environment of step %q: %w", st.Name, err)
		}
	}
	if len(missing) > 0 {
		return &platform.APIError{
			StatusCode: 400,
			Code:       "ValidationError",
			Message:    "referenced resources do not exist: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// SubmitPipeline implements platform.Platform. The experiment is created by
// the service on first use. A step without a code ID has its source
// directory uploaded and registered as a code version first.
func (c *Client) SubmitPipeline(ctx context.Context, experiment string, job platform.PipelineJob) (string, error) {
	if experiment == "" {
		return "", errors.New("experiment name is required")
	}
	job.Steps = slices.Clone(job.Steps)
	for i := range job.Steps {
		st := &job.Steps[i]
		if st.CodeID != "" || st.SourceDir == "" {
			continue
		}
		id, err := c.ensureCode(ctx, st.Name, st.SourceDir)
		if err != nil {
			return "", fmt.Errorf("code of step %q: %w", st.Name, err)
		}
		st.CodeID = id
	}

	name := "pipetrigger-" + uuid.NewString()
	body := jobResource{Properties: pipelineJob(experiment, job)}

	var res jobResource
	if err := c.put(ctx, c.resourceURL("/jobs/"+name), body, &res, nil); err != nil {
		return "", fmt.Errorf("submit job %s: %w", name, err)
	}
	if res.Name != "" {
		name = res.Name
	}
	return name, nil
}

// GetRun implements platform.Platform.
func (c *Client) GetRun(ctx context.Context, runID string) (platform.RunInfo, error) {
	if runID == "" {
		return platform.RunInfo{}, errors.New("run id is required")
	}
	var res jobResource
	if err := c.get(ctx, c.resourceURL("/jobs/"+runID), &res); err != nil {
		return platform.RunInfo{}, err
	}
	status := runStatus(res.Properties.Status)
	info := platform.RunInfo{
		ID:         runID,
		Experiment: res.Properties.ExperimentName,
		Status:     status,
	}
	if status == model.RunFailed || status == model.RunCanceled {
		info.Message = "job status " + res.Properties.Status
	}
	return info, nil
}

func pipelineJob(experiment string, job platform.PipelineJob) jobProperties {
	props := jobProperties{
		JobType:        "Pipeline",
		DisplayName:    job.DisplayName,
		ExperimentName: experiment,
		Tags:           job.Tags,
		Jobs:           make(map[string]commandJob, len(job.Steps)),
	}
	for _, st := range job.Steps {
		cmd := commandJob{
			JobType:       "Command",
			Command:       commandLine(st),
			CodeID:        st.CodeID,
			EnvironmentID: st.EnvironmentID,
			ComputeID:     st.ComputeID,
			Inputs:        make(map[string]jobInput, len(st.Inputs)),
			Outputs:       make(map[string]jobOutput, len(st.Outputs)),
		}
		for _, in := range st.Inputs {
			cmd.Inputs[in.Name] = jobInput{JobInputType: "uri_file", URI: dataURI(in), Mode: "ro_mount"}
		}
		for _, out := range st.Outputs {
			cmd.Outputs[out.Name] = jobOutput{JobOutputType: "uri_folder", URI: dataURI(out), Mode: "rw_mount"}
		}
		props.Jobs[st.Name] = cmd
	}
	return props
}

// commandLine renders a step invocation with binding placeholders in the
// service's ${{inputs.x}} / ${{outputs.x}} expression syntax.
func commandLine(st platform.JobStep) string {
	parts := []string{"python", st.Script}
	for _, a := range st.Args {
		if a.Binding == nil {
			parts = append(parts, a.Literal)
			continue
		}
		scope := "inputs"
		if a.Binding.Kind == platform.KindOutput {
			scope = "outputs"
		}
		parts = append(parts, fmt.Sprintf("${{%s.%s}}", scope, a.Binding.Name))
	}
	return strings.Join(parts, " ")
}

func dataURI(b platform.JobBinding) string {
	if b.Kind == platform.KindOutput && b.Path == "" {
		return fmt.Sprintf("azureml://datastores/%s/paths/azureml/${{name}}/%s/", b.Datastore, b.Name)
	}
	return fmt.Sprintf("azureml://datastores/%s/paths/%s", b.Datastore, strings.TrimPrefix(b.Path, "/"))
}

func runStatus(raw string) model.RunStatus {
	switch strings.ToLower(raw) {
	case "running", "finalizing", "cancelrequested":
		return model.RunRunning
	case "completed":
		return model.RunSucceeded
	case "failed", "notresponding":
		return model.RunFailed
	case "canceled":
		return model.RunCanceled
	default:
		return model.RunSubmitted
	}
}
