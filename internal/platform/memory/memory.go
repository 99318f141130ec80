// Package memory is an in-process platform that simulates a workspace. It
// backs the test server and the package tests of every consumer of
// platform.Platform. Provisioning and run outcomes are scripted through
// options.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// Option configures a Platform.
type Option func(*Platform)

// WithProvisioning sets how many GetCompute observations a newly created
// compute target stays Creating before settling in final.
func WithProvisioning(polls int, final model.ComputeState) Option {
	return func(p *Platform) {
		p.provisionPolls = polls
		p.provisionFinal = final
	}
}

// WithRunOutcome sets how many GetRun observations a submitted run stays
// Running before settling in final with message.
func WithRunOutcome(polls int, final model.RunStatus, message string) Option {
	return func(p *Platform) {
		p.runPolls = polls
		p.runFinal = final
		p.runMessage = message
	}
}

// WithCreateError makes every CreateCompute call fail with err.
func WithCreateError(err error) Option {
	return func(p *Platform) { p.createErr = err }
}

// WithCreateRace makes CreateCompute behave as if a concurrent creator won:
// the target appears and the call reports platform.ErrAlreadyExists.
func WithCreateRace() Option {
	return func(p *Platform) { p.createRace = true }
}

// WithValidateError makes ValidatePipeline fail with err.
func WithValidateError(err error) Option {
	return func(p *Platform) { p.validateErr = err }
}

// WithSubmitError makes SubmitPipeline fail with err.
func WithSubmitError(err error) Option {
	return func(p *Platform) { p.submitErr = err }
}

type computeEntry struct {
	ref     model.ComputeTargetRef
	pending int
	final   model.ComputeState
}

type runEntry struct {
	info    platform.RunInfo
	job     platform.PipelineJob
	pending int
	final   model.RunStatus
	message string
}

// Platform is a thread-safe simulated workspace.
type Platform struct {
	mu sync.Mutex
	ws model.Workspace

	computes     map[string]*computeEntry
	datastores   map[string]model.DatastoreRef
	environments map[string]model.EnvironmentRef
	runs         map[string]*runEntry
	runOrder     []string
	experiments  map[string]bool
	createCalls  map[string]int
	getCalls     map[string]int
	validations  int

	provisionPolls int
	provisionFinal model.ComputeState
	runPolls       int
	runFinal       model.RunStatus
	runMessage     string
	createErr      error
	createRace     bool
	validateErr    error
	submitErr      error
}

var _ platform.Platform = (*Platform)(nil)

// New returns an empty workspace. By default compute becomes ready after one
// Creating observation and runs succeed after one Running observation.
func New(ws model.Workspace, opts ...Option) *Platform {
	p := &Platform{
		ws:             ws,
		computes:       make(map[string]*computeEntry),
		datastores:     make(map[string]model.DatastoreRef),
		environments:   make(map[string]model.EnvironmentRef),
		runs:           make(map[string]*runEntry),
		experiments:    make(map[string]bool),
		createCalls:    make(map[string]int),
		getCalls:       make(map[string]int),
		provisionPolls: 1,
		provisionFinal: model.ComputeSucceeded,
		runPolls:       1,
		runFinal:       model.RunSucceeded,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workspace implements platform.Platform.
func (p *Platform) Workspace() model.Workspace { return p.ws }

// SeedCompute registers a compute target that exists before any invocation.
func (p *Platform) SeedCompute(name string, profile model.ComputeProfile, state model.ComputeState) model.ComputeTargetRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := model.ComputeTargetRef{Name: name, ID: p.computeID(name), Profile: profile, State: state}
	p.computes[name] = &computeEntry{ref: ref, final: state}
	return ref
}

// SeedDatastore registers a datastore that exists before any invocation.
func (p *Platform) SeedDatastore(name string) model.DatastoreRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := model.DatastoreRef{Name: name, Workspace: p.ws.Name}
	p.datastores[name] = ref
	return ref
}

// CreateCalls reports how many times CreateCompute was called for name.
func (p *Platform) CreateCalls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls[name]
}

// GetCalls reports how many times GetCompute was called for name.
func (p *Platform) GetCalls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getCalls[name]
}

// Validations reports how many times ValidatePipeline was called.
func (p *Platform) Validations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validations
}

// HasExperiment reports whether an experiment has been created by a submission.
func (p *Platform) HasExperiment(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.experiments[name]
}

// Runs returns the submitted jobs in submission order.
func (p *Platform) Runs() []platform.PipelineJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := make([]platform.PipelineJob, 0, len(p.runOrder))
	for _, id := range p.runOrder {
		jobs = append(jobs, p.runs[id].job)
	}
	return jobs
}

// Datastore returns a registered datastore.
func (p *Platform) Datastore(name string) (model.DatastoreRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.datastores[name]
	return ref, ok
}

// GetCompute implements platform.Platform. Each observation of a Creating
// target advances its scripted provisioning by one step.
func (p *Platform) GetCompute(ctx context.Context, name string) (model.ComputeTargetRef, error) {
	if err := ctx.Err(); err != nil {
		return model.ComputeTargetRef{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls[name]++

	e, ok := p.computes[name]
	if !ok {
		return model.ComputeTargetRef{}, fmt.Errorf("compute %q: %w", name, platform.ErrNotFound)
	}
	ref := e.ref
	if e.ref.State == model.ComputeCreating {
		if e.pending <= 0 {
			e.ref.State = e.final
		} else {
			e.pending--
		}
	}
	return ref, nil
}

// CreateCompute implements platform.Platform.
func (p *Platform) CreateCompute(ctx context.Context, name string, profile model.ComputeProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls[name]++

	if p.createErr != nil {
		return p.createErr
	}
	if _, exists := p.computes[name]; exists {
		return fmt.Errorf("compute %q: %w", name, platform.ErrAlreadyExists)
	}
	p.computes[name] = &computeEntry{
		ref: model.ComputeTargetRef{
			Name:    name,
			ID:      p.computeID(name),
			Profile: profile,
			State:   model.ComputeCreating,
		},
		pending: p.provisionPolls,
		final:   p.provisionFinal,
	}
	if p.createRace {
		return fmt.Errorf("compute %q: %w", name, platform.ErrAlreadyExists)
	}
	return nil
}

// RegisterDatastore implements platform.Platform.
func (p *Platform) RegisterDatastore(ctx context.Context, spec platform.DatastoreSpec) (model.DatastoreRef, error) {
	if err := ctx.Err(); err != nil {
		return model.DatastoreRef{}, err
	}
	if spec.Name == "" || spec.AccountName == "" || spec.ContainerName == "" {
		return model.DatastoreRef{}, &platform.APIError{StatusCode: 400, Code: "BadRequest", Message: "datastore name, account and container are required"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := model.DatastoreRef{
		Name:          spec.Name,
		Workspace:     p.ws.Name,
		AccountName:   spec.AccountName,
		ContainerName: spec.ContainerName,
	}
	p.datastores[spec.Name] = ref
	return ref, nil
}

// GetDatastore implements platform.Platform.
func (p *Platform) GetDatastore(ctx context.Context, name string) (model.DatastoreRef, error) {
	if err := ctx.Err(); err != nil {
		return model.DatastoreRef{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.datastores[name]
	if !ok {
		return model.DatastoreRef{}, fmt.Errorf("datastore %q: %w", name, platform.ErrNotFound)
	}
	return ref, nil
}

// RegisterEnvironment implements platform.Platform.
func (p *Platform) RegisterEnvironment(ctx context.Context, spec platform.EnvironmentSpec) (model.EnvironmentRef, error) {
	if err := ctx.Err(); err != nil {
		return model.EnvironmentRef{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := model.EnvironmentRef{
		Name:    spec.Name,
		Version: spec.Version,
		ID:      fmt.Sprintf("%s/environments/%s/versions/%s", p.ws.ID(), spec.Name, spec.Version),
	}
	p.environments[spec.Name+"@"+spec.Version] = ref
	return ref, nil
}

// ValidatePipeline implements platform.Platform. Every datastore and
// compute target the job references must exist.
func (p *Platform) ValidatePipeline(ctx context.Context, job platform.PipelineJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validations++

	if p.validateErr != nil {
		return p.validateErr
	}
	for _, name := range job.Datastores() {
		if _, ok := p.datastores[name]; !ok {
			return &platform.APIError{StatusCode: 400, Code: "UserError", Message: fmt.Sprintf("datastore %q is not registered", name)}
		}
	}
	for _, st := range job.Steps {
		if !p.computeExists(st.ComputeID) {
			return &platform.APIError{StatusCode: 400, Code: "UserError", Message: fmt.Sprintf("step %q: compute %q does not exist", st.Name, st.ComputeID)}
		}
	}
	return nil
}

// SubmitPipeline implements platform.Platform. The experiment is created on
// first use.
func (p *Platform) SubmitPipeline(ctx context.Context, experiment string, job platform.PipelineJob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.submitErr != nil {
		return "", p.submitErr
	}
	if experiment == "" {
		return "", &platform.APIError{StatusCode: 400, Code: "BadRequest", Message: "experiment name is required"}
	}
	p.experiments[experiment] = true

	id := model.NewID()
	job.Experiment = experiment
	p.runs[id] = &runEntry{
		info:    platform.RunInfo{ID: id, Experiment: experiment, Status: model.RunSubmitted},
		job:     job,
		pending: p.runPolls,
		final:   p.runFinal,
		message: p.runMessage,
	}
	p.runOrder = append(p.runOrder, id)
	return id, nil
}

// GetRun implements platform.Platform. The first observation moves a run to
// Running; later ones count down to the scripted outcome.
func (p *Platform) GetRun(ctx context.Context, runID string) (platform.RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return platform.RunInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.runs[runID]
	if !ok {
		return platform.RunInfo{}, fmt.Errorf("run %q: %w", runID, platform.ErrNotFound)
	}
	switch e.info.Status {
	case model.RunSubmitted:
		e.info.Status = model.RunRunning
	case model.RunRunning:
		if e.pending <= 0 {
			e.info.Status = e.final
			e.info.Message = e.message
		} else {
			e.pending--
		}
	}
	return e.info, nil
}

func (p *Platform) computeID(name string) string {
	return p.ws.ID() + "/computes/" + name
}

func (p *Platform) computeExists(id string) bool {
	for _, e := range p.computes {
		if e.ref.ID == id {
			return true
		}
	}
	return false
}
