package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/seantiz/pipetrigger/internal/compute"
	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/pipeline"
	"github.com/seantiz/pipetrigger/internal/poll"
	"github.com/seantiz/pipetrigger/internal/store"
	"github.com/seantiz/pipetrigger/internal/supervisor"
)

var (
	// ErrRunFailed is returned when the pipeline run ends in a state other
	// than Succeeded.
	ErrRunFailed = errors.New("pipeline run did not succeed")

	// ErrNoDeployment is returned when no deployment's trigger rule matches
	// the blob.
	ErrNoDeployment = errors.New("no deployment matches blob")
)

// DefaultTimeout bounds an invocation when Options.Timeout is unset.
const DefaultTimeout = 2 * time.Hour

// Options configures an Engine.
type Options struct {
	Timeout time.Duration
	Poll    poll.Config
}

// Engine runs invocations and records them in the ledger.
type Engine struct {
	store    store.Store
	registry *Registry
	logger   *slog.Logger
	broker   *EventBroker
	opts     Options
	wg       sync.WaitGroup

	// base parents every submitted invocation; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc
}

// NewEngine creates a new invocation engine.
func NewEngine(s store.Store, reg *Registry, logger *slog.Logger, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewEventBroker(),
		opts:     opts,
		base:     base,
		cancel:   cancel,
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Registry returns the deployments the engine routes to.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Handle runs the invocation for ev on the calling goroutine, bounded by ctx
// and the engine timeout, and returns the final ledger record. A duplicate
// delivery yields a skipped record and a nil error. When the run fails
// remotely the record is returned together with an error wrapping
// ErrRunFailed.
func (e *Engine) Handle(ctx context.Context, ev model.BlobEvent) (*model.Invocation, error) {
	inv, dep, err := e.admit(ctx, ev)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return inv, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	return e.execute(ctx, inv, dep)
}

// Submit records the invocation for ev as pending and runs it in a
// goroutine that outlives ctx but not Shutdown. The returned record is a
// snapshot taken before execution.
func (e *Engine) Submit(ctx context.Context, ev model.BlobEvent) (*model.Invocation, error) {
	inv, dep, err := e.admit(ctx, ev)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return inv, nil
	}

	invCopy := *inv
	e.wg.Go(func() {
		ctx, cancel := context.WithTimeout(e.base, e.opts.Timeout)
		defer cancel()
		// The outcome is recorded in the ledger.
		_, _ = e.execute(ctx, &invCopy, dep)
	})
	return inv, nil
}

// Wait blocks until all submitted invocations complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every submitted invocation still in flight and waits for
// them to record their outcome. Invocations submitted afterwards fail
// immediately.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// admit routes ev, suppresses duplicate deliveries and records the pending
// invocation. A nil deployment means the event was recorded as skipped.
func (e *Engine) admit(ctx context.Context, ev model.BlobEvent) (*model.Invocation, *Deployment, error) {
	if ev.Name == "" {
		return nil, nil, errors.New("blob name is required")
	}
	dep, err := e.registry.Resolve(ev.Container, ev.Name)
	if err != nil {
		invocationsTotal.WithLabelValues("", "unrouted").Inc()
		e.logger.Warn("no deployment for blob", "container", ev.Container, "blob", ev.Name, "source", ev.Source)
		return nil, nil, err
	}

	now := time.Now().UTC()
	inv := &model.Invocation{
		ID:         model.NewID(),
		EventID:    ev.ID,
		Source:     ev.Source,
		Profile:    dep.Profile.Name,
		Container:  ev.Container,
		BlobName:   ev.Name,
		Status:     model.StatusPending,
		Phase:      model.PhaseQueued,
		Compute:    dep.Profile.Compute.Name,
		Experiment: dep.Profile.Experiment,
		CreatedAt:  now,
	}

	if ev.ID != "" {
		prev, err := e.store.FindByEvent(ctx, ev.Source, ev.ID)
		switch {
		case err == nil && prev.Status != model.StatusFailed:
			inv.Status = model.StatusSkipped
			inv.Phase = model.PhaseDone
			inv.Error = "duplicate of invocation " + prev.ID
			inv.FinishedAt = &now
			if err := e.store.CreateInvocation(ctx, inv); err != nil {
				return nil, nil, fmt.Errorf("create invocation: %w", err)
			}
			e.broker.Close(inv.ID)
			invocationsTotal.WithLabelValues(inv.Profile, model.StatusSkipped).Inc()
			e.logger.Info("duplicate event skipped",
				"invocation_id", inv.ID, "event_id", ev.ID, "duplicate_of", prev.ID, "status", prev.Status)
			return inv, nil, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, nil, fmt.Errorf("check duplicate event: %w", err)
		}
	}

	if err := e.store.CreateInvocation(ctx, inv); err != nil {
		return nil, nil, fmt.Errorf("create invocation: %w", err)
	}
	e.logger.Info("invocation accepted",
		"invocation_id", inv.ID, "profile", inv.Profile, "container", inv.Container, "blob", inv.BlobName, "source", inv.Source)
	return inv, dep, nil
}

// execute drives inv through every phase: pending→running→completed/failed.
func (e *Engine) execute(ctx context.Context, inv *model.Invocation, dep *Deployment) (*model.Invocation, error) {
	defer e.broker.Close(inv.ID)

	// Ledger writes must land even after ctx is canceled or times out.
	wctx := context.WithoutCancel(ctx)
	start := time.Now().UTC()

	if err := e.store.UpdateInvocationStatus(wctx, inv.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "invocation_id", inv.ID, "error", err)
		return e.finish(wctx, inv, start, fmt.Errorf("start invocation: %w", err))
	}
	inv.Status = model.StatusRunning
	inv.StartedAt = &start

	r := &run{
		engine: e,
		inv:    inv,
		dep:    dep,
		wctx:   wctx,
		logger: e.logger.With("invocation_id", inv.ID, "profile", inv.Profile),
	}
	err := r.pipeline(ctx)
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("invocation deadline reached in phase %s: %w", inv.Phase, err)
	case ctx.Err() != nil:
		err = fmt.Errorf("invocation canceled in phase %s: %w", inv.Phase, err)
	}
	return e.finish(wctx, inv, start, err)
}

// finish records the terminal state of inv.
func (e *Engine) finish(ctx context.Context, inv *model.Invocation, start time.Time, runErr error) (*model.Invocation, error) {
	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	inv.DurationMS = &dur
	inv.FinishedAt = &now
	if inv.StartedAt == nil {
		inv.StartedAt = &start
	}

	if runErr != nil {
		inv.Status = model.StatusFailed
		inv.Error = runErr.Error()
	} else {
		inv.Status = model.StatusCompleted
		inv.Phase = model.PhaseDone
	}

	if err := e.store.UpdateInvocation(ctx, inv); err != nil {
		e.logger.Error("failed to record invocation outcome", "invocation_id", inv.ID, "error", err)
	}
	invocationsTotal.WithLabelValues(inv.Profile, inv.Status).Inc()
	invocationDuration.WithLabelValues(inv.Profile).Observe(float64(dur) / 1000)

	if runErr != nil {
		e.logger.Error("invocation failed",
			"invocation_id", inv.ID, "profile", inv.Profile, "phase", inv.Phase,
			"run_id", inv.RunID, "run_status", inv.RunStatus, "error", runErr)
		return inv, runErr
	}
	e.logger.Info("invocation completed",
		"invocation_id", inv.ID, "profile", inv.Profile, "run_id", inv.RunID, "duration_ms", dur)
	return inv, nil
}

// run is the state of one executing invocation.
type run struct {
	engine *Engine
	inv    *model.Invocation
	dep    *Deployment
	wctx   context.Context
	logger *slog.Logger
	seq    int
}

// emit persists a progress line and publishes it to live subscribers.
func (r *run) emit(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	seq := r.seq
	r.seq++
	if err := r.engine.store.InsertEventLine(r.wctx, r.inv.ID, seq, line); err != nil {
		r.logger.Error("failed to persist event line", "seq", seq, "error", err)
	}
	r.engine.broker.Publish(model.EventLine{
		InvocationID: r.inv.ID,
		Seq:          seq,
		Line:         line,
		CreatedAt:    time.Now().UTC(),
	})
}

func (r *run) phase(phase string) {
	r.inv.Phase = phase
	if err := r.engine.store.UpdateInvocation(r.wctx, r.inv); err != nil {
		r.logger.Error("failed to record phase", "phase", phase, "error", err)
	}
	r.logger.Debug("invocation phase", "phase", phase)
}

func (r *run) pipeline(ctx context.Context) error {
	p := r.dep.Profile
	plat := r.dep.Platform
	ws := plat.Workspace()

	r.phase(model.PhaseDatastores)
	stores := make(map[string]model.DatastoreRef)
	for _, spec := range r.dep.datastoreSpecs() {
		ref, err := plat.RegisterDatastore(ctx, spec)
		if err != nil {
			return fmt.Errorf("register datastore %q: %w", spec.Name, err)
		}
		stores[spec.Name] = ref
		r.emit("datastore %s registered for %s/%s", spec.Name, spec.AccountName, spec.ContainerName)
	}
	lookup := func(name string) (model.DatastoreRef, error) {
		if ref, ok := stores[name]; ok {
			return ref, nil
		}
		ref, err := plat.GetDatastore(ctx, name)
		if err != nil {
			return model.DatastoreRef{}, fmt.Errorf("attach datastore %q: %w", name, err)
		}
		stores[name] = ref
		r.emit("datastore %s attached", name)
		return ref, nil
	}

	r.phase(model.PhaseEnvironment)
	env, err := plat.RegisterEnvironment(ctx, r.dep.environmentSpec())
	if err != nil {
		return fmt.Errorf("register environment %q: %w", p.Environment.Name, err)
	}
	r.emit("environment %s:%s registered", env.Name, env.Version)

	r.phase(model.PhaseCompute)
	prov := compute.NewProvisioner(plat, compute.Options{Poll: r.engine.opts.Poll, Logger: r.logger})
	target, err := prov.Ensure(ctx, p.Compute.Name, model.ComputeProfile{VMSize: p.Compute.VMSize})
	if err != nil {
		return err
	}
	r.emit("compute %s ready (%s)", target.Name, target.Profile.VMSize)

	r.phase(model.PhaseCompose)
	spec := pipeline.StepSpec{
		Name:        p.Step.Name,
		Script:      p.Step.Script,
		SourceDir:   p.Step.SourceDir,
		CodeID:      p.Step.CodeID,
		Environment: env,
		Compute:     target,
	}
	for _, in := range p.Inputs {
		ds, err := lookup(in.Datastore)
		if err != nil {
			return err
		}
		ref := pipeline.DataReference{Name: in.Name, Store: ds, PathOnDatastore: in.Path}
		spec.Inputs = append(spec.Inputs, ref)
		spec.Args = append(spec.Args, pipeline.Lit(in.Flag), pipeline.Ref(ref))
	}
	outStore, err := lookup(p.Output.Datastore)
	if err != nil {
		return err
	}
	out := pipeline.PipelineData{Name: p.Output.Name, Store: outStore}
	spec.Outputs = []pipeline.Binding{out}
	spec.Args = append(spec.Args, pipeline.Lit(p.Output.Flag), pipeline.Ref(out))

	step, err := pipeline.BuildStep(spec)
	if err != nil {
		return err
	}
	composed, err := pipeline.NewComposer(plat).Compose(ctx, ws, p.Experiment, step)
	if err != nil {
		return err
	}
	r.emit("pipeline composed: %s %v", step.Script(), step.CommandLine())

	r.phase(model.PhaseRun)
	tags := maps.Clone(p.Tags)
	if tags == nil {
		tags = make(map[string]string)
	}
	tags["pipetrigger.invocation"] = r.inv.ID
	tags["pipetrigger.blob"] = r.inv.Container + "/" + r.inv.BlobName

	sup := supervisor.New(plat, supervisor.Options{
		Poll:     r.engine.opts.Poll,
		Tags:     tags,
		Logger:   r.logger,
		Observer: r.observeRun,
	})
	res, err := sup.SubmitAndWait(ctx, composed, p.Experiment)
	if res.RunID != "" {
		r.inv.RunID = res.RunID
		r.inv.RunStatus = string(res.Status)
	}
	if err != nil {
		return err
	}
	r.emit("run %s finished: %s", res.RunID, res.Status)
	if !res.Succeeded() {
		if res.Message != "" {
			return fmt.Errorf("%w: run %s finished %s: %s", ErrRunFailed, res.RunID, res.Status, res.Message)
		}
		return fmt.Errorf("%w: run %s finished %s", ErrRunFailed, res.RunID, res.Status)
	}
	return nil
}

func (r *run) observeRun(runID string, from, to model.RunStatus) {
	r.inv.RunID = runID
	r.inv.RunStatus = string(to)
	if err := r.engine.store.UpdateInvocation(r.wctx, r.inv); err != nil {
		r.logger.Error("failed to record run status", "run_id", runID, "error", err)
	}
	r.emit("run %s: %s -> %s", runID, from, to)
}
