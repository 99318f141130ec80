package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/pipetrigger/internal/compute"
	"github.com/seantiz/pipetrigger/internal/config"
	"github.com/seantiz/pipetrigger/internal/engine"
	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
	"github.com/seantiz/pipetrigger/internal/platform/memory"
	"github.com/seantiz/pipetrigger/internal/poll"
	"github.com/seantiz/pipetrigger/internal/store"
)

var fastPoll = poll.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}

func testWorkspace() model.Workspace {
	return model.Workspace{Name: "mlws", SubscriptionID: "sub", ResourceGroup: "rg"}
}

// testProfile writes a script and conda file to a temp dir and returns a
// profile pointing at them.
func testProfile(t *testing.T) config.Profile {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "validate_and_combine.py"), []byte("print('ok')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	conda := "name: env\nchannels:\n  - conda-forge\ndependencies:\n  - python=3.10\n  - pandas\n"
	if err := os.WriteFile(filepath.Join(dir, "conda.yml"), []byte(conda), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.Profile{
		Name:       "default",
		Trigger:    config.TriggerRule{Container: "uploads"},
		Workspace:  testWorkspace(),
		Experiment: "experiment_pipeline",
		Compute:    config.ComputeSpec{Name: "taskmlflow-inst", VMSize: "Standard_DS2_v2"},
		Datastores: []config.DatastoreSpec{
			{Name: "outputstore", AccountName: "outacct", ContainerName: "output", KeySecret: "k1", AccountKey: "key1"},
			{Name: "inputstore", AccountName: "inacct", ContainerName: "input", KeySecret: "k2", AccountKey: "key2"},
		},
		Inputs: []config.InputSpec{
			{Name: "input1", Datastore: "inputstore", Path: "departmentsinput1.csv", Flag: "--input1"},
			{Name: "input2", Datastore: "inputstore", Path: "employeesinput2.csv", Flag: "--input2"},
		},
		Output:      config.OutputSpec{Name: "output_data", Datastore: "outputstore", Flag: "--output"},
		Step:        config.StepSpec{Name: "validate_and_combine", Script: "validate_and_combine.py", SourceDir: dir},
		Environment: config.EnvironmentSpec{Name: "env", CondaFile: filepath.Join(dir, "conda.yml")},
		Tags:        map[string]string{"team": "data"},
	}
}

type harness struct {
	engine *engine.Engine
	store  store.Store
	plat   *memory.Platform
}

func newHarness(t *testing.T, opts ...memory.Option) harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	plat := memory.New(testWorkspace(), opts...)
	dep, err := engine.NewDeployment(testProfile(t), plat)
	if err != nil {
		t.Fatalf("NewDeployment: %v", err)
	}
	reg := engine.NewRegistry()
	if err := reg.Register(dep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng := engine.NewEngine(s, reg, slog.New(slog.DiscardHandler), engine.Options{Poll: fastPoll, Timeout: 5 * time.Second})
	return harness{engine: eng, store: s, plat: plat}
}

func blobEvent(id string) model.BlobEvent {
	return model.BlobEvent{
		ID:        id,
		Source:    model.SourceEventGrid,
		Container: "uploads",
		Name:      "departmentsinput1.csv",
		Time:      time.Now().UTC(),
	}
}

func TestHandleCreatesComputeAndRunsPipeline(t *testing.T) {
	h := newHarness(t, memory.WithProvisioning(2, model.ComputeSucceeded))

	inv, err := h.engine.Handle(context.Background(), blobEvent("evt-1"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if inv.Status != model.StatusCompleted || inv.Phase != model.PhaseDone {
		t.Errorf("status/phase = %s/%s", inv.Status, inv.Phase)
	}
	if inv.RunID == "" || inv.RunStatus != string(model.RunSucceeded) {
		t.Errorf("run = %q/%q", inv.RunID, inv.RunStatus)
	}
	if inv.DurationMS == nil || inv.StartedAt == nil || inv.FinishedAt == nil {
		t.Errorf("timing not recorded: %+v", inv)
	}
	if n := h.plat.CreateCalls("taskmlflow-inst"); n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}

	runs := h.plat.Runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	job := runs[0]
	if job.Experiment != "experiment_pipeline" || job.Tags["team"] != "data" || job.Tags["pipetrigger.invocation"] != inv.ID {
		t.Errorf("job = %+v", job)
	}
	var args []string
	for _, a := range job.Steps[0].Args {
		if a.Binding != nil {
			args = append(args, a.Binding.Datastore+":"+a.Binding.Name+":"+a.Binding.Path)
			continue
		}
		args = append(args, a.Literal)
	}
	want := []string{
		"--input1", "inputstore:input1:departmentsinput1.csv",
		"--input2", "inputstore:input2:employeesinput2.csv",
		"--output", "outputstore:output_data:",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	stored, err := h.store.GetInvocation(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if stored.Status != model.StatusCompleted || stored.RunID != inv.RunID {
		t.Errorf("stored = %+v", stored)
	}

	lines, err := h.store.GetEventLines(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetEventLines: %v", err)
	}
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1].Line, "Succeeded") {
		t.Errorf("event lines = %+v", lines)
	}
}

func TestHandleReusesExistingCompute(t *testing.T) {
	h := newHarness(t)
	h.plat.SeedCompute("taskmlflow-inst", model.ComputeProfile{VMSize: "Standard_DS2_v2"}, model.ComputeSucceeded)

	if _, err := h.engine.Handle(context.Background(), blobEvent("evt-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := h.plat.CreateCalls("taskmlflow-inst"); n != 0 {
		t.Errorf("create calls = %d, want 0", n)
	}
}

func TestHandleRunFailed(t *testing.T) {
	h := newHarness(t, memory.WithRunOutcome(0, model.RunFailed, "script exited with code 1"))

	inv, err := h.engine.Handle(context.Background(), blobEvent("evt-1"))
	if !errors.Is(err, engine.ErrRunFailed) {
		t.Fatalf("err = %v, want ErrRunFailed", err)
	}
	if inv == nil {
		t.Fatal("failed invocation record not returned")
	}
	if inv.Status != model.StatusFailed || inv.RunStatus != string(model.RunFailed) {
		t.Errorf("inv = %+v", inv)
	}
	if !strings.Contains(inv.Error, "script exited with code 1") {
		t.Errorf("error = %q", inv.Error)
	}

	stored, _ := h.store.GetInvocation(context.Background(), inv.ID)
	if stored.Status != model.StatusFailed || stored.Phase != model.PhaseRun {
		t.Errorf("stored status/phase = %s/%s", stored.Status, stored.Phase)
	}
}

func TestHandleProvisioningFailed(t *testing.T) {
	h := newHarness(t, memory.WithProvisioning(0, model.ComputeFailed))

	inv, err := h.engine.Handle(context.Background(), blobEvent("evt-1"))
	if !errors.Is(err, compute.ErrProvisioningFailed) {
		t.Fatalf("err = %v, want ErrProvisioningFailed", err)
	}
	if inv.Phase != model.PhaseCompute {
		t.Errorf("phase = %s, want compute", inv.Phase)
	}
	if len(h.plat.Runs()) != 0 {
		t.Error("no run should be submitted")
	}
}

func TestHandleValidationFailure(t *testing.T) {
	h := newHarness(t, memory.WithValidateError(&platform.APIError{StatusCode: 400, Message: "invalid graph"}))

	inv, err := h.engine.Handle(context.Background(), blobEvent("evt-1"))
	if err == nil || inv.Phase != model.PhaseCompose {
		t.Fatalf("err = %v, phase = %s", err, inv.Phase)
	}
}

func TestHandleNoDeployment(t *testing.T) {
	h := newHarness(t)
	ev := blobEvent("evt-1")
	ev.Container = "elsewhere"

	if _, err := h.engine.Handle(context.Background(), ev); !errors.Is(err, engine.ErrNoDeployment) {
		t.Fatalf("err = %v, want ErrNoDeployment", err)
	}
	_, total, _ := h.store.ListInvocations(context.Background(), store.ListFilter{})
	if total != 0 {
		t.Errorf("unrouted event recorded %d invocations", total)
	}
}

func TestHandleDuplicateEventSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Handle(ctx, blobEvent("evt-1"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	dup, err := h.engine.Handle(ctx, blobEvent("evt-1"))
	if err != nil {
		t.Fatalf("Handle duplicate: %v", err)
	}
	if dup.Status != model.StatusSkipped || !strings.Contains(dup.Error, first.ID) {
		t.Errorf("dup = %+v", dup)
	}
	if n := len(h.plat.Runs()); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}

	// Events without an ID are never deduplicated.
	if _, err := h.engine.Handle(ctx, blobEvent("")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := len(h.plat.Runs()); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestHandleRedrivesFailedEvent(t *testing.T) {
	h := newHarness(t, memory.WithRunOutcome(0, model.RunFailed, ""))
	ctx := context.Background()

	if _, err := h.engine.Handle(ctx, blobEvent("evt-1")); !errors.Is(err, engine.ErrRunFailed) {
		t.Fatalf("first: err = %v", err)
	}
	second, err := h.engine.Handle(ctx, blobEvent("evt-1"))
	if !errors.Is(err, engine.ErrRunFailed) {
		t.Fatalf("second: err = %v", err)
	}
	if second.Status == model.StatusSkipped {
		t.Error("failed event must be re-driven, not skipped")
	}
	if n := len(h.plat.Runs()); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestHandleTimeout(t *testing.T) {
	h := newHarness(t, memory.WithRunOutcome(1_000_000, model.RunSucceeded, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	inv, err := h.engine.Handle(ctx, blobEvent("evt-1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if inv.Status != model.StatusFailed || !strings.Contains(inv.Error, "deadline") {
		t.Errorf("inv = %+v", inv)
	}
	stored, _ := h.store.GetInvocation(context.Background(), inv.ID)
	if stored.Status != model.StatusFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
}

func waitForStatus(t *testing.T, s store.Store, id string, timeout time.Duration) *model.Invocation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inv, err := s.GetInvocation(context.Background(), id)
		if err == nil && model.IsTerminal(inv.Status) {
			return inv
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("invocation %s did not finish within %v", id, timeout)
	return nil
}

func TestSubmitRunsAsynchronously(t *testing.T) {
	h := newHarness(t)

	inv, err := h.engine.Submit(context.Background(), blobEvent("evt-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if inv.Status != model.StatusPending {
		t.Errorf("snapshot status = %s, want pending", inv.Status)
	}
	h.engine.Wait()

	final := waitForStatus(t, h.store, inv.ID, time.Second)
	if final.Status != model.StatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
}

func TestShutdownCancelsSubmitted(t *testing.T) {
	h := newHarness(t, memory.WithRunOutcome(1_000_000, model.RunSucceeded, ""))

	inv, err := h.engine.Submit(context.Background(), blobEvent("evt-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Let the run reach the platform before shutting down.
	deadline := time.Now().Add(time.Second)
	for len(h.plat.Runs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		h.engine.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return while the run was still in flight")
	}

	final, err := h.store.GetInvocation(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if final.Status != model.StatusFailed || !strings.Contains(final.Error, "canceled") {
		t.Errorf("final = %s %q, want failed with cancellation", final.Status, final.Error)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	h := newHarness(t, memory.WithCreateRace())
	const n = 5

	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := range n {
		wg.Go(func() {
			inv, err := h.engine.Submit(context.Background(), blobEvent(""))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			ids[i] = inv.ID
		})
	}
	wg.Wait()
	h.engine.Wait()

	for _, id := range ids {
		if id == "" {
			continue
		}
		if got := waitForStatus(t, h.store, id, time.Second); got.Status != model.StatusCompleted {
			t.Errorf("invocation %s status = %s (%s)", id, got.Status, got.Error)
		}
	}
}

func TestBrokerClosedAfterInvocation(t *testing.T) {
	h := newHarness(t)

	inv, err := h.engine.Handle(context.Background(), blobEvent("evt-1"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ch, unsub := h.engine.Broker().Subscribe(inv.ID)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("finished invocation should yield a closed channel")
	}
}

func TestNewDeploymentChecks(t *testing.T) {
	plat := memory.New(testWorkspace())

	p := testProfile(t)
	p.Step.Script = "missing.py"
	if _, err := engine.NewDeployment(p, plat); err == nil {
		t.Error("expected error for missing script")
	}

	p = testProfile(t)
	if err := os.WriteFile(p.Environment.CondaFile, []byte("name: env\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.NewDeployment(p, plat); err == nil {
		t.Error("expected error for conda file without dependencies")
	}

	p = testProfile(t)
	p.Workspace.Name = "other"
	if _, err := engine.NewDeployment(p, plat); err == nil {
		t.Error("expected error for workspace mismatch")
	}

	d1, err := engine.NewDeployment(testProfile(t), plat)
	if err != nil {
		t.Fatalf("NewDeployment: %v", err)
	}
	d2, err := engine.NewDeployment(testProfile(t), plat)
	if err != nil {
		t.Fatalf("NewDeployment: %v", err)
	}
	if d1.EnvironmentVersion() != d2.EnvironmentVersion() || len(d1.EnvironmentVersion()) != 16 {
		t.Errorf("versions = %q, %q; want equal 16-char content hashes", d1.EnvironmentVersion(), d2.EnvironmentVersion())
	}
}
