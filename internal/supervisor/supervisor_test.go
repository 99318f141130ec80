package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/pipeline"
	"github.com/seantiz/pipetrigger/internal/platform"
	"github.com/seantiz/pipetrigger/internal/platform/memory"
	"github.com/seantiz/pipetrigger/internal/poll"
)

var fastPoll = poll.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}

func testWorkspace() model.Workspace {
	return model.Workspace{Name: "mlws", SubscriptionID: "sub", ResourceGroup: "rg"}
}

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	ds := model.DatastoreRef{Name: "store", Workspace: "mlws"}
	in := pipeline.DataReference{Name: "input1", Store: ds, PathOnDatastore: "departmentsinput1.csv"}
	out := pipeline.PipelineData{Name: "output_data", Store: ds}
	st, err := pipeline.BuildStep(pipeline.StepSpec{
		Name:    "validate_and_combine",
		Script:  "validate_and_combine.py",
		Args:    []pipeline.Arg{pipeline.Lit("--input1"), pipeline.Ref(in), pipeline.Lit("--output"), pipeline.Ref(out)},
		Inputs:  []pipeline.Binding{in},
		Outputs: []pipeline.Binding{out},
		Compute: model.ComputeTargetRef{Name: "c", ID: "c-id", State: model.ComputeSucceeded},
	})
	if err != nil {
		t.Fatalf("BuildStep: %v", err)
	}
	p, err := pipeline.NewComposer(nil).Compose(context.Background(), testWorkspace(), "experiment_pipeline", st)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	return p
}

type transition struct{ from, to model.RunStatus }

type recorder struct {
	mu   sync.Mutex
	seen []transition
}

func (r *recorder) observe(_ string, from, to model.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, transition{from, to})
}

func TestSubmitAndWaitSucceeded(t *testing.T) {
	plat := memory.New(testWorkspace(), memory.WithRunOutcome(2, model.RunSucceeded, ""))
	rec := &recorder{}
	sup := New(plat, Options{Poll: fastPoll, Observer: rec.observe, Tags: map[string]string{"profile": "default"}})

	res, err := sup.SubmitAndWait(context.Background(), testPipeline(t), "experiment_pipeline")
	if err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if !res.Succeeded() || res.RunID == "" {
		t.Errorf("result = %+v", res)
	}

	want := []transition{{model.RunSubmitted, model.RunRunning}, {model.RunRunning, model.RunSucceeded}}
	if diff := cmp.Diff(want, rec.seen, cmp.AllowUnexported(transition{})); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	runs := plat.Runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Experiment != "experiment_pipeline" || runs[0].Tags["profile"] != "default" {
		t.Errorf("submitted job = %+v", runs[0])
	}
	if !plat.HasExperiment("experiment_pipeline") {
		t.Error("experiment not created")
	}
}

func TestSubmitAndWaitRemoteFailureIsResult(t *testing.T) {
	plat := memory.New(testWorkspace(), memory.WithRunOutcome(0, model.RunFailed, "UserError: script exited with code 1"))
	before := testutil.ToFloat64(runsTotal.WithLabelValues(string(model.RunFailed)))

	res, err := New(plat, Options{Poll: fastPoll}).SubmitAndWait(context.Background(), testPipeline(t), "experiment_pipeline")
	if err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if res.Status != model.RunFailed {
		t.Errorf("status = %s, want Failed", res.Status)
	}
	if res.Message != "UserError: script exited with code 1" {
		t.Errorf("message = %q", res.Message)
	}
	if d := testutil.ToFloat64(runsTotal.WithLabelValues(string(model.RunFailed))) - before; d != 1 {
		t.Errorf("failed runs delta = %v, want 1", d)
	}
}

func TestSubmitAndWaitSubmitError(t *testing.T) {
	boom := &platform.APIError{StatusCode: 400, Message: "bad job"}
	plat := memory.New(testWorkspace(), memory.WithSubmitError(boom))

	_, err := New(plat, Options{Poll: fastPoll}).SubmitAndWait(context.Background(), testPipeline(t), "experiment_pipeline")
	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
}

func TestSubmitAndWaitCancel(t *testing.T) {
	plat := memory.New(testWorkspace(), memory.WithRunOutcome(1_000_000, model.RunSucceeded, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := New(plat, Options{Poll: fastPoll}).SubmitAndWait(ctx, testPipeline(t), "experiment_pipeline")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if res.RunID == "" {
		t.Error("run id should be reported after a successful submission")
	}
}

func TestSubmitAndWaitArguments(t *testing.T) {
	sup := New(memory.New(testWorkspace()), Options{Poll: fastPoll})
	if _, err := sup.SubmitAndWait(context.Background(), nil, "exp"); err == nil {
		t.Error("expected error for nil pipeline")
	}
	if _, err := sup.SubmitAndWait(context.Background(), testPipeline(t), ""); err == nil {
		t.Error("expected error for empty experiment")
	}
}

// flakyClient fails the first GetRun calls with the queued errors before
// delegating to the wrapped platform.
type flakyClient struct {
	*memory.Platform
	mu      sync.Mutex
	errs    []error
	lookups int
}

func (f *flakyClient) GetRun(ctx context.Context, runID string) (platform.RunInfo, error) {
	f.mu.Lock()
	f.lookups++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return platform.RunInfo{}, err
	}
	f.mu.Unlock()
	return f.Platform.GetRun(ctx, runID)
}

func TestSubmitAndWaitToleratesServerErrors(t *testing.T) {
	client := &flakyClient{
		Platform: memory.New(testWorkspace(), memory.WithRunOutcome(1, model.RunSucceeded, "")),
		errs: []error{
			&platform.APIError{StatusCode: 503, Message: "service unavailable"},
			&platform.APIError{StatusCode: 500, Code: "InternalServerError", Message: "boom"},
		},
	}

	res, err := New(client, Options{Poll: fastPoll}).SubmitAndWait(context.Background(), testPipeline(t), "experiment_pipeline")
	if err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("result = %+v, want succeeded", res)
	}
	if client.lookups < 3 {
		t.Errorf("lookups = %d, want at least 3", client.lookups)
	}
}

func TestSubmitAndWaitClientErrorEndsWait(t *testing.T) {
	client := &flakyClient{
		Platform: memory.New(testWorkspace(), memory.WithRunOutcome(1, model.RunSucceeded, "")),
		errs:     []error{platform.ErrForbidden},
	}

	res, err := New(client, Options{Poll: fastPoll}).SubmitAndWait(context.Background(), testPipeline(t), "experiment_pipeline")
	if !errors.Is(err, platform.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if res.RunID == "" {
		t.Error("run id should be reported after a successful submission")
	}
	if client.lookups != 1 {
		t.Errorf("lookups = %d, want 1", client.lookups)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&platform.APIError{StatusCode: 500}, true},
		{&platform.APIError{StatusCode: 503}, true},
		{fmt.Errorf("get run: %w", &platform.APIError{StatusCode: 502}), true},
		{&platform.APIError{StatusCode: 400}, false},
		{platform.ErrNotFound, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := transient(tt.err); got != tt.want {
			t.Errorf("transient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
