package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

func testWorkspace() model.Workspace {
	return model.Workspace{Name: "ws", SubscriptionID: "sub", ResourceGroup: "rg"}
}

func TestComputeProvisioningScript(t *testing.T) {
	ctx := context.Background()
	p := New(testWorkspace(), WithProvisioning(2, model.ComputeSucceeded))

	if _, err := p.GetCompute(ctx, "c"); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("GetCompute before create: err = %v, want ErrNotFound", err)
	}
	if err := p.CreateCompute(ctx, "c", model.ComputeProfile{VMSize: "Standard_DS2_v2"}); err != nil {
		t.Fatalf("CreateCompute: %v", err)
	}

	var states []model.ComputeState
	for range 4 {
		ref, err := p.GetCompute(ctx, "c")
		if err != nil {
			t.Fatalf("GetCompute: %v", err)
		}
		states = append(states, ref.State)
	}
	want := []model.ComputeState{model.ComputeCreating, model.ComputeCreating, model.ComputeCreating, model.ComputeSucceeded}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	if err := p.CreateCompute(ctx, "c", model.ComputeProfile{}); !errors.Is(err, platform.ErrAlreadyExists) {
		t.Errorf("second create: err = %v, want ErrAlreadyExists", err)
	}
	if got := p.CreateCalls("c"); got != 2 {
		t.Errorf("CreateCalls = %d, want 2", got)
	}
}

func TestCreateRace(t *testing.T) {
	ctx := context.Background()
	p := New(testWorkspace(), WithCreateRace(), WithProvisioning(0, model.ComputeSucceeded))

	err := p.CreateCompute(ctx, "c", model.ComputeProfile{VMSize: "x"})
	if !errors.Is(err, platform.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if _, err := p.GetCompute(ctx, "c"); err != nil {
		t.Fatalf("target should exist after race: %v", err)
	}
}

func TestRunOutcome(t *testing.T) {
	ctx := context.Background()
	p := New(testWorkspace(), WithRunOutcome(0, model.RunFailed, "script exited 1"))

	id, err := p.SubmitPipeline(ctx, "exp", platform.PipelineJob{DisplayName: "job"})
	if err != nil {
		t.Fatalf("SubmitPipeline: %v", err)
	}
	if !p.HasExperiment("exp") {
		t.Error("experiment not created lazily")
	}

	first, _ := p.GetRun(ctx, id)
	if first.Status != model.RunRunning {
		t.Errorf("first status = %s, want Running", first.Status)
	}
	second, _ := p.GetRun(ctx, id)
	if second.Status != model.RunFailed || second.Message != "script exited 1" {
		t.Errorf("second = %+v, want Failed with message", second)
	}

	if _, err := p.GetRun(ctx, "nope"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("unknown run: err = %v, want ErrNotFound", err)
	}
	if _, err := p.SubmitPipeline(ctx, "", platform.PipelineJob{}); err == nil {
		t.Error("expected error for empty experiment")
	}
}

func TestValidatePipeline(t *testing.T) {
	ctx := context.Background()
	p := New(testWorkspace())
	compute := p.SeedCompute("c", model.ComputeProfile{VMSize: "x"}, model.ComputeSucceeded)

	job := platform.PipelineJob{Steps: []platform.JobStep{{
		Name:      "s",
		ComputeID: compute.ID,
		Inputs:    []platform.JobBinding{{Kind: platform.KindInput, Name: "in", Datastore: "ds"}},
	}}}

	var apiErr *platform.APIError
	if err := p.ValidatePipeline(ctx, job); !errors.As(err, &apiErr) {
		t.Fatalf("unregistered datastore: err = %v, want APIError", err)
	}

	p.SeedDatastore("ds")
	if err := p.ValidatePipeline(ctx, job); err != nil {
		t.Fatalf("ValidatePipeline: %v", err)
	}

	job.Steps[0].ComputeID = "missing"
	if err := p.ValidatePipeline(ctx, job); err == nil {
		t.Fatal("expected error for unknown compute")
	}
	if got := p.Validations(); got != 3 {
		t.Errorf("Validations = %d, want 3", got)
	}
}

func TestRegisterDatastoreUpsert(t *testing.T) {
	ctx := context.Background()
	p := New(testWorkspace())
	spec := platform.DatastoreSpec{Name: "out", AccountName: "acct", ContainerName: "c1", AccountKey: "k"}

	for range 2 {
		ref, err := p.RegisterDatastore(ctx, spec)
		if err != nil {
			t.Fatalf("RegisterDatastore: %v", err)
		}
		if ref.Workspace != "ws" || ref.ContainerName != "c1" {
			t.Errorf("ref = %+v", ref)
		}
	}
	if _, err := p.RegisterDatastore(ctx, platform.DatastoreSpec{Name: "x"}); err == nil {
		t.Error("expected error for incomplete spec")
	}
}
