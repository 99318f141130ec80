package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/pipetrigger/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestInvocation(eventID string) *model.Invocation {
	return &model.Invocation{
		ID:        model.NewID(),
		EventID:   eventID,
		Source:    model.SourceEventGrid,
		Profile:   "default",
		Container: "uploads",
		BlobName:  "departmentsinput1.csv",
		Status:    model.StatusPending,
		Phase:     model.PhaseQueued,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func mustCreate(t *testing.T, s *SQLStore, inv *model.Invocation) {
	t.Helper()
	if err := s.CreateInvocation(context.Background(), inv); err != nil {
		t.Fatalf("CreateInvocation: %v", err)
	}
}

func TestCreateAndGetInvocation(t *testing.T) {
	s := newTestStore(t)
	inv := makeTestInvocation("evt-1")
	mustCreate(t, s, inv)

	got, err := s.GetInvocation(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if got.ID != inv.ID || got.EventID != "evt-1" || got.Profile != "default" {
		t.Errorf("got = %+v", got)
	}
	if got.Status != model.StatusPending || got.Phase != model.PhaseQueued {
		t.Errorf("status/phase = %s/%s", got.Status, got.Phase)
	}
	if !got.CreatedAt.Equal(inv.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, inv.CreatedAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil || got.DurationMS != nil {
		t.Errorf("nullable fields should be nil: %+v", got)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	inv := makeTestInvocation("evt-1")
	mustCreate(t, s, inv)

	if err := s.CreateInvocation(context.Background(), inv); !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestGetInvocationNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetInvocation(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateInvocationStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inv := makeTestInvocation("evt-1")
	mustCreate(t, s, inv)

	if err := s.UpdateInvocationStatus(ctx, inv.ID, model.StatusRunning); err != nil {
		t.Fatalf("-> running: %v", err)
	}
	got, _ := s.GetInvocation(ctx, inv.ID)
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}

	if err := s.UpdateInvocationStatus(ctx, inv.ID, model.StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("running -> pending: err = %v, want ErrInvalidTransition", err)
	}

	if err := s.UpdateInvocationStatus(ctx, inv.ID, model.StatusCompleted); err != nil {
		t.Fatalf("-> completed: %v", err)
	}
	got, _ = s.GetInvocation(ctx, inv.ID)
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	if err := s.UpdateInvocationStatus(ctx, inv.ID, model.StatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed -> failed: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateInvocationStatus(ctx, "nope", model.StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateInvocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inv := makeTestInvocation("evt-1")
	mustCreate(t, s, inv)

	now := time.Now().UTC().Truncate(time.Second)
	dur := 1500
	inv.Status = model.StatusFailed
	inv.Phase = model.PhaseRun
	inv.Compute = "taskmlflow-inst"
	inv.Experiment = "experiment_pipeline"
	inv.RunID = "run-1"
	inv.RunStatus = string(model.RunFailed)
	inv.Error = "pipeline run did not succeed"
	inv.DurationMS = &dur
	inv.StartedAt = &now
	inv.FinishedAt = &now
	if err := s.UpdateInvocation(ctx, inv); err != nil {
		t.Fatalf("UpdateInvocation: %v", err)
	}

	got, err := s.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if got.RunID != "run-1" || got.RunStatus != "Failed" || got.Compute != "taskmlflow-inst" {
		t.Errorf("got = %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 1500 {
		t.Errorf("DurationMS = %v", got.DurationMS)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(now) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, now)
	}

	missing := makeTestInvocation("x")
	if err := s.UpdateInvocation(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

func TestFindByEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.FindByEvent(ctx, model.SourceEventGrid, "evt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty ledger: err = %v, want ErrNotFound", err)
	}

	first := makeTestInvocation("evt-1")
	mustCreate(t, s, first)
	skipped := makeTestInvocation("evt-1")
	skipped.Status = model.StatusSkipped
	skipped.CreatedAt = first.CreatedAt.Add(time.Second)
	mustCreate(t, s, skipped)
	mustCreate(t, s, makeTestInvocation("evt-2"))

	got, err := s.FindByEvent(ctx, model.SourceEventGrid, "evt-1")
	if err != nil {
		t.Fatalf("FindByEvent: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("found %s, want %s (skipped records are ignored)", got.ID, first.ID)
	}

	if _, err := s.FindByEvent(ctx, model.SourceMinIO, "evt-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other source: err = %v, want ErrNotFound", err)
	}
}

func TestListInvocations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := range 5 {
		inv := makeTestInvocation("evt")
		inv.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			inv.Profile = "other"
		}
		mustCreate(t, s, inv)
	}

	all, total, err := s.ListInvocations(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListInvocations: %v", err)
	}
	if total != 5 || len(all) != 2 {
		t.Fatalf("total=%d len=%d, want 5/2", total, len(all))
	}
	if !all[0].CreatedAt.After(all[1].CreatedAt) {
		t.Error("results not ordered by created_at DESC")
	}

	other, total, err := s.ListInvocations(ctx, ListFilter{Profile: "other", Limit: 10})
	if err != nil {
		t.Fatalf("ListInvocations(profile): %v", err)
	}
	if total != 3 || len(other) != 3 {
		t.Errorf("profile filter: total=%d len=%d, want 3/3", total, len(other))
	}

	page, _, err := s.ListInvocations(ctx, ListFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListInvocations(offset): %v", err)
	}
	if len(page) != 1 {
		t.Errorf("last page len = %d, want 1", len(page))
	}

	none, total, err := s.ListInvocations(ctx, ListFilter{Status: model.StatusFailed})
	if err != nil || total != 0 || len(none) != 0 {
		t.Errorf("status filter: %v total=%d len=%d", err, total, len(none))
	}
}

func TestGetInvocationStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetInvocationStats(ctx)
	if err != nil {
		t.Fatalf("GetInvocationStats(empty): %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("empty stats = %+v", stats)
	}

	for i, d := range []int{100, 300} {
		inv := makeTestInvocation("evt")
		inv.Status = model.StatusCompleted
		if i == 1 {
			inv.Status = model.StatusFailed
			inv.Profile = "other"
		}
		dur := d
		inv.DurationMS = &dur
		mustCreate(t, s, inv)
	}
	mustCreate(t, s, makeTestInvocation("evt"))

	stats, err = s.GetInvocationStats(ctx)
	if err != nil {
		t.Fatalf("GetInvocationStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 1 || stats.CountByStatus[model.StatusFailed] != 1 || stats.CountByStatus[model.StatusPending] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByProfile["default"] != 2 || stats.CountByProfile["other"] != 1 {
		t.Errorf("CountByProfile = %v", stats.CountByProfile)
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("AvgDurationMS = %v, want 200", stats.AvgDurationMS)
	}
}

func TestEventLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inv := makeTestInvocation("evt")
	mustCreate(t, s, inv)

	for i, line := range []string{"registering datastores", "compute ready", "run submitted"} {
		if err := s.InsertEventLine(ctx, inv.ID, i, line); err != nil {
			t.Fatalf("InsertEventLine: %v", err)
		}
	}
	lines, err := s.GetEventLines(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetEventLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len = %d, want 3", len(lines))
	}
	if lines[0].Line != "registering datastores" || lines[2].Seq != 2 || lines[1].InvocationID != inv.ID {
		t.Errorf("lines = %+v", lines)
	}

	empty, err := s.GetEventLines(ctx, "other")
	if err != nil || len(empty) != 0 {
		t.Errorf("other invocation: %v %v", empty, err)
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?"
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3"
	if got := postgresDialect.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	s.Close()

	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := Open(context.Background(), DriverPostgres, ""); err == nil {
		t.Error("expected error for empty postgres dsn")
	}
}
