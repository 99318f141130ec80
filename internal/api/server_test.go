package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/pipetrigger/internal/config"
	"github.com/seantiz/pipetrigger/internal/engine"
	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform/memory"
	"github.com/seantiz/pipetrigger/internal/poll"
	"github.com/seantiz/pipetrigger/internal/store"
)

func testWorkspace() model.Workspace {
	return model.Workspace{Name: "mlws", SubscriptionID: "sub", ResourceGroup: "rg"}
}

func testProfile(t *testing.T) config.Profile {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "validate_and_combine.py"), []byte("print('ok')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	conda := "name: env\ndependencies:\n  - python=3.10\n"
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
	}
}

type testEnv struct {
	srv   *Server
	store store.Store
	plat  *memory.Platform
}

func newTestEnv(t *testing.T, opts Options, platOpts ...memory.Option) testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	plat := memory.New(testWorkspace(), platOpts...)
	dep, err := engine.NewDeployment(testProfile(t), plat)
	if err != nil {
		t.Fatalf("NewDeployment: %v", err)
	}
	reg := engine.NewRegistry()
	if err := reg.Register(dep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	eng := engine.NewEngine(s, reg, logger, engine.Options{
		Timeout: 5 * time.Second,
		Poll:    poll.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	t.Cleanup(eng.Wait)
	return testEnv{srv: NewServer(":0", s, eng, logger, opts), store: s, plat: plat}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t, Options{}).srv
}

// waitForTerminal polls the ledger until the invocation reaches a final status.
func waitForTerminal(t *testing.T, s store.Store, id string) *model.Invocation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inv, err := s.GetInvocation(context.Background(), id)
		if err == nil && model.IsTerminal(inv.Status) {
			return inv
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("invocation %s did not finish", id)
	return nil
}

type staticVerifier string

func (v staticVerifier) Verify(_ context.Context, raw string) error {
	if raw != string(v) {
		return errors.New("bad token")
	}
	return nil
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}
