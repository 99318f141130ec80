// testserver starts a pipetrigger API server against the in-memory platform
// for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/pipetrigger/internal/api"
	"github.com/seantiz/pipetrigger/internal/config"
	"github.com/seantiz/pipetrigger/internal/engine"
	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform/memory"
	"github.com/seantiz/pipetrigger/internal/poll"
	"github.com/seantiz/pipetrigger/internal/store"
)

const condaSpec = `name: pipetrigger-env
channels:
  - conda-forge
dependencies:
  - python=3.10
  - pandas
`

// stubProfile writes a placeholder script and conda file under dir and
// returns a profile that routes every blob in the uploads container.
func stubProfile(dir string) (config.Profile, error) {
	if err := os.WriteFile(filepath.Join(dir, "validate_and_combine.py"), []byte("print('ok')\n"), 0o644); err != nil {
		return config.Profile{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "conda.yml"), []byte(condaSpec), 0o644); err != nil {
		return config.Profile{}, err
	}
	return config.Profile{
		Name:       "testserver",
		Trigger:    config.TriggerRule{Container: "uploads"},
		Workspace:  model.Workspace{Name: "mlws", SubscriptionID: "sub", ResourceGroup: "rg", Location: "westeurope"},
		Experiment: "experiment_pipeline",
		Compute:    config.ComputeSpec{Name: "taskmlflow-inst", VMSize: "Standard_DS2_v2"},
		Datastores: []config.DatastoreSpec{
			{Name: "outputstore", AccountName: "outacct", ContainerName: "output", AccountKey: "stub"},
			{Name: "inputstore", AccountName: "inacct", ContainerName: "input", AccountKey: "stub"},
		},
		Inputs: []config.InputSpec{
			{Name: "input1", Datastore: "inputstore", Path: "departmentsinput1.csv", Flag: "--input1"},
			{Name: "input2", Datastore: "inputstore", Path: "employeesinput2.csv", Flag: "--input2"},
		},
		Output:      config.OutputSpec{Name: "output_data", Datastore: "outputstore", Flag: "--output"},
		Step:        config.StepSpec{Name: "validate_and_combine", Script: "validate_and_combine.py", SourceDir: dir},
		Environment: config.EnvironmentSpec{Name: "pipetrigger-env", CondaFile: filepath.Join(dir, "conda.yml")},
	}, nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("PIPETRIGGER_LISTEN_ADDR"); v != "" {
		addr = v
	}

	dir, err := os.MkdirTemp("", "pipetrigger-testserver-*")
	if err != nil {
		log.Fatalf("create work dir: %v", err)
	}
	defer os.RemoveAll(dir)

	profile, err := stubProfile(dir)
	if err != nil {
		log.Fatalf("write stub profile: %v", err)
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	plat := memory.New(profile.Workspace,
		memory.WithProvisioning(3, model.ComputeSucceeded),
		memory.WithRunOutcome(5, model.RunSucceeded, ""),
	)
	dep, err := engine.NewDeployment(profile, plat)
	if err != nil {
		log.Fatalf("deployment: %v", err)
	}
	reg := engine.NewRegistry()
	if err := reg.Register(dep); err != nil {
		log.Fatalf("register deployment: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.NewEngine(db, reg, logger, engine.Options{
		Timeout: time.Minute,
		Poll:    poll.Config{Initial: 100 * time.Millisecond, Max: 200 * time.Millisecond},
	})
	srv := api.NewServer(addr, db, eng, logger, api.Options{FunctionName: "BlobTrigger"})

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
