package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/seantiz/pipetrigger/internal/config"
	"github.com/seantiz/pipetrigger/internal/engine"
	"github.com/seantiz/pipetrigger/internal/platform"
	"github.com/seantiz/pipetrigger/internal/platform/azureml"
	"github.com/seantiz/pipetrigger/internal/platform/memory"
	"github.com/seantiz/pipetrigger/internal/poll"
	"github.com/seantiz/pipetrigger/internal/store"
)

// app is the wiring shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  store.Store
	engine *engine.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	secrets := config.NewSecretSource(cfg.SecretsDir)
	if err := cfg.ResolveSecrets(secrets); err != nil {
		return nil, err
	}
	profiles, err := config.LoadProfiles(cfg.ProfilesPath, secrets)
	if err != nil {
		return nil, err
	}

	reg := engine.NewRegistry()
	for _, p := range profiles {
		plat, err := newPlatform(ctx, cfg, p)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		dep, err := engine.NewDeployment(p, plat)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		if err := reg.Register(dep); err != nil {
			return nil, err
		}
	}

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	eng := engine.NewEngine(db, reg, logger, engine.Options{
		Timeout: cfg.InvocationTimeout,
		Poll:    poll.Config{Initial: cfg.PollInitial, Max: cfg.PollMax},
	})

	logger.Info("pipetrigger: configured",
		"platform", cfg.Platform,
		"db_driver", cfg.DBDriver,
		"profiles", len(profiles),
	)
	return &app{cfg: cfg, logger: logger, store: db, engine: eng}, nil
}

func (a *app) Close() error {
	a.engine.Shutdown()
	return a.store.Close()
}

func newPlatform(ctx context.Context, cfg config.Config, p config.Profile) (platform.Platform, error) {
	switch cfg.Platform {
	case config.PlatformMemory:
		return memory.New(p.Workspace), nil
	default:
		client, err := azureml.New(ctx, azureml.Config{
			Workspace:    p.Workspace,
			TenantID:     cfg.Azure.TenantID,
			ClientID:     cfg.Azure.ClientID,
			ClientSecret: cfg.Azure.ClientSecret,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
