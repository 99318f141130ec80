package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/pipetrigger/internal/api"
	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/trigger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the Functions custom handler and webhook routes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			opts := api.Options{FunctionName: a.cfg.FunctionName}
			if a.cfg.OIDC.Enabled() {
				v, err := api.NewOIDCVerifier(cmd.Context(), a.cfg.OIDC)
				if err != nil {
					return err
				}
				opts.Verifier = v
			}
			return api.NewServer(a.cfg.ListenAddr, a.store, a.engine, a.logger, opts).Run()
		},
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Handle object creations from a MinIO bucket notification stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := trigger.NewMinIOClient(a.cfg.MinIO)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			l := trigger.NewListener(client, a.cfg.MinIO, a.logger)
			err = l.Run(ctx, func(ctx context.Context, ev model.BlobEvent) {
				if _, err := a.engine.Submit(ctx, ev); err != nil {
					a.logger.Warn("minio event not submitted", "bucket", ev.Container, "key", ev.Name, "error", err)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var container, name, eventID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Handle one blob synchronously and print the invocation record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			inv, runErr := a.engine.Handle(ctx, model.BlobEvent{
				ID:        eventID,
				Source:    model.SourceManual,
				Container: container,
				Name:      name,
				Time:      time.Now().UTC(),
			})
			if inv != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(inv); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "blob container")
	cmd.Flags().StringVar(&name, "name", "", "blob name")
	cmd.Flags().StringVar(&eventID, "event-id", "", "event id for duplicate suppression")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
