// Package supervisor submits composed pipelines and blocks until the remote
// run reaches a terminal state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/pipeline"
	"github.com/seantiz/pipetrigger/internal/platform"
	"github.com/seantiz/pipetrigger/internal/poll"
)

// Client is the part of the platform the supervisor needs.
type Client interface {
	SubmitPipeline(ctx context.Context, experiment string, job platform.PipelineJob) (string, error)
	GetRun(ctx context.Context, runID string) (platform.RunInfo, error)
}

// Observer is notified of every status change observed after submission.
type Observer func(runID string, from, to model.RunStatus)

// Options configures a Supervisor.
type Options struct {
	Poll     poll.Config
	Tags     map[string]string
	Observer Observer
	Logger   *slog.Logger
}

// Result is the terminal outcome of a run.
type Result struct {
	RunID   string          `json:"run_id"`
	Status  model.RunStatus `json:"status"`
	Message string          `json:"message,omitempty"`
}

// Succeeded reports whether the run completed successfully.
func (r Result) Succeeded() bool { return r.Status == model.RunSucceeded }

// Supervisor runs pipelines to completion.
type Supervisor struct {
	client Client
	opts   Options
	logger *slog.Logger
}

// New returns a Supervisor backed by client.
func New(client Client, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{client: client, opts: opts, logger: logger}
}

// transient reports whether err is a server-side platform failure that
// leaves the run's state unknown rather than ended.
func transient(err error) bool {
	var apiErr *platform.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 500
}

// SubmitAndWait submits p under experiment and waits for the run to finish.
// A run that fails or is canceled remotely is a Result, not an error; errors
// are reserved for submission failures, polling failures and ctx
// cancellation. Status lookups answered with a 5xx are retried on the next
// poll. The returned Result carries the run ID whenever submission
// succeeded.
func (s *Supervisor) SubmitAndWait(ctx context.Context, p *pipeline.Pipeline, experiment string) (Result, error) {
	if p == nil {
		return Result{}, errors.New("submit pipeline: nil pipeline")
	}
	if experiment == "" {
		return Result{}, errors.New("submit pipeline: experiment name is required")
	}

	job := p.Job()
	job.Experiment = experiment
	if len(s.opts.Tags) > 0 {
		job.Tags = maps.Clone(s.opts.Tags)
	}

	start := time.Now()
	runID, err := s.client.SubmitPipeline(ctx, experiment, job)
	if err != nil {
		runsTotal.WithLabelValues("submit_error").Inc()
		return Result{}, fmt.Errorf("submit pipeline: %w", err)
	}
	s.logger.Info("pipeline submitted", "run_id", runID, "experiment", experiment)

	res := Result{RunID: runID, Status: model.RunSubmitted}
	err = poll.Until(ctx, s.opts.Poll, func(ctx context.Context) (bool, error) {
		info, err := s.client.GetRun(ctx, runID)
		if transient(err) {
			s.logger.Warn("run status unavailable", "run_id", runID, "err", err)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if info.Status != res.Status {
			if !model.ValidRunTransition(res.Status, info.Status) {
				s.logger.Warn("unexpected run transition", "run_id", runID, "from", res.Status, "to", info.Status)
			}
			s.logger.Info("run status changed", "run_id", runID, "from", res.Status, "to", info.Status)
			if s.opts.Observer != nil {
				s.opts.Observer(runID, res.Status, info.Status)
			}
			res.Status = info.Status
		}
		res.Message = info.Message
		return info.Status.Terminal(), nil
	})
	if err != nil {
		runsTotal.WithLabelValues("wait_error").Inc()
		return res, fmt.Errorf("wait for run %s: %w", runID, err)
	}

	runDuration.Observe(time.Since(start).Seconds())
	runsTotal.WithLabelValues(string(res.Status)).Inc()
	s.logger.Info("run finished", "run_id", runID, "status", res.Status, "duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}
