// Package compute locates and provisions the compute target a pipeline step
// runs on. Existence checks are tri-state: found, absent and error are
// distinct outcomes, so a transient platform error never triggers a create.
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
	"github.com/seantiz/pipetrigger/internal/poll"
)

// ErrProvisioningFailed is returned when a compute target could not be
// created or did not become ready.
var ErrProvisioningFailed = errors.New("compute provisioning failed")

// Client is the part of the platform the package needs.
type Client interface {
	GetCompute(ctx context.Context, name string) (model.ComputeTargetRef, error)
	CreateCompute(ctx context.Context, name string, profile model.ComputeProfile) error
}

// Locator answers whether a compute target exists in a workspace.
type Locator struct {
	client Client
}

// NewLocator returns a Locator backed by client.
func NewLocator(client Client) *Locator {
	return &Locator{client: client}
}

// Locate looks up name. It returns (ref, true, nil) when the target exists,
// (zero, false, nil) when it does not, and a non-nil error only when the
// platform could not answer.
func (l *Locator) Locate(ctx context.Context, name string) (model.ComputeTargetRef, bool, error) {
	if name == "" {
		return model.ComputeTargetRef{}, false, errors.New("compute name is required")
	}
	ref, err := l.client.GetCompute(ctx, name)
	if errors.Is(err, platform.ErrNotFound) {
		return model.ComputeTargetRef{}, false, nil
	}
	if err != nil {
		return model.ComputeTargetRef{}, false, fmt.Errorf("locate compute %q: %w", name, err)
	}
	return ref, true, nil
}

// Options configures a Provisioner.
type Options struct {
	Poll   poll.Config
	Logger *slog.Logger
}

// Provisioner makes sure a compute target exists and is ready.
type Provisioner struct {
	client  Client
	locator *Locator
	poll    poll.Config
	logger  *slog.Logger
}

// NewProvisioner returns a Provisioner backed by client.
func NewProvisioner(client Client, opts Options) *Provisioner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provisioner{
		client:  client,
		locator: NewLocator(client),
		poll:    opts.Poll,
		logger:  logger,
	}
}

// Ensure returns a ready reference to the compute target name, creating it
// with profile when it does not exist. An existing target is never modified;
// a profile mismatch is logged and ignored. Creation is attempted at most
// once and a concurrent creator's target is adopted.
func (p *Provisioner) Ensure(ctx context.Context, name string, profile model.ComputeProfile) (model.ComputeTargetRef, error) {
	ref, found, err := p.locator.Locate(ctx, name)
	if err != nil {
		return model.ComputeTargetRef{}, err
	}

	if found {
		if ref.Profile.VMSize != "" && profile.VMSize != "" && ref.Profile.VMSize != profile.VMSize {
			p.logger.Debug("existing compute profile differs",
				"compute", name, "existing_vm_size", ref.Profile.VMSize, "requested_vm_size", profile.VMSize)
		}
		switch {
		case ref.State.Ready():
			p.logger.Info("compute target found", "compute", name, "state", ref.State)
			provisionsTotal.WithLabelValues(outcomeExisting).Inc()
			return ref, nil
		case ref.State.Failed():
			provisionsTotal.WithLabelValues(outcomeFailed).Inc()
			return model.ComputeTargetRef{}, fmt.Errorf("%w: compute %q is %s", ErrProvisioningFailed, name, ref.State)
		}
		p.logger.Info("compute target is provisioning, waiting", "compute", name, "state", ref.State)
		return p.wait(ctx, name, time.Now(), outcomeExisting)
	}

	start := time.Now()
	p.logger.Info("creating compute target", "compute", name, "vm_size", profile.VMSize)
	if err := p.client.CreateCompute(ctx, name, profile); err != nil {
		if !errors.Is(err, platform.ErrAlreadyExists) {
			provisionsTotal.WithLabelValues(outcomeFailed).Inc()
			return model.ComputeTargetRef{}, fmt.Errorf("%w: create compute %q: %w", ErrProvisioningFailed, name, err)
		}
		p.logger.Info("compute target created concurrently", "compute", name)
	}
	return p.wait(ctx, name, start, outcomeCreated)
}

// wait polls until name is ready or has failed.
func (p *Provisioner) wait(ctx context.Context, name string, start time.Time, outcome string) (model.ComputeTargetRef, error) {
	var ready model.ComputeTargetRef
	err := poll.Until(ctx, p.poll, func(ctx context.Context) (bool, error) {
		ref, found, err := p.locator.Locate(ctx, name)
		if err != nil {
			return false, err
		}
		if !found {
			// Creation is accepted before the target becomes visible.
			return false, nil
		}
		if ref.State.Failed() {
			return false, fmt.Errorf("compute %q is %s", name, ref.State)
		}
		if !ref.State.Ready() {
			return false, nil
		}
		ready = ref
		return true, nil
	})
	provisionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		provisionsTotal.WithLabelValues(outcomeFailed).Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.ComputeTargetRef{}, fmt.Errorf("wait for compute %q: %w", name, ctxErr)
		}
		return model.ComputeTargetRef{}, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}
	provisionsTotal.WithLabelValues(outcome).Inc()
	p.logger.Info("compute target ready", "compute", name, "duration", time.Since(start).Round(time.Millisecond))
	return ready, nil
}
