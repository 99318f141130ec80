package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/pipetrigger/internal/model"
)

var (
	ErrNotFound      = errors.New("platform resource not found")
	ErrAlreadyExists = errors.New("platform resource already exists")
	ErrUnauthorized  = errors.New("platform request unauthorized")
	ErrForbidden     = errors.New("platform request forbidden")
)

// APIError is an unexpected platform response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	switch {
	case e.Code != "" && msg != "":
		return fmt.Sprintf("platform api error (status=%d, code=%s): %s", e.StatusCode, e.Code, msg)
	case msg != "":
		return fmt.Sprintf("platform api error (status=%d): %s", e.StatusCode, msg)
	default:
		return fmt.Sprintf("platform api error (status=%d)", e.StatusCode)
	}
}

// Platform is the remote control plane scoped to one workspace.
type Platform interface {
	// Workspace reports the workspace every call is scoped to.
	Workspace() model.Workspace

	// GetCompute returns the named compute target or ErrNotFound.
	GetCompute(ctx context.Context, name string) (model.ComputeTargetRef, error)

	// CreateCompute requests creation of a compute target and returns once
	// the request is accepted. ErrAlreadyExists reports a concurrent creator.
	CreateCompute(ctx context.Context, name string, profile model.ComputeProfile) error

	// RegisterDatastore upserts a blob container datastore.
	RegisterDatastore(ctx context.Context, spec DatastoreSpec) (model.DatastoreRef, error)

	// GetDatastore returns an already registered datastore or ErrNotFound.
	GetDatastore(ctx context.Context, name string) (model.DatastoreRef, error)

	// RegisterEnvironment upserts an environment version.
	RegisterEnvironment(ctx context.Context, spec EnvironmentSpec) (model.EnvironmentRef, error)

	// ValidatePipeline checks the job's bindings against the platform.
	ValidatePipeline(ctx context.Context, job PipelineJob) error

	// SubmitPipeline starts a run of job under experiment and returns its ID.
	SubmitPipeline(ctx context.Context, experiment string, job PipelineJob) (string, error)

	// GetRun reports the current state of a run.
	GetRun(ctx context.Context, runID string) (RunInfo, error)
}

// DatastoreSpec describes a blob container datastore registration.
type DatastoreSpec struct {
	Name          string
	AccountName   string
	ContainerName string
	AccountKey    string
}

// EnvironmentSpec describes an environment built from a conda specification.
type EnvironmentSpec struct {
	Name      string
	Version   string
	Image     string
	CondaFile []byte
}

// RunInfo is a point-in-time observation of a run.
type RunInfo struct {
	ID         string
	Experiment string
	Status     model.RunStatus
	Message    string
}
