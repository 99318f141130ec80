package azureml

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// DefaultImage is the base image used when an environment names none.
const DefaultImage = "mcr.microsoft.com/azureml/openmpi4.1.0-ubuntu20.04:latest"

type environmentVersion struct {
	ID         string                `json:"id,omitempty"`
	Properties environmentProperties `json:"properties"`
}

type environmentProperties struct {
	Image     string `json:"image"`
	CondaFile string `json:"condaFile,omitempty"`
	OSType    string `json:"osType,omitempty"`
}

// RegisterEnvironment implements platform.Platform.
func (c *Client) RegisterEnvironment(ctx context.Context, spec platform.EnvironmentSpec) (model.EnvironmentRef, error) {
	if spec.Name == "" || spec.Version == "" {
		return model.EnvironmentRef{}, errors.New("environment name and version are required")
	}
	image := spec.Image
	if image == "" {
		image = DefaultImage
	}
	body := environmentVersion{
		Properties: environmentProperties{
			Image:     image,
			CondaFile: string(spec.CondaFile),
			OSType:    "Linux",
		},
	}
	path := fmt.Sprintf("/environments/%s/versions/%s", spec.Name, spec.Version)
	var res environmentVersion
	if err := c.put(ctx, c.resourceURL(path), body, &res, nil); err != nil {
		return model.EnvironmentRef{}, fmt.Errorf("register environment %s:%s: %w", spec.Name, spec.Version, err)
	}
	id := res.ID
	if id == "" {
		id = c.ws.ID() + path
	}
	return model.EnvironmentRef{Name: spec.Name, Version: spec.Version, ID: id}, nil
}
