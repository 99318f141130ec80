package azureml

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/seantiz/pipetrigger/internal/model"
)

type computeResource struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Location   string            `json:"location,omitempty"`
	Properties computeProperties `json:"properties"`
}

type computeProperties struct {
	ComputeType       string           `json:"computeType"`
	ProvisioningState string           `json:"provisioningState,omitempty"`
	Properties        instanceSettings `json:"properties"`
}

type instanceSettings struct {
	VMSize string `json:"vmSize"`
}

// GetCompute implements platform.Platform.
func (c *Client) GetCompute(ctx context.Context, name string) (model.ComputeTargetRef, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.ComputeTargetRef{}, errors.New("compute name is required")
	}
	var res computeResource
	if err := c.get(ctx, c.resourceURL("/computes/"+name), &res); err != nil {
		return model.ComputeTargetRef{}, err
	}
	return computeRef(name, res), nil
}

// CreateCompute implements platform.Platform by creating a single-node
// compute instance. The request is conditional so that an existing target
// is reported as platform.ErrAlreadyExists instead of being updated.
func (c *Client) CreateCompute(ctx context.Context, name string, profile model.ComputeProfile) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("compute name is required")
	}
	if profile.VMSize == "" {
		return errors.New("compute vm size is required")
	}
	body := computeResource{
		Location: c.ws.Location,
		Properties: computeProperties{
			ComputeType: "ComputeInstance",
			Properties:  instanceSettings{VMSize: profile.VMSize},
		},
	}
	header := http.Header{"If-None-Match": []string{"*"}}
	if err := c.put(ctx, c.resourceURL("/computes/"+name), body, nil, header); err != nil {
		return fmt.Errorf("create compute %q: %w", name, err)
	}
	return nil
}

func computeRef(name string, res computeResource) model.ComputeTargetRef {
	if res.Name != "" {
		name = res.Name
	}
	return model.ComputeTargetRef{
		Name:    name,
		ID:      res.ID,
		Profile: model.ComputeProfile{VMSize: res.Properties.Properties.VMSize},
		State:   computeState(res.Properties.ProvisioningState),
	}
}

func computeState(raw string) model.ComputeState {
	switch strings.ToLower(raw) {
	case "creating", "updating":
		return model.ComputeCreating
	case "succeeded":
		return model.ComputeSucceeded
	case "failed":
		return model.ComputeFailed
	case "canceled":
		return model.ComputeCanceled
	case "deleting":
		return model.ComputeDeleting
	default:
		return model.ComputeUnknown
	}
}
