package azureml

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

type datastoreResource struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name,omitempty"`
	Properties datastoreProperties `json:"properties"`
}

type datastoreProperties struct {
	DatastoreType string                `json:"datastoreType"`
	AccountName   string                `json:"accountName"`
	ContainerName string                `json:"containerName"`
	Endpoint      string                `json:"endpoint,omitempty"`
	Protocol      string                `json:"protocol,omitempty"`
	Credentials   *datastoreCredentials `json:"credentials,omitempty"`
}

type datastoreCredentials struct {
	CredentialsType string            `json:"credentialsType"`
	Secrets         *datastoreSecrets `json:"secrets,omitempty"`
}

type datastoreSecrets struct {
	SecretsType string `json:"secretsType"`
	Key         string `json:"key"`
}

// RegisterDatastore implements platform.Platform. Registration is an upsert,
// so repeating it with the same spec is harmless.
func (c *Client) RegisterDatastore(ctx context.Context, spec platform.DatastoreSpec) (model.DatastoreRef, error) {
	if spec.Name == "" || spec.AccountName == "" || spec.ContainerName == "" {
		return model.DatastoreRef{}, errors.New("datastore name, account name and container name are required")
	}
	if spec.AccountKey == "" {
		return model.DatastoreRef{}, fmt.Errorf("datastore %q: account key is required", spec.Name)
	}
	body := datastoreResource{
		Properties: datastoreProperties{
			DatastoreType: "AzureBlob",
			AccountName:   spec.AccountName,
			ContainerName: spec.ContainerName,
			Endpoint:      "core.windows.net",
			Protocol:      "https",
			Credentials: &datastoreCredentials{
				CredentialsType: "AccountKey",
				Secrets:         &datastoreSecrets{SecretsType: "AccountKey", Key: spec.AccountKey},
			},
		},
	}
	var res datastoreResource
	if err := c.put(ctx, c.resourceURL("/datastores/"+spec.Name), body, &res, nil); err != nil {
		return model.DatastoreRef{}, fmt.Errorf("register datastore %q: %w", spec.Name, err)
	}
	return c.datastoreRef(spec.Name, res), nil
}

// GetDatastore implements platform.Platform.
func (c *Client) GetDatastore(ctx context.Context, name string) (model.DatastoreRef, error) {
	if name == "" {
		return model.DatastoreRef{}, errors.New("datastore name is required")
	}
	var res datastoreResource
	if err := c.get(ctx, c.resourceURL("/datastores/"+name), &res); err != nil {
		return model.DatastoreRef{}, err
	}
	return c.datastoreRef(name, res), nil
}

func (c *Client) datastoreRef(name string, res datastoreResource) model.DatastoreRef {
	return model.DatastoreRef{
		Name:          name,
		Workspace:     c.ws.Name,
		AccountName:   res.Properties.AccountName,
		ContainerName: res.Properties.ContainerName,
	}
}
