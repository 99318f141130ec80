// Package azureml implements platform.Platform against the Azure Machine
// Learning workspace REST API on Azure Resource Manager.
package azureml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// APIVersion is the workspace API version every request is pinned to.
const APIVersion = "2023-04-01"

const (
	defaultEndpoint      = "https://management.azure.com"
	defaultAuthorityHost = "https://login.microsoftonline.com"
	managementScope      = "https://management.azure.com/.default"
	requestTimeout       = 30 * time.Second
	maxResponseBytes     = 4 << 20
)

// Config configures a Client. When HTTPClient is set it is used as is for
// both the management and the storage plane, and the service principal
// fields are ignored. BlobEndpoint replaces the public blob host and
// CodeDatastore the datastore step code is uploaded to.
type Config struct {
	Workspace     model.Workspace
	TenantID      string
	ClientID      string
	ClientSecret  string
	Endpoint      string
	AuthorityHost string
	BlobEndpoint  string
	CodeDatastore string
	HTTPClient    *http.Client
}

// Client is a workspace-scoped Azure ML client.
type Client struct {
	ws            model.Workspace
	endpoint      string
	blobEndpoint  string
	codeDatastore string
	http          *http.Client
	storage       *http.Client
}

var _ platform.Platform = (*Client)(nil)

// New returns a Client for cfg.Workspace. Tokens are obtained with the
// OAuth2 client credentials grant and refreshed as needed.
func New(ctx context.Context, cfg Config) (*Client, error) {
	ws := cfg.Workspace
	if ws.Name == "" || ws.SubscriptionID == "" || ws.ResourceGroup == "" {
		return nil, errors.New("azureml: workspace name, subscription id and resource group are required")
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	hc, storage := cfg.HTTPClient, cfg.HTTPClient
	if hc == nil {
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("azureml: tenant id, client id and client secret are required")
		}
		authority := strings.TrimRight(strings.TrimSpace(cfg.AuthorityHost), "/")
		if authority == "" {
			authority = defaultAuthorityHost
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, cfg.TenantID),
			Scopes:       []string{managementScope},
		}
		tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: requestTimeout})
		hc = cc.Client(tokenCtx)
		hc.Timeout = requestTimeout

		cc.Scopes = []string{storageScope}
		storage = cc.Client(tokenCtx)
		storage.Timeout = requestTimeout
	}

	codeDatastore := strings.TrimSpace(cfg.CodeDatastore)
	if codeDatastore == "" {
		codeDatastore = DefaultCodeDatastore
	}
	return &Client{
		ws:            ws,
		endpoint:      endpoint,
		blobEndpoint:  strings.TrimRight(strings.TrimSpace(cfg.BlobEndpoint), "/"),
		codeDatastore: codeDatastore,
		http:          hc,
		storage:       storage,
	}, nil
}

// Workspace implements platform.Platform.
func (c *Client) Workspace() model.Workspace { return c.ws }

// resourceURL returns the URL of a resource path under the workspace.
func (c *Client) resourceURL(path string) string {
	return c.armURL(c.ws.ID() + path)
}

// armURL returns the URL of an absolute ARM resource ID.
func (c *Client) armURL(id string) string {
	return c.endpoint + id + "?api-version=" + APIVersion
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) put(ctx context.Context, url string, in, out any, header http.Header) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.do(req, out)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(req *http.Request, out any) error {
	return c.doWith(c.http, req, out)
}

func (c *Client) doWith(hc *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ms-client-request-id", uuid.NewString())

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode azureml response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return platform.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return platform.ErrAlreadyExists
	case http.StatusUnauthorized:
		return platform.ErrUnauthorized
	case http.StatusForbidden:
		return platform.ErrForbidden
	default:
		apiErr := &platform.APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error.Message != "" {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}
}
