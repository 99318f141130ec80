package model

import "fmt"

// Workspace identifies the remote ML workspace that scopes compute, data and
// experiments for one deployment profile.
type Workspace struct {
	Name           string `json:"name" yaml:"name"`
	SubscriptionID string `json:"subscription_id" yaml:"subscription_id"`
	ResourceGroup  string `json:"resource_group" yaml:"resource_group"`
	Location       string `json:"location,omitempty" yaml:"location,omitempty"`
}

// ID returns the ARM resource path of the workspace.
func (w Workspace) ID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.MachineLearningServices/workspaces/%s",
		w.SubscriptionID, w.ResourceGroup, w.Name)
}

// DatastoreRef is a named binding between a workspace and a storage container.
// It never carries the access credential.
type DatastoreRef struct {
	Name          string `json:"name"`
	Workspace     string `json:"workspace"`
	AccountName   string `json:"account_name,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
}

// ComputeProfile is the declared size of a compute target.
type ComputeProfile struct {
	VMSize string `json:"vm_size" yaml:"vm_size"`
}

// ComputeState is the provisioning state reported for a compute target.
type ComputeState string

// Compute provisioning states.
const (
	ComputeCreating  ComputeState = "Creating"
	ComputeSucceeded ComputeState = "Succeeded"
	ComputeFailed    ComputeState = "Failed"
	ComputeCanceled  ComputeState = "Canceled"
	ComputeDeleting  ComputeState = "Deleting"
	ComputeUnknown   ComputeState = "Unknown"
)

// Ready reports whether steps may be scheduled on the compute target.
func (s ComputeState) Ready() bool {
	return s == ComputeSucceeded
}

// Failed reports whether provisioning ended without a usable resource.
func (s ComputeState) Failed() bool {
	return s == ComputeFailed || s == ComputeCanceled || s == ComputeDeleting
}

// ComputeTargetRef is a compute resource as seen by the platform. Identity is
// the name; ID is the platform's resource identifier.
type ComputeTargetRef struct {
	Name    string         `json:"name"`
	ID      string         `json:"id"`
	Profile ComputeProfile `json:"profile"`
	State   ComputeState   `json:"state"`
}

// Resolved reports whether the reference came back from the platform in a
// ready state. A bare name is never resolved.
func (c ComputeTargetRef) Resolved() bool {
	return c.Name != "" && c.ID != "" && c.State.Ready()
}

// EnvironmentRef is a registered execution environment version.
type EnvironmentRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	ID      string `json:"id"`
}
