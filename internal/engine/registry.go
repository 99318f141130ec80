package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/pipetrigger/internal/config"
	"github.com/seantiz/pipetrigger/internal/model"
)

// DeploymentInfo is the public description of a registered deployment.
type DeploymentInfo struct {
	Name        string             `json:"name"`
	Workspace   model.Workspace    `json:"workspace"`
	Experiment  string             `json:"experiment"`
	Compute     config.ComputeSpec `json:"compute"`
	Trigger     config.TriggerRule `json:"trigger"`
	Environment string             `json:"environment"`
}

// Registry holds deployments and routes blobs to them. Routing follows
// registration order: the first deployment whose trigger rule matches wins.
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment
	order       []string
}

// NewRegistry creates an empty deployment registry.
func NewRegistry() *Registry {
	return &Registry{deployments: make(map[string]*Deployment)}
}

// Register adds d under its profile name.
func (r *Registry) Register(d *Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := d.Profile.Name
	if _, ok := r.deployments[name]; ok {
		return fmt.Errorf("%w: %q", errDuplicateDeployment, name)
	}
	r.deployments[name] = d
	r.order = append(r.order, name)
	return nil
}

// Get returns the deployment registered under name.
func (r *Registry) Get(name string) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[name]
	return d, ok
}

// Resolve returns the deployment that handles a blob named name in
// container.
func (r *Registry) Resolve(container, name string) (*Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.order {
		d := r.deployments[n]
		if d.Profile.Trigger.Matches(container, name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNoDeployment, container, name)
}

// List returns information about all deployments, sorted by name for a
// stable API response.
func (r *Registry) List() []DeploymentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DeploymentInfo, 0, len(r.deployments))
	for name, d := range r.deployments {
		p := d.Profile
		infos = append(infos, DeploymentInfo{
			Name:        name,
			Workspace:   p.Workspace,
			Experiment:  p.Experiment,
			Compute:     p.Compute,
			Trigger:     p.Trigger,
			Environment: p.Environment.Name + ":" + d.condaVersion,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
