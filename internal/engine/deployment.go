package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/pipetrigger/internal/config"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// condaSpec is the subset of a conda environment file that is checked
// before registration.
type condaSpec struct {
	Name         string   `yaml:"name"`
	Channels     []string `yaml:"channels"`
	Dependencies []any    `yaml:"dependencies"`
}

// Deployment is a profile bound to the platform client of its workspace.
// It carries everything an invocation needs and nothing it mutates.
type Deployment struct {
	Profile  config.Profile
	Platform platform.Platform

	conda        []byte
	condaVersion string
}

// NewDeployment checks that the profile's script and conda file exist and
// are usable, and binds the profile to plat.
func NewDeployment(p config.Profile, plat platform.Platform) (*Deployment, error) {
	if plat == nil {
		return nil, fmt.Errorf("deployment %q: platform is required", p.Name)
	}
	if ws := plat.Workspace(); ws.ID() != p.Workspace.ID() {
		return nil, fmt.Errorf("deployment %q: platform workspace %s does not match profile workspace %s", p.Name, ws.Name, p.Workspace.Name)
	}

	script := p.Step.ScriptPath()
	info, err := os.Stat(script)
	if err != nil {
		return nil, fmt.Errorf("deployment %q: script: %w", p.Name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("deployment %q: script %s is a directory", p.Name, script)
	}

	conda, err := os.ReadFile(p.Environment.CondaFile)
	if err != nil {
		return nil, fmt.Errorf("deployment %q: read conda file: %w", p.Name, err)
	}
	var spec condaSpec
	if err := yaml.Unmarshal(conda, &spec); err != nil {
		return nil, fmt.Errorf("deployment %q: parse conda file: %w", p.Name, err)
	}
	if len(spec.Dependencies) == 0 {
		return nil, fmt.Errorf("deployment %q: conda file %s has no dependencies", p.Name, p.Environment.CondaFile)
	}

	return &Deployment{
		Profile:      p,
		Platform:     plat,
		conda:        conda,
		condaVersion: contentVersion(conda),
	}, nil
}

// EnvironmentVersion is the version the environment is registered under. It
// changes only when the conda file content changes.
func (d *Deployment) EnvironmentVersion() string { return d.condaVersion }

func (d *Deployment) environmentSpec() platform.EnvironmentSpec {
	return platform.EnvironmentSpec{
		Name:      d.Profile.Environment.Name,
		Version:   d.condaVersion,
		Image:     d.Profile.Environment.Image,
		CondaFile: d.conda,
	}
}

func (d *Deployment) datastoreSpecs() []platform.DatastoreSpec {
	specs := make([]platform.DatastoreSpec, 0, len(d.Profile.Datastores))
	for _, ds := range d.Profile.Datastores {
		specs = append(specs, platform.DatastoreSpec{
			Name:          ds.Name,
			AccountName:   ds.AccountName,
			ContainerName: ds.ContainerName,
			AccountKey:    ds.AccountKey,
		})
	}
	return specs
}

func contentVersion(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

var errDuplicateDeployment = errors.New("deployment already registered")
