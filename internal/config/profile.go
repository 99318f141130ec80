package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/pipetrigger/internal/model"
)

// ProfilesFile is the on-disk layout of the deployment profiles file.
type ProfilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Profile is one deployment of the handler: which blobs it reacts to and
// which workspace, datastores, compute and step it launches.
type Profile struct {
	Name        string            `yaml:"name"`
	Trigger     TriggerRule       `yaml:"trigger"`
	Workspace   model.Workspace   `yaml:"workspace"`
	Experiment  string            `yaml:"experiment"`
	Compute     ComputeSpec       `yaml:"compute"`
	Datastores  []DatastoreSpec   `yaml:"datastores"`
	Inputs      []InputSpec       `yaml:"inputs"`
	Output      OutputSpec        `yaml:"output"`
	Step        StepSpec          `yaml:"step"`
	Environment EnvironmentSpec   `yaml:"environment"`
	Tags        map[string]string `yaml:"tags,omitempty"`
}

// TriggerRule selects the blobs a profile handles. Empty fields match all.
type TriggerRule struct {
	Container string `yaml:"container" json:"container,omitempty"`
	Prefix    string `yaml:"prefix" json:"prefix,omitempty"`
	Suffix    string `yaml:"suffix" json:"suffix,omitempty"`
}

// Matches reports whether a blob in container with the given name is routed
// to this rule.
func (r TriggerRule) Matches(container, name string) bool {
	if r.Container != "" && r.Container != container {
		return false
	}
	return strings.HasPrefix(name, r.Prefix) && strings.HasSuffix(name, r.Suffix)
}

// ComputeSpec names the compute target and its size.
type ComputeSpec struct {
	Name   string `yaml:"name" json:"name"`
	VMSize string `yaml:"vm_size" json:"vm_size"`
}

// DatastoreSpec is a blob container registered as a datastore on every
// invocation. AccountKey is resolved from KeySecret and never read from YAML.
type DatastoreSpec struct {
	Name          string `yaml:"name"`
	AccountName   string `yaml:"account_name"`
	ContainerName string `yaml:"container_name"`
	KeySecret     string `yaml:"key_secret"`
	AccountKey    string `yaml:"-"`
}

// InputSpec is one input reference passed to the step as Flag <ref>.
type InputSpec struct {
	Name      string `yaml:"name"`
	Datastore string `yaml:"datastore"`
	Path      string `yaml:"path"`
	Flag      string `yaml:"flag"`
}

// OutputSpec is the pipeline-local output artifact passed as Flag <ref>.
type OutputSpec struct {
	Name      string `yaml:"name"`
	Datastore string `yaml:"datastore"`
	Flag      string `yaml:"flag"`
}

// StepSpec describes the processing step. SourceDir is resolved relative to
// the profiles file.
type StepSpec struct {
	Name      string `yaml:"name"`
	Script    string `yaml:"script"`
	SourceDir string `yaml:"source_dir"`
	CodeID    string `yaml:"code_id"`
}

// ScriptPath returns the script location on disk.
func (s StepSpec) ScriptPath() string {
	return filepath.Join(s.SourceDir, s.Script)
}

// EnvironmentSpec names the execution environment and its conda
// specification file, resolved relative to the profiles file.
type EnvironmentSpec struct {
	Name      string `yaml:"name"`
	CondaFile string `yaml:"conda_file"`
	Image     string `yaml:"image"`
}

// LoadProfiles reads and validates the profiles file at path, resolving
// relative paths against its directory and datastore keys from secrets.
func LoadProfiles(path string, secrets SecretSource) ([]Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	profiles, err := ParseProfiles(raw)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i := range profiles {
		p := &profiles[i]
		p.Step.SourceDir = resolvePath(base, p.Step.SourceDir)
		p.Environment.CondaFile = resolvePath(base, p.Environment.CondaFile)
		for j := range p.Datastores {
			ds := &p.Datastores[j]
			key, err := secrets.Secret(ds.KeySecret)
			if err != nil {
				return nil, fmt.Errorf("profile %q datastore %q: %w", p.Name, ds.Name, err)
			}
			ds.AccountKey = key
		}
	}
	return profiles, nil
}

// ParseProfiles decodes and validates a profiles document. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func ParseProfiles(raw []byte) ([]Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var file ProfilesFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, errors.New("profiles must be non-empty")
	}

	seen := make(map[string]struct{}, len(file.Profiles))
	for i := range file.Profiles {
		file.Profiles[i].applyDefaults()
		p := file.Profiles[i]
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile[%d]: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return file.Profiles, nil
}

func (p *Profile) applyDefaults() {
	if p.Step.SourceDir == "" {
		p.Step.SourceDir = "."
	}
	for i := range p.Inputs {
		if p.Inputs[i].Flag == "" {
			p.Inputs[i].Flag = fmt.Sprintf("--input%d", i+1)
		}
	}
	if p.Output.Flag == "" {
		p.Output.Flag = "--output"
	}
}

// Validate checks that every identifier the handler needs is present.
func (p Profile) Validate() error {
	var issues []string
	require := func(v, field string) {
		if strings.TrimSpace(v) == "" {
			issues = append(issues, field+" is required")
		}
	}

	require(p.Name, "name")
	require(p.Workspace.Name, "workspace.name")
	require(p.Workspace.SubscriptionID, "workspace.subscription_id")
	require(p.Workspace.ResourceGroup, "workspace.resource_group")
	require(p.Experiment, "experiment")
	require(p.Compute.Name, "compute.name")
	require(p.Compute.VMSize, "compute.vm_size")
	require(p.Output.Name, "output.name")
	require(p.Output.Datastore, "output.datastore")
	require(p.Step.Name, "step.name")
	require(p.Step.Script, "step.script")
	require(p.Environment.Name, "environment.name")
	require(p.Environment.CondaFile, "environment.conda_file")

	for i, ds := range p.Datastores {
		require(ds.Name, fmt.Sprintf("datastores[%d].name", i))
		require(ds.AccountName, fmt.Sprintf("datastores[%d].account_name", i))
		require(ds.ContainerName, fmt.Sprintf("datastores[%d].container_name", i))
		require(ds.KeySecret, fmt.Sprintf("datastores[%d].key_secret", i))
	}
	if len(p.Inputs) == 0 {
		issues = append(issues, "inputs must be non-empty")
	}
	for i, in := range p.Inputs {
		require(in.Name, fmt.Sprintf("inputs[%d].name", i))
		require(in.Datastore, fmt.Sprintf("inputs[%d].datastore", i))
		require(in.Path, fmt.Sprintf("inputs[%d].path", i))
	}

	if len(issues) > 0 {
		return errors.New(strings.Join(issues, "; "))
	}
	return nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
