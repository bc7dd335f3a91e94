package api

import (
	"context"
	"sort"
)

// Well-known container paths shared by generated scripts.
const (
	InputArtifactDir    = "/tmp/inputs/artifacts/"
	InputParameterDir   = "/tmp/inputs/parameters/"
	OutputArtifactDir   = "/tmp/outputs/artifacts/"
	OutputParameterDir  = "/tmp/outputs/parameters/"
	PrivateKeyMountPath = "/root/.ssh/id_rsa"
)

// Template is a runnable unit of work handed to the workflow engine.
type Template struct {
	Name         string        `json:"name" yaml:"name"`
	Image        string        `json:"image,omitempty" yaml:"image,omitempty"`
	Command      []string      `json:"command,omitempty" yaml:"command,omitempty"`
	Script       string        `json:"script" yaml:"script"`
	Inputs       Inputs        `json:"inputs" yaml:"inputs"`
	Outputs      Outputs       `json:"outputs" yaml:"outputs"`
	Volumes      []Volume      `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Mounts       []VolumeMount `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	InitProgress string        `json:"init_progress,omitempty" yaml:"init_progress,omitempty"`
}

type Inputs struct {
	Parameters map[string]*InputParameter `json:"parameters" yaml:"parameters"`
	Artifacts  map[string]*InputArtifact  `json:"artifacts" yaml:"artifacts"`
}

type Outputs struct {
	Parameters map[string]*OutputParameter `json:"parameters" yaml:"parameters"`
	Artifacts  map[string]*OutputArtifact  `json:"artifacts" yaml:"artifacts"`
}

// InputParameter is a textual input. When SaveAsArtifact is set the engine
// also materializes the value as a file at Path.
type InputParameter struct {
	Value          string `json:"value,omitempty" yaml:"value,omitempty"`
	SaveAsArtifact bool   `json:"save_as_artifact,omitempty" yaml:"save_as_artifact,omitempty"`
	Path           string `json:"path,omitempty" yaml:"path,omitempty"`
}

type InputArtifact struct {
	Path   string          `json:"path" yaml:"path"`
	Source *ArtifactSource `json:"source,omitempty" yaml:"source,omitempty"`
}

// OutputParameter is read back from ValueFromPath after the script exits,
// or from Path when SaveAsArtifact is set.
type OutputParameter struct {
	ValueFromPath  string `json:"value_from_path,omitempty" yaml:"value_from_path,omitempty"`
	SaveAsArtifact bool   `json:"save_as_artifact,omitempty" yaml:"save_as_artifact,omitempty"`
	Path           string `json:"path,omitempty" yaml:"path,omitempty"`
}

type OutputArtifact struct {
	Path    string `json:"path" yaml:"path"`
	Archive bool   `json:"archive" yaml:"archive"`
	Save    bool   `json:"save,omitempty" yaml:"save,omitempty"`
}

// ArtifactSource points at an object already present in shared storage.
type ArtifactSource struct {
	Key string `json:"key" yaml:"key"`
}

type Volume struct {
	Name     string `json:"name" yaml:"name"`
	HostPath string `json:"host_path" yaml:"host_path"`
}

type VolumeMount struct {
	Name      string `json:"name" yaml:"name"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
}

// Executor turns a template into another template that runs the same work
// through a different backend.
type Executor interface {
	Render(ctx context.Context, tmpl *Template) (*Template, error)
}

// NewTemplate returns a template with initialized binding maps.
func NewTemplate(name string) *Template {
	return &Template{
		Name: name,
		Inputs: Inputs{
			Parameters: map[string]*InputParameter{},
			Artifacts:  map[string]*InputArtifact{},
		},
		Outputs: Outputs{
			Parameters: map[string]*OutputParameter{},
			Artifacts:  map[string]*OutputArtifact{},
		},
	}
}

// DeepCopy returns a clone that shares no maps, slices or pointers with t.
// Nil bindings carry nothing and are dropped from the clone.
func (t *Template) DeepCopy() *Template {
	if t == nil {
		return nil
	}
	out := *t
	if t.Command != nil {
		out.Command = append([]string(nil), t.Command...)
	}
	if t.Volumes != nil {
		out.Volumes = append([]Volume(nil), t.Volumes...)
	}
	if t.Mounts != nil {
		out.Mounts = append([]VolumeMount(nil), t.Mounts...)
	}
	out.Inputs = Inputs{
		Parameters: make(map[string]*InputParameter, len(t.Inputs.Parameters)),
		Artifacts:  make(map[string]*InputArtifact, len(t.Inputs.Artifacts)),
	}
	for k, v := range t.Inputs.Parameters {
		if v == nil {
			continue
		}
		p := *v
		out.Inputs.Parameters[k] = &p
	}
	for k, v := range t.Inputs.Artifacts {
		if v == nil {
			continue
		}
		a := *v
		if v.Source != nil {
			src := *v.Source
			a.Source = &src
		}
		out.Inputs.Artifacts[k] = &a
	}
	out.Outputs = Outputs{
		Parameters: make(map[string]*OutputParameter, len(t.Outputs.Parameters)),
		Artifacts:  make(map[string]*OutputArtifact, len(t.Outputs.Artifacts)),
	}
	for k, v := range t.Outputs.Parameters {
		if v == nil {
			continue
		}
		p := *v
		out.Outputs.Parameters[k] = &p
	}
	for k, v := range t.Outputs.Artifacts {
		if v == nil {
			continue
		}
		a := *v
		out.Outputs.Artifacts[k] = &a
	}
	return &out
}

// SortedKeys returns the keys of any binding map in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
