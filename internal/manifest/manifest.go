// Package manifest converts templates to and from Argo Workflows template
// documents.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/3cpo-dev/dflow/pkg/api"
	"gopkg.in/yaml.v3"
)

const (
	ProgressAnnotation = "workflows.argoproj.io/progress"

	// Parameters saved as artifacts have no Argo field of their own; their
	// paths are kept in annotations.
	inputPathAnnotation  = "dflow.io/input-parameter-path."
	outputPathAnnotation = "dflow.io/output-parameter-path."
)

type Document struct {
	Name     string    `yaml:"name"`
	Metadata *Metadata `yaml:"metadata,omitempty"`
	Inputs   IO        `yaml:"inputs,omitempty"`
	Outputs  IO        `yaml:"outputs,omitempty"`
	Script   *Script   `yaml:"script,omitempty"`
	Volumes  []Volume  `yaml:"volumes,omitempty"`
}

type Metadata struct {
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

type IO struct {
	Parameters []Parameter `yaml:"parameters,omitempty"`
	Artifacts  []Artifact  `yaml:"artifacts,omitempty"`
}

type Parameter struct {
	Name      string     `yaml:"name"`
	Value     string     `yaml:"value,omitempty"`
	ValueFrom *ValueFrom `yaml:"valueFrom,omitempty"`
}

type ValueFrom struct {
	Path string `yaml:"path"`
}

type Artifact struct {
	Name    string   `yaml:"name"`
	Path    string   `yaml:"path"`
	Archive *Archive `yaml:"archive,omitempty"`
	S3      *S3      `yaml:"s3,omitempty"`
}

type Archive struct {
	None *struct{} `yaml:"none,omitempty"`
}

type S3 struct {
	Key string `yaml:"key"`
}

type Script struct {
	Image        string        `yaml:"image,omitempty"`
	Command      []string      `yaml:"command,omitempty"`
	Source       string        `yaml:"source"`
	VolumeMounts []VolumeMount `yaml:"volumeMounts,omitempty"`
}

type VolumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
}

type Volume struct {
	Name     string    `yaml:"name"`
	HostPath *HostPath `yaml:"hostPath,omitempty"`
}

type HostPath struct {
	Path string `yaml:"path"`
}

// SaveKey is where an output artifact marked for saving is stored.
func SaveKey(name string) string {
	return "dflow/{{workflow.name}}/{{pod.name}}/" + name
}

// FromTemplate builds the Argo document for t. Bindings are sorted by name;
// nil bindings are left out.
func FromTemplate(t *api.Template) *Document {
	t = t.DeepCopy()
	doc := &Document{Name: t.Name}
	annotations := map[string]string{}
	if t.InitProgress != "" {
		annotations[ProgressAnnotation] = t.InitProgress
	}

	for _, name := range api.SortedKeys(t.Inputs.Parameters) {
		p := t.Inputs.Parameters[name]
		doc.Inputs.Parameters = append(doc.Inputs.Parameters, Parameter{Name: name, Value: p.Value})
		if p.SaveAsArtifact {
			annotations[inputPathAnnotation+name] = p.Path
		}
	}
	for _, name := range api.SortedKeys(t.Inputs.Artifacts) {
		a := t.Inputs.Artifacts[name]
		art := Artifact{Name: name, Path: a.Path}
		if a.Source != nil {
			art.S3 = &S3{Key: a.Source.Key}
		}
		doc.Inputs.Artifacts = append(doc.Inputs.Artifacts, art)
	}
	for _, name := range api.SortedKeys(t.Outputs.Parameters) {
		p := t.Outputs.Parameters[name]
		from := p.ValueFromPath
		if p.SaveAsArtifact {
			from = p.Path
			annotations[outputPathAnnotation+name] = p.Path
		}
		doc.Outputs.Parameters = append(doc.Outputs.Parameters, Parameter{Name: name, ValueFrom: &ValueFrom{Path: from}})
	}
	for _, name := range api.SortedKeys(t.Outputs.Artifacts) {
		a := t.Outputs.Artifacts[name]
		art := Artifact{Name: name, Path: a.Path}
		if !a.Archive {
			art.Archive = &Archive{None: &struct{}{}}
		}
		if a.Save {
			art.S3 = &S3{Key: SaveKey(name)}
		}
		doc.Outputs.Artifacts = append(doc.Outputs.Artifacts, art)
	}

	doc.Script = &Script{Image: t.Image, Command: t.Command, Source: t.Script}
	for _, m := range t.Mounts {
		doc.Script.VolumeMounts = append(doc.Script.VolumeMounts, VolumeMount{Name: m.Name, MountPath: m.MountPath})
	}
	for _, v := range t.Volumes {
		doc.Volumes = append(doc.Volumes, Volume{Name: v.Name, HostPath: &HostPath{Path: v.HostPath}})
	}
	if len(annotations) > 0 {
		doc.Metadata = &Metadata{Annotations: annotations}
	}
	return doc
}

// ToTemplate reverses FromTemplate.
func (d *Document) ToTemplate() *api.Template {
	t := api.NewTemplate(d.Name)
	var annotations map[string]string
	if d.Metadata != nil {
		annotations = d.Metadata.Annotations
		t.InitProgress = annotations[ProgressAnnotation]
	}
	for _, p := range d.Inputs.Parameters {
		par := &api.InputParameter{Value: p.Value}
		if path, ok := annotations[inputPathAnnotation+p.Name]; ok {
			par.SaveAsArtifact = true
			par.Path = path
		}
		t.Inputs.Parameters[p.Name] = par
	}
	for _, a := range d.Inputs.Artifacts {
		art := &api.InputArtifact{Path: a.Path}
		if a.S3 != nil {
			art.Source = &api.ArtifactSource{Key: a.S3.Key}
		}
		t.Inputs.Artifacts[a.Name] = art
	}
	for _, p := range d.Outputs.Parameters {
		par := &api.OutputParameter{}
		if path, ok := annotations[outputPathAnnotation+p.Name]; ok {
			par.SaveAsArtifact = true
			par.Path = path
		} else if p.ValueFrom != nil {
			par.ValueFromPath = p.ValueFrom.Path
		}
		t.Outputs.Parameters[p.Name] = par
	}
	for _, a := range d.Outputs.Artifacts {
		t.Outputs.Artifacts[a.Name] = &api.OutputArtifact{
			Path:    a.Path,
			Archive: a.Archive == nil || a.Archive.None == nil,
			Save:    a.S3 != nil,
		}
	}
	if d.Script != nil {
		t.Image = d.Script.Image
		t.Command = d.Script.Command
		t.Script = d.Script.Source
		for _, m := range d.Script.VolumeMounts {
			t.Mounts = append(t.Mounts, api.VolumeMount{Name: m.Name, MountPath: m.MountPath})
		}
	}
	for _, v := range d.Volumes {
		vol := api.Volume{Name: v.Name}
		if v.HostPath != nil {
			vol.HostPath = v.HostPath.Path
		}
		t.Volumes = append(t.Volumes, vol)
	}
	return t
}

// Encode writes t as a YAML Argo template document.
func Encode(w io.Writer, t *api.Template) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(FromTemplate(t)); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return enc.Close()
}

func Marshal(t *api.Template) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads one YAML Argo template document.
func Decode(r io.Reader) (*api.Template, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return nil, fmt.Errorf("decode manifest: template name is required")
	}
	return doc.ToTemplate(), nil
}

func DecodeFile(path string) (*api.Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
