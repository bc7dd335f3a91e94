package manifest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/3cpo-dev/dflow/pkg/api"
	"github.com/google/go-cmp/cmp"
)

func fullTemplate() *api.Template {
	t := api.NewTemplate("Split-ab12c")
	t.Image = "dptechnology/dpdispatcher"
	t.Command = []string{"python"}
	t.Script = "import os\nprint('{{inputs.parameters.text}}')\n"
	t.InitProgress = "0/4"
	t.Inputs.Parameters["text"] = &api.InputParameter{Value: "hello"}
	t.Inputs.Parameters["cfg"] = &api.InputParameter{SaveAsArtifact: true, Path: "/tmp/inputs/parameters/cfg"}
	t.Inputs.Artifacts["data"] = &api.InputArtifact{Path: "/tmp/inputs/artifacts/data"}
	t.Inputs.Artifacts["dflow_private_key"] = &api.InputArtifact{
		Path:   api.PrivateKeyMountPath,
		Source: &api.ArtifactSource{Key: "sha256/ff/id_rsa"},
	}
	t.Outputs.Parameters["count"] = &api.OutputParameter{ValueFromPath: "/tmp/outputs/parameters/count"}
	t.Outputs.Parameters["report"] = &api.OutputParameter{SaveAsArtifact: true, Path: "/tmp/outputs/parameters/report"}
	t.Outputs.Artifacts["parts"] = &api.OutputArtifact{Path: "/tmp/outputs/artifacts/parts", Archive: false, Save: true}
	t.Outputs.Artifacts["log"] = &api.OutputArtifact{Path: "/tmp/outputs/artifacts/log", Archive: true}
	t.Volumes = []api.Volume{{Name: "dflow-private-key", HostPath: "/home/docker/.ssh/id_rsa"}}
	t.Mounts = []api.VolumeMount{{Name: "dflow-private-key", MountPath: api.PrivateKeyMountPath}}
	return t
}

func TestRoundTrip(t *testing.T) {
	orig := fullTemplate()
	b, err := Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("decode: %v\n%s", err, b)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s\n%s", diff, b)
	}
}

func TestFromTemplateArgoFields(t *testing.T) {
	doc := FromTemplate(fullTemplate())

	if doc.Metadata == nil || doc.Metadata.Annotations[ProgressAnnotation] != "0/4" {
		t.Fatalf("expected progress annotation, got %+v", doc.Metadata)
	}
	var names []string
	for _, p := range doc.Inputs.Parameters {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"cfg", "text"}, names); diff != "" {
		t.Errorf("parameters should be sorted:\n%s", diff)
	}
	wantOut := []Artifact{
		{Name: "log", Path: "/tmp/outputs/artifacts/log"},
		{Name: "parts", Path: "/tmp/outputs/artifacts/parts", Archive: &Archive{None: &struct{}{}}, S3: &S3{Key: SaveKey("parts")}},
	}
	if diff := cmp.Diff(wantOut, doc.Outputs.Artifacts); diff != "" {
		t.Errorf("unexpected output artifacts:\n%s", diff)
	}
	if got := doc.Outputs.Parameters[0]; got.Name != "count" || got.ValueFrom.Path != "/tmp/outputs/parameters/count" {
		t.Errorf("unexpected output parameter %+v", got)
	}
	if doc.Script == nil || len(doc.Script.VolumeMounts) != 1 || doc.Script.VolumeMounts[0].MountPath != api.PrivateKeyMountPath {
		t.Errorf("unexpected script section %+v", doc.Script)
	}
	if len(doc.Volumes) != 1 || doc.Volumes[0].HostPath.Path != "/home/docker/.ssh/id_rsa" {
		t.Errorf("unexpected volumes %+v", doc.Volumes)
	}
}

func TestEncodeYAMLKeys(t *testing.T) {
	b, err := Marshal(fullTemplate())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := string(b)
	for _, want := range []string{
		"name: Split-ab12c\n",
		"valueFrom:\n",
		"volumeMounts:\n",
		"hostPath:\n",
		"none: {}\n",
		"key: sha256/ff/id_rsa\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in manifest:\n%s", want, out)
		}
	}
}

func TestDecodeRequiresName(t *testing.T) {
	if _, err := Decode(strings.NewReader("script:\n  source: print(1)\n")); err == nil {
		t.Fatalf("expected error for template without name")
	}
}

func TestDecodeMinimal(t *testing.T) {
	tmpl, err := Decode(strings.NewReader("name: hello\nscript:\n  image: alpine\n  command: [sh]\n  source: echo hi\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tmpl.Name != "hello" || tmpl.Image != "alpine" || tmpl.Script != "echo hi" {
		t.Fatalf("unexpected template %+v", tmpl)
	}
	if tmpl.Inputs.Parameters == nil || tmpl.Outputs.Artifacts == nil {
		t.Fatalf("binding maps should be initialized")
	}
}

func TestFromTemplateSkipsNilBindings(t *testing.T) {
	tmpl := fullTemplate()
	tmpl.Inputs.Parameters["gone"] = nil
	tmpl.Outputs.Artifacts["gone"] = nil
	got, err := Decode(bytes.NewReader(mustMarshal(t, tmpl)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(fullTemplate(), got); diff != "" {
		t.Fatalf("nil bindings should be left out (-want +got):\n%s", diff)
	}
}

func mustMarshal(t *testing.T, tmpl *api.Template) []byte {
	t.Helper()
	b, err := Marshal(tmpl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
