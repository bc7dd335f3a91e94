package api

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleTemplate() *Template {
	t := NewTemplate("sample")
	t.Image = "python:3.10"
	t.Command = []string{"python"}
	t.Script = "print('hi')\n"
	t.Inputs.Parameters["x"] = &InputParameter{Value: "1"}
	t.Inputs.Artifacts["data"] = &InputArtifact{Path: InputArtifactDir + "data", Source: &ArtifactSource{Key: "k"}}
	t.Outputs.Parameters["y"] = &OutputParameter{ValueFromPath: OutputParameterDir + "y"}
	t.Outputs.Artifacts["out"] = &OutputArtifact{Path: OutputArtifactDir + "out", Archive: true}
	t.Volumes = []Volume{{Name: "v", HostPath: "/data"}}
	t.Mounts = []VolumeMount{{Name: "v", MountPath: "/mnt"}}
	return t
}

func TestDeepCopyEqual(t *testing.T) {
	orig := sampleTemplate()
	clone := orig.DeepCopy()
	if diff := cmp.Diff(orig, clone); diff != "" {
		t.Fatalf("clone differs (-orig +clone):\n%s", diff)
	}
}

func TestDeepCopyIndependent(t *testing.T) {
	orig := sampleTemplate()
	clone := orig.DeepCopy()

	clone.Name = "other"
	clone.Command[0] = "bash"
	clone.Inputs.Parameters["x"].Value = "2"
	clone.Inputs.Artifacts["data"].Source.Key = "changed"
	clone.Inputs.Artifacts["extra"] = &InputArtifact{Path: "/x"}
	clone.Outputs.Artifacts["out"].Archive = false
	clone.Volumes[0].HostPath = "/elsewhere"
	clone.Mounts = append(clone.Mounts, VolumeMount{Name: "k", MountPath: PrivateKeyMountPath})

	if diff := cmp.Diff(sampleTemplate(), orig); diff != "" {
		t.Fatalf("original mutated through clone:\n%s", diff)
	}
}

func TestDeepCopyNil(t *testing.T) {
	var tmpl *Template
	if tmpl.DeepCopy() != nil {
		t.Fatalf("expected nil clone of nil template")
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]*InputParameter{"b": {}, "a": {}, "c": {}})
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Fatalf("unexpected order:\n%s", diff)
	}
}

func TestDeepCopyDropsNilBindings(t *testing.T) {
	orig := sampleTemplate()
	orig.Inputs.Parameters["missing"] = nil
	orig.Inputs.Artifacts["missing"] = nil
	orig.Outputs.Parameters["missing"] = nil
	orig.Outputs.Artifacts["missing"] = nil

	clone := orig.DeepCopy()
	if diff := cmp.Diff(sampleTemplate(), clone); diff != "" {
		t.Fatalf("clone should equal the template without nil bindings (-want +got):\n%s", diff)
	}
	if _, ok := orig.Inputs.Parameters["missing"]; !ok {
		t.Fatalf("original should keep its nil binding")
	}
}
