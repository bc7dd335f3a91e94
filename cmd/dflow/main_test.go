package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/dflow/internal/manifest"
	"github.com/3cpo-dev/dflow/pkg/api"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeDescriptor(t *testing.T, dir string) string {
	t.Helper()
	return writeNamedDescriptor(t, dir, "Echo")
}

func writeNamedDescriptor(t *testing.T, dir, name string) string {
	t.Helper()
	descriptor := "name: " + name + `
module: ops.echo
inputs:
  - name: msg
    type: str
  - name: data
    type: artifact
outputs:
  - name: out
    type: artifact
`
	path := filepath.Join(dir, strings.ToLower(name)+".yaml")
	if err := os.WriteFile(path, []byte(descriptor), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "dflow "+version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestCompile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	out, err := execute(t, "compile", "--op", writeDescriptor(t, dir), "--image", "python:3.11")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	tmpl, err := manifest.Decode(strings.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if tmpl.Name != "Echo" || tmpl.Image != "python:3.11" {
		t.Errorf("unexpected template %+v", tmpl)
	}
	if !strings.Contains(tmpl.Script, "from ops.echo import Echo") {
		t.Errorf("unexpected script:\n%s", tmpl.Script)
	}
}

func TestCompileDispatchUploadsKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("DFLOW_STORAGE_ROOT", "")
	t.Setenv("DFLOW_PRIVATE_KEY_FILE", "")
	key := filepath.Join(dir, "id_rsa")
	if err := os.WriteFile(key, []byte("not really a key\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	outFile := filepath.Join(dir, "out.yaml")
	_, err := execute(t, "compile", "--op", writeDescriptor(t, dir), "--dispatch",
		"--host", "login.example.com", "--queue", "cpu", "--private-key", key, "-o", outFile)
	if err != nil {
		t.Fatalf("compile --dispatch: %v", err)
	}
	tmpl, err := manifest.DecodeFile(outFile)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !strings.HasPrefix(tmpl.Name, "Echo-") || tmpl.Image != "dptechnology/dpdispatcher" {
		t.Errorf("unexpected wrapped template %s %s", tmpl.Name, tmpl.Image)
	}
	art, ok := tmpl.Inputs.Artifacts["dflow_private_key"]
	if !ok || art.Source == nil || !strings.HasPrefix(art.Source.Key, "sha256/") {
		t.Fatalf("expected uploaded private key artifact, got %+v", art)
	}
	if _, err := os.Stat(filepath.Join(dir, "dflow", "objects", art.Source.Key)); err != nil {
		t.Errorf("expected object in fs store: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dflow", "catalog.db")); err != nil {
		t.Errorf("expected catalog database: %v", err)
	}
}

func TestWrapRequiresHost(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("DFLOW_DISPATCHER_HOST", "")
	path := filepath.Join(dir, "t.yaml")
	if err := os.WriteFile(path, []byte("name: hello\nscript:\n  command: [sh]\n  source: echo hi\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := execute(t, "wrap", "--template", path); err == nil {
		t.Fatalf("expected error without dispatcher host")
	}
}

func TestWrap(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "t.yaml")
	if err := os.WriteFile(path, []byte("name: hello\nscript:\n  command: [sh]\n  source: echo hi\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	out, err := execute(t, "wrap", "--template", path, "--host", "hpc", "--no-map-tmp")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	tmpl, err := manifest.Decode(strings.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(tmpl.Volumes) != 1 || tmpl.Volumes[0].HostPath != "/home/docker/.ssh/id_rsa" {
		t.Errorf("expected host path key volume, got %+v", tmpl.Volumes)
	}
	if !strings.Contains(tmpl.Script, `"command":"sh script"`) {
		t.Errorf("expected remote command in task json:\n%s", tmpl.Script)
	}
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	out, err := execute(t, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.HasPrefix(out, "ssh-ed25519 ") {
		t.Errorf("unexpected public key %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "dflow", "ssh", "id_ed25519")); err != nil {
		t.Errorf("expected private key file: %v", err)
	}
}

func TestCompileDuplicateOperator(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	first := writeDescriptor(t, dir)
	content, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	second := filepath.Join(dir, "echo-copy.yaml")
	if err := os.WriteFile(second, content, 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	if _, err := execute(t, "compile", "--op", first, "--op", second); err == nil {
		t.Fatalf("expected duplicate operator error")
	}
}

func TestWrapKeepsArgumentOrder(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	var args []string
	for _, name := range []string{"c", "a", "b"} {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte("name: "+name+"\nscript:\n  command: [sh]\n  source: echo hi\n"), 0o644); err != nil {
			t.Fatalf("write template: %v", err)
		}
		args = append(args, "--template", path)
	}
	out, err := execute(t, append([]string{"wrap", "--host", "hpc"}, args...)...)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	docs := strings.Split(out, "---\n")
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d:\n%s", len(docs), out)
	}
	for i, want := range []string{"c-", "a-", "b-"} {
		tmpl, err := manifest.Decode(strings.NewReader(docs[i]))
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if !strings.HasPrefix(tmpl.Name, want) {
			t.Errorf("document %d: expected name prefix %q, got %s", i, want, tmpl.Name)
		}
	}
}

func TestCompileKeepsArgumentOrder(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	var args []string
	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		args = append(args, "--op", writeNamedDescriptor(t, dir, name))
	}
	out, err := execute(t, append([]string{"compile"}, args...)...)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	docs := strings.Split(out, "---\n")
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d:\n%s", len(docs), out)
	}
	for i, want := range []string{"Zeta", "Alpha", "Mid"} {
		tmpl, err := manifest.Decode(strings.NewReader(docs[i]))
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if tmpl.Name != want {
			t.Errorf("document %d: expected %s, got %s", i, want, tmpl.Name)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestEncodeTemplatesReportsWriteErrors(t *testing.T) {
	tmpl := api.NewTemplate("hello")
	tmpl.Script = "echo hi"
	if err := encodeTemplates(failingWriter{}, []*api.Template{tmpl, tmpl}); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestCompileOutputErrors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	missing := filepath.Join(dir, "no-such-dir", "out.yaml")
	if _, err := execute(t, "compile", "--op", writeDescriptor(t, dir), "-o", missing); err == nil {
		t.Fatalf("expected error writing into a missing directory")
	}
}
