// Package dispatcher wraps templates so that their script is submitted to a
// remote batch scheduler through DPDispatcher instead of running in the pod.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/dflow/internal/script"
	"github.com/3cpo-dev/dflow/pkg/api"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultImage              = "dptechnology/dpdispatcher"
	DefaultPrivateKeyHostPath = "/home/docker/.ssh/id_rsa"

	// ScriptFile is the name the original script is written to, locally and
	// in the remote task directory.
	ScriptFile = "script"

	privateKeyArtifact = "dflow_private_key"
	privateKeyVolume   = "dflow-private-key"
	mapTmpDirCommand   = `sed -i "s#/tmp#$(pwd)/tmp#g" ` + ScriptFile + " && "
)

var _ api.Executor = (*Executor)(nil)

// Uploader puts a local file into object storage shared with the workflow
// engine.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Options configure an Executor. Start from DefaultOptions.
type Options struct {
	Host      string
	QueueName string
	Port      int
	Username  string

	// PrivateKeyFile is uploaded and mounted into the pod when set.
	// Otherwise PrivateKeyHostPath, present on every node, is mounted.
	PrivateKeyFile     string
	PrivateKeyHostPath string

	// Image and Command run the submitting container.
	Image   string
	Command []string

	// RemoteCommand runs the script on the remote machine. Empty means the
	// wrapped template's own command.
	RemoteCommand []string

	// MapTmpDir rewrites /tmp in the script to the remote task directory.
	MapTmpDir bool

	Machine   map[string]any
	Resources map[string]any
	Task      map[string]any

	Uploader Uploader
	// Suffix generates the random token appended to wrapped template names.
	Suffix func() string
}

// DefaultOptions returns options for host and queue with the built-in
// defaults filled in.
func DefaultOptions(host, queueName string) Options {
	return Options{
		Host:               host,
		QueueName:          queueName,
		Port:               22,
		Username:           "root",
		PrivateKeyHostPath: DefaultPrivateKeyHostPath,
		Image:              DefaultImage,
		Command:            []string{"python"},
		MapTmpDir:          true,
	}
}

// Executor renders templates for remote batch submission. Its configuration
// mappings are fixed at construction; Render never modifies the Executor.
type Executor struct {
	opts      Options
	machine   Dict
	resources Dict
	task      Dict
}

// New merges the caller's mapping overrides over the defaults.
func New(opts Options) (*Executor, error) {
	if opts.Host == "" {
		return nil, errors.New("dispatcher: host is required")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Username == "" {
		opts.Username = "root"
	}
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if len(opts.Command) == 0 {
		opts.Command = []string{"python"}
	}
	if opts.PrivateKeyHostPath == "" {
		opts.PrivateKeyHostPath = DefaultPrivateKeyHostPath
	}
	if opts.Suffix == nil {
		opts.Suffix = randomSuffix
	}
	e := &Executor{opts: opts}
	var err error
	if e.machine, err = merge(defaultMachine(opts.Host, opts.Username, opts.Port), opts.Machine); err != nil {
		return nil, err
	}
	if e.resources, err = merge(defaultResources(opts.QueueName), opts.Resources); err != nil {
		return nil, err
	}
	if e.task, err = merge(defaultTask(), opts.Task); err != nil {
		return nil, err
	}
	return e, nil
}

// Machine, Resources and Task return shallow copies of the merged mappings.
func (e *Executor) Machine() Dict   { return cloneDict(e.machine) }
func (e *Executor) Resources() Dict { return cloneDict(e.resources) }
func (e *Executor) Task() Dict      { return cloneDict(e.task) }

// Render returns a clone of tmpl that submits tmpl's script to the remote
// scheduler and waits for it. tmpl is left untouched.
func (e *Executor) Render(ctx context.Context, tmpl *api.Template) (*api.Template, error) {
	out := tmpl.DeepCopy()
	task := e.TaskFor(out)
	src, err := e.submissionScript(tmpl.Script, task)
	if err != nil {
		return nil, err
	}
	out.Name = tmpl.Name + "-" + e.opts.Suffix()
	out.Image = e.opts.Image
	out.Command = append([]string(nil), e.opts.Command...)
	out.Script = src

	if e.opts.PrivateKeyFile != "" {
		if e.opts.Uploader == nil {
			return nil, errors.New("dispatcher: private key file set without an uploader")
		}
		key, err := e.opts.Uploader.Upload(ctx, e.opts.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("upload private key: %w", err)
		}
		out.Inputs.Artifacts[privateKeyArtifact] = &api.InputArtifact{
			Path:   api.PrivateKeyMountPath,
			Source: &api.ArtifactSource{Key: key},
		}
	} else {
		out.Volumes = append(out.Volumes, api.Volume{Name: privateKeyVolume, HostPath: e.opts.PrivateKeyHostPath})
		out.Mounts = append(out.Mounts, api.VolumeMount{Name: privateKeyVolume, MountPath: api.PrivateKeyMountPath})
	}

	log.Debug().
		Str("template", tmpl.Name).
		Str("wrapped", out.Name).
		Str("host", e.opts.Host).
		Int("forward_files", len(task["forward_files"].([]string))).
		Int("backward_files", len(task["backward_files"].([]string))).
		Msg("rendered dispatcher template")
	return out, nil
}

// RemoteCommand is the command the remote machine runs the script with.
func (e *Executor) RemoteCommand(tmpl *api.Template) []string {
	if len(e.opts.RemoteCommand) > 0 {
		return e.opts.RemoteCommand
	}
	return tmpl.Command
}

// CommandLine is the shell line DPDispatcher executes in the task directory.
func (e *Executor) CommandLine(tmpl *api.Template) string {
	var sb strings.Builder
	if e.opts.MapTmpDir {
		sb.WriteString(mapTmpDirCommand)
	}
	for _, arg := range e.RemoteCommand(tmpl) {
		sb.WriteString(arg)
		sb.WriteByte(' ')
	}
	sb.WriteString(ScriptFile)
	return sb.String()
}

// TaskFor returns the task mapping with the per-template fields computed.
func (e *Executor) TaskFor(tmpl *api.Template) Dict {
	task := cloneDict(e.task)
	task["command"] = e.CommandLine(tmpl)
	task["forward_files"] = ForwardFiles(tmpl)
	task["backward_files"] = BackwardFiles(tmpl)
	return task
}

// ForwardFiles lists what must be uploaded before the remote job starts:
// the script, every input artifact and every parameter saved as artifact.
func ForwardFiles(tmpl *api.Template) []string {
	files := newFileList(ScriptFile)
	for _, name := range api.SortedKeys(tmpl.Inputs.Artifacts) {
		if art := tmpl.Inputs.Artifacts[name]; art != nil {
			files.add(art.Path)
		}
	}
	for _, name := range api.SortedKeys(tmpl.Inputs.Parameters) {
		par := tmpl.Inputs.Parameters[name]
		if par == nil || !par.SaveAsArtifact {
			continue
		}
		p := par.Path
		if p == "" {
			p = api.InputParameterDir + name
		}
		files.add(p)
	}
	return files.items
}

// BackwardFiles lists what is downloaded after the remote job completes,
// relative to the task directory.
func BackwardFiles(tmpl *api.Template) []string {
	files := newFileList()
	for _, name := range api.SortedKeys(tmpl.Outputs.Artifacts) {
		if art := tmpl.Outputs.Artifacts[name]; art != nil {
			files.add(relative(art.Path))
		}
	}
	for _, name := range api.SortedKeys(tmpl.Outputs.Parameters) {
		par := tmpl.Outputs.Parameters[name]
		if par == nil {
			continue
		}
		if par.SaveAsArtifact {
			p := par.Path
			if p == "" {
				p = api.OutputParameterDir + name
			}
			files.add(relative(p))
		} else {
			files.add(relative(par.ValueFromPath))
		}
	}
	return files.items
}

func (e *Executor) submissionScript(original string, task Dict) (string, error) {
	machine, err := e.machine.encode()
	if err != nil {
		return "", err
	}
	resources, err := e.resources.encode()
	if err != nil {
		return "", err
	}
	taskJSON, err := task.encode()
	if err != nil {
		return "", err
	}
	b := script.New()
	b.Line("import os")
	b.Line("os.chdir('/')")
	b.Linef("with open('%s', 'w') as f:", ScriptFile)
	b.Indent(func(b *script.Builder) {
		b.Linef("f.write(%s)", script.PyTripleString(original))
	})
	b.Blank()
	b.Line("import json")
	b.Line("from dpdispatcher import Machine, Resources, Task, Submission")
	b.Linef("machine = Machine.load_from_dict(json.loads(%s))", script.PyString(machine))
	b.Linef("resources = Resources.load_from_dict(json.loads(%s))", script.PyString(resources))
	b.Linef("task = Task.load_from_dict(json.loads(%s))", script.PyString(taskJSON))
	b.Line("submission = Submission(work_base='.', machine=machine, resources=resources, task_list=[task])")
	b.Line("submission.run_submission()")
	return b.String(), nil
}

type fileList struct {
	items []string
	seen  map[string]struct{}
}

func newFileList(initial ...string) *fileList {
	l := &fileList{items: []string{}, seen: map[string]struct{}{}}
	for _, s := range initial {
		l.add(s)
	}
	return l
}

func (l *fileList) add(p string) {
	if _, ok := l.seen[p]; ok {
		return
	}
	l.seen[p] = struct{}{}
	l.items = append(l.items, p)
}

func relative(p string) string {
	return "./" + strings.TrimPrefix(p, "/")
}

func cloneDict(d Dict) Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:5]
}
