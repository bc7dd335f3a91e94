package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Dict is a DPDispatcher configuration mapping as it is serialized into the
// generated script.
type Dict map[string]any

// RemoteProfile holds the SSH connection parameters of a machine.
type RemoteProfile struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	Port     int    `json:"port"`
	Timeout  int    `json:"timeout"`
}

// Machine describes where and how jobs are submitted.
type Machine struct {
	BatchType     string        `json:"batch_type"`
	ContextType   string        `json:"context_type"`
	LocalRoot     string        `json:"local_root"`
	RemoteRoot    string        `json:"remote_root"`
	RemoteProfile RemoteProfile `json:"remote_profile"`
}

// Resources describes what a job asks the batch system for.
type Resources struct {
	NumberNode int               `json:"number_node"`
	CPUPerNode int               `json:"cpu_per_node"`
	GPUPerNode int               `json:"gpu_per_node"`
	QueueName  string            `json:"queue_name"`
	GroupSize  int               `json:"group_size"`
	Envs       map[string]string `json:"envs"`
}

// Task describes one unit of remote work. Command and the file lists are
// filled in per template.
type Task struct {
	TaskWorkPath  string   `json:"task_work_path"`
	Outlog        string   `json:"outlog"`
	Errlog        string   `json:"errlog"`
	Command       string   `json:"command,omitempty"`
	ForwardFiles  []string `json:"forward_files,omitempty"`
	BackwardFiles []string `json:"backward_files,omitempty"`
}

func defaultMachine(host, username string, port int) Machine {
	return Machine{
		BatchType:   "Slurm",
		ContextType: "SSHContext",
		LocalRoot:   "/",
		RemoteRoot:  fmt.Sprintf("/home/%s/dflow/workflows", username),
		RemoteProfile: RemoteProfile{
			Hostname: host,
			Username: username,
			Port:     port,
			Timeout:  10,
		},
	}
}

// The envs keep DPDispatcher from treating tasks of different pods as the
// same submission.
func defaultResources(queue string) Resources {
	return Resources{
		NumberNode: 1,
		CPUPerNode: 1,
		GPUPerNode: 1,
		QueueName:  queue,
		GroupSize:  5,
		Envs: map[string]string{
			"DFLOW_WORKFLOW": "{{workflow.name}}",
			"DFLOW_POD":      "{{pod.name}}",
		},
	}
}

func defaultTask() Task {
	return Task{
		TaskWorkPath: "./",
		Outlog:       "log",
		Errlog:       "err",
	}
}

// toDict converts a typed mapping into its JSON object form.
func toDict(v any) (Dict, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var d Dict
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return d, nil
}

// merge overlays overrides onto defaults key by key. Nested mappings are
// replaced, not merged.
func merge(defaults any, overrides map[string]any) (Dict, error) {
	d, err := toDict(defaults)
	if err != nil {
		return nil, err
	}
	maps.Copy(d, overrides)
	return d, nil
}

// encode renders d as compact JSON without HTML escaping.
func (d Dict) encode() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
