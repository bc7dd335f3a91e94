package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/3cpo-dev/dflow/pkg/dispatcher"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the dflow CLI.
type Config struct {
	Compile struct {
		Image   string   `yaml:"image"`
		Command []string `yaml:"command"`
	} `yaml:"compile"`
	Dispatcher struct {
		Host               string         `yaml:"host"`
		QueueName          string         `yaml:"queue_name"`
		Port               int            `yaml:"port"`
		Username           string         `yaml:"username"`
		PrivateKeyFile     string         `yaml:"private_key_file"`
		PrivateKeyHostPath string         `yaml:"private_key_host_path"`
		Image              string         `yaml:"image"`
		Command            []string       `yaml:"command"`
		RemoteCommand      []string       `yaml:"remote_command"`
		MapTmpDir          *bool          `yaml:"map_tmp_dir"`
		Machine            map[string]any `yaml:"machine"`
		Resources          map[string]any `yaml:"resources"`
		Task               map[string]any `yaml:"task"`
	} `yaml:"dispatcher"`
	Storage struct {
		Kind    string `yaml:"kind"`
		Root    string `yaml:"root"`
		Catalog string `yaml:"catalog"`
		SFTP    struct {
			Host    string `yaml:"host"`
			User    string `yaml:"user"`
			Port    int    `yaml:"port"`
			KeyPath string `yaml:"key_path"`
		} `yaml:"sftp"`
	} `yaml:"storage"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Defaults struct {
		Retries        int `yaml:"retries"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"defaults"`
}

// Dir resolves $XDG_CONFIG_HOME/dflow or ~/.config/dflow.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dflow")
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var cfg Config
	dir := Dir()
	cfg.Storage.Kind = "fs"
	cfg.Storage.Root = filepath.Join(dir, "objects")
	cfg.Storage.Catalog = filepath.Join(dir, "catalog.db")
	cfg.Storage.SFTP.Port = 22
	cfg.SSH.KeyDir = filepath.Join(dir, "ssh")
	cfg.SSH.KnownHosts = filepath.Join(dir, "ssh", "known_hosts")
	cfg.Defaults.Retries = 2
	cfg.Defaults.TimeoutSeconds = 15
	return cfg
}

// Load reads YAML configuration from path over the defaults. An empty path
// resolves to config.yaml in Dir and may be absent. Values from secrets.env
// and then the process environment are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	secrets, _ := LoadSecretsEnv("")
	for _, key := range envKeys {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if err := cfg.applyEnv(secrets); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var envKeys = []string{
	"DFLOW_DISPATCHER_HOST",
	"DFLOW_DISPATCHER_QUEUE",
	"DFLOW_DISPATCHER_PORT",
	"DFLOW_DISPATCHER_USERNAME",
	"DFLOW_PRIVATE_KEY_FILE",
	"DFLOW_PRIVATE_KEY_HOST_PATH",
	"DFLOW_STORAGE_ROOT",
}

func (c *Config) applyEnv(vals map[string]string) error {
	if v, ok := vals["DFLOW_DISPATCHER_HOST"]; ok && v != "" {
		c.Dispatcher.Host = v
	}
	if v, ok := vals["DFLOW_DISPATCHER_QUEUE"]; ok && v != "" {
		c.Dispatcher.QueueName = v
	}
	if v, ok := vals["DFLOW_DISPATCHER_PORT"]; ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DFLOW_DISPATCHER_PORT: %w", err)
		}
		c.Dispatcher.Port = port
	}
	if v, ok := vals["DFLOW_DISPATCHER_USERNAME"]; ok && v != "" {
		c.Dispatcher.Username = v
	}
	if v, ok := vals["DFLOW_PRIVATE_KEY_FILE"]; ok && v != "" {
		c.Dispatcher.PrivateKeyFile = v
	}
	if v, ok := vals["DFLOW_PRIVATE_KEY_HOST_PATH"]; ok && v != "" {
		c.Dispatcher.PrivateKeyHostPath = v
	}
	if v, ok := vals["DFLOW_STORAGE_ROOT"]; ok && v != "" {
		c.Storage.Root = v
	}
	return nil
}

// DispatcherOptions turns the dispatcher section into executor options.
func (c *Config) DispatcherOptions() dispatcher.Options {
	d := c.Dispatcher
	opts := dispatcher.DefaultOptions(d.Host, d.QueueName)
	if d.Port != 0 {
		opts.Port = d.Port
	}
	if d.Username != "" {
		opts.Username = d.Username
	}
	if d.PrivateKeyHostPath != "" {
		opts.PrivateKeyHostPath = d.PrivateKeyHostPath
	}
	if d.Image != "" {
		opts.Image = d.Image
	}
	if len(d.Command) > 0 {
		opts.Command = d.Command
	}
	if d.MapTmpDir != nil {
		opts.MapTmpDir = *d.MapTmpDir
	}
	opts.PrivateKeyFile = d.PrivateKeyFile
	opts.RemoteCommand = d.RemoteCommand
	opts.Machine = d.Machine
	opts.Resources = d.Resources
	opts.Task = d.Task
	return opts
}

// Timeout is the SSH dial timeout.
func (c *Config) Timeout() time.Duration {
	if c.Defaults.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Defaults.TimeoutSeconds) * time.Second
}
