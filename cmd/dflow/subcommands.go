package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3cpo-dev/dflow/internal/config"
	"github.com/3cpo-dev/dflow/internal/manifest"
	gssh "github.com/3cpo-dev/dflow/internal/ssh"
	"github.com/3cpo-dev/dflow/internal/storage"
	"github.com/3cpo-dev/dflow/pkg/api"
	"github.com/3cpo-dev/dflow/pkg/dispatcher"
	"github.com/3cpo-dev/dflow/pkg/op"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Resolve the configuration
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return config.Load(cfgPath)
}

// Compile operator descriptors into templates
func newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile operator descriptors into script templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, _ := cmd.Flags().GetStringSlice("op")
			image, _ := cmd.Flags().GetString("image")
			command, _ := cmd.Flags().GetStringSlice("command")
			dispatch, _ := cmd.Flags().GetBool("dispatch")
			out, _ := cmd.Flags().GetString("output")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, names, err := loadRegistry(cmd.Context(), paths)
			if err != nil {
				return err
			}
			if image == "" {
				image = cfg.Compile.Image
			}
			if len(command) == 0 {
				command = cfg.Compile.Command
			}

			var exec api.Executor
			if dispatch {
				e, closer, err := newExecutor(cmd, cfg)
				if err != nil {
					return err
				}
				defer closer()
				exec = e
			}

			var templates []*api.Template
			for _, name := range names {
				d, _ := reg.Get(name)
				tmpl := op.Compile(d, op.CompileOptions{Image: image, Command: command})
				if exec != nil {
					if tmpl, err = exec.Render(cmd.Context(), tmpl); err != nil {
						return err
					}
				}
				templates = append(templates, tmpl)
			}
			return writeTemplates(cmd, out, templates)
		},
	}
	cmd.Flags().StringSlice("op", nil, "operator descriptor file (repeatable)")
	cmd.Flags().String("image", "", "container image of the compiled template")
	cmd.Flags().StringSlice("command", nil, "interpreter command (default python)")
	cmd.Flags().Bool("dispatch", false, "wrap compiled templates for remote submission")
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	addDispatcherFlags(cmd)
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

// Wrap existing templates for remote submission
func newWrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wrap",
		Short: "Wrap a template so its script is submitted through DPDispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, _ := cmd.Flags().GetStringSlice("template")
			out, _ := cmd.Flags().GetString("output")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			exec, closer, err := newExecutor(cmd, cfg)
			if err != nil {
				return err
			}
			defer closer()

			inputs, err := decodeManifests(cmd.Context(), paths)
			if err != nil {
				return err
			}
			var templates []*api.Template
			for _, tmpl := range inputs {
				wrapped, err := exec.Render(cmd.Context(), tmpl)
				if err != nil {
					return fmt.Errorf("wrap %s: %w", tmpl.Name, err)
				}
				templates = append(templates, wrapped)
			}
			return writeTemplates(cmd, out, templates)
		},
	}
	cmd.Flags().StringSlice("template", nil, "template manifest file (repeatable)")
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	addDispatcherFlags(cmd)
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

const loadParallelism = 4

// Load descriptors concurrently into a registry. The returned names follow
// the order of paths.
func loadRegistry(ctx context.Context, paths []string) (*op.Registry, []string, error) {
	reg := op.NewRegistry()
	names := make([]string, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(loadParallelism)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			d, err := op.LoadDefinition(p)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if err := reg.Register(d); err != nil {
				return err
			}
			names[i] = d.Name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return reg, names, nil
}

// Decode manifests concurrently, keeping argument order
func decodeManifests(ctx context.Context, paths []string) ([]*api.Template, error) {
	out := make([]*api.Template, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(loadParallelism)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			tmpl, err := manifest.DecodeFile(p)
			if err != nil {
				return err
			}
			out[i] = tmpl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func addDispatcherFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "dispatcher login host")
	cmd.Flags().String("queue", "", "batch queue name")
	cmd.Flags().Int("port", 0, "dispatcher SSH port")
	cmd.Flags().String("username", "", "dispatcher SSH user")
	cmd.Flags().String("private-key", "", "private key file uploaded into the pod")
	cmd.Flags().StringSlice("remote-command", nil, "command running the script remotely")
	cmd.Flags().Bool("no-map-tmp", false, "do not rewrite /tmp to the remote task directory")
}

// Build an executor from config plus flag overrides
func newExecutor(cmd *cobra.Command, cfg config.Config) (*dispatcher.Executor, func(), error) {
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Dispatcher.Host = v
	}
	if v, _ := cmd.Flags().GetString("queue"); v != "" {
		cfg.Dispatcher.QueueName = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Dispatcher.Port = v
	}
	if v, _ := cmd.Flags().GetString("username"); v != "" {
		cfg.Dispatcher.Username = v
	}
	if v, _ := cmd.Flags().GetString("private-key"); v != "" {
		cfg.Dispatcher.PrivateKeyFile = v
	}
	if v, _ := cmd.Flags().GetStringSlice("remote-command"); len(v) > 0 {
		cfg.Dispatcher.RemoteCommand = v
	}
	if v, _ := cmd.Flags().GetBool("no-map-tmp"); v {
		off := false
		cfg.Dispatcher.MapTmpDir = &off
	}

	opts := cfg.DispatcherOptions()
	closer := func() {}
	if opts.PrivateKeyFile != "" {
		store, c, err := openStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		opts.Uploader = store
		closer = c
	}
	exec, err := dispatcher.New(opts)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return exec, closer, nil
}

// Open the object store configured for private key uploads
func openStore(cfg config.Config) (storage.Store, func(), error) {
	var store storage.Store
	switch cfg.Storage.Kind {
	case "", "fs":
		store = storage.NewFSStore(cfg.Storage.Root)
	case "sftp":
		s := cfg.Storage.SFTP
		if s.Host == "" {
			return nil, nil, fmt.Errorf("storage.sftp.host is required")
		}
		keyPath := s.KeyPath
		if keyPath == "" {
			keyPath = filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
		}
		client, err := sshClient(cfg, s.Host, s.Port, s.User, keyPath)
		if err != nil {
			return nil, nil, err
		}
		store = storage.NewSFTPStore(client, cfg.Storage.Root)
	default:
		return nil, nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
	if cfg.Storage.Catalog == "" {
		return store, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Catalog), 0o700); err != nil {
		return nil, nil, fmt.Errorf("mkdir catalog dir: %w", err)
	}
	cat, err := storage.OpenCatalog(cfg.Storage.Catalog)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := cat.Close(); err != nil {
			log.Warn().Err(err).Msg("close catalog")
		}
	}
	return &storage.CatalogStore{Store: store, Catalog: cat}, closer, nil
}

func sshClient(cfg config.Config, host string, port int, user, keyPath string) (*gssh.Client, error) {
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = 22
	}
	if user == "" {
		user = "root"
	}
	return &gssh.Client{
		Addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		User:       user,
		Signer:     signer,
		KnownHosts: hostKeys,
		Timeout:    cfg.Timeout(),
		Retries:    cfg.Defaults.Retries,
	}, nil
}

func writeTemplates(cmd *cobra.Command, out string, templates []*api.Template) error {
	if out == "" {
		return encodeTemplates(cmd.OutOrStdout(), templates)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := encodeTemplates(f, templates); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

func encodeTemplates(w io.Writer, templates []*api.Template) error {
	for i, t := range templates {
		if i > 0 {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return fmt.Errorf("write separator: %w", err)
			}
		}
		if err := manifest.Encode(w, t); err != nil {
			return err
		}
	}
	log.Info().Int("templates", len(templates)).Msg("done")
	return nil
}

// Generate an SSH keypair for the dispatcher
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an SSH keypair for the dispatcher host",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			kind, _ := cmd.Flags().GetString("type")
			if path == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				path = filepath.Join(cfg.SSH.KeyDir, "id_"+kind)
			}
			pub, err := gssh.GenerateKeypair(path, gssh.KeyType(kind))
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("generated keypair")
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().String("path", "", "private key path (default <config>/ssh/id_<type>)")
	cmd.Flags().String("type", string(gssh.KeyEd25519), "key type: ed25519 or rsa")
	return cmd
}

// Check that the dispatcher host is reachable and has a scheduler
func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a command on the dispatcher host over SSH",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			keyPath, _ := cmd.Flags().GetString("key")
			command, _ := cmd.Flags().GetString("command")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if host == "" {
				host = cfg.Dispatcher.Host
			}
			if host == "" {
				return fmt.Errorf("dispatcher host is required")
			}
			if keyPath == "" {
				keyPath = cfg.Dispatcher.PrivateKeyFile
			}
			if keyPath == "" {
				keyPath = filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			}
			client, err := sshClient(cfg, host, cfg.Dispatcher.Port, cfg.Dispatcher.Username, keyPath)
			if err != nil {
				return err
			}
			stdout, stderr, err := client.RunCommand(cmd.Context(), command)
			if err != nil {
				return fmt.Errorf("probe %s: %w: %s", host, err, strings.TrimSpace(stderr))
			}
			fmt.Fprint(cmd.OutOrStdout(), stdout)
			return nil
		},
	}
	cmd.Flags().String("host", "", "dispatcher host (default from config)")
	cmd.Flags().String("key", "", "private key file")
	cmd.Flags().String("command", "sinfo --version", "command to run")
	cmd.AddCommand(newTrustCmd())
	return cmd
}

// Record a host key in the known_hosts file
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host> <authorized-key>",
		Short: "Add a host key to the dflow known_hosts file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, args[0], args[1]); err != nil {
				return err
			}
			log.Info().Str("host", args[0]).Str("file", cfg.SSH.KnownHosts).Msg("trusted host key")
			return nil
		},
	}
}
