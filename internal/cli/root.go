// Package cli provides the command-line interface for MacBox.
package cli

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javanstorm/macbox/internal/artifact"
	"github.com/javanstorm/macbox/internal/catalog"
	"github.com/javanstorm/macbox/internal/config"
	"github.com/javanstorm/macbox/internal/disk"
	"github.com/javanstorm/macbox/internal/identity"
	"github.com/javanstorm/macbox/internal/logging"
	"github.com/javanstorm/macbox/internal/materialize"
	"github.com/javanstorm/macbox/internal/metrics"
	"github.com/javanstorm/macbox/internal/vm"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// newBackend is replaced in tests.
var newBackend = func(cfg *config.Config) (hypervisor.Backend, error) {
	return hypervisor.NewBackend(hypervisor.Options{RestoreImageURL: cfg.RestoreImageURL})
}

// app holds what the commands share. It is filled by the root command's
// PersistentPreRunE; the backend and manager are created on first use.
type app struct {
	v          *viper.Viper
	configFile string
	logOutput  io.Writer

	cfg      *config.Config
	log      logr.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	catalog  *catalog.Catalog
	layout   disk.Layout

	backend hypervisor.Backend
	cache   *artifact.Cache
	manager *vm.Manager
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	out := a.logOutput
	if out == nil {
		out = cmd.ErrOrStderr()
	}
	a.log, err = logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: out})
	if err != nil {
		return err
	}
	for _, w := range cfg.Check() {
		a.log.Info(w.Message, "warning", true, "field", w.Field)
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	a.catalog = catalog.New(cfg.DataDir)
	a.layout = disk.Layout{Root: cfg.VMsDir()}
	return nil
}

// artifactCache returns a cache usable for listing and clearing without a
// backend. Acquire requires ensureManager first.
func (a *app) artifactCache() *artifact.Cache {
	if a.cache == nil {
		a.cache = a.newCache(nil)
	}
	return a.cache
}

func (a *app) newCache(source hypervisor.ArtifactSource) *artifact.Cache {
	return artifact.New(source, artifact.Options{
		Dir:            a.cfg.CacheDir,
		MaxAttempts:    a.cfg.DownloadAttempts,
		InitialBackoff: a.cfg.DownloadBackoff,
		Metrics:        a.metrics,
		Log:            a.log,
	})
}

func (a *app) ensureManager() (*vm.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	backend, err := newBackend(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("create hypervisor backend: %w", err)
	}
	a.backend = backend
	a.cache = a.newCache(backend)

	a.manager = vm.NewManager(vm.ManagerConfig{
		Backend:      backend,
		Cache:        a.cache,
		Identities:   identity.NewStore(a.layout, backend, a.metrics, a.log),
		Materializer: materialize.New(backend, a.log, materialize.WithDefaultDisplay(a.cfg.DisplayWidth, a.cfg.DisplayHeight)),
		Provisioner:  disk.NewProvisioner(a.layout, a.log),

		RestoreImageURL: a.cfg.RestoreImageURL,
		Metrics:         a.metrics,
		Log:             a.log,
	})
	return a.manager, nil
}

// NewRootCmd builds the macbox command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "macbox",
		Short: "MacBox - macOS virtual machines on Apple silicon",
		Long: `MacBox creates and runs macOS guests with the host's Virtualization framework.

Restore images are downloaded once into a local cache, each VM keeps its own
machine identity and boot disk, and a VM can only run once at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for commands that don't need it
			switch cmd.Name() {
			case "version", "completion", "help":
				return nil
			}
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: search the config and data directories)")
	flags.String("data-dir", "", "directory holding the VM catalog and VM files")
	flags.String("cache-dir", "", "directory holding downloaded restore images")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	for key, flag := range map[string]string{
		"data_dir":   "data-dir",
		"cache_dir":  "cache-dir",
		"log_level":  "log-level",
		"log_format": "log-format",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newCreateCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newUseCmd(a),
		newDeleteCmd(a),
		newRunCmd(a),
		newStopCmd(a),
		newFetchCmd(a),
		newCacheCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
