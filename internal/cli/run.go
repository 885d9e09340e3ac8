package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/metrics"
	"github.com/javanstorm/macbox/internal/timing"
	"github.com/javanstorm/macbox/internal/version"
	"github.com/javanstorm/macbox/internal/vm"
	"github.com/javanstorm/macbox/internal/vmconfig"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

type runOptions struct {
	gui         bool
	fresh       bool
	timing      bool
	metricsAddr string
	stopTimeout time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Start a VM and wait for it to stop",
		Long: `Start a VM (the active one if no name is given) in the foreground.

On first run the restore image is downloaded into the cache, a machine
identity is created and the boot disk is allocated. Ctrl+C or 'macbox stop'
shuts the VM down.

The restore image comes from the VM's --restore-image or from
restore_image_url in the configuration. The macOS backend cannot look up the
latest image on its own, so one of the two must be set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.catalog.Resolve(firstArg(args))
			if err != nil {
				return err
			}
			return a.run(cmd, cfg, o)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&o.gui, "gui", false, "Show the VM display in a window")
	f.BoolVar(&o.fresh, "fresh", false, "Discard the machine identity and provision a new one")
	f.BoolVar(&o.timing, "timing", os.Getenv("MACBOX_TIMING") == "1", "Print launch phase timings")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")
	f.DurationVar(&o.stopTimeout, "stop-timeout", 30*time.Second, "How long to wait for the guest to shut down")
	return cmd
}

func (a *app) run(cmd *cobra.Command, cfg *vmconfig.Config, o runOptions) error {
	out := cmd.OutOrStdout()
	log := a.log.WithValues("vm", cfg.Name)
	vmDir := a.layout.VMDir(cfg.ID)

	// Check if VM is already running
	if running, pid := isVMRunning(vmDir); running {
		return fmt.Errorf("VM '%s' is running in process %d: %w", cfg.Name, pid, errdefs.ErrAlreadyRunning)
	}

	m, err := a.ensureManager()
	if err != nil {
		return err
	}
	log.V(1).Info("starting", "version", version.String(), "backend", a.backend.Info().Name)

	if cfg.BootDiskImagePath == "" {
		cfg.BootDiskImagePath = m.BootDiskPath(cfg)
		if err := a.catalog.Update(cfg); err != nil {
			log.Info("could not record boot disk path", "warning", true, "error", err.Error())
		}
	}

	addr := o.metricsAddr
	if addr == "" {
		addr = a.cfg.MetricsAddr
	}
	if addr != "" {
		srv := metrics.NewServer(addr, a.registry)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "metrics server failed")
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", "url", metrics.Describe(srv))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Write PID file for other processes to detect running VM
	if err := writePIDFile(vmDir); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer cleanupPIDFile(vmDir)

	var opts []vm.StartOption
	if o.fresh {
		opts = append(opts, vm.FreshInstall())
	}
	var timer *timing.Timer
	if o.timing {
		timer = timing.New()
		opts = append(opts, vm.WithTimer(timer))
	}

	fmt.Fprintf(out, "Starting VM '%s'...\n", cfg.Name)
	if err := m.Start(ctx, cfg, opts...); err != nil {
		return restoreImageHint(err)
	}
	if timer != nil {
		timer.Report(cmd.ErrOrStderr())
	}

	exited := make(chan error, 1)
	go func() {
		exited <- m.Wait(context.Background(), cfg.ID)
	}()

	shutdown := func() error {
		fmt.Fprintf(out, "Stopping VM '%s'...\n", cfg.Name)
		stopCtx, cancel := context.WithTimeout(context.Background(), o.stopTimeout)
		defer cancel()
		return m.Stop(stopCtx, cfg.ID)
	}

	if o.gui {
		if err := a.showWindow(m, cfg); err != nil {
			log.Info("cannot open window", "warning", true, "error", err.Error())
		} else {
			// The window was closed.
			return shutdown()
		}
	}

	fmt.Fprintf(out, "VM '%s' is running. Press Ctrl+C to stop.\n", cfg.Name)
	select {
	case <-ctx.Done():
		return shutdown()
	case <-exited:
		fmt.Fprintf(out, "VM '%s' shut down.\n", cfg.Name)
		return nil
	}
}

func (a *app) showWindow(m *vm.Manager, cfg *vmconfig.Config) error {
	inst, ok := m.DisplayHandle(cfg.ID)
	if !ok {
		return vm.ErrNotRunning
	}
	d, ok := inst.(hypervisor.Displayer)
	if !ok {
		return errors.New("backend has no window support")
	}
	width, height := cfg.DisplayWidth, cfg.DisplayHeight
	if width == 0 || height == 0 {
		width, height = a.cfg.DisplayWidth, a.cfg.DisplayHeight
	}
	return d.ShowWindow(float64(width), float64(height))
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop a running VM",
		Long:  `Ask the macbox process running a VM to shut it down.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.catalog.Resolve(firstArg(args))
			if err != nil {
				return err
			}
			pid, err := signalVM(a.layout.VMDir(cfg.ID))
			if err != nil {
				return err
			}
			if pid == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "VM '%s' is not running.\n", cfg.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent stop request to VM '%s' (pid %d)\n", cfg.Name, pid)
			return nil
		},
	}
}
