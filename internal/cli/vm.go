package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/macbox/internal/vm"
	"github.com/javanstorm/macbox/internal/vmconfig"
)

type createOptions struct {
	file         string
	cpus         int
	memoryMB     uint64
	diskGB       uint64
	network      string
	installMedia string
	restoreImage string
	bootDisk     string
	storage      []string
	use          bool
}

func newCreateCmd(a *app) *cobra.Command {
	var o createOptions
	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new VM",
		Long: `Create a new VM and add it to the catalog.

The VM can be described with flags or with a YAML file (-f). A name given on
the command line overrides the one in the file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.build(cmd, args)
			if err != nil {
				return err
			}
			if err := a.catalog.Add(cfg); err != nil {
				return fmt.Errorf("create VM: %w", err)
			}
			if o.use {
				if err := a.catalog.SetActive(cfg.Name); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created VM '%s' (%s)\n", cfg.Name, cfg.ID)
			fmt.Fprintf(out, "  CPUs: %d\n", cfg.CPUCount)
			fmt.Fprintf(out, "  Memory: %d MB\n", cfg.MemorySizeMB)
			fmt.Fprintf(out, "  Disk: %d GB\n", cfg.DiskSizeGB)
			fmt.Fprintf(out, "  Network: %s\n", cfg.Network)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", "YAML file describing the VM")
	f.IntVarP(&o.cpus, "cpus", "c", vmconfig.DefaultCPUCount, "Number of virtual CPUs")
	f.Uint64VarP(&o.memoryMB, "memory", "m", vmconfig.DefaultMemorySizeMB, "Memory in MB")
	f.Uint64VarP(&o.diskGB, "disk-size", "s", vmconfig.DefaultDiskSizeGB, "Boot disk size in GB")
	f.StringVar(&o.network, "network", "nat", "Network mode: none, nat, bridged")
	f.StringVar(&o.installMedia, "install-media", "", "Installer disk image attached read-only over USB")
	f.StringVar(&o.restoreImage, "restore-image", "", "Restore image URL for this VM")
	f.StringVar(&o.bootDisk, "boot-disk", "", "Boot disk image path (default: inside the VM directory)")
	f.StringSliceVar(&o.storage, "storage", nil, "Additional disk images")
	f.BoolVar(&o.use, "use", false, "Make the new VM the active one")
	return cmd
}

func (o *createOptions) build(cmd *cobra.Command, args []string) (*vmconfig.Config, error) {
	var cfg *vmconfig.Config
	if o.file != "" {
		loaded, err := vmconfig.LoadFile(o.file)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		if len(args) == 0 {
			return nil, errors.New("a VM name or --file is required")
		}
		cfg = vmconfig.New(args[0])
	}
	if len(args) > 0 {
		cfg.Name = args[0]
	}

	// Flags override the file only when given explicitly.
	f := cmd.Flags()
	fromFlags := o.file == ""
	if fromFlags || f.Changed("cpus") {
		cfg.CPUCount = o.cpus
	}
	if fromFlags || f.Changed("memory") {
		cfg.MemorySizeMB = o.memoryMB
	}
	if fromFlags || f.Changed("disk-size") {
		cfg.DiskSizeGB = o.diskGB
	}
	if fromFlags || f.Changed("network") {
		mode, err := vmconfig.ParseNetworkMode(o.network)
		if err != nil {
			return nil, err
		}
		cfg.Network = mode
	}
	if o.installMedia != "" {
		cfg.InstallMedia = &vmconfig.InstallMedia{Path: o.installMedia}
	}
	if o.restoreImage != "" {
		cfg.RestoreImage = &vmconfig.RestoreImage{URL: o.restoreImage}
	}
	if o.bootDisk != "" {
		cfg.BootDiskImagePath = o.bootDisk
	}
	if len(o.storage) > 0 {
		cfg.StorageDevices = o.storage
	}
	return cfg, cfg.Validate()
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all VMs",
		Long:    `List all VMs, marking the active one with *.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vms, err := a.catalog.List()
			if err != nil {
				return fmt.Errorf("list VMs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(vms) == 0 {
				fmt.Fprintln(out, "No VMs found. Create one with: macbox create <name>")
				return nil
			}

			active, _ := a.catalog.Active()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  NAME\tCPUS\tMEMORY\tDISK\tNETWORK\tSTATUS")
			for _, cfg := range vms {
				marker := " "
				if cfg.Name == active {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s %s\t%d\t%d MB\t%d GB\t%s\t%s\n",
					marker, cfg.Name, cfg.CPUCount, cfg.MemorySizeMB, cfg.DiskSizeGB, cfg.Network, a.status(cfg))
			}
			return tw.Flush()
		},
	}
}

// status describes cfg from files on disk, so it works across processes.
func (a *app) status(cfg *vmconfig.Config) string {
	if running, pid := isVMRunning(a.layout.VMDir(cfg.ID)); running {
		return fmt.Sprintf("running (pid %d)", pid)
	}
	if fileExists(a.layout.InstalledMarker(cfg.ID)) {
		return "stopped"
	}
	return "not installed"
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Show VM details",
		Long:  `Show details for a VM. If no name specified, shows the active VM.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.catalog.Resolve(firstArg(args))
			if err != nil {
				return err
			}
			active, _ := a.catalog.Active()
			activeMarker := ""
			if cfg.Name == active {
				activeMarker = " (active)"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "VM: %s%s\n", cfg.Name, activeMarker)
			fmt.Fprintf(out, "  ID: %s\n", cfg.ID)
			fmt.Fprintf(out, "  Status: %s\n", a.status(cfg))
			fmt.Fprintf(out, "  OS: %s\n", cfg.OSType)
			fmt.Fprintf(out, "  CPUs: %d\n", cfg.CPUCount)
			fmt.Fprintf(out, "  Memory: %d MB\n", cfg.MemorySizeMB)
			fmt.Fprintf(out, "  Disk Size: %d GB\n", cfg.DiskSizeGB)
			fmt.Fprintf(out, "  Network: %s\n", cfg.Network)
			bootDisk := cfg.BootDiskImagePath
			if bootDisk == "" {
				bootDisk = a.layout.BootDisk(cfg.ID)
			}
			fmt.Fprintf(out, "  Boot Disk: %s\n", bootDisk)
			for _, p := range cfg.StorageDevices {
				fmt.Fprintf(out, "  Storage: %s\n", p)
			}
			if cfg.InstallMedia != nil {
				fmt.Fprintf(out, "  Install Media: %s\n", cfg.InstallMedia.Path)
			}
			if cfg.RestoreImage != nil {
				fmt.Fprintf(out, "  Restore Image: %s\n", cfg.RestoreImage.URL)
			}
			fmt.Fprintf(out, "  Created: %s\n", cfg.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "  Data Dir: %s\n", a.layout.VMDir(cfg.ID))

			state, err := vm.NewStateFile(a.layout.VMDir(cfg.ID)).Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not read boot state: %v\n", err)
				return nil
			}
			if state.BootCount > 0 {
				fmt.Fprintf(out, "  Boots: %d (last %s, build %s)\n",
					state.BootCount, state.LastBoot.Format("2006-01-02 15:04:05"), state.BuildVersion)
				if !state.LastShutdown.IsZero() {
					fmt.Fprintf(out, "  Last Shutdown: %s (clean: %t)\n",
						state.LastShutdown.Format("2006-01-02 15:04:05"), state.CleanShutdown)
				}
			}
			return nil
		},
	}
}

func newUseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Set active VM",
		Long:  `Set the specified VM as the active (default) VM for other commands.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.catalog.SetActive(args[0]); err != nil {
				return fmt.Errorf("set active: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active VM set to '%s'\n", args[0])
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	var keepFiles bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a VM",
		Long: `Delete a VM from the catalog together with its files: the VM directory,
its machine identity, and any boot disk or storage it references outside that
directory. Files that are already gone are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.catalog.Get(args[0])
			if err != nil {
				return err
			}
			if running, pid := isVMRunning(a.layout.VMDir(cfg.ID)); running {
				return fmt.Errorf("VM '%s' is running (pid %d); stop it first", cfg.Name, pid)
			}

			out := cmd.OutOrStdout()
			if !keepFiles {
				m, err := a.ensureManager()
				if err != nil {
					return err
				}
				report, err := m.DeleteVM(cfg)
				if err != nil {
					return err
				}
				for _, p := range report.Removed() {
					fmt.Fprintf(out, "Removed %s\n", p)
				}
				if err := report.Err(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: some files could not be removed: %v\n", err)
				}
			}

			if _, err := a.catalog.Remove(cfg.ID.String()); err != nil {
				return fmt.Errorf("delete VM: %w", err)
			}
			fmt.Fprintf(out, "Deleted VM '%s'\n", cfg.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "Only remove the catalog entry")
	return cmd
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
