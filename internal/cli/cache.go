package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/macbox/internal/artifact"
	"github.com/javanstorm/macbox/internal/vmconfig"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

func newCacheCmd(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached restore images",
		Long:  `List or remove the restore images downloaded into the cache directory.`,
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached restore images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.artifactCache().List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No cached restore images")
				return nil
			}

			var total int64
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tDOWNLOADED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, formatSize(e.Size), e.ModTime.Format("2006-01-02 15:04"))
				total += e.Size
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal: %s in %s\n", formatSize(total), a.artifactCache().Dir())
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached restore image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.artifactCache().Clear()
			if err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cached restore images to clear")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached file(s)\n", n)
			return nil
		},
	})
	return cacheCmd
}

func newFetchCmd(a *app) *cobra.Command {
	var vmName string
	cmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Download a restore image into the cache",
		Long: `Download a restore image into the cache without starting a VM.

Without a URL the image of --vm is used, then restore_image_url from the
configuration, then the latest image the hypervisor reports. The macOS
backend cannot report one, so a URL must come from one of the first two.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.ensureManager()
			if err != nil {
				return err
			}

			cfg := &vmconfig.Config{}
			if vmName != "" {
				if cfg, err = a.catalog.Get(vmName); err != nil {
					return err
				}
			}
			if len(args) > 0 {
				cfg = &vmconfig.Config{RestoreImage: &vmconfig.RestoreImage{URL: args[0]}}
			}
			latest := cfg.RestoreImage == nil && a.cfg.RestoreImageURL == ""

			sourceURL, err := m.ResolveRestoreImage(cmd.Context(), cfg)
			if err != nil {
				return restoreImageHint(err)
			}
			art, err := a.cache.Acquire(cmd.Context(), sourceURL)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, artifact.DisplayName(art.SourceURL, art.Descriptor.BuildVersion, latest))
			fmt.Fprintf(out, "  Path: %s\n", art.Path)
			if art.Downloaded {
				fmt.Fprintf(out, "  BLAKE2b-256: %s\n", art.Digest)
			} else {
				fmt.Fprintln(out, "  Already cached")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vmName, "vm", "", "Fetch the restore image used by this VM")
	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// restoreImageHint adds the configuration fix to restore image discovery
// failures.
func restoreImageHint(err error) error {
	if !errors.Is(err, hypervisor.ErrUnsupportedHost) {
		return err
	}
	return fmt.Errorf("%w (set restore_image_url in the config file or create the VM with --restore-image)", err)
}
