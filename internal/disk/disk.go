package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/javanstorm/macbox/internal/vmconfig"
)

// Allocate creates a sparse file of exactly sizeBytes logical length. The file
// must not exist yet.
func Allocate(path string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return fmt.Errorf("allocate %s: invalid size %d", path, sizeBytes)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create disk directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create disk image: %w", err)
	}

	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("set disk size: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close disk image: %w", err)
	}
	return nil
}

// Op names a cleanup operation.
type Op string

const (
	OpRemoveDir    Op = "remove-dir"
	OpRemoveFile   Op = "remove-file"
	OpRemoveMarker Op = "remove-marker"
)

// Result is the outcome of one removal.
type Result struct {
	Op   Op
	Path string
	Err  error
}

// Report collects the results of DeleteAll.
type Report struct {
	Results []Result
	// Skipped lists paths that were already gone.
	Skipped []string
}

// Err joins every failed removal, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Removed returns the paths that were removed successfully.
func (r Report) Removed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Err == nil {
			out = append(out, res.Path)
		}
	}
	return out
}

// Provisioner removes VM-owned files laid out by Layout.
type Provisioner struct {
	layout Layout
	log    logr.Logger
}

// NewProvisioner creates a provisioner rooted at layout.
func NewProvisioner(layout Layout, log logr.Logger) *Provisioner {
	return &Provisioner{layout: layout, log: log.WithName("disk")}
}

// Layout returns the provisioner's layout.
func (p *Provisioner) Layout() Layout {
	return p.layout
}

// DeleteAll removes the VM directory, any boot disk, storage devices or EFI
// store outside it, and the installed marker. Individual failures are logged
// and reported; they do not stop the remaining removals.
func (p *Provisioner) DeleteAll(cfg *vmconfig.Config) Report {
	var r Report
	id := cfg.ID
	log := p.log.WithValues("vm", id.String())

	p.remove(log, &r, OpRemoveDir, p.layout.VMDir(id))

	external := make([]string, 0, 2+len(cfg.StorageDevices))
	if cfg.BootDiskImagePath != "" {
		external = append(external, cfg.BootDiskImagePath)
	}
	if cfg.EFIVariableStorePath != "" {
		external = append(external, cfg.EFIVariableStorePath)
	}
	external = append(external, cfg.StorageDevices...)

	seen := make(map[string]bool)
	for _, path := range external {
		if seen[path] || p.layout.Contains(id, path) {
			continue
		}
		seen[path] = true
		p.remove(log, &r, OpRemoveFile, path)
	}

	p.remove(log, &r, OpRemoveMarker, p.layout.InstalledMarker(id))
	return r
}

func (p *Provisioner) remove(log logr.Logger, r *Report, op Op, path string) {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		log.V(1).Info("already removed", "path", path)
		r.Skipped = append(r.Skipped, path)
		return
	}

	var err error
	if op == OpRemoveDir {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		err = fmt.Errorf("%s %s: %w", op, path, err)
		log.Info("cleanup failed", "warning", true, "path", path, "error", err.Error())
	}
	r.Results = append(r.Results, Result{Op: op, Path: path, Err: err})
}
