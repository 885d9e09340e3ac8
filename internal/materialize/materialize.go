// Package materialize turns a declarative VM config, a cached restore image
// and a machine identity into a validated hypervisor configuration.
package materialize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/kdomanski/iso9660"

	"github.com/javanstorm/macbox/internal/artifact"
	"github.com/javanstorm/macbox/internal/disk"
	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/identity"
	"github.com/javanstorm/macbox/internal/vmconfig"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// Display defaults used when the config leaves the resolution unset.
const (
	DefaultDisplayWidth  = 1920
	DefaultDisplayHeight = 1200
	DisplayPPI           = 80
)

// Backend is the subset of hypervisor.Backend the materializer needs.
type Backend interface {
	Limits() hypervisor.Limits
	BridgedInterfaces() ([]hypervisor.NetworkInterface, error)
	Validate(cfg *hypervisor.Configuration) error
}

// Materializer builds hypervisor configurations.
type Materializer struct {
	backend       Backend
	defaultWidth  int
	defaultHeight int
	freeBytes     func(dir string) (uint64, error)
	log           logr.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithDefaultDisplay overrides the resolution used when a config has none.
func WithDefaultDisplay(width, height int) Option {
	return func(m *Materializer) {
		if width > 0 && height > 0 {
			m.defaultWidth = width
			m.defaultHeight = height
		}
	}
}

// WithFreeBytes replaces the free space query.
func WithFreeBytes(fn func(dir string) (uint64, error)) Option {
	return func(m *Materializer) {
		m.freeBytes = fn
	}
}

// New creates a Materializer.
func New(backend Backend, log logr.Logger, opts ...Option) *Materializer {
	m := &Materializer{
		backend:       backend,
		defaultWidth:  DefaultDisplayWidth,
		defaultHeight: DefaultDisplayHeight,
		freeBytes:     disk.FreeBytes,
		log:           log.WithName("materialize"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BootDiskPath returns the configured boot disk, or Disk.img in the identity
// directory when none is configured.
func BootDiskPath(cfg *vmconfig.Config, id *identity.Identity) string {
	if cfg.BootDiskImagePath != "" {
		return cfg.BootDiskImagePath
	}
	return filepath.Join(id.Dir, disk.BootDiskName)
}

// Materialize assembles and validates the configuration. A missing boot disk
// is allocated as a side effect.
func (m *Materializer) Materialize(cfg *vmconfig.Config, art *artifact.Artifact, id *identity.Identity) (*hypervisor.Configuration, error) {
	if art == nil || art.Descriptor == nil {
		return nil, errdefs.NewConfigError("restore_image", errors.New("no restore image resolved"))
	}
	if id == nil {
		return nil, errdefs.NewConfigError("machine_identifier", errors.New("no machine identity resolved"))
	}
	log := m.log.WithValues("vm", cfg.ID.String())
	limits := m.backend.Limits()

	out := &hypervisor.Configuration{
		CPUCount:    clampCPU(cfg.CPUCount, limits),
		MemoryBytes: clampMemory(cfg.MemoryBytes(), limits, art.Descriptor.MinMemoryBytes),
		BootLoader:  hypervisor.BootLoaderMacOS,
		Platform:    id.Platform,
	}
	if out.CPUCount != cfg.CPUCount {
		log.V(1).Info("clamped cpu count", "requested", cfg.CPUCount, "effective", out.CPUCount)
	}
	if out.MemoryBytes != cfg.MemoryBytes() {
		log.V(1).Info("clamped memory", "requestedMB", cfg.MemorySizeMB, "effectiveBytes", out.MemoryBytes)
	}

	width, height := cfg.DisplayWidth, cfg.DisplayHeight
	if width <= 0 || height <= 0 {
		width, height = m.defaultWidth, m.defaultHeight
	}
	out.Graphics = []hypervisor.GraphicsDevice{{
		Displays: []hypervisor.Display{{Width: width, Height: height, PixelsPerInch: DisplayPPI}},
	}}

	storage, err := m.storage(log, cfg, id)
	if err != nil {
		return nil, err
	}
	out.Storage = storage

	network, err := m.network(cfg.Network)
	if err != nil {
		return nil, err
	}
	out.Network = network

	out.PointingDevices = []hypervisor.PointingDevice{hypervisor.PointingUSBScreenCoordinate}
	out.Keyboards = []hypervisor.Keyboard{hypervisor.KeyboardUSB}
	out.Audio = []hypervisor.AudioDevice{{
		Streams: []hypervisor.AudioStream{
			{Direction: hypervisor.AudioInput},
			{Direction: hypervisor.AudioOutput},
		},
	}}

	if err := m.backend.Validate(out); err != nil {
		return nil, errdefs.NewBackendError("validate configuration", err)
	}
	return out, nil
}

func clampCPU(n int, limits hypervisor.Limits) int {
	if n < 1 {
		n = 1
	}
	if limits.MaxCPUCount > 0 && n > limits.MaxCPUCount {
		n = limits.MaxCPUCount
	}
	return n
}

func clampMemory(b uint64, limits hypervisor.Limits, artifactMin uint64) uint64 {
	floor := max(limits.MinMemoryBytes, artifactMin)
	if b < floor {
		b = floor
	}
	if limits.MaxMemoryBytes > 0 && b > limits.MaxMemoryBytes {
		b = limits.MaxMemoryBytes
	}
	return b
}

func (m *Materializer) storage(log logr.Logger, cfg *vmconfig.Config, id *identity.Identity) ([]hypervisor.StorageDevice, error) {
	bootDisk := BootDiskPath(cfg, id)
	if err := m.ensureBootDisk(log, bootDisk, cfg.DiskBytes()); err != nil {
		return nil, err
	}

	devices := []hypervisor.StorageDevice{{Path: bootDisk, Bus: hypervisor.BusVirtio}}
	for _, p := range cfg.StorageDevices {
		devices = append(devices, hypervisor.StorageDevice{Path: p, Bus: hypervisor.BusVirtio})
	}

	if cfg.InstallMedia != nil {
		if err := checkInstallMedia(cfg.InstallMedia.Path); err != nil {
			return nil, errdefs.NewConfigError("install_media", err)
		}
		devices = append(devices, hypervisor.StorageDevice{
			Path:     cfg.InstallMedia.Path,
			ReadOnly: true,
			Bus:      hypervisor.BusUSB,
		})
	}
	return devices, nil
}

func (m *Materializer) ensureBootDisk(log logr.Logger, path string, size int64) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat boot disk: %w", err)
	}

	if err := disk.Allocate(path, size); err != nil {
		return fmt.Errorf("provision boot disk: %w", err)
	}
	log.Info("allocated boot disk", "path", path, "bytes", size)

	free, err := m.freeBytes(filepath.Dir(path))
	if err != nil {
		log.V(1).Info("free space unavailable", "error", err.Error())
		return nil
	}
	if uint64(size) > free {
		log.Info("boot disk exceeds free space on volume", "warning", true, "path", path, "bytes", size, "free", free)
	}
	return nil
}

// checkInstallMedia verifies that path is a readable ISO 9660 image.
func checkInstallMedia(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open install media: %w", err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("read install media %s: %w", path, err)
	}
	if _, err := img.RootDir(); err != nil {
		return fmt.Errorf("read install media %s: %w", path, err)
	}
	return nil
}

func (m *Materializer) network(mode vmconfig.NetworkMode) ([]hypervisor.NetworkDevice, error) {
	switch mode {
	case vmconfig.NetworkNAT:
		return []hypervisor.NetworkDevice{{Attachment: hypervisor.AttachmentNAT}}, nil
	case vmconfig.NetworkBridged:
		ifaces, err := m.backend.BridgedInterfaces()
		if err != nil {
			return nil, errdefs.NewBackendError("list bridged interfaces", err)
		}
		if len(ifaces) == 0 {
			return nil, errdefs.NewConfigError("network", errdefs.ErrNoBridgedInterface)
		}
		m.log.V(1).Info("bridging to host interface", "interface", ifaces[0].Identifier)
		return []hypervisor.NetworkDevice{{
			Attachment: hypervisor.AttachmentBridged,
			Interface:  ifaces[0].Identifier,
		}}, nil
	default:
		return nil, nil
	}
}
