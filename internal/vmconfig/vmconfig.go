// Package vmconfig holds the declarative description of a virtual machine.
package vmconfig

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/macbox/internal/errdefs"
)

// Defaults for newly created VMs.
const (
	DefaultCPUCount     = 4
	DefaultMemorySizeMB = 8192
	DefaultDiskSizeGB   = 64
	DefaultOSType       = "macOS"
)

// Largest sizes whose byte counts fit MemoryBytes and DiskBytes.
const (
	MaxMemorySizeMB = math.MaxUint64 >> 20
	MaxDiskSizeGB   = math.MaxInt64 >> 30
)

// InstallMedia is a bootable image attached read-only during installation.
type InstallMedia struct {
	Path string `json:"path" yaml:"path"`
}

// RestoreImage references the restore image a guest is installed from.
type RestoreImage struct {
	URL string `json:"url" yaml:"url"`
}

// Config is the desired shape of a VM. The core never mutates it.
type Config struct {
	// ID is assigned at creation and never changes. It keys all per-VM state.
	ID   uuid.UUID `json:"id" yaml:"id"`
	Name string    `json:"name" yaml:"name"`

	CPUCount     int    `json:"cpuCount" yaml:"cpu_count"`
	MemorySizeMB uint64 `json:"memorySizeMB" yaml:"memory_size_mb"`
	DiskSizeGB   uint64 `json:"diskSizeGB" yaml:"disk_size_gb"`
	OSType       string `json:"osType" yaml:"os_type"`

	EFIVariableStorePath string        `json:"efiVariableStorePath,omitempty" yaml:"efi_variable_store_path,omitempty"`
	BootDiskImagePath    string        `json:"bootDiskImagePath,omitempty" yaml:"boot_disk_image_path,omitempty"`
	InstallMedia         *InstallMedia `json:"installMedia,omitempty" yaml:"install_media,omitempty"`
	Network              NetworkMode   `json:"networkMode,omitempty" yaml:"network,omitempty"`
	StorageDevices       []string      `json:"storageDevices,omitempty" yaml:"storage_devices,omitempty"`

	DisplayWidth  int `json:"displayWidth,omitempty" yaml:"display_width,omitempty"`
	DisplayHeight int `json:"displayHeight,omitempty" yaml:"display_height,omitempty"`

	RestoreImage *RestoreImage `json:"restoreImage,omitempty" yaml:"restore_image,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
}

// New returns a Config with a fresh identifier and default resources.
func New(name string) *Config {
	c := &Config{Name: name}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued resource fields and assigns an ID if missing.
func (c *Config) ApplyDefaults() {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CPUCount == 0 {
		c.CPUCount = DefaultCPUCount
	}
	if c.MemorySizeMB == 0 {
		c.MemorySizeMB = DefaultMemorySizeMB
	}
	if c.DiskSizeGB == 0 {
		c.DiskSizeGB = DefaultDiskSizeGB
	}
	if c.OSType == "" {
		c.OSType = DefaultOSType
	}
}

// Validate reports the first invalid field as an *errdefs.ConfigError.
func (c *Config) Validate() error {
	switch {
	case c.ID == uuid.Nil:
		return errdefs.NewConfigError("id", errors.New("identifier is not set"))
	case c.Name == "":
		return errdefs.NewConfigError("name", errors.New("name is required"))
	case c.CPUCount < 1:
		return errdefs.NewConfigError("cpu_count", fmt.Errorf("must be positive, got %d", c.CPUCount))
	case c.MemorySizeMB == 0:
		return errdefs.NewConfigError("memory_size_mb", errors.New("must be positive"))
	case c.MemorySizeMB > MaxMemorySizeMB:
		return errdefs.NewConfigError("memory_size_mb", fmt.Errorf("%d exceeds maximum %d", c.MemorySizeMB, uint64(MaxMemorySizeMB)))
	case c.DiskSizeGB == 0:
		return errdefs.NewConfigError("disk_size_gb", errors.New("must be positive"))
	case c.DiskSizeGB > MaxDiskSizeGB:
		return errdefs.NewConfigError("disk_size_gb", fmt.Errorf("%d exceeds maximum %d", c.DiskSizeGB, uint64(MaxDiskSizeGB)))
	case c.DisplayWidth < 0 || c.DisplayHeight < 0:
		return errdefs.NewConfigError("display", fmt.Errorf("invalid resolution %dx%d", c.DisplayWidth, c.DisplayHeight))
	case c.InstallMedia != nil && c.InstallMedia.Path == "":
		return errdefs.NewConfigError("install_media", errors.New("path is required"))
	case c.RestoreImage != nil && c.RestoreImage.URL == "":
		return errdefs.NewConfigError("restore_image", errors.New("url is required"))
	}
	for i, p := range c.StorageDevices {
		if p == "" {
			return errdefs.NewConfigError("storage_devices", fmt.Errorf("entry %d is empty", i))
		}
	}
	return nil
}

// MemoryBytes returns the configured memory in bytes.
func (c *Config) MemoryBytes() uint64 {
	return c.MemorySizeMB * 1024 * 1024
}

// DiskBytes returns the configured boot disk size in bytes.
func (c *Config) DiskBytes() int64 {
	return int64(c.DiskSizeGB) * 1024 * 1024 * 1024
}

// LoadFile reads a declarative YAML VM description, applies defaults and
// validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vm file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		var cfgErr *errdefs.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("parse vm file %s: %w", path, cfgErr)
		}
		return nil, fmt.Errorf("parse vm file %s: %w", path, err)
	}

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("vm file %s: %w", path, err)
	}
	return &c, nil
}
