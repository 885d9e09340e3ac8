// Package catalog persists the VM configurations known to MacBox.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/macbox/internal/vmconfig"
)

var (
	ErrNotFound = errors.New("vm not found")
	ErrExists   = errors.New("vm already exists")
)

// Data holds the catalog file contents.
type Data struct {
	VMs []*vmconfig.Config `json:"vms"`
}

// Catalog stores VM configurations in <dir>/vms.json and the active VM name
// in <dir>/active.
type Catalog struct {
	mu         sync.Mutex
	dir        string
	path       string
	activePath string
	now        func() time.Time
}

// New creates a catalog rooted at dir.
func New(dir string) *Catalog {
	return &Catalog{
		dir:        dir,
		path:       filepath.Join(dir, "vms.json"),
		activePath: filepath.Join(dir, "active"),
		now:        time.Now,
	}
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.path
}

func (c *Catalog) load() (*Data, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Data{VMs: []*vmconfig.Config{}}, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var d Data
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for _, vm := range d.VMs {
		vm.ApplyDefaults()
	}
	return &d, nil
}

func (c *Catalog) save(d *Data) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename catalog: %w", err)
	}
	return nil
}

// Add validates cfg and appends it. Names and IDs must be unique.
func (c *Catalog) Add(cfg *vmconfig.Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.load()
	if err != nil {
		return err
	}
	for _, vm := range d.VMs {
		if vm.Name == cfg.Name {
			return fmt.Errorf("add %q: %w", cfg.Name, ErrExists)
		}
		if vm.ID == cfg.ID {
			return fmt.Errorf("add %q: id %s: %w", cfg.Name, cfg.ID, ErrExists)
		}
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = c.now().UTC()
	}
	d.VMs = append(d.VMs, cfg)
	return c.save(d)
}

// Get looks a VM up by name or, failing that, by ID.
func (c *Catalog) Get(ref string) (*vmconfig.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.load()
	if err != nil {
		return nil, err
	}
	if i := find(d, ref); i >= 0 {
		return d.VMs[i], nil
	}
	return nil, fmt.Errorf("%q: %w", ref, ErrNotFound)
}

func find(d *Data, ref string) int {
	for i, vm := range d.VMs {
		if vm.Name == ref {
			return i
		}
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return -1
	}
	for i, vm := range d.VMs {
		if vm.ID == id {
			return i
		}
	}
	return -1
}

// Update replaces the stored VM with the same ID.
func (c *Catalog) Update(cfg *vmconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.load()
	if err != nil {
		return err
	}
	idx := -1
	for i, vm := range d.VMs {
		if vm.ID == cfg.ID {
			idx = i
		} else if vm.Name == cfg.Name {
			return fmt.Errorf("rename to %q: %w", cfg.Name, ErrExists)
		}
	}
	if idx < 0 {
		return fmt.Errorf("update %s: %w", cfg.ID, ErrNotFound)
	}
	d.VMs[idx] = cfg
	return c.save(d)
}

// Remove deletes the VM named or identified by ref and returns it. The active
// marker is cleared when it pointed at the removed VM.
func (c *Catalog) Remove(ref string) (*vmconfig.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.load()
	if err != nil {
		return nil, err
	}
	i := find(d, ref)
	if i < 0 {
		return nil, fmt.Errorf("%q: %w", ref, ErrNotFound)
	}
	removed := d.VMs[i]
	d.VMs = append(d.VMs[:i], d.VMs[i+1:]...)
	if err := c.save(d); err != nil {
		return nil, err
	}

	if active, _ := c.active(); active == removed.Name {
		if err := c.clearActive(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// List returns all VMs in insertion order.
func (c *Catalog) List() ([]*vmconfig.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.VMs, nil
}

// SetActive marks the VM named or identified by ref as the default for
// commands run without an explicit VM.
func (c *Catalog) SetActive(ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.load()
	if err != nil {
		return err
	}
	i := find(d, ref)
	if i < 0 {
		return fmt.Errorf("%q: %w", ref, ErrNotFound)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(c.activePath, []byte(d.VMs[i].Name), 0644); err != nil {
		return fmt.Errorf("write active file: %w", err)
	}
	return nil
}

// Active returns the active VM name, or "" when none is set.
func (c *Catalog) Active() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active()
}

func (c *Catalog) active() (string, error) {
	data, err := os.ReadFile(c.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read active file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ClearActive removes the active VM setting.
func (c *Catalog) ClearActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearActive()
}

func (c *Catalog) clearActive() error {
	if err := os.Remove(c.activePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active file: %w", err)
	}
	return nil
}

// Resolve returns the VM named by ref, or the active VM when ref is empty.
func (c *Catalog) Resolve(ref string) (*vmconfig.Config, error) {
	if ref != "" {
		return c.Get(ref)
	}
	active, err := c.Active()
	if err != nil {
		return nil, err
	}
	if active == "" {
		return nil, fmt.Errorf("no vm given and no active vm set: %w", ErrNotFound)
	}
	return c.Get(active)
}
