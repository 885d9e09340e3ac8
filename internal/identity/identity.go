// Package identity persists the per-VM machine identifier and auxiliary boot
// storage. The two are always created and loaded together.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/javanstorm/macbox/internal/disk"
	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/metrics"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// Identity is a resolved machine identity.
type Identity struct {
	// Dir is the per-VM directory.
	Dir string

	// Fresh is true when the identity was newly generated by this call.
	Fresh bool

	Platform hypervisor.PlatformIdentity
}

// Store resolves identities under a disk.Layout.
type Store struct {
	layout   disk.Layout
	platform hypervisor.Platform
	metrics  *metrics.Metrics
	log      logr.Logger
}

// NewStore creates a store rooted at layout.
func NewStore(layout disk.Layout, platform hypervisor.Platform, m *metrics.Metrics, log logr.Logger) *Store {
	return &Store{
		layout:   layout,
		platform: platform,
		metrics:  m,
		log:      log.WithName("identity"),
	}
}

// Dir returns the directory holding vmID's identity.
func (s *Store) Dir(vmID uuid.UUID) string {
	return s.layout.VMDir(vmID)
}

// InstalledMarker returns the path of vmID's installed marker.
func (s *Store) InstalledMarker(vmID uuid.UUID) string {
	return s.layout.InstalledMarker(vmID)
}

// Resolve returns the identity for vmID. A new identity is generated when
// fresh is set or none exists yet; any previous auxiliary storage is then
// replaced. Otherwise the persisted identity is loaded.
func (s *Store) Resolve(vmID uuid.UUID, model hypervisor.HardwareModel, fresh bool) (*Identity, error) {
	dir := s.layout.VMDir(vmID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create vm directory: %w", err)
	}

	idPath := s.layout.MachineIdentifier(vmID)
	auxPath := s.layout.AuxiliaryStorage(vmID)
	log := s.log.WithValues("vm", vmID.String())

	if !fresh {
		if _, err := os.Stat(idPath); errors.Is(err, fs.ErrNotExist) {
			log.V(1).Info("no machine identifier, provisioning")
			fresh = true
		} else if err != nil {
			return nil, fmt.Errorf("stat machine identifier: %w", err)
		}
	}

	if fresh {
		return s.create(log, dir, idPath, auxPath, model)
	}
	return s.load(dir, idPath, auxPath, model)
}

func (s *Store) create(log logr.Logger, dir, idPath, auxPath string, model hypervisor.HardwareModel) (*Identity, error) {
	if len(model) == 0 {
		return nil, errdefs.NewConfigError("hardware_model", errors.New("hardware model is required for a fresh install"))
	}

	id, err := s.platform.NewMachineIdentifier()
	if err != nil {
		return nil, errdefs.NewBackendError("create machine identifier", err)
	}

	newAux := auxPath + ".new"
	if err := os.Remove(newAux); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove partial auxiliary storage: %w", err)
	}
	if err := s.platform.CreateAuxiliaryStorage(newAux, model); err != nil {
		os.Remove(newAux)
		return nil, errdefs.NewBackendError("create auxiliary storage", err)
	}
	if err := commit(idPath, auxPath, newAux, id); err != nil {
		return nil, err
	}

	s.metrics.IdentityCreated()
	log.Info("provisioned machine identity", "dir", dir)
	return &Identity{
		Dir:   dir,
		Fresh: true,
		Platform: hypervisor.PlatformIdentity{
			MachineIdentifier:    id,
			HardwareModel:        model,
			AuxiliaryStoragePath: auxPath,
		},
	}, nil
}

// commit moves newAux into place and then writes id. If either step fails
// the previous identifier and auxiliary storage are left as they were.
func commit(idPath, auxPath, newAux string, id []byte) error {
	oldAux := auxPath + ".old"
	hadAux := true
	if err := os.Rename(auxPath, oldAux); errors.Is(err, fs.ErrNotExist) {
		hadAux = false
	} else if err != nil {
		os.Remove(newAux)
		return fmt.Errorf("back up auxiliary storage: %w", err)
	}
	restore := func() {
		if hadAux {
			os.Rename(oldAux, auxPath)
		} else {
			os.Remove(auxPath)
		}
	}

	if err := os.Rename(newAux, auxPath); err != nil {
		os.Remove(newAux)
		restore()
		return fmt.Errorf("install auxiliary storage: %w", err)
	}
	if err := writeFileAtomic(idPath, id); err != nil {
		restore()
		return err
	}
	if hadAux {
		os.Remove(oldAux)
	}
	return nil
}

func (s *Store) load(dir, idPath, auxPath string, model hypervisor.HardwareModel) (*Identity, error) {
	id, err := os.ReadFile(idPath)
	if err != nil {
		return nil, fmt.Errorf("read machine identifier: %w", err)
	}
	if err := s.platform.ParseMachineIdentifier(id); err != nil {
		return nil, errdefs.NewConfigError("machine_identifier", fmt.Errorf("%w: %v", errdefs.ErrCorruptIdentity, err))
	}
	if err := s.platform.LoadAuxiliaryStorage(auxPath); err != nil {
		return nil, errdefs.NewConfigError("auxiliary_storage", fmt.Errorf("%w: %v", errdefs.ErrCorruptIdentity, err))
	}
	return &Identity{
		Dir: dir,
		Platform: hypervisor.PlatformIdentity{
			MachineIdentifier:    id,
			HardwareModel:        model,
			AuxiliaryStoragePath: auxPath,
		},
	}, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
