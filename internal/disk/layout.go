// Package disk allocates sparse boot disks and removes VM-owned files.
package disk

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Per-VM file names.
const (
	BootDiskName          = "Disk.img"
	MachineIdentifierName = "MachineIdentifier"
	AuxiliaryStorageName  = "AuxiliaryStorage"
	installedSuffix       = ".installed"
)

// Layout maps VM identifiers to their on-disk locations under Root.
type Layout struct {
	Root string
}

// VMDir returns the per-VM directory.
func (l Layout) VMDir(id uuid.UUID) string {
	return filepath.Join(l.Root, id.String())
}

// BootDisk returns the default (colocated) boot disk path.
func (l Layout) BootDisk(id uuid.UUID) string {
	return filepath.Join(l.VMDir(id), BootDiskName)
}

// MachineIdentifier returns the path of the serialized machine identifier.
func (l Layout) MachineIdentifier(id uuid.UUID) string {
	return filepath.Join(l.VMDir(id), MachineIdentifierName)
}

// AuxiliaryStorage returns the path of the auxiliary boot storage.
func (l Layout) AuxiliaryStorage(id uuid.UUID) string {
	return filepath.Join(l.VMDir(id), AuxiliaryStorageName)
}

// InstalledMarker returns the sibling marker written once a fresh install
// has booted.
func (l Layout) InstalledMarker(id uuid.UUID) string {
	return filepath.Join(l.Root, id.String()+installedSuffix)
}

// Contains reports whether path lives inside the VM's directory.
func (l Layout) Contains(id uuid.UUID, path string) bool {
	rel, err := filepath.Rel(l.VMDir(id), path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
