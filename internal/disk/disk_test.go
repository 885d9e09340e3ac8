package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macbox/internal/vmconfig"
)

func TestAllocate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "Disk.img")
	size := int64(40) << 30

	require.NoError(t, Allocate(path, size))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, size, info.Size())

	err = Allocate(path, size)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestAllocateInvalidSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Disk.img")
	assert.Error(t, Allocate(path, 0))
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLayout(t *testing.T) {
	l := Layout{Root: "/data/vms"}
	id := uuid.MustParse("6f1c2f4e-8a3b-4d7e-9c10-2b5a7d9e0f11")

	assert.Equal(t, "/data/vms/6f1c2f4e-8a3b-4d7e-9c10-2b5a7d9e0f11", l.VMDir(id))
	assert.Equal(t, "/data/vms/6f1c2f4e-8a3b-4d7e-9c10-2b5a7d9e0f11/Disk.img", l.BootDisk(id))
	assert.Equal(t, "/data/vms/6f1c2f4e-8a3b-4d7e-9c10-2b5a7d9e0f11.installed", l.InstalledMarker(id))

	assert.True(t, l.Contains(id, l.BootDisk(id)))
	assert.False(t, l.Contains(id, "/data/vms/other/Disk.img"))
	assert.False(t, l.Contains(id, "/data/vms"))
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestDeleteAll(t *testing.T) {
	root := t.TempDir()
	external := t.TempDir()
	p := NewProvisioner(Layout{Root: root}, logr.Discard())

	cfg := vmconfig.New("vm")
	cfg.BootDiskImagePath = filepath.Join(external, "boot.img")
	cfg.StorageDevices = []string{filepath.Join(external, "data.img")}

	l := p.Layout()
	touch(t, l.MachineIdentifier(cfg.ID))
	touch(t, l.AuxiliaryStorage(cfg.ID))
	touch(t, cfg.BootDiskImagePath)
	touch(t, cfg.StorageDevices[0])
	touch(t, l.InstalledMarker(cfg.ID))

	report := p.DeleteAll(cfg)
	require.NoError(t, report.Err())
	assert.Empty(t, report.Skipped)
	assert.Len(t, report.Removed(), 4)

	for _, path := range []string{l.VMDir(cfg.ID), cfg.BootDiskImagePath, cfg.StorageDevices[0], l.InstalledMarker(cfg.ID)} {
		_, err := os.Stat(path)
		assert.ErrorIs(t, err, os.ErrNotExist, path)
	}
}

func TestDeleteAllBootDiskAlreadyGone(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(Layout{Root: root}, logr.Discard())
	cfg := vmconfig.New("vm")
	cfg.BootDiskImagePath = filepath.Join(t.TempDir(), "gone.img")

	l := p.Layout()
	touch(t, l.MachineIdentifier(cfg.ID))
	touch(t, l.AuxiliaryStorage(cfg.ID))

	report := p.DeleteAll(cfg)
	require.NoError(t, report.Err())
	assert.Contains(t, report.Skipped, cfg.BootDiskImagePath)
	assert.Contains(t, report.Skipped, l.InstalledMarker(cfg.ID))

	_, err := os.Stat(l.VMDir(cfg.ID))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDeleteAllColocatedBootDisk(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(Layout{Root: root}, logr.Discard())
	cfg := vmconfig.New("vm")
	cfg.BootDiskImagePath = p.Layout().BootDisk(cfg.ID)
	touch(t, cfg.BootDiskImagePath)

	report := p.DeleteAll(cfg)
	require.NoError(t, report.Err())
	require.Len(t, report.Results, 1)
	assert.Equal(t, OpRemoveDir, report.Results[0].Op)
}

func TestDeleteAllContinuesPastFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	locked := t.TempDir()
	p := NewProvisioner(Layout{Root: root}, logr.Discard())
	cfg := vmconfig.New("vm")
	cfg.StorageDevices = []string{filepath.Join(locked, "data.img")}

	touch(t, cfg.StorageDevices[0])
	touch(t, p.Layout().InstalledMarker(cfg.ID))
	require.NoError(t, os.Chmod(locked, 0555))
	t.Cleanup(func() { os.Chmod(locked, 0755) })

	report := p.DeleteAll(cfg)
	require.Error(t, report.Err())
	assert.Contains(t, report.Removed(), p.Layout().InstalledMarker(cfg.ID))
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
