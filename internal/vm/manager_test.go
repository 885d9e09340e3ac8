package vm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macbox/internal/artifact"
	"github.com/javanstorm/macbox/internal/disk"
	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/identity"
	"github.com/javanstorm/macbox/internal/materialize"
	"github.com/javanstorm/macbox/internal/timing"
	"github.com/javanstorm/macbox/internal/vmconfig"
	"github.com/javanstorm/macbox/pkg/hypervisor"
	"github.com/javanstorm/macbox/pkg/hypervisor/hypervisortest"
)

type harness struct {
	manager *Manager
	backend *hypervisortest.Backend
	layout  disk.Layout
	hits    *atomic.Int32
	url     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("restore image"))
	}))
	t.Cleanup(srv.Close)

	backend := &hypervisortest.Backend{}
	layout := disk.Layout{Root: filepath.Join(t.TempDir(), "vms")}
	log := logr.Discard()
	free := func(string) (uint64, error) { return 1 << 50, nil }

	m := NewManager(ManagerConfig{
		Backend:         backend,
		Cache:           artifact.New(backend, artifact.Options{Dir: t.TempDir(), Log: log}),
		Identities:      identity.NewStore(layout, backend, nil, log),
		Materializer:    materialize.New(backend, log, materialize.WithFreeBytes(free)),
		Provisioner:     disk.NewProvisioner(layout, log),
		RestoreImageURL: srv.URL + "/UniversalMac_14.0_23A344_Restore.ipsw",
		Log:             log,
	})
	return &harness{manager: m, backend: backend, layout: layout, hits: hits, url: srv.URL}
}

func testVM() *vmconfig.Config {
	c := vmconfig.New("dev")
	c.CPUCount = 2
	c.MemorySizeMB = 4096
	c.DiskSizeGB = 1
	c.Network = vmconfig.NetworkNAT
	return c
}

func TestManagerStartStop(t *testing.T) {
	h := newHarness(t)
	cfg := testVM()
	ctx := context.Background()

	timer := timing.New()
	require.NoError(t, h.manager.Start(ctx, cfg, WithTimer(timer)))
	assert.True(t, h.manager.IsRunning(cfg.ID))

	var names []string
	for _, p := range timer.Phases() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{timing.PhaseAcquire, timing.PhaseIdentity, timing.PhaseMaterialize, timing.PhaseBoot}, names)

	inst, ok := h.manager.DisplayHandle(cfg.ID)
	require.True(t, ok)
	fake := inst.(*hypervisortest.Instance)
	assert.Equal(t, h.layout.BootDisk(cfg.ID), fake.Config.Storage[0].Path)
	assert.Equal(t, h.manager.BootDiskPath(cfg), fake.Config.Storage[0].Path)
	assert.FileExists(t, h.layout.BootDisk(cfg.ID))
	assert.True(t, h.manager.Installed(cfg.ID))

	err := h.manager.Start(ctx, cfg)
	assert.True(t, errdefs.IsAlreadyRunning(err))

	require.NoError(t, <-h.manager.RequestStop(ctx, cfg.ID))
	assert.False(t, h.manager.IsRunning(cfg.ID))

	state, err := h.manager.BootState(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.BootCount)
	assert.Equal(t, "23A344", state.BuildVersion)
	assert.True(t, state.CleanShutdown)
}

func TestManagerResumeKeepsIdentity(t *testing.T) {
	h := newHarness(t)
	cfg := testVM()
	ctx := context.Background()

	require.NoError(t, <-h.manager.Launch(ctx, cfg))
	first := h.backend.Instances()[0].Config.Platform.MachineIdentifier
	require.NoError(t, h.manager.Stop(ctx, cfg.ID))

	require.NoError(t, <-h.manager.Launch(ctx, cfg))
	second := h.backend.Instances()[1].Config.Platform.MachineIdentifier
	require.NoError(t, h.manager.Stop(ctx, cfg.ID))

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.backend.Identifiers())
	assert.Equal(t, int32(1), h.hits.Load())

	require.NoError(t, h.manager.Start(ctx, cfg, FreshInstall()))
	assert.Equal(t, 2, h.backend.Identifiers())
}

func TestManagerLaunchFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t)
	cfg := testVM()
	cfg.Network = vmconfig.NetworkBridged

	err := <-h.manager.Launch(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
	assert.ErrorIs(t, err, errdefs.ErrNoBridgedInterface)
	assert.False(t, h.manager.IsRunning(cfg.ID))
	assert.Equal(t, StateAbsent, h.manager.Registry().State(cfg.ID))
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	cfg := testVM()
	cfg.Name = ""

	err := h.manager.Start(context.Background(), cfg)
	assert.True(t, errdefs.IsConfig(err))
	assert.Empty(t, h.backend.Instances())
}

func TestManagerRestoreImageSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testVM()

	got, err := h.manager.ResolveRestoreImage(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, h.url+"/UniversalMac_14.0_23A344_Restore.ipsw", got)

	cfg.RestoreImage = &vmconfig.RestoreImage{URL: "https://example.com/own.ipsw"}
	got, err = h.manager.ResolveRestoreImage(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/own.ipsw", got)

	h.manager.cfg.RestoreImageURL = ""
	cfg.RestoreImage = nil
	_, err = h.manager.ResolveRestoreImage(ctx, cfg)
	assert.True(t, errdefs.IsBackend(err))
	assert.ErrorIs(t, err, hypervisor.ErrUnsupportedHost)

	h.backend.Discovered = &hypervisor.ArtifactDescriptor{URL: "https://example.com/latest.ipsw"}
	got, err = h.manager.ResolveRestoreImage(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/latest.ipsw", got)
}

func TestManagerDeleteVM(t *testing.T) {
	h := newHarness(t)
	cfg := testVM()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, cfg))
	_, err := h.manager.DeleteVM(cfg)
	assert.True(t, errdefs.IsAlreadyRunning(err))

	require.NoError(t, h.manager.Stop(ctx, cfg.ID))
	require.NoError(t, os.Remove(h.layout.BootDisk(cfg.ID)))

	report, err := h.manager.DeleteVM(cfg)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	_, statErr := os.Stat(h.layout.VMDir(cfg.ID))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	assert.NoFileExists(t, h.layout.InstalledMarker(cfg.ID))

	// Deleting again is safe.
	report, err = h.manager.DeleteVM(cfg)
	require.NoError(t, err)
	assert.NoError(t, report.Err())
	assert.Empty(t, report.Results)
}

func TestManagerGuestExitRecordsShutdown(t *testing.T) {
	h := newHarness(t)
	cfg := testVM()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, cfg))
	h.backend.Instances()[0].Exit()

	assert.Eventually(t, func() bool {
		st, err := h.manager.BootState(cfg.ID)
		return err == nil && !st.LastShutdown.IsZero() && st.CleanShutdown
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.manager.IsRunning(cfg.ID))
}

func TestManagerWait(t *testing.T) {
	h := newHarness(t)
	cfg := testVM()
	ctx := context.Background()

	assert.ErrorIs(t, h.manager.Wait(ctx, cfg.ID), ErrNotRunning)

	require.NoError(t, h.manager.Start(ctx, cfg))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.manager.Wait(short, cfg.ID), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- h.manager.Wait(ctx, cfg.ID) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.manager.Stop(ctx, cfg.ID))
	select {
	case err := <-waited:
		// Wait either saw the instance finish or found it already gone.
		if err != nil {
			assert.ErrorIs(t, err, ErrNotRunning)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func TestManagerStopAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := testVM(), testVM()

	require.NoError(t, h.manager.Start(ctx, a))
	require.NoError(t, h.manager.Start(ctx, b))
	require.NoError(t, h.manager.StopAll(ctx))
	assert.Empty(t, h.manager.Registry().Running())
}
