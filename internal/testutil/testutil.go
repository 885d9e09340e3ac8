// Package testutil provides common test helpers for MacBox tests.
package testutil

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
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/macbox/internal/artifact"
	"github.com/javanstorm/macbox/internal/config"
	"github.com/javanstorm/macbox/internal/disk"
	"github.com/javanstorm/macbox/internal/identity"
	"github.com/javanstorm/macbox/internal/materialize"
	"github.com/javanstorm/macbox/internal/vm"
	"github.com/javanstorm/macbox/internal/vmconfig"
	"github.com/javanstorm/macbox/pkg/hypervisor/hypervisortest"
)

// RestoreImageName is the file name served by RestoreImageServer.
const RestoreImageName = "UniversalMac_14.0_23A344_Restore.ipsw"

// TestConfig returns a Config suitable for testing.
// Uses t.TempDir() for CacheDir and DataDir, ensuring automatic cleanup.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.DownloadBackoff = time.Millisecond
	return cfg
}

// ImageServer serves a fake restore image and counts requests.
type ImageServer struct {
	*httptest.Server
	hits atomic.Int32
}

// Hits returns the number of requests served.
func (s *ImageServer) Hits() int {
	return int(s.hits.Load())
}

// ImageURL returns the URL of the served restore image.
func (s *ImageServer) ImageURL() string {
	return s.URL + "/" + RestoreImageName
}

// RestoreImageServer starts an ImageServer closed at test cleanup.
func RestoreImageServer(t *testing.T) *ImageServer {
	t.Helper()
	s := &ImageServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		w.Write([]byte("restore image payload"))
	}))
	t.Cleanup(s.Close)
	return s
}

// TestManager wires a Manager over a fake backend using cfg's directories.
func TestManager(t *testing.T, cfg *config.Config) (*vm.Manager, *hypervisortest.Backend) {
	t.Helper()

	backend := &hypervisortest.Backend{}
	layout := disk.Layout{Root: cfg.VMsDir()}
	log := logr.Discard()

	m := vm.NewManager(vm.ManagerConfig{
		Backend: backend,
		Cache: artifact.New(backend, artifact.Options{
			Dir:            cfg.CacheDir,
			MaxAttempts:    cfg.DownloadAttempts,
			InitialBackoff: cfg.DownloadBackoff,
			Log:            log,
		}),
		Identities: identity.NewStore(layout, backend, nil, log),
		Materializer: materialize.New(backend, log,
			materialize.WithDefaultDisplay(cfg.DisplayWidth, cfg.DisplayHeight),
			materialize.WithFreeBytes(func(string) (uint64, error) { return 1 << 50, nil })),
		Provisioner:     disk.NewProvisioner(layout, log),
		RestoreImageURL: cfg.RestoreImageURL,
		Log:             log,
	})
	t.Cleanup(func() {
		m.StopAll(context.Background())
	})
	return m, backend
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	// Create sparse file by truncating to desired size
	sizeBytes := sizeMB * 1024 * 1024
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// WriteVMFile writes cfg as a YAML VM definition in a temporary directory
// and returns its path.
func WriteVMFile(t *testing.T, cfg *vmconfig.Config) string {
	t.Helper()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal vm config: %v", err)
	}

	path := filepath.Join(t.TempDir(), cfg.Name+".yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write vm file: %v", err)
	}
	return path
}
