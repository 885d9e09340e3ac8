// Package hypervisortest provides an in-memory hypervisor.Backend for tests.
package hypervisortest

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// Serialized prefixes used by the fake platform.
var (
	machineIDPrefix = []byte("fake-machine-id:")
	auxPrefix       = []byte("fake-aux:")
	corruptMarker   = []byte("corrupt")
)

// HardwareModel is the model reported for every loaded artifact.
var HardwareModel = hypervisor.HardwareModel("fake-hardware-model")

// Backend is a configurable fake. Zero-value fields select permissive
// defaults; error fields inject failures.
type Backend struct {
	// Discovered is returned by DiscoverLatestArtifact.
	Discovered *hypervisor.ArtifactDescriptor

	DiscoverErr   error
	ValidateErr   error
	BuildErr      error
	AuxStorageErr error

	// StartErr and StopErr are copied into every new instance.
	StartErr error
	StopErr  error

	// StartGate, when non-nil, blocks instance starts until it is closed.
	StartGate chan struct{}

	// BoundLimits overrides the default limits when non-zero.
	BoundLimits hypervisor.Limits

	// Interfaces is returned by BridgedInterfaces.
	Interfaces []hypervisor.NetworkInterface

	// ArtifactMinCPU and ArtifactMinMemory are reported by LoadArtifact.
	ArtifactMinCPU    int
	ArtifactMinMemory uint64

	mu          sync.Mutex
	loads       int
	identifiers int
	validated   []*hypervisor.Configuration
	instances   []*Instance
}

var _ hypervisor.Backend = (*Backend)(nil)

// DefaultLimits are used when BoundLimits is zero.
var DefaultLimits = hypervisor.Limits{
	MinCPUCount:    1,
	MaxCPUCount:    8,
	MinMemoryBytes: 1 << 30,
	MaxMemoryBytes: 64 << 30,
}

func (b *Backend) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "test", Arch: "arm64"}
}

func (b *Backend) Limits() hypervisor.Limits {
	if b.BoundLimits == (hypervisor.Limits{}) {
		return DefaultLimits
	}
	return b.BoundLimits
}

func (b *Backend) BridgedInterfaces() ([]hypervisor.NetworkInterface, error) {
	return b.Interfaces, nil
}

func (b *Backend) DiscoverLatestArtifact(ctx context.Context) (*hypervisor.ArtifactDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.DiscoverErr != nil {
		return nil, b.DiscoverErr
	}
	if b.Discovered == nil {
		return nil, hypervisor.ErrUnsupportedHost
	}
	d := *b.Discovered
	return &d, nil
}

// LoadArtifact accepts any readable file that does not start with "corrupt".
func (b *Backend) LoadArtifact(ctx context.Context, path string) (*hypervisor.ArtifactDescriptor, error) {
	b.mu.Lock()
	b.loads++
	b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fake: read %s: %v: %w", path, err, hypervisor.ErrCorruptArtifact)
	}
	if bytes.HasPrefix(data, corruptMarker) {
		return nil, fmt.Errorf("fake: parse %s: %w", path, hypervisor.ErrCorruptArtifact)
	}
	minCPU := b.ArtifactMinCPU
	if minCPU == 0 {
		minCPU = 2
	}
	minMem := b.ArtifactMinMemory
	if minMem == 0 {
		minMem = 4 << 30
	}
	return &hypervisor.ArtifactDescriptor{
		URL:            "file://" + path,
		Path:           path,
		BuildVersion:   "23A344",
		OSVersion:      "14.0.0",
		HardwareModel:  HardwareModel,
		MinCPUCount:    minCPU,
		MinMemoryBytes: minMem,
	}, nil
}

func (b *Backend) NewMachineIdentifier() ([]byte, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.identifiers++
	b.mu.Unlock()
	return append(append([]byte{}, machineIDPrefix...), buf...), nil
}

func (b *Backend) ParseMachineIdentifier(data []byte) error {
	if !bytes.HasPrefix(data, machineIDPrefix) || len(data) != len(machineIDPrefix)+16 {
		return fmt.Errorf("fake: invalid machine identifier data")
	}
	return nil
}

func (b *Backend) CreateAuxiliaryStorage(path string, model hypervisor.HardwareModel) error {
	if len(model) == 0 {
		return fmt.Errorf("fake: empty hardware model")
	}
	if b.AuxStorageErr != nil {
		return b.AuxStorageErr
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("fake: auxiliary storage %s already exists", path)
	}
	return os.WriteFile(path, append(append([]byte{}, auxPrefix...), model...), 0644)
}

func (b *Backend) LoadAuxiliaryStorage(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, auxPrefix) {
		return fmt.Errorf("fake: invalid auxiliary storage %s", path)
	}
	return nil
}

func (b *Backend) Validate(cfg *hypervisor.Configuration) error {
	if err := cfg.Check(); err != nil {
		return err
	}
	b.mu.Lock()
	b.validated = append(b.validated, cfg)
	b.mu.Unlock()
	return b.ValidateErr
}

func (b *Backend) BuildInstance(cfg *hypervisor.Configuration) (hypervisor.Instance, error) {
	if b.BuildErr != nil {
		return nil, b.BuildErr
	}
	inst := &Instance{
		Config:   cfg,
		startErr: b.StartErr,
		stopErr:  b.StopErr,
		gate:     b.StartGate,
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.instances = append(b.instances, inst)
	b.mu.Unlock()
	return inst, nil
}

// Loads returns the number of LoadArtifact calls.
func (b *Backend) Loads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

// Identifiers returns the number of machine identifiers generated.
func (b *Backend) Identifiers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identifiers
}

// Validated returns every configuration passed to Validate.
func (b *Backend) Validated() []*hypervisor.Configuration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*hypervisor.Configuration(nil), b.validated...)
}

// Instances returns every instance built so far.
func (b *Backend) Instances() []*Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Instance(nil), b.instances...)
}
