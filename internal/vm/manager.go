package vm

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/javanstorm/macbox/internal/artifact"
	"github.com/javanstorm/macbox/internal/disk"
	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/identity"
	"github.com/javanstorm/macbox/internal/materialize"
	"github.com/javanstorm/macbox/internal/metrics"
	"github.com/javanstorm/macbox/internal/timing"
	"github.com/javanstorm/macbox/internal/vmconfig"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	Backend      hypervisor.Backend
	Cache        *artifact.Cache
	Identities   *identity.Store
	Materializer *materialize.Materializer
	Provisioner  *disk.Provisioner

	// RestoreImageURL is used for VMs without their own restore image
	// reference. When empty the backend is asked for the latest image.
	RestoreImageURL string

	Metrics *metrics.Metrics
	Log     logr.Logger
}

// StartOptions adjust a single start.
type StartOptions struct {
	// FreshInstall discards any existing machine identity.
	FreshInstall bool

	// Timer, when set, receives the launch phases.
	Timer *timing.Timer
}

// StartOption configures StartOptions.
type StartOption func(*StartOptions)

// FreshInstall requests a new machine identity.
func FreshInstall() StartOption {
	return func(o *StartOptions) { o.FreshInstall = true }
}

// WithTimer records launch phases on t.
func WithTimer(t *timing.Timer) StartOption {
	return func(o *StartOptions) { o.Timer = t }
}

// Manager launches, stops and deletes VMs.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	log      logr.Logger
}

// NewManager creates a manager with its own registry.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: NewRegistry(cfg.Backend, cfg.Metrics, cfg.Log),
		log:      cfg.Log.WithName("manager"),
	}
	m.registry.OnExit(m.guestExited)
	return m
}

// Registry returns the manager's lifecycle registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Launch starts cfg asynchronously. The channel receives exactly one value.
func (m *Manager) Launch(ctx context.Context, cfg *vmconfig.Config, opts ...StartOption) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.Start(ctx, cfg, opts...)
	}()
	return ch
}

// Start boots cfg and returns once the backend reports success or failure.
func (m *Manager) Start(ctx context.Context, cfg *vmconfig.Config, opts ...StartOption) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var o StartOptions
	for _, opt := range opts {
		opt(&o)
	}
	timer := o.Timer
	if timer == nil {
		timer = timing.New()
	}

	var (
		fresh bool
		build string
	)
	prepare := func(ctx context.Context) (*hypervisor.Configuration, error) {
		hcfg, ident, art, err := m.prepare(ctx, cfg, o.FreshInstall, timer)
		if err != nil {
			return nil, err
		}
		fresh = ident.Fresh
		build = art.Descriptor.BuildVersion
		return hcfg, nil
	}

	if _, err := m.registry.Start(ctx, cfg.ID, prepare); err != nil {
		return fmt.Errorf("start vm %s: %w", cfg.Name, err)
	}
	timer.Mark(timing.PhaseBoot)
	timer.Log(m.log.WithValues("vm", cfg.ID.String()))

	m.recordBoot(cfg, fresh, build)
	return nil
}

// prepare runs the acquire, identity and materialize phases.
func (m *Manager) prepare(ctx context.Context, cfg *vmconfig.Config, fresh bool, timer *timing.Timer) (*hypervisor.Configuration, *identity.Identity, *artifact.Artifact, error) {
	sourceURL, err := m.restoreImageURL(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	art, err := m.cfg.Cache.Acquire(ctx, sourceURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("acquire restore image: %w", err)
	}
	timer.Mark(timing.PhaseAcquire)

	ident, err := m.cfg.Identities.Resolve(cfg.ID, art.Descriptor.HardwareModel, fresh)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve identity: %w", err)
	}
	timer.Mark(timing.PhaseIdentity)

	hcfg, err := m.cfg.Materializer.Materialize(cfg, art, ident)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("materialize configuration: %w", err)
	}
	timer.Mark(timing.PhaseMaterialize)
	return hcfg, ident, art, nil
}

// ResolveRestoreImage returns the source URL used for cfg.
func (m *Manager) ResolveRestoreImage(ctx context.Context, cfg *vmconfig.Config) (string, error) {
	return m.restoreImageURL(ctx, cfg)
}

func (m *Manager) restoreImageURL(ctx context.Context, cfg *vmconfig.Config) (string, error) {
	if cfg.RestoreImage != nil && cfg.RestoreImage.URL != "" {
		return cfg.RestoreImage.URL, nil
	}
	if m.cfg.RestoreImageURL != "" {
		return m.cfg.RestoreImageURL, nil
	}
	desc, err := m.cfg.Backend.DiscoverLatestArtifact(ctx)
	if err != nil {
		return "", errdefs.NewBackendError("discover restore image", err)
	}
	return desc.URL, nil
}

func (m *Manager) recordBoot(cfg *vmconfig.Config, fresh bool, build string) {
	log := m.log.WithValues("vm", cfg.ID.String())
	if err := NewStateFile(m.cfg.Identities.Dir(cfg.ID)).RecordBoot(build); err != nil {
		log.Info("failed to record boot", "warning", true, "error", err.Error())
	}
	if !fresh {
		return
	}
	marker := m.cfg.Identities.InstalledMarker(cfg.ID)
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		log.Info("failed to write installed marker", "warning", true, "error", err.Error())
	}
}

func (m *Manager) guestExited(id uuid.UUID, final hypervisor.State) {
	clean := final == hypervisor.StateStopped
	if err := NewStateFile(m.cfg.Identities.Dir(id)).RecordShutdown(clean); err != nil {
		m.log.Info("failed to record shutdown", "warning", true, "vm", id.String(), "error", err.Error())
	}
}

// RequestStop stops id asynchronously. The channel receives exactly one value.
func (m *Manager) RequestStop(ctx context.Context, id uuid.UUID) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.Stop(ctx, id)
	}()
	return ch
}

// Stop shuts id down. Stopping a VM that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	wasRegistered := m.registry.State(id) != StateAbsent
	if err := m.registry.Stop(ctx, id); err != nil {
		return fmt.Errorf("stop vm %s: %w", id, err)
	}
	if wasRegistered {
		if err := NewStateFile(m.cfg.Identities.Dir(id)).RecordShutdown(true); err != nil {
			m.log.Info("failed to record shutdown", "warning", true, "vm", id.String(), "error", err.Error())
		}
	}
	return nil
}

// StopAll stops every running VM.
func (m *Manager) StopAll(ctx context.Context) error {
	return m.registry.StopAll(ctx)
}

// IsRunning reports whether id is running.
func (m *Manager) IsRunning(id uuid.UUID) bool {
	return m.registry.IsRunning(id)
}

// DisplayHandle returns the running instance of id for attaching a display.
func (m *Manager) DisplayHandle(id uuid.UUID) (hypervisor.Instance, bool) {
	return m.registry.Handle(id)
}

// Installed reports whether id has booted since its identity was provisioned.
func (m *Manager) Installed(id uuid.UUID) bool {
	_, err := os.Stat(m.cfg.Identities.InstalledMarker(id))
	return err == nil
}

// BootState returns the persisted boot bookkeeping for id.
func (m *Manager) BootState(id uuid.UUID) (*PersistentState, error) {
	return NewStateFile(m.cfg.Identities.Dir(id)).Load()
}

// BootDiskPath returns the boot disk path used for cfg. Callers record it
// back into the config when cfg has none.
func (m *Manager) BootDiskPath(cfg *vmconfig.Config) string {
	return materialize.BootDiskPath(cfg, &identity.Identity{Dir: m.cfg.Identities.Dir(cfg.ID)})
}

// DeleteVM removes every file owned by cfg. It refuses while the VM is
// registered. Missing files are skipped; other failures are collected in the
// report.
func (m *Manager) DeleteVM(cfg *vmconfig.Config) (disk.Report, error) {
	if st := m.registry.State(cfg.ID); st != StateAbsent {
		return disk.Report{}, fmt.Errorf("delete vm %s (%s): %w", cfg.Name, st, errdefs.ErrAlreadyRunning)
	}
	report := m.cfg.Provisioner.DeleteAll(cfg)
	if err := report.Err(); err != nil {
		m.log.Info("vm deleted with errors", "warning", true, "vm", cfg.ID.String(), "error", err.Error())
	}
	return report, nil
}

// Wait blocks until id is no longer registered or ctx is done. After a
// guest-initiated exit the shutdown is recorded before Wait returns.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) error {
	return m.registry.Wait(ctx, id)
}
