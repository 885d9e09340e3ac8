package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/metrics"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// State is the lifecycle state of a VM in the registry.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Preparer produces the hypervisor configuration for a start. It runs while
// the VM is registered as Starting.
type Preparer func(ctx context.Context) (*hypervisor.Configuration, error)

// ExitFunc is called when a running instance stops without a Stop call.
type ExitFunc func(id uuid.UUID, final hypervisor.State)

type entry struct {
	state State
	inst  hypervisor.Instance

	// pending is closed when the in-flight start or stop settles.
	pending chan struct{}

	// gone is closed once the entry is removed and any exit hook has run.
	gone chan struct{}
}

// Registry tracks running instances. At most one instance exists per VM
// identifier; starts and stops for one identifier are totally ordered.
type Registry struct {
	builder hypervisor.Builder
	metrics *metrics.Metrics
	log     logr.Logger
	onExit  ExitFunc

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// NewRegistry creates an empty registry that builds instances with builder.
func NewRegistry(builder hypervisor.Builder, m *metrics.Metrics, log logr.Logger) *Registry {
	return &Registry{
		builder: builder,
		metrics: m,
		log:     log.WithName("registry"),
		entries: make(map[uuid.UUID]*entry),
	}
}

// OnExit sets the hook invoked when a guest shuts itself down.
func (r *Registry) OnExit(fn ExitFunc) {
	r.mu.Lock()
	r.onExit = fn
	r.mu.Unlock()
}

// Start registers id as Starting, prepares and boots it. Any failure removes
// the entry. Starting an identifier that is already registered fails with
// errdefs.ErrAlreadyRunning.
func (r *Registry) Start(ctx context.Context, id uuid.UUID, prepare Preparer) (hypervisor.Instance, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		st := e.state
		r.mu.Unlock()
		return nil, fmt.Errorf("start %s (%s): %w", id, st, errdefs.ErrAlreadyRunning)
	}
	e := &entry{state: StateStarting, pending: make(chan struct{}), gone: make(chan struct{})}
	r.entries[id] = e
	r.mu.Unlock()

	log := r.log.WithValues("vm", id.String())
	log.V(1).Info("starting")

	inst, err := r.boot(ctx, prepare)

	r.mu.Lock()
	if err != nil {
		delete(r.entries, id)
		close(e.gone)
	} else {
		e.state = StateRunning
		e.inst = inst
	}
	close(e.pending)
	e.pending = nil
	running := r.countLocked()
	r.mu.Unlock()

	r.metrics.Lifecycle("start", err)
	r.metrics.SetRunning(running)
	if err != nil {
		log.Info("start failed", "error", err.Error())
		return nil, err
	}

	log.Info("running")
	go r.watch(id, e, inst)
	return inst, nil
}

func (r *Registry) boot(ctx context.Context, prepare Preparer) (hypervisor.Instance, error) {
	cfg, err := prepare(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := r.builder.BuildInstance(cfg)
	if err != nil {
		return nil, errdefs.NewBackendError("build instance", err)
	}
	if err := inst.Start(ctx); err != nil {
		return nil, errdefs.NewBackendError("start instance", err)
	}
	return inst, nil
}

// Stop shuts down id. It returns nil if id is not registered and waits for an
// in-flight start or stop to settle first. A failed stop leaves the VM
// registered as Running.
func (r *Registry) Stop(ctx context.Context, id uuid.UUID) error {
	log := r.log.WithValues("vm", id.String())
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			r.mu.Unlock()
			return nil
		}
		if p := e.pending; p != nil {
			r.mu.Unlock()
			select {
			case <-p:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		e.state = StateStopping
		e.pending = make(chan struct{})
		inst := e.inst
		r.mu.Unlock()

		log.V(1).Info("stopping")
		err := inst.Stop(ctx)

		r.mu.Lock()
		if err != nil {
			e.state = StateRunning
		} else {
			delete(r.entries, id)
			close(e.gone)
		}
		close(e.pending)
		e.pending = nil
		running := r.countLocked()
		r.mu.Unlock()

		r.metrics.Lifecycle("stop", err)
		r.metrics.SetRunning(running)
		if err != nil {
			log.Info("stop failed", "error", err.Error())
			return errdefs.NewBackendError("stop instance", err)
		}
		log.Info("stopped")
		return nil
	}
}

// StopAll stops every registered VM and joins the failures.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if err := r.Stop(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// watch removes the entry when the instance exits on its own.
func (r *Registry) watch(id uuid.UUID, e *entry, inst hypervisor.Instance) {
	<-inst.Done()

	for {
		r.mu.Lock()
		if cur, ok := r.entries[id]; !ok || cur != e {
			r.mu.Unlock()
			return
		}
		if p := e.pending; p != nil {
			r.mu.Unlock()
			<-p
			continue
		}
		delete(r.entries, id)
		running := r.countLocked()
		hook := r.onExit
		r.mu.Unlock()

		final := inst.State()
		r.metrics.SetRunning(running)
		r.log.Info("guest stopped", "vm", id.String(), "state", final.String())
		if hook != nil {
			hook(id, final)
		}
		close(e.gone)
		return
	}
}

// ErrNotRunning is returned by Wait for a VM that is not registered.
var ErrNotRunning = errors.New("vm is not running")

// Wait blocks until id is removed from the registry, either by Stop or
// because the guest exited, or until ctx is done.
func (r *Registry) Wait(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	select {
	case <-e.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the lifecycle state of id.
func (r *Registry) State(id uuid.UUID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.state
	}
	return StateAbsent
}

// IsRunning reports whether id is Running.
func (r *Registry) IsRunning(id uuid.UUID) bool {
	return r.State(id) == StateRunning
}

// Handle returns the instance of a Running VM.
func (r *Registry) Handle(id uuid.UUID) (hypervisor.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state != StateRunning {
		return nil, false
	}
	return e.inst, true
}

// Running returns the identifiers of Running VMs in sorted order.
func (r *Registry) Running() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, e := range r.entries {
		if e.state == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (r *Registry) countLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.state == StateRunning || e.state == StateStopping {
			n++
		}
	}
	return n
}
