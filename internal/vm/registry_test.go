package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/metrics"
	"github.com/javanstorm/macbox/pkg/hypervisor"
	"github.com/javanstorm/macbox/pkg/hypervisor/hypervisortest"
)

func staticPreparer(ctx context.Context) (*hypervisor.Configuration, error) {
	return &hypervisor.Configuration{CPUCount: 1, MemoryBytes: 1 << 30}, nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryStartStop(t *testing.T) {
	backend := &hypervisortest.Backend{}
	m := metrics.New(prometheus.NewRegistry())
	r := NewRegistry(backend, m, logr.Discard())
	id := uuid.New()

	inst, err := r.Start(context.Background(), id, staticPreparer)
	require.NoError(t, err)
	assert.True(t, r.IsRunning(id))
	assert.Equal(t, StateRunning, r.State(id))
	assert.Equal(t, []uuid.UUID{id}, r.Running())

	h, ok := r.Handle(id)
	require.True(t, ok)
	assert.Same(t, inst, h)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunningInstances))

	require.NoError(t, r.Stop(context.Background(), id))
	assert.False(t, r.IsRunning(id))
	assert.Equal(t, StateAbsent, r.State(id))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunningInstances))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleOps.WithLabelValues("stop", metrics.ResultSuccess)))
}

func TestRegistryStopAbsentIsNoop(t *testing.T) {
	r := NewRegistry(&hypervisortest.Backend{}, nil, logr.Discard())
	assert.NoError(t, r.Stop(context.Background(), uuid.New()))
}

func TestRegistryAtMostOneRunning(t *testing.T) {
	gate := make(chan struct{})
	backend := &hypervisortest.Backend{StartGate: gate}
	r := NewRegistry(backend, nil, logr.Discard())
	id := uuid.New()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Start(context.Background(), id, staticPreparer)
		}(i)
	}

	eventually(t, func() bool { return r.State(id) == StateStarting })
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errdefs.IsAlreadyRunning(err), err)
		assert.False(t, errdefs.IsConfig(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, backend.Instances(), 1)
	assert.True(t, r.IsRunning(id))
}

func TestRegistryStartFailureRemovesEntry(t *testing.T) {
	tests := []struct {
		name    string
		backend *hypervisortest.Backend
		prepare Preparer
		backErr bool
	}{
		{
			name:    "prepare",
			backend: &hypervisortest.Backend{},
			prepare: func(context.Context) (*hypervisor.Configuration, error) {
				return nil, errdefs.NewConfigError("network", errdefs.ErrNoBridgedInterface)
			},
		},
		{
			name:    "build",
			backend: &hypervisortest.Backend{BuildErr: errors.New("no memory")},
			prepare: staticPreparer,
			backErr: true,
		},
		{
			name:    "start",
			backend: &hypervisortest.Backend{StartErr: errors.New("The virtual machine failed to start.")},
			prepare: staticPreparer,
			backErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(tt.backend, nil, logr.Discard())
			id := uuid.New()

			_, err := r.Start(context.Background(), id, tt.prepare)
			require.Error(t, err)
			assert.Equal(t, tt.backErr, errdefs.IsBackend(err))
			assert.Equal(t, StateAbsent, r.State(id))

			// A later start is not blocked by the failed one.
			tt.backend.BuildErr = nil
			tt.backend.StartErr = nil
			_, err = r.Start(context.Background(), id, staticPreparer)
			assert.NoError(t, err)
		})
	}
}

func TestRegistryStopFailureRestoresRunning(t *testing.T) {
	backend := &hypervisortest.Backend{}
	r := NewRegistry(backend, nil, logr.Discard())
	id := uuid.New()

	_, err := r.Start(context.Background(), id, staticPreparer)
	require.NoError(t, err)
	inst := backend.Instances()[0]
	inst.SetStopErr(errors.New("stop rejected"))

	err = r.Stop(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errdefs.IsBackend(err))
	assert.Contains(t, err.Error(), "stop rejected")
	assert.True(t, r.IsRunning(id))

	inst.SetStopErr(nil)
	require.NoError(t, r.Stop(context.Background(), id))
	assert.Equal(t, 2, inst.Stops())
}

func TestRegistryStopWaitsForStart(t *testing.T) {
	gate := make(chan struct{})
	backend := &hypervisortest.Backend{StartGate: gate}
	r := NewRegistry(backend, nil, logr.Discard())
	id := uuid.New()

	started := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), id, staticPreparer)
		started <- err
	}()
	eventually(t, func() bool { return r.State(id) == StateStarting })

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop(context.Background(), id) }()

	select {
	case <-stopped:
		t.Fatal("stop returned before start settled")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-started)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateAbsent, r.State(id))
	assert.Equal(t, 1, backend.Instances()[0].Stops())
}

func TestRegistryStopHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	r := NewRegistry(&hypervisortest.Backend{StartGate: gate}, nil, logr.Discard())
	id := uuid.New()

	go r.Start(context.Background(), id, staticPreparer)
	eventually(t, func() bool { return r.State(id) == StateStarting })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Stop(ctx, id), context.DeadlineExceeded)
}

func TestRegistryGuestExit(t *testing.T) {
	backend := &hypervisortest.Backend{}
	r := NewRegistry(backend, nil, logr.Discard())
	id := uuid.New()

	var (
		mu     sync.Mutex
		exited []uuid.UUID
	)
	r.OnExit(func(id uuid.UUID, final hypervisor.State) {
		mu.Lock()
		exited = append(exited, id)
		mu.Unlock()
	})

	_, err := r.Start(context.Background(), id, staticPreparer)
	require.NoError(t, err)
	backend.Instances()[0].Exit()

	eventually(t, func() bool { return r.State(id) == StateAbsent })
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(exited) == 1
	})

	_, err = r.Start(context.Background(), id, staticPreparer)
	assert.NoError(t, err)
}

func TestRegistryWaitRunsAfterExitHook(t *testing.T) {
	backend := &hypervisortest.Backend{}
	r := NewRegistry(backend, nil, logr.Discard())
	id := uuid.New()

	assert.ErrorIs(t, r.Wait(context.Background(), id), ErrNotRunning)

	hookDone := make(chan struct{})
	r.OnExit(func(uuid.UUID, hypervisor.State) {
		time.Sleep(20 * time.Millisecond)
		close(hookDone)
	})

	_, err := r.Start(context.Background(), id, staticPreparer)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(short, id), context.DeadlineExceeded)

	inst := backend.Instances()[0]
	time.AfterFunc(20*time.Millisecond, inst.Exit)

	require.NoError(t, r.Wait(context.Background(), id))
	select {
	case <-hookDone:
	default:
		t.Fatal("Wait returned before the exit hook finished")
	}
	assert.Equal(t, StateAbsent, r.State(id))
}

func TestRegistryStopDoesNotFireExitHook(t *testing.T) {
	r := NewRegistry(&hypervisortest.Backend{}, nil, logr.Discard())
	called := make(chan struct{}, 1)
	r.OnExit(func(uuid.UUID, hypervisor.State) { called <- struct{}{} })
	id := uuid.New()

	_, err := r.Start(context.Background(), id, staticPreparer)
	require.NoError(t, err)
	require.NoError(t, r.Stop(context.Background(), id))

	select {
	case <-called:
		t.Fatal("exit hook fired for an explicit stop")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegistryIndependentIdentifiers(t *testing.T) {
	gate := make(chan struct{})
	blocked := &hypervisortest.Backend{StartGate: gate}
	r := NewRegistry(blocked, nil, logr.Discard())
	slow, fast := uuid.New(), uuid.New()

	go r.Start(context.Background(), slow, staticPreparer)
	eventually(t, func() bool { return r.State(slow) == StateStarting })

	// Stop of another identifier is not serialized behind the blocked start.
	require.NoError(t, r.Stop(context.Background(), fast))
	close(gate)
	eventually(t, func() bool { return r.IsRunning(slow) })
}

func TestRegistryStopAll(t *testing.T) {
	backend := &hypervisortest.Backend{}
	r := NewRegistry(backend, nil, logr.Discard())
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		_, err := r.Start(context.Background(), id, staticPreparer)
		require.NoError(t, err)
	}
	backend.Instances()[1].SetStopErr(errors.New("busy"))

	err := r.StopAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, []uuid.UUID{ids[1]}, r.Running())
}
