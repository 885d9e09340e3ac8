package hypervisortest

import (
	"context"
	"sync"

	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// Instance is a fake VM handle.
type Instance struct {
	Config *hypervisor.Configuration

	startErr error
	stopErr  error
	gate     chan struct{}

	mu       sync.Mutex
	state    hypervisor.State
	starts   int
	stops    int
	windows  int
	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ hypervisor.Instance  = (*Instance)(nil)
	_ hypervisor.Displayer = (*Instance)(nil)
)

func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	i.starts++
	i.state = hypervisor.StateStarting
	i.mu.Unlock()

	if i.gate != nil {
		<-i.gate
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.startErr != nil {
		i.state = hypervisor.StateError
		return i.startErr
	}
	i.state = hypervisor.StateRunning
	return nil
}

func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.stops++
	err := i.stopErr
	if err == nil {
		i.state = hypervisor.StateStopped
	}
	i.mu.Unlock()

	if err != nil {
		return err
	}
	i.doneOnce.Do(func() { close(i.done) })
	return nil
}

// SetStopErr changes the error returned by later Stop calls.
func (i *Instance) SetStopErr(err error) {
	i.mu.Lock()
	i.stopErr = err
	i.mu.Unlock()
}

// Exit simulates the guest shutting itself down.
func (i *Instance) Exit() {
	i.mu.Lock()
	i.state = hypervisor.StateStopped
	i.mu.Unlock()
	i.doneOnce.Do(func() { close(i.done) })
}

func (i *Instance) State() hypervisor.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) ShowWindow(width, height float64) error {
	i.mu.Lock()
	i.windows++
	i.mu.Unlock()
	return nil
}

// Starts returns the number of Start calls.
func (i *Instance) Starts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.starts
}

// Stops returns the number of Stop calls.
func (i *Instance) Stops() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stops
}

// Windows returns the number of ShowWindow calls.
func (i *Instance) Windows() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.windows
}
