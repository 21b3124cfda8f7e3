package drone

import (
	"context"
	"sync"
	"time"

	"github.com/flotilla-io/flotilla/src/types"
)

// Runtime executes backend workloads on behalf of the agent. Start returns
// once the workload is ready to accept traffic; Stop returns once it is gone.
// Container runtimes plug in behind this interface.
type Runtime interface {
	Start(ctx context.Context, cmd types.SpawnCommand) error
	Stop(ctx context.Context, backendID string, hard bool) error
}

// SimRuntime fakes workload execution with an in-memory table and a fixed
// startup delay. Used for development and tests.
type SimRuntime struct {
	mu           sync.Mutex
	running      map[string]bool
	StartupDelay time.Duration
}

func NewSimRuntime() *SimRuntime {
	return &SimRuntime{
		running:      make(map[string]bool),
		StartupDelay: 500 * time.Millisecond,
	}
}

func (r *SimRuntime) Start(ctx context.Context, cmd types.SpawnCommand) error {
	r.mu.Lock()
	already := r.running[cmd.BackendID]
	r.running[cmd.BackendID] = true
	r.mu.Unlock()
	if already {
		return nil
	}

	select {
	case <-time.After(r.StartupDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SimRuntime) Stop(ctx context.Context, backendID string, hard bool) error {
	r.mu.Lock()
	delete(r.running, backendID)
	r.mu.Unlock()
	return nil
}

// Running reports whether a backend is currently executing.
func (r *SimRuntime) Running(backendID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[backendID]
}
