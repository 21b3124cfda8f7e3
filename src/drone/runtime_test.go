package drone

import (
	"context"
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/src/types"
)

func TestSimRuntimeStartStop(t *testing.T) {
	ctx := context.Background()
	r := NewSimRuntime()
	r.StartupDelay = time.Millisecond
	cmd := types.SpawnCommand{BackendID: "b-1", Cluster: "c1"}

	if err := r.Start(ctx, cmd); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !r.Running("b-1") {
		t.Fatal("backend must be running after Start returns")
	}

	// Redelivered spawn commands are dropped without restarting the workload.
	if err := r.Start(ctx, cmd); err != nil {
		t.Fatalf("redelivered start: %v", err)
	}
	if !r.Running("b-1") {
		t.Fatal("backend must stay running across a duplicate Start")
	}

	if err := r.Stop(ctx, "b-1", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.Running("b-1") {
		t.Fatal("backend must be gone after Stop returns")
	}
}

func TestSimRuntimeStartHonorsContext(t *testing.T) {
	r := NewSimRuntime()
	r.StartupDelay = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Start(ctx, types.SpawnCommand{BackendID: "b-1"})
	if err == nil {
		t.Fatal("a cancelled context must abort startup")
	}
}
