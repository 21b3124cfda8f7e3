package drone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-io/flotilla/src/bus"
	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils"
)

// Version is stamped at build time.
var (
	Version = "dev"
	Hash    = ""
)

// Agent is the drone-side worker: it registers itself through heartbeats,
// consumes spawn/terminate commands addressed to it, runs workloads through
// the Runtime and reports status back. All communication goes through the
// bus; the agent never touches the store.
type Agent struct {
	id         string
	cluster    string
	name       string
	controller string
	bus        *bus.Bus
	runtime    Runtime
	logger     *utils.StandardLogger
	period     time.Duration

	mu      sync.Mutex
	spawned map[string]bool
}

func NewAgent(config *utils.Config, b *bus.Bus, runtime Runtime, logger *utils.StandardLogger) (*Agent, error) {
	if config.DroneCluster == "" {
		return nil, fmt.Errorf("drone cluster is required (DRONE_CLUSTER)")
	}
	name := config.DroneName
	if name == "" {
		name = uuid.New().String()
	}
	id := uuid.New().String()
	return &Agent{
		id:         id,
		cluster:    config.DroneCluster,
		name:       name,
		controller: config.ControllerName,
		bus:        b,
		runtime:    runtime,
		logger:     utils.GetChildLogger(logger, map[string]string{"drone_id": id, "drone": name}),
		period:     time.Duration(config.HeartbeatPeriodS) * time.Second,
		spawned:    make(map[string]bool),
	}, nil
}

func (a *Agent) ID() string {
	return a.id
}

// Run subscribes to this drone's command subjects and heartbeats until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	unsub, err := a.bus.SubscribeDrone(a.id,
		func(cmd types.SpawnCommand) { a.handleSpawn(ctx, cmd) },
		func(cmd types.TerminateCommand) { a.handleTerminate(ctx, cmd) },
	)
	if err != nil {
		return err
	}
	defer unsub()

	a.logger.Infow("Drone agent running", "cluster", a.cluster)
	a.heartbeat()

	ticker := time.NewTicker(a.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.heartbeat()
		}
	}
}

func (a *Agent) heartbeat() {
	hb := types.DroneHeartbeat{
		ID:         a.id,
		Cluster:    a.cluster,
		Name:       a.name,
		Controller: a.controller,
		Version:    Version,
		Hash:       Hash,
		Time:       time.Now().UTC(),
	}
	if err := a.bus.SendHeartbeat(hb); err != nil {
		a.logger.Errorw("Failed to send heartbeat", "error", err)
	}
}

// handleSpawn is idempotent by backend id: redelivered spawn commands for a
// backend this agent already handled are dropped.
func (a *Agent) handleSpawn(ctx context.Context, cmd types.SpawnCommand) {
	a.mu.Lock()
	if a.spawned[cmd.BackendID] {
		a.mu.Unlock()
		return
	}
	a.spawned[cmd.BackendID] = true
	a.mu.Unlock()

	a.logger.Infow("Spawning backend", "backend_id", cmd.BackendID, "image", cmd.Executable.Image)
	a.report(cmd.BackendID, types.BackendStarting)

	go func() {
		if err := a.runtime.Start(ctx, cmd); err != nil {
			a.logger.Errorw("Failed to start backend", "backend_id", cmd.BackendID, "error", err)
			a.report(cmd.BackendID, types.BackendTerminated)
			return
		}
		a.report(cmd.BackendID, types.BackendReady)
	}()
}

func (a *Agent) handleTerminate(ctx context.Context, cmd types.TerminateCommand) {
	a.logger.Infow("Terminating backend", "backend_id", cmd.BackendID, "hard", cmd.Hard)
	go func() {
		if err := a.runtime.Stop(ctx, cmd.BackendID, cmd.Hard); err != nil {
			a.logger.Errorw("Failed to stop backend", "backend_id", cmd.BackendID, "error", err)
			return
		}
		a.report(cmd.BackendID, types.BackendTerminated)
	}()
}

func (a *Agent) report(backendID string, status types.BackendStatus) {
	err := a.bus.ReportStatus(types.StatusReport{
		BackendID: backendID,
		Status:    status,
		Time:      time.Now().UTC(),
	})
	if err != nil {
		a.logger.Errorw("Failed to report status", "backend_id", backendID, "status", status.String(), "error", err)
	}
}
