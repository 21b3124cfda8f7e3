package connect

import (
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-io/flotilla/src/node"
	"github.com/flotilla-io/flotilla/src/types"
)

// Snapshot is the state a connect decision is made against, read in one
// transaction. Holder is the backend the lock row points at (nil when the
// lock is unheld or the row is gone).
type Snapshot struct {
	Lock   *types.KeyLock
	Holder *types.BackendRow
	Nodes  []types.NodeRow
	Load   map[string]int
}

// Plan is the outcome of a connect decision: either an idempotent hit on an
// existing backend, or a backend row to create (with an optional lock row to
// bind). Nothing is written until the plan is complete, so a failed decision
// leaves no partial state behind.
type Plan struct {
	Existing *types.BackendRow
	Backend  *types.BackendRow
	Lock     *types.KeyLock
}

// Decide runs the connect decision procedure against a snapshot. Pure: all
// reads come from snap and all writes are described by the returned plan.
func Decide(req types.ConnectRequest, cluster string, snap Snapshot, now time.Time, staleness time.Duration) (Plan, error) {
	if req.Key != nil {
		held := snap.Lock != nil && snap.Holder != nil && !snap.Holder.Status.Terminal()
		if held {
			if !snap.Holder.Status.Healthy() {
				return Plan{}, ErrKeyHeldUnhealthy
			}
			if req.Key.Tag != "" && req.Key.Tag != snap.Lock.Tag {
				return Plan{}, &KeyHeldError{BackendID: snap.Holder.ID, Tag: snap.Lock.Tag}
			}
			return Plan{Existing: snap.Holder}, nil
		}
	}

	// A backend has to be created, with or without a key.
	if req.SpawnConfig == nil {
		return Plan{}, ErrKeyUnheldNoSpawnConfig
	}

	drone := node.Select(snap.Nodes, snap.Load, now, staleness)
	if drone == nil {
		return Plan{}, ErrNoDroneAvailable
	}

	backend := newBackend(cluster, drone.ID, *req.SpawnConfig, now)
	plan := Plan{Backend: backend}

	if req.Key != nil {
		tag := req.Key.Tag
		if tag == "" {
			tag = uuid.New().String()
		}
		backend.KeyName = req.Key.Name
		backend.KeyTag = tag
		plan.Lock = &types.KeyLock{
			Cluster:   cluster,
			Key:       req.Key.Name,
			BackendID: backend.ID,
			Tag:       tag,
		}
	}
	return plan, nil
}

func newBackend(cluster, droneID string, spawn types.SpawnConfig, now time.Time) *types.BackendRow {
	row := &types.BackendRow{
		ID:             uuid.New().String(),
		Cluster:        cluster,
		DroneID:        droneID,
		Status:         types.BackendScheduled,
		CreatedAt:      now,
		LastStatusTime: now,
		LastKeepalive:  now,
		Executable:     spawn.Executable,
	}
	if spawn.LifetimeLimitSeconds != nil {
		exp := now.Add(time.Duration(*spawn.LifetimeLimitSeconds) * time.Second)
		row.ExpirationTime = &exp
	}
	if spawn.MaxIdleSeconds != nil {
		idle := *spawn.MaxIdleSeconds
		row.AllowedIdleSeconds = &idle
	}
	return row
}
