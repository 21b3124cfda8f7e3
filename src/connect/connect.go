package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flotilla-io/flotilla/src/events"
	"github.com/flotilla-io/flotilla/src/store"
	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils"
)

// SpawnDispatcher sends spawn commands to drones. Delivery is fire-and-forget
// and at-least-once; drones dedupe by backend id.
type SpawnDispatcher interface {
	DispatchSpawn(ctx context.Context, droneID string, cmd types.SpawnCommand) error
}

// Service runs the connect protocol: one atomic store transaction that either
// resolves the request to an existing healthy holder of the key, or creates
// and places a new backend.
type Service struct {
	store          *store.Store
	log            *events.Log
	bus            SpawnDispatcher
	logger         *utils.StandardLogger
	defaultCluster string
	staleness      time.Duration
	urlPattern     string
}

func NewService(st *store.Store, log *events.Log, bus SpawnDispatcher, logger *utils.StandardLogger, defaultCluster string, staleness time.Duration, urlPattern string) *Service {
	return &Service{
		store:          st,
		log:            log,
		bus:            bus,
		logger:         logger,
		defaultCluster: defaultCluster,
		staleness:      staleness,
		urlPattern:     urlPattern,
	}
}

// Connect resolves a connect request. The lock row is the serialization
// point: the transaction watches it, so exactly one of several racing
// identical requests creates the backend and the rest either see it
// (idempotent hit) or fail with ErrFailedToAcquireKey and retry.
func (s *Service) Connect(ctx context.Context, req types.ConnectRequest) (*types.ConnectResponse, error) {
	cluster := req.Cluster
	if cluster == "" {
		cluster = s.defaultCluster
	}
	if cluster == "" {
		return nil, ErrNoClusterProvided
	}

	var resp *types.ConnectResponse
	var dispatch *types.SpawnCommand
	var dispatchDrone string

	txFn := func(tx *redis.Tx) error {
		snap, err := s.snapshot(ctx, tx, cluster, req.Key)
		if err != nil {
			return err
		}
		plan, err := Decide(req, cluster, *snap, time.Now().UTC(), s.staleness)
		if err != nil {
			return err
		}

		if plan.Existing != nil {
			resp = s.response(plan.Existing, false)
			return nil
		}

		backendData, err := json.Marshal(plan.Backend)
		if err != nil {
			return fmt.Errorf("failed to marshal backend row: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, store.BackendKey(plan.Backend.ID), backendData, 0)
			pipe.SAdd(ctx, store.BackendsKey, plan.Backend.ID)
			pipe.SAdd(ctx, store.DroneBackendsKey(plan.Backend.DroneID), plan.Backend.ID)
			if plan.Lock != nil {
				lockData, err := json.Marshal(plan.Lock)
				if err != nil {
					return fmt.Errorf("failed to marshal lock row: %w", err)
				}
				pipe.Set(ctx, store.LockKey(cluster, plan.Lock.Key), lockData, 0)
			}
			ev, err := events.New(plan.Backend.ID, events.KindBackendScheduled, plan.Backend)
			if err != nil {
				return err
			}
			return s.log.AppendTx(ctx, pipe, ev)
		})
		if err != nil {
			return err
		}

		resp = s.response(plan.Backend, true)
		dispatch = &types.SpawnCommand{
			BackendID:  plan.Backend.ID,
			Cluster:    cluster,
			Executable: plan.Backend.Executable,
		}
		dispatchDrone = plan.Backend.DroneID
		return nil
	}

	var watchKeys []string
	if req.Key != nil {
		watchKeys = append(watchKeys, store.LockKey(cluster, req.Key.Name))
	}
	err := s.store.Cache().Watch(ctx, txFn, watchKeys...)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrFailedToAcquireKey
	}
	if err != nil {
		return nil, err
	}

	// Spawn dispatch happens outside the transaction. Losing the message
	// leaves the backend in Scheduled, visible to operators; the drone side
	// is idempotent so redelivery is always safe.
	if dispatch != nil {
		if err := s.bus.DispatchSpawn(ctx, dispatchDrone, *dispatch); err != nil {
			s.logger.Errorw("Failed to dispatch spawn command", "backend_id", dispatch.BackendID, "drone_id", dispatchDrone, "error", err)
		}
	}
	return resp, nil
}

// ReleaseKey removes a lock row explicitly, used when a backend ends with no
// successor intended.
func (s *Service) ReleaseKey(ctx context.Context, cluster, key string) error {
	if cluster == "" {
		cluster = s.defaultCluster
	}
	if cluster == "" {
		return ErrNoClusterProvided
	}
	if err := s.store.RemoveLock(ctx, cluster, key); err != nil {
		s.logger.Errorw("Failed to remove key", "cluster", cluster, "key", key, "error", err)
		return ErrFailedToRemoveKey
	}
	return nil
}

func (s *Service) snapshot(ctx context.Context, tx *redis.Tx, cluster string, key *types.KeyConfig) (*Snapshot, error) {
	snap := &Snapshot{Load: make(map[string]int)}

	if key != nil {
		val, err := tx.Get(ctx, store.LockKey(cluster, key.Name)).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read lock %s/%s: %w", cluster, key.Name, err)
		}
		if err == nil {
			var lock types.KeyLock
			if err := json.Unmarshal([]byte(val), &lock); err != nil {
				return nil, fmt.Errorf("failed to unmarshal lock %s/%s: %w", cluster, key.Name, err)
			}
			snap.Lock = &lock
			holder, err := s.store.GetBackend(ctx, lock.BackendID)
			if err != nil {
				return nil, err
			}
			snap.Holder = holder
		}
	}

	nodes, err := s.store.ListNodes(ctx, cluster)
	if err != nil {
		return nil, err
	}
	snap.Nodes = nodes
	for _, n := range nodes {
		load, err := s.store.DroneLoad(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		snap.Load[n.ID] = load
	}
	return snap, nil
}

func (s *Service) response(row *types.BackendRow, spawned bool) *types.ConnectResponse {
	return &types.ConnectResponse{
		BackendID: row.ID,
		Spawned:   spawned,
		URL:       fmt.Sprintf(s.urlPattern, row.ID, row.Cluster),
		Key:       row.KeyName,
		Tag:       row.KeyTag,
	}
}
