package node

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

// How many times a heartbeat or drain retries when its transaction loses a
// race. Both operations are idempotent, so retrying is safe.
const txRetries = 3

var ErrNoSuchDrone = errors.New("no such drone")

// Registry tracks drones per cluster: heartbeat upserts, the staleness sweep
// that terminates silent drones, and drain bookkeeping.
type Registry struct {
	store     *store.Store
	log       *events.Log
	logger    *utils.StandardLogger
	staleness time.Duration
}

func NewRegistry(st *store.Store, log *events.Log, logger *utils.StandardLogger, staleness time.Duration) *Registry {
	return &Registry{
		store:     st,
		log:       log,
		logger:    logger,
		staleness: staleness,
	}
}

// ApplyHeartbeat upserts a drone row from a heartbeat message. An unknown
// drone is created as Starting; a Starting drone is promoted to Available on
// its next heartbeat. A Terminated drone never comes back under the same
// identity, so its heartbeats are dropped.
func (r *Registry) ApplyHeartbeat(ctx context.Context, hb types.DroneHeartbeat) error {
	now := time.Now().UTC()
	nodesKey := store.NodesKey(hb.Cluster)

	var registered bool
	apply := func(tx *redis.Tx) error {
		existing, err := readNode(ctx, tx, hb.Cluster, hb.Name)
		if err != nil {
			return err
		}

		row := types.NodeRow{
			ID:            hb.ID,
			Cluster:       hb.Cluster,
			Name:          hb.Name,
			Controller:    hb.Controller,
			Version:       hb.Version,
			Hash:          hb.Hash,
			Status:        types.NodeStarting,
			LastHeartbeat: now,
		}
		registered = existing == nil
		if existing != nil {
			if existing.Status == types.NodeTerminated {
				return nil
			}
			row = *existing
			row.Status = types.NodeAvailable
			row.LastHeartbeat = now
			// A restarted agent keeps its (cluster, name) identity but
			// arrives with a fresh id; adopt it so commands reach the new
			// subscription.
			row.ID = hb.ID
			row.Controller = hb.Controller
			row.Version = hb.Version
			row.Hash = hb.Hash
		}

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal node row: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, nodesKey, hb.Name, data)
			pipe.SAdd(ctx, store.ClustersKey, hb.Cluster)
			if registered {
				ev, err := events.New("", events.KindDroneRegistered, row)
				if err != nil {
					return err
				}
				return r.log.AppendTx(ctx, pipe, ev)
			}
			return nil
		})
		return err
	}

	err := r.withRetries(ctx, apply, nodesKey)
	if err != nil {
		return fmt.Errorf("failed to apply heartbeat for %s/%s: %w", hb.Cluster, hb.Name, err)
	}
	if registered {
		r.logger.Infow("Registered drone", "cluster", hb.Cluster, "drone", hb.Name, "drone_id", hb.ID)
	}
	return nil
}

// Drain removes a drone from the placement pool. Fire-and-forget: running
// backends are untouched and reclaimed individually or by the watchdog.
func (r *Registry) Drain(ctx context.Context, cluster, name string) error {
	nodesKey := store.NodesKey(cluster)

	apply := func(tx *redis.Tx) error {
		existing, err := readNode(ctx, tx, cluster, name)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNoSuchDrone
		}
		if existing.Draining {
			return nil
		}
		existing.Draining = true

		data, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to marshal node row: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, nodesKey, name, data)
			ev, err := events.New("", events.KindDroneDrained, existing)
			if err != nil {
				return err
			}
			return r.log.AppendTx(ctx, pipe, ev)
		})
		return err
	}

	if err := r.withRetries(ctx, apply, nodesKey); err != nil {
		if errors.Is(err, ErrNoSuchDrone) {
			return err
		}
		return fmt.Errorf("failed to drain %s/%s: %w", cluster, name, err)
	}
	r.logger.Infow("Drained drone", "cluster", cluster, "drone", name)
	return nil
}

// SweepStale walks every cluster and terminates drones whose heartbeat is
// older than the staleness window. Backends on a terminated drone are not
// migrated; they are surfaced in an orphaned-backends event for operators.
func (r *Registry) SweepStale(ctx context.Context) error {
	now := time.Now().UTC()
	clusters, err := r.store.ListClusters(ctx)
	if err != nil {
		return err
	}

	for _, cluster := range clusters {
		nodes, err := r.store.ListNodes(ctx, cluster)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Status == types.NodeTerminated || Fresh(n, now, r.staleness) {
				continue
			}
			if err := r.terminateNode(ctx, cluster, n.Name); err != nil {
				r.logger.Errorw("Failed to terminate stale drone", "cluster", cluster, "drone", n.Name, "error", err)
			}
		}
	}
	return nil
}

func (r *Registry) terminateNode(ctx context.Context, cluster, name string) error {
	nodesKey := store.NodesKey(cluster)

	apply := func(tx *redis.Tx) error {
		existing, err := readNode(ctx, tx, cluster, name)
		if err != nil {
			return err
		}
		if existing == nil || existing.Status == types.NodeTerminated {
			return nil
		}
		// Re-check freshness under WATCH so a heartbeat that lands during
		// the sweep wins the race instead of being clobbered.
		if Fresh(*existing, time.Now().UTC(), r.staleness) {
			return nil
		}
		existing.Status = types.NodeTerminated

		orphans, err := r.store.ListDroneBackends(ctx, existing.ID)
		if err != nil {
			return err
		}

		data, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to marshal node row: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, nodesKey, name, data)
			ev, err := events.New("", events.KindDroneTerminated, existing)
			if err != nil {
				return err
			}
			if err := r.log.AppendTx(ctx, pipe, ev); err != nil {
				return err
			}
			if len(orphans) > 0 {
				ev, err := events.New("", events.KindOrphanedBackends, map[string]interface{}{
					"drone_id": existing.ID,
					"cluster":  cluster,
					"backends": orphans,
				})
				if err != nil {
					return err
				}
				return r.log.AppendTx(ctx, pipe, ev)
			}
			return nil
		})
		return err
	}

	if err := r.withRetries(ctx, apply, nodesKey); err != nil {
		return err
	}
	r.logger.Warnw("Terminated stale drone", "cluster", cluster, "drone", name)
	return nil
}

func (r *Registry) withRetries(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = r.store.Cache().Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func readNode(ctx context.Context, tx *redis.Tx, cluster, name string) (*types.NodeRow, error) {
	val, err := tx.HGet(ctx, store.NodesKey(cluster), name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s/%s: %w", cluster, name, err)
	}
	var node types.NodeRow
	if err := json.Unmarshal([]byte(val), &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node %s/%s: %w", cluster, name, err)
	}
	return &node, nil
}
