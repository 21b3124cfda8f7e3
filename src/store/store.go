package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils/cache"
)

// Store is the persistence layer for nodes, backends and key locks. Every
// mutation that can race goes through an optimistic WATCH transaction; the
// store is the sole arbiter of races, never an in-process mutex.
type Store struct {
	cache *cache.Client
}

func New(client *cache.Client) *Store {
	return &Store{cache: client}
}

func (s *Store) Cache() *cache.Client {
	return s.cache
}

// GetBackend returns the backend row, or nil if it does not exist.
func (s *Store) GetBackend(ctx context.Context, id string) (*types.BackendRow, error) {
	var row types.BackendRow
	found, err := s.cache.GetJSON(ctx, BackendKey(id), &row)
	if err != nil {
		return nil, fmt.Errorf("failed to get backend %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &row, nil
}

// ListBackends returns all backend rows, terminal ones included.
func (s *Store) ListBackends(ctx context.Context) ([]types.BackendRow, error) {
	ids, err := s.cache.GetClient().SMembers(ctx, BackendsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list backend ids: %w", err)
	}
	backends := make([]types.BackendRow, 0, len(ids))
	for _, id := range ids {
		row, err := s.GetBackend(ctx, id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			// Row expired out from under the index; skip.
			continue
		}
		backends = append(backends, *row)
	}
	return backends, nil
}

// ListDroneBackends returns the ids of the non-terminal backends placed on a
// drone.
func (s *Store) ListDroneBackends(ctx context.Context, droneID string) ([]string, error) {
	ids, err := s.cache.GetClient().SMembers(ctx, DroneBackendsKey(droneID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list backends for drone %s: %w", droneID, err)
	}
	return ids, nil
}

// DroneLoad returns the number of non-terminal backends on a drone.
func (s *Store) DroneLoad(ctx context.Context, droneID string) (int, error) {
	n, err := s.cache.GetClient().SCard(ctx, DroneBackendsKey(droneID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count backends for drone %s: %w", droneID, err)
	}
	return int(n), nil
}

// RemoveLock deletes the lock row for (cluster, key) unconditionally. Used
// for explicit release when a backend ends with no successor intended.
func (s *Store) RemoveLock(ctx context.Context, cluster, key string) error {
	if err := s.cache.GetClient().Del(ctx, LockKey(cluster, key)).Err(); err != nil {
		return fmt.Errorf("failed to remove lock %s/%s: %w", cluster, key, err)
	}
	return nil
}

// ListClusters returns every cluster that has ever registered a drone.
func (s *Store) ListClusters(ctx context.Context) ([]string, error) {
	clusters, err := s.cache.GetClient().SMembers(ctx, ClustersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	return clusters, nil
}

// ListNodes returns all drone rows in a cluster.
func (s *Store) ListNodes(ctx context.Context, cluster string) ([]types.NodeRow, error) {
	rows, err := s.cache.GetClient().HGetAll(ctx, NodesKey(cluster)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for cluster %s: %w", cluster, err)
	}
	nodes := make([]types.NodeRow, 0, len(rows))
	for name, val := range rows {
		var node types.NodeRow
		if err := json.Unmarshal([]byte(val), &node); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node %s/%s: %w", cluster, name, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// GetNode returns the drone row for (cluster, name), or nil if unknown.
func (s *Store) GetNode(ctx context.Context, cluster, name string) (*types.NodeRow, error) {
	val, err := s.cache.GetClient().HGet(ctx, NodesKey(cluster), name).Result()
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
