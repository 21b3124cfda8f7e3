package store

import "fmt"

// Redis key layout. All coordination state lives under these keys; the
// orchestrator process itself holds nothing authoritative in memory.
const (
	// Set of cluster names that have ever had a drone.
	ClustersKey = "flotilla:clusters"
	// Set of all backend ids.
	BackendsKey = "flotilla:backends"
)

// NodesKey is the per-cluster hash of drone name to node row JSON.
func NodesKey(cluster string) string {
	return fmt.Sprintf("flotilla:nodes:%s", cluster)
}

// BackendKey is the JSON row for a single backend.
func BackendKey(id string) string {
	return fmt.Sprintf("flotilla:backend:%s", id)
}

// DroneBackendsKey is the set of non-terminal backend ids placed on a drone.
// Its cardinality is the drone's load for placement purposes.
func DroneBackendsKey(droneID string) string {
	return fmt.Sprintf("flotilla:drone:%s:backends", droneID)
}

// LockKey is the JSON row binding (cluster, key) to its holding backend. The
// cluster component is length-prefixed so a ':' inside either name cannot
// make two different pairs share a key.
func LockKey(cluster, key string) string {
	return fmt.Sprintf("flotilla:lock:%d:%s:%s", len(cluster), cluster, key)
}
