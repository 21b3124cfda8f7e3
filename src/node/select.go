package node

import (
	"sort"
	"time"

	"github.com/flotilla-io/flotilla/src/types"
)

// Fresh reports whether the drone's heartbeat is within the staleness window.
func Fresh(n types.NodeRow, now time.Time, staleness time.Duration) bool {
	return now.Sub(n.LastHeartbeat) <= staleness
}

// Eligible reports whether a drone may receive new placements: Available,
// fresh, and not draining.
func Eligible(n types.NodeRow, now time.Time, staleness time.Duration) bool {
	return n.Status == types.NodeAvailable && !n.Draining && Fresh(n, now, staleness)
}

// Select picks the placement target among the cluster's drones: the eligible
// drone with the fewest non-terminal backends, ties broken by drone id so the
// choice is deterministic. Returns nil when no drone is eligible.
func Select(nodes []types.NodeRow, load map[string]int, now time.Time, staleness time.Duration) *types.NodeRow {
	candidates := make([]types.NodeRow, 0, len(nodes))
	for _, n := range nodes {
		if Eligible(n, now, staleness) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := load[candidates[i].ID], load[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	return &chosen
}
