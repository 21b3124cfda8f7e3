package node

import (
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/src/types"
)

const staleness = 30 * time.Second

func available(id string, hb time.Time) types.NodeRow {
	return types.NodeRow{ID: id, Cluster: "c1", Name: id, Status: types.NodeAvailable, LastHeartbeat: hb}
}

func TestSelectLeastLoaded(t *testing.T) {
	now := time.Now().UTC()
	nodes := []types.NodeRow{available("drone-a", now), available("drone-b", now)}
	load := map[string]int{"drone-a": 3, "drone-b": 1}

	chosen := Select(nodes, load, now, staleness)
	if chosen == nil || chosen.ID != "drone-b" {
		t.Fatalf("expected drone-b, got %+v", chosen)
	}
}

func TestSelectTieBreaksByID(t *testing.T) {
	now := time.Now().UTC()
	nodes := []types.NodeRow{available("drone-b", now), available("drone-a", now)}
	load := map[string]int{"drone-a": 2, "drone-b": 2}

	chosen := Select(nodes, load, now, staleness)
	if chosen == nil || chosen.ID != "drone-a" {
		t.Fatalf("expected deterministic tiebreak on drone-a, got %+v", chosen)
	}
}

func TestSelectExcludesDraining(t *testing.T) {
	now := time.Now().UTC()
	draining := available("drone-a", now)
	draining.Draining = true
	nodes := []types.NodeRow{draining, available("drone-b", now)}
	load := map[string]int{"drone-a": 0, "drone-b": 10}

	chosen := Select(nodes, load, now, staleness)
	if chosen == nil || chosen.ID != "drone-b" {
		t.Fatalf("draining drone must be excluded even when idle, got %+v", chosen)
	}
}

func TestSelectExcludesStaleAndNonAvailable(t *testing.T) {
	now := time.Now().UTC()
	stale := available("drone-a", now.Add(-staleness-time.Second))
	starting := types.NodeRow{ID: "drone-b", Status: types.NodeStarting, LastHeartbeat: now}
	terminated := types.NodeRow{ID: "drone-c", Status: types.NodeTerminated, LastHeartbeat: now}
	nodes := []types.NodeRow{stale, starting, terminated}

	if chosen := Select(nodes, nil, now, staleness); chosen != nil {
		t.Fatalf("expected no eligible drone, got %+v", chosen)
	}
}

func TestFreshBoundary(t *testing.T) {
	now := time.Now().UTC()
	atWindow := available("drone-a", now.Add(-staleness))
	if !Fresh(atWindow, now, staleness) {
		t.Fatal("a heartbeat exactly at the window edge is still fresh")
	}
	past := available("drone-a", now.Add(-staleness-time.Millisecond))
	if Fresh(past, now, staleness) {
		t.Fatal("a heartbeat past the window is stale")
	}
}
