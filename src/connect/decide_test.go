package connect

import (
	"errors"
	"testing"
	"time"

	"github.com/flotilla-io/flotilla/src/types"
)

const staleness = 30 * time.Second

func testNodes(now time.Time) []types.NodeRow {
	return []types.NodeRow{
		{ID: "drone-a", Cluster: "c1", Name: "a", Status: types.NodeAvailable, LastHeartbeat: now},
		{ID: "drone-b", Cluster: "c1", Name: "b", Status: types.NodeAvailable, LastHeartbeat: now},
	}
}

func spawn() *types.SpawnConfig {
	return &types.SpawnConfig{Executable: types.ExecutorConfig{Image: "registry/app:1"}}
}

func TestDecideNoKeyRequiresSpawnConfig(t *testing.T) {
	now := time.Now().UTC()
	_, err := Decide(types.ConnectRequest{}, "c1", Snapshot{Nodes: testNodes(now)}, now, staleness)
	if !errors.Is(err, ErrKeyUnheldNoSpawnConfig) {
		t.Fatalf("expected ErrKeyUnheldNoSpawnConfig, got %v", err)
	}
}

func TestDecideNoKeyCreatesBackendWithoutLock(t *testing.T) {
	now := time.Now().UTC()
	req := types.ConnectRequest{SpawnConfig: spawn()}
	plan, err := Decide(req, "c1", Snapshot{Nodes: testNodes(now)}, now, staleness)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if plan.Backend == nil || plan.Lock != nil || plan.Existing != nil {
		t.Fatalf("expected backend without lock, got %+v", plan)
	}
	if plan.Backend.Status != types.BackendScheduled {
		t.Fatalf("new backend must start Scheduled, got %s", plan.Backend.Status)
	}
	if plan.Backend.Cluster != "c1" {
		t.Fatalf("wrong cluster %q", plan.Backend.Cluster)
	}
}

func TestDecideUnheldKeyBindsLockWithAutoTag(t *testing.T) {
	now := time.Now().UTC()
	req := types.ConnectRequest{
		Key:         &types.KeyConfig{Name: "u1"},
		SpawnConfig: spawn(),
	}
	plan, err := Decide(req, "c1", Snapshot{Nodes: testNodes(now)}, now, staleness)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if plan.Lock == nil {
		t.Fatal("expected a lock row")
	}
	if plan.Lock.Key != "u1" || plan.Lock.BackendID != plan.Backend.ID {
		t.Fatalf("lock does not bind the new backend: %+v", plan.Lock)
	}
	if plan.Lock.Tag == "" {
		t.Fatal("expected an auto-generated tag")
	}
	if plan.Backend.KeyName != "u1" || plan.Backend.KeyTag != plan.Lock.Tag {
		t.Fatalf("backend row missing key binding: %+v", plan.Backend)
	}
}

func TestDecideUnheldKeyNoSpawnConfig(t *testing.T) {
	now := time.Now().UTC()
	req := types.ConnectRequest{Key: &types.KeyConfig{Name: "u1"}}
	_, err := Decide(req, "c1", Snapshot{Nodes: testNodes(now)}, now, staleness)
	if !errors.Is(err, ErrKeyUnheldNoSpawnConfig) {
		t.Fatalf("expected ErrKeyUnheldNoSpawnConfig, got %v", err)
	}
}

func heldSnapshot(now time.Time, holderStatus types.BackendStatus) Snapshot {
	holder := &types.BackendRow{
		ID:      "b-1",
		Cluster: "c1",
		DroneID: "drone-a",
		Status:  holderStatus,
		KeyName: "u1",
		KeyTag:  "t1",
	}
	return Snapshot{
		Lock:   &types.KeyLock{Cluster: "c1", Key: "u1", BackendID: "b-1", Tag: "t1"},
		Holder: holder,
		Nodes:  testNodes(now),
	}
}

func TestDecideHeldHealthyIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	for _, tag := range []string{"", "t1"} {
		req := types.ConnectRequest{
			Key:         &types.KeyConfig{Name: "u1", Tag: tag},
			SpawnConfig: spawn(),
		}
		plan, err := Decide(req, "c1", heldSnapshot(now, types.BackendReady), now, staleness)
		if err != nil {
			t.Fatalf("tag %q: decide: %v", tag, err)
		}
		if plan.Existing == nil || plan.Existing.ID != "b-1" {
			t.Fatalf("tag %q: expected idempotent hit on b-1, got %+v", tag, plan)
		}
		if plan.Backend != nil {
			t.Fatalf("tag %q: idempotent hit must not create a backend", tag)
		}
	}
}

func TestDecideHeldTagMismatch(t *testing.T) {
	now := time.Now().UTC()
	req := types.ConnectRequest{
		Key:         &types.KeyConfig{Name: "u1", Tag: "t2"},
		SpawnConfig: spawn(),
	}
	_, err := Decide(req, "c1", heldSnapshot(now, types.BackendReady), now, staleness)
	var held *KeyHeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected KeyHeldError, got %v", err)
	}
	if held.Tag != "t1" {
		t.Fatalf("expected existing tag t1 surfaced, got %q", held.Tag)
	}
}

func TestDecideHeldUnhealthy(t *testing.T) {
	now := time.Now().UTC()
	for _, status := range []types.BackendStatus{types.BackendTerminating, types.BackendHardTerminating} {
		req := types.ConnectRequest{
			Key:         &types.KeyConfig{Name: "u1", Tag: "t1"},
			SpawnConfig: spawn(),
		}
		_, err := Decide(req, "c1", heldSnapshot(now, status), now, staleness)
		if !errors.Is(err, ErrKeyHeldUnhealthy) {
			t.Fatalf("status %s: expected ErrKeyHeldUnhealthy, got %v", status, err)
		}
	}
}

func TestDecideTerminatedHolderIsUnheld(t *testing.T) {
	now := time.Now().UTC()
	req := types.ConnectRequest{
		Key:         &types.KeyConfig{Name: "u1", Tag: "t2"},
		SpawnConfig: spawn(),
	}
	plan, err := Decide(req, "c1", heldSnapshot(now, types.BackendTerminated), now, staleness)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if plan.Backend == nil || plan.Lock == nil {
		t.Fatalf("expected a fresh backend and lock, got %+v", plan)
	}
	if plan.Lock.Tag != "t2" {
		t.Fatalf("expected caller tag bound, got %q", plan.Lock.Tag)
	}
}

func TestDecideNoDroneAvailableLeavesNoPlan(t *testing.T) {
	now := time.Now().UTC()
	req := types.ConnectRequest{
		Key:         &types.KeyConfig{Name: "u1"},
		SpawnConfig: spawn(),
	}
	plan, err := Decide(req, "c1", Snapshot{}, now, staleness)
	if !errors.Is(err, ErrNoDroneAvailable) {
		t.Fatalf("expected ErrNoDroneAvailable, got %v", err)
	}
	if plan.Backend != nil || plan.Lock != nil {
		t.Fatalf("a failed placement must leave no state behind, got %+v", plan)
	}
}

func TestDecideBudgetsFromSpawnConfig(t *testing.T) {
	now := time.Now().UTC()
	lifetime, idle := 3600, 500
	req := types.ConnectRequest{
		SpawnConfig: &types.SpawnConfig{
			Executable:           types.ExecutorConfig{Image: "registry/app:1"},
			LifetimeLimitSeconds: &lifetime,
			MaxIdleSeconds:       &idle,
		},
	}
	plan, err := Decide(req, "c1", Snapshot{Nodes: testNodes(now)}, now, staleness)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if plan.Backend.ExpirationTime == nil || !plan.Backend.ExpirationTime.Equal(now.Add(time.Hour)) {
		t.Fatalf("wrong expiration time: %v", plan.Backend.ExpirationTime)
	}
	if plan.Backend.AllowedIdleSeconds == nil || *plan.Backend.AllowedIdleSeconds != 500 {
		t.Fatalf("wrong idle budget: %v", plan.Backend.AllowedIdleSeconds)
	}
	if !plan.Backend.LastKeepalive.Equal(now) {
		t.Fatalf("keepalive must start at creation time")
	}
}
