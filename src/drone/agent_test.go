package drone

import (
	"context"
	"testing"

	"github.com/flotilla-io/flotilla/src/utils"
)

func TestNewAgentRequiresCluster(t *testing.T) {
	logger := utils.LoggerFromCtx(context.Background())
	if _, err := NewAgent(&utils.Config{}, nil, NewSimRuntime(), logger); err == nil {
		t.Fatal("an agent without a cluster must be rejected")
	}
}

func TestNewAgentCarriesIdentity(t *testing.T) {
	logger := utils.LoggerFromCtx(context.Background())
	config := &utils.Config{
		DroneCluster:     "c1",
		DroneName:        "d1",
		ControllerName:   "ctrl-1",
		HeartbeatPeriodS: 5,
	}
	a, err := NewAgent(config, nil, NewSimRuntime(), logger)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if a.cluster != "c1" || a.name != "d1" || a.controller != "ctrl-1" {
		t.Fatalf("agent identity not carried: %+v", a)
	}
	if a.ID() == "" {
		t.Fatal("agent must generate an id")
	}
}

func TestNewAgentGeneratesNameWhenUnset(t *testing.T) {
	logger := utils.LoggerFromCtx(context.Background())
	a, err := NewAgent(&utils.Config{DroneCluster: "c1", HeartbeatPeriodS: 5}, nil, NewSimRuntime(), logger)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if a.name == "" {
		t.Fatal("agent name must never be empty")
	}
}
