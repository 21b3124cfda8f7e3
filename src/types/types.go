package types

import (
	"fmt"
	"time"
)

// BackendStatus is the ordered lifecycle status of a backend. The numeric
// order is load-bearing: a status report is only applied when it is strictly
// greater than the stored status, which is what makes duplicate and
// out-of-order delivery safe.
type BackendStatus int

const (
	BackendScheduled BackendStatus = iota
	BackendStarting
	BackendReady
	BackendTerminating
	BackendHardTerminating
	BackendTerminated
)

var backendStatusNames = map[BackendStatus]string{
	BackendScheduled:       "scheduled",
	BackendStarting:        "starting",
	BackendReady:           "ready",
	BackendTerminating:     "terminating",
	BackendHardTerminating: "hard-terminating",
	BackendTerminated:      "terminated",
}

func (s BackendStatus) String() string {
	if name, ok := backendStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseBackendStatus converts a wire-format status name back to its value.
func ParseBackendStatus(name string) (BackendStatus, error) {
	for status, n := range backendStatusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown backend status %q", name)
}

func (s BackendStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *BackendStatus) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("backend status must be a JSON string, got %s", data)
	}
	parsed, err := ParseBackendStatus(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s BackendStatus) Terminal() bool {
	return s == BackendTerminated
}

// Healthy reports whether a lock held by a backend in this status should be
// treated as a valid idempotent hit. Terminating backends still hold their
// key but are on the way out, so a connect against them must not reuse them.
func (s BackendStatus) Healthy() bool {
	return s <= BackendReady
}

// NodeStatus is the lifecycle status of a drone. Fail-stop: once terminated a
// drone never becomes available again under the same identity.
type NodeStatus string

const (
	NodeStarting   NodeStatus = "starting"
	NodeAvailable  NodeStatus = "available"
	NodeTerminated NodeStatus = "terminated"
)

// NodeRow is the registry record for a drone.
type NodeRow struct {
	ID            string     `json:"id"`
	Cluster       string     `json:"cluster"`
	Name          string     `json:"name"`
	Controller    string     `json:"controller,omitempty"`
	Version       string     `json:"version,omitempty"`
	Hash          string     `json:"hash,omitempty"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Draining      bool       `json:"draining,omitempty"`
}

// PullPolicy controls image pulling for container-backed runtimes.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
	PullNever        PullPolicy = "never"
)

// ExecutorConfig describes what a drone should run for a backend.
type ExecutorConfig struct {
	Image      string            `json:"image"`
	Env        map[string]string `json:"env,omitempty"`
	PullPolicy PullPolicy        `json:"pull_policy,omitempty"`
}

// SpawnConfig is the caller-supplied recipe for a new backend.
type SpawnConfig struct {
	Executable           ExecutorConfig `json:"executable"`
	LifetimeLimitSeconds *int           `json:"lifetime_limit_seconds,omitempty"`
	MaxIdleSeconds       *int           `json:"max_idle_seconds,omitempty"`
}

// KeyConfig is the optional idempotency key of a connect request.
type KeyConfig struct {
	Name string `json:"name"`
	Tag  string `json:"tag,omitempty"`
}

// BackendRow is the registry record for a backend.
type BackendRow struct {
	ID                 string         `json:"id"`
	Cluster            string         `json:"cluster"`
	DroneID            string         `json:"drone_id"`
	Status             BackendStatus  `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	LastStatusTime     time.Time      `json:"last_status_time"`
	LastKeepalive      time.Time      `json:"last_keepalive"`
	TerminatingSince   *time.Time     `json:"terminating_since,omitempty"`
	ExpirationTime     *time.Time     `json:"expiration_time,omitempty"`
	AllowedIdleSeconds *int           `json:"allowed_idle_seconds,omitempty"`
	Executable         ExecutorConfig `json:"executable"`
	KeyName            string         `json:"key_name,omitempty"`
	KeyTag             string         `json:"key_tag,omitempty"`
}

// KeyLock binds a (cluster, key) to the backend currently holding it. The row
// exists only while the holder is non-terminal.
type KeyLock struct {
	Cluster   string `json:"cluster"`
	Key       string `json:"key"`
	BackendID string `json:"backend_id"`
	Tag       string `json:"tag"`
}

// Event is one append-only record of a state change. Key is the entity the
// event is about; empty means global. Ordering is per-key best effort only.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key,omitempty"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload,omitempty"`
}

// ConnectRequest is the client-facing connect call.
type ConnectRequest struct {
	Cluster     string       `json:"cluster,omitempty"`
	Key         *KeyConfig   `json:"key,omitempty"`
	SpawnConfig *SpawnConfig `json:"spawn_config,omitempty"`
}

// ConnectResponse reports the backend a connect resolved to. Spawned is false
// on an idempotent hit against an existing holder.
type ConnectResponse struct {
	BackendID string `json:"backend_id"`
	Spawned   bool   `json:"spawned"`
	URL       string `json:"url"`
	Key       string `json:"key,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// TerminationCandidate describes why a backend is (or is not yet) eligible
// for reclamation at the evaluation instant AsOf.
type TerminationCandidate struct {
	BackendID          string     `json:"backend_id"`
	AsOf               time.Time  `json:"as_of"`
	ExpirationTime     *time.Time `json:"expiration_time,omitempty"`
	AllowedIdleSeconds *int       `json:"allowed_idle_seconds,omitempty"`
	LastKeepalive      time.Time  `json:"last_keepalive"`
}
