package types

import "time"

// Messages exchanged with drones over the bus. All of them are fire-and-forget
// and may be delivered more than once; consumers must be idempotent.

// SpawnCommand tells a drone to start a backend. Idempotent by backend id.
type SpawnCommand struct {
	BackendID  string         `json:"backend_id"`
	Cluster    string         `json:"cluster"`
	Executable ExecutorConfig `json:"executable"`
}

// TerminateCommand tells a drone to stop a backend. Hard skips the grace
// period and kills immediately.
type TerminateCommand struct {
	BackendID string `json:"backend_id"`
	Hard      bool   `json:"hard"`
}

// StatusReport is a drone's view of a backend's status at Time. Reports are
// applied by the controller only when strictly newer in status order.
type StatusReport struct {
	BackendID string        `json:"backend_id"`
	Status    BackendStatus `json:"status"`
	Time      time.Time     `json:"time"`
}

// DroneHeartbeat doubles as registration: the first heartbeat for an unknown
// (cluster, name) creates the node row.
type DroneHeartbeat struct {
	ID         string    `json:"id"`
	Cluster    string    `json:"cluster"`
	Name       string    `json:"name"`
	Controller string    `json:"controller,omitempty"`
	Version    string    `json:"version,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	Time       time.Time `json:"time"`
}
