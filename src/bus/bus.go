package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils"
)

// Subjects. Everything on the bus is fire-and-forget JSON: commands flow to
// per-drone subjects, reports and heartbeats flow back on shared ones.
const (
	statusSubject    = "flotilla.controller.status"
	heartbeatSubject = "flotilla.controller.heartbeat"
)

func spawnSubject(droneID string) string {
	return fmt.Sprintf("flotilla.drone.%s.spawn", droneID)
}

func terminateSubject(droneID string) string {
	return fmt.Sprintf("flotilla.drone.%s.terminate", droneID)
}

// Bus is the NATS connection shared by the controller and the drone agent.
type Bus struct {
	nc     *nats.Conn
	logger *utils.StandardLogger
}

func Connect(url, name string, logger *utils.StandardLogger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warnw("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &Bus{nc: nc, logger: logger}, nil
}

func (b *Bus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
}

func (b *Bus) publish(subject string, payload interface{}) error {
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", subject, err)
	}
	return b.nc.Publish(subject, data)
}

// DispatchSpawn sends a spawn command to a drone.
func (b *Bus) DispatchSpawn(ctx context.Context, droneID string, cmd types.SpawnCommand) error {
	return b.publish(spawnSubject(droneID), cmd)
}

// DispatchTerminate sends a terminate command to a drone.
func (b *Bus) DispatchTerminate(ctx context.Context, droneID string, cmd types.TerminateCommand) error {
	return b.publish(terminateSubject(droneID), cmd)
}

// ReportStatus publishes a drone's status report for a backend.
func (b *Bus) ReportStatus(report types.StatusReport) error {
	return b.publish(statusSubject, report)
}

// SendHeartbeat publishes a drone heartbeat.
func (b *Bus) SendHeartbeat(hb types.DroneHeartbeat) error {
	return b.publish(heartbeatSubject, hb)
}

// SubscribeStatus delivers inbound status reports to handler. Malformed
// messages are logged and dropped.
func (b *Bus) SubscribeStatus(handler func(types.StatusReport)) (func(), error) {
	sub, err := b.nc.Subscribe(statusSubject, func(msg *nats.Msg) {
		var report types.StatusReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			b.logger.Errorw("Dropping malformed status report", "error", err)
			return
		}
		handler(report)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", statusSubject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// SubscribeHeartbeats delivers inbound drone heartbeats to handler.
func (b *Bus) SubscribeHeartbeats(handler func(types.DroneHeartbeat)) (func(), error) {
	sub, err := b.nc.Subscribe(heartbeatSubject, func(msg *nats.Msg) {
		var hb types.DroneHeartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			b.logger.Errorw("Dropping malformed heartbeat", "error", err)
			return
		}
		handler(hb)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", heartbeatSubject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// SubscribeDrone delivers spawn and terminate commands addressed to one
// drone.
func (b *Bus) SubscribeDrone(droneID string, onSpawn func(types.SpawnCommand), onTerminate func(types.TerminateCommand)) (func(), error) {
	spawnSub, err := b.nc.Subscribe(spawnSubject(droneID), func(msg *nats.Msg) {
		var cmd types.SpawnCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			b.logger.Errorw("Dropping malformed spawn command", "error", err)
			return
		}
		onSpawn(cmd)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to spawn commands: %w", err)
	}
	termSub, err := b.nc.Subscribe(terminateSubject(droneID), func(msg *nats.Msg) {
		var cmd types.TerminateCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			b.logger.Errorw("Dropping malformed terminate command", "error", err)
			return
		}
		onTerminate(cmd)
	})
	if err != nil {
		_ = spawnSub.Unsubscribe()
		return nil, fmt.Errorf("failed to subscribe to terminate commands: %w", err)
	}
	return func() {
		_ = spawnSub.Unsubscribe()
		_ = termSub.Unsubscribe()
	}, nil
}
