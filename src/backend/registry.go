package backend

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

// Conflicting applies retry a few times: the monotonic rule makes replays
// idempotent, so retrying a lost race is always safe.
const txRetries = 5

var ErrUnknownBackend = errors.New("unknown backend")

// TerminateDispatcher sends terminate commands to drones over the bus.
type TerminateDispatcher interface {
	DispatchTerminate(ctx context.Context, droneID string, cmd types.TerminateCommand) error
}

// Registry applies lifecycle transitions to backend rows. Transitions come
// from drone status reports (via the bus) or explicit terminate calls; both
// funnel through Apply.
type Registry struct {
	store  *store.Store
	log    *events.Log
	bus    TerminateDispatcher
	logger *utils.StandardLogger
}

func NewRegistry(st *store.Store, log *events.Log, bus TerminateDispatcher, logger *utils.StandardLogger) *Registry {
	return &Registry{store: st, log: log, bus: bus, logger: logger}
}

// Apply applies a status report to a backend. Returns the row after the call
// and whether the report changed anything. A report at or below the stored
// status is a no-op, which makes at-least-once, out-of-order delivery safe.
// The terminal transition releases the key lock and the drone's live-set
// membership in the same transaction.
func (r *Registry) Apply(ctx context.Context, report types.StatusReport) (*types.BackendRow, bool, error) {
	backendKey := store.BackendKey(report.BackendID)
	var row *types.BackendRow
	var applied bool

	txFn := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, backendKey).Result()
		if err == redis.Nil {
			return ErrUnknownBackend
		}
		if err != nil {
			return fmt.Errorf("failed to read backend %s: %w", report.BackendID, err)
		}
		current := &types.BackendRow{}
		if err := json.Unmarshal([]byte(val), current); err != nil {
			return fmt.Errorf("failed to unmarshal backend %s: %w", report.BackendID, err)
		}

		if !ShouldApply(current.Status, report.Status) {
			row, applied = current, false
			return nil
		}

		now := time.Now().UTC()
		statusTime := report.Time
		if statusTime.IsZero() {
			statusTime = now
		}
		current.Status = report.Status
		current.LastStatusTime = statusTime
		if report.Status >= types.BackendTerminating && !report.Status.Terminal() && current.TerminatingSince == nil {
			current.TerminatingSince = &now
		}

		// The lock is released only if it still points at this backend; a
		// successor may already hold the key by the time a stale Terminated
		// report arrives. The lock key joins the WATCH set so a connect
		// racing to rebind it aborts this transaction instead of losing its
		// lock row to the release below.
		var releaseLock *types.KeyLock
		if report.Status.Terminal() && current.KeyName != "" {
			lockKey := store.LockKey(current.Cluster, current.KeyName)
			if err := tx.Watch(ctx, lockKey).Err(); err != nil {
				return fmt.Errorf("failed to watch lock %s: %w", lockKey, err)
			}
			lock, err := readLock(ctx, tx, current.Cluster, current.KeyName)
			if err != nil {
				return err
			}
			if lock != nil && lock.BackendID == current.ID {
				releaseLock = lock
			}
		}

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to marshal backend %s: %w", current.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, backendKey, data, 0)
			if report.Status.Terminal() {
				pipe.SRem(ctx, store.DroneBackendsKey(current.DroneID), current.ID)
			}
			if releaseLock != nil {
				pipe.Del(ctx, store.LockKey(releaseLock.Cluster, releaseLock.Key))
				ev, err := events.New(current.ID, events.KindKeyReleased, releaseLock)
				if err != nil {
					return err
				}
				if err := r.log.AppendTx(ctx, pipe, ev); err != nil {
					return err
				}
			}
			ev, err := events.New(current.ID, events.KindBackendStatus, types.StatusReport{
				BackendID: current.ID,
				Status:    current.Status,
				Time:      current.LastStatusTime,
			})
			if err != nil {
				return err
			}
			return r.log.AppendTx(ctx, pipe, ev)
		})
		if err != nil {
			return err
		}
		row, applied = current, true
		return nil
	}

	var err error
	for i := 0; i < txRetries; i++ {
		err = r.store.Cache().Watch(ctx, txFn, backendKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, false, err
	}
	if applied {
		r.logger.Infow("Applied backend status", "backend_id", row.ID, "status", row.Status.String())
	}
	return row, applied, nil
}

// Terminate moves a backend toward termination and signals its drone. Soft
// terminate drains with a grace period; hard kills immediately. The command
// is dispatched even when the status was already at or past the target, so a
// lost publish is repaired by the next call; the drone's stop is idempotent.
// Terminating an already-terminal backend is a no-op.
func (r *Registry) Terminate(ctx context.Context, backendID string, hard bool) error {
	target := types.BackendTerminating
	if hard {
		target = types.BackendHardTerminating
	}
	row, _, err := r.Apply(ctx, types.StatusReport{BackendID: backendID, Status: target})
	if err != nil {
		return err
	}
	if row.Status.Terminal() {
		return nil
	}
	cmd := types.TerminateCommand{
		BackendID: backendID,
		Hard:      hard || row.Status == types.BackendHardTerminating,
	}
	if err := r.bus.DispatchTerminate(ctx, row.DroneID, cmd); err != nil {
		r.logger.Errorw("Failed to dispatch terminate command", "backend_id", backendID, "drone_id", row.DroneID, "error", err)
	}
	return nil
}

// Keepalive refreshes the idle budget of a non-terminal backend.
func (r *Registry) Keepalive(ctx context.Context, backendID string) error {
	backendKey := store.BackendKey(backendID)

	txFn := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, backendKey).Result()
		if err == redis.Nil {
			return ErrUnknownBackend
		}
		if err != nil {
			return fmt.Errorf("failed to read backend %s: %w", backendID, err)
		}
		var current types.BackendRow
		if err := json.Unmarshal([]byte(val), &current); err != nil {
			return fmt.Errorf("failed to unmarshal backend %s: %w", backendID, err)
		}
		if current.Status.Terminal() {
			return nil
		}
		current.LastKeepalive = time.Now().UTC()

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to marshal backend %s: %w", backendID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, backendKey, data, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < txRetries; i++ {
		err = r.store.Cache().Watch(ctx, txFn, backendKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func readLock(ctx context.Context, tx *redis.Tx, cluster, key string) (*types.KeyLock, error) {
	val, err := tx.Get(ctx, store.LockKey(cluster, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s/%s: %w", cluster, key, err)
	}
	var lock types.KeyLock
	if err := json.Unmarshal([]byte(val), &lock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock %s/%s: %w", cluster, key, err)
	}
	return &lock, nil
}
