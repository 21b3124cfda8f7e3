package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils/cache"
)

const (
	// StreamKey is the append-only event record, capped at the configured
	// length (approximate trim).
	StreamKey = "flotilla:events"
	// globalChannel carries every event for unfiltered subscribers.
	globalChannel = "flotilla:events"
)

// Event kinds.
const (
	KindBackendScheduled = "backend-scheduled"
	KindBackendStatus    = "backend-status"
	KindKeyReleased      = "key-released"
	KindDroneRegistered  = "drone-registered"
	KindDroneTerminated  = "drone-terminated"
	KindDroneDrained     = "drone-drained"
	KindOrphanedBackends = "orphaned-backends"
)

func backendChannel(backendID string) string {
	return fmt.Sprintf("flotilla:events:%s", backendID)
}

// New builds an event for the given entity key (empty for global) with a
// JSON-encoded payload.
func New(key, kind string, payload interface{}) (types.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Key:       key,
		Kind:      kind,
		Payload:   data,
	}, nil
}

// Log appends events to the capped stream and fans them out over pub/sub.
// Delivery to subscribers is best effort; consumers must tolerate duplicates
// and reordering.
type Log struct {
	cache  *cache.Client
	maxLen int64
}

func NewLog(client *cache.Client, maxLen int64) *Log {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Log{cache: client, maxLen: maxLen}
}

// AppendTx queues the append and the fanout onto an existing pipeline, so a
// caller can commit an event atomically with the state change it records.
// Every event in the system is recorded alongside a state change, so this is
// the only append path.
func (l *Log) AppendTx(ctx context.Context, pipe redis.Pipeliner, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.Kind, err)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": data},
	})
	pipe.Publish(ctx, globalChannel, data)
	if ev.Key != "" {
		pipe.Publish(ctx, backendChannel(ev.Key), data)
	}
	return nil
}

// Subscribe returns the unfiltered live event stream. The returned cancel
// function closes the subscription; the channel closes shortly after.
func (l *Log) Subscribe(ctx context.Context) (<-chan types.Event, func()) {
	return l.subscribe(ctx, globalChannel)
}

// SubscribeBackend returns the live event stream for one backend, used to
// implement wait-until-Ready and wait-until-Terminated semantics.
func (l *Log) SubscribeBackend(ctx context.Context, backendID string) (<-chan types.Event, func()) {
	return l.subscribe(ctx, backendChannel(backendID))
}

func (l *Log) subscribe(ctx context.Context, channel string) (<-chan types.Event, func()) {
	sub := l.cache.GetClient().Subscribe(ctx, channel)
	out := make(chan types.Event, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}
