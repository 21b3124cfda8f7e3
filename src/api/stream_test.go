package api

import (
	"errors"
	"testing"

	"github.com/flotilla-io/flotilla/src/types"
)

// A status committed between the snapshot read and the subscription attach
// must not be lost, so the subscription has to come first.
func TestStatusStreamSubscribesBeforeSnapshotRead(t *testing.T) {
	var order []string
	cancelled := false
	events := make(chan types.Event)

	ch, cancel, row, err := openStatusStream(
		func() (<-chan types.Event, func()) {
			order = append(order, "subscribe")
			return events, func() { cancelled = true }
		},
		func() (*types.BackendRow, error) {
			order = append(order, "read")
			return &types.BackendRow{ID: "b-1", Status: types.BackendStarting}, nil
		},
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(order) != 2 || order[0] != "subscribe" || order[1] != "read" {
		t.Fatalf("subscription must attach before the snapshot read, got %v", order)
	}
	if row == nil || row.ID != "b-1" {
		t.Fatalf("snapshot row not returned: %+v", row)
	}
	if ch == nil || cancelled {
		t.Fatal("stream must stay open for a live backend")
	}
	cancel()
	if !cancelled {
		t.Fatal("cancel must close the subscription")
	}
}

func TestStatusStreamClosesSubscriptionOnUnknownBackend(t *testing.T) {
	cancelled := false
	_, _, row, err := openStatusStream(
		func() (<-chan types.Event, func()) {
			return make(chan types.Event), func() { cancelled = true }
		},
		func() (*types.BackendRow, error) { return nil, nil },
	)
	if err != nil || row != nil {
		t.Fatalf("expected nil row without error, got (%+v, %v)", row, err)
	}
	if !cancelled {
		t.Fatal("subscription must be closed when the backend does not exist")
	}
}

func TestStatusStreamClosesSubscriptionOnReadError(t *testing.T) {
	cancelled := false
	readErr := errors.New("read failed")
	_, _, _, err := openStatusStream(
		func() (<-chan types.Event, func()) {
			return make(chan types.Event), func() { cancelled = true }
		},
		func() (*types.BackendRow, error) { return nil, readErr },
	)
	if !errors.Is(err, readErr) {
		t.Fatalf("expected the read error surfaced, got %v", err)
	}
	if !cancelled {
		t.Fatal("subscription must be closed when the snapshot read fails")
	}
}
