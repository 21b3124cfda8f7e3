package connect

import (
	"errors"
	"fmt"
)

// Typed connect failures. Everything is detected at the transaction boundary
// and returned as one of these; nothing is swallowed or retried internally.
var (
	// ErrNoClusterProvided: the request named no cluster and the controller
	// has no default.
	ErrNoClusterProvided = errors.New("no cluster provided, and no default cluster for this controller")
	// ErrKeyUnheldNoSpawnConfig: a backend would have to be created but the
	// request carried no spawn config.
	ErrKeyUnheldNoSpawnConfig = errors.New("key is unheld but no spawn config was provided")
	// ErrKeyHeldUnhealthy: the lock is held by a backend that is past Ready
	// but not yet cleaned up. Callers retry once the reclaim completes.
	ErrKeyHeldUnhealthy = errors.New("key is held but the holding backend is unhealthy")
	// ErrNoDroneAvailable: no eligible drone in the target cluster. The
	// whole transaction rolls back, so the key is never left dangling.
	ErrNoDroneAvailable = errors.New("no active drone available")
	// ErrFailedToAcquireKey: the store transaction conflicted with a
	// concurrent connect racing the same lock row. Retryable.
	ErrFailedToAcquireKey = errors.New("failed to acquire key")
	// ErrFailedToRemoveKey: the store failed to delete a lock row.
	ErrFailedToRemoveKey = errors.New("failed to remove key")
)

// KeyHeldError is returned when the lock is held by a healthy backend under a
// different tag. The existing tag is surfaced so the caller can tell someone
// else's session from a retry of its own.
type KeyHeldError struct {
	BackendID string
	Tag       string
}

func (e *KeyHeldError) Error() string {
	return fmt.Sprintf("key is held by backend %s with tag %q", e.BackendID, e.Tag)
}
