package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/flotilla-io/flotilla/src/backend"
	"github.com/flotilla-io/flotilla/src/connect"
	"github.com/flotilla-io/flotilla/src/node"
)

// APIError is the JSON error body. ID correlates the response with server
// logs; Kind is the machine-readable error class.
type APIError struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// classify maps an error to its HTTP status, kind and user-facing message.
// Store and serialization faults collapse to an opaque internal error so
// storage details never leak to callers.
func classify(err error) (int, APIError) {
	id := uuid.New().String()

	var keyHeld *connect.KeyHeldError
	switch {
	case errors.Is(err, connect.ErrNoClusterProvided):
		return http.StatusBadRequest, APIError{id, "NoClusterProvided", "No cluster provided, and no default cluster for this controller."}
	case errors.Is(err, connect.ErrKeyUnheldNoSpawnConfig):
		return http.StatusConflict, APIError{id, "KeyUnheldNoSpawnConfig", "Lock is unheld but no spawn config was provided."}
	case errors.As(err, &keyHeld):
		return http.StatusConflict, APIError{id, "KeyHeld", "Lock is held but tag does not match (existing tag: " + keyHeld.Tag + ")."}
	case errors.Is(err, connect.ErrKeyHeldUnhealthy):
		return http.StatusInternalServerError, APIError{id, "KeyHeldUnhealthy", "Lock is held but unhealthy."}
	case errors.Is(err, connect.ErrNoDroneAvailable):
		return http.StatusInternalServerError, APIError{id, "NoDroneAvailable", "No active drone available."}
	case errors.Is(err, connect.ErrFailedToAcquireKey):
		return http.StatusInternalServerError, APIError{id, "FailedToAcquireKey", "Failed to acquire lock."}
	case errors.Is(err, connect.ErrFailedToRemoveKey):
		return http.StatusConflict, APIError{id, "FailedToRemoveKey", "Failed to remove lock."}
	case errors.Is(err, backend.ErrUnknownBackend):
		return http.StatusNotFound, APIError{id, "UnknownBackend", "No such backend."}
	case errors.Is(err, node.ErrNoSuchDrone):
		return http.StatusNotFound, APIError{id, "NoSuchDrone", "No such drone."}
	default:
		return http.StatusInternalServerError, APIError{id, "Other", "Internal error."}
	}
}
