package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/flotilla-io/flotilla/src/backend"
	"github.com/flotilla-io/flotilla/src/connect"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantKind   string
	}{
		{connect.ErrNoClusterProvided, http.StatusBadRequest, "NoClusterProvided"},
		{connect.ErrKeyUnheldNoSpawnConfig, http.StatusConflict, "KeyUnheldNoSpawnConfig"},
		{&connect.KeyHeldError{BackendID: "b-1", Tag: "t1"}, http.StatusConflict, "KeyHeld"},
		{connect.ErrKeyHeldUnhealthy, http.StatusInternalServerError, "KeyHeldUnhealthy"},
		{connect.ErrNoDroneAvailable, http.StatusInternalServerError, "NoDroneAvailable"},
		{connect.ErrFailedToAcquireKey, http.StatusInternalServerError, "FailedToAcquireKey"},
		{connect.ErrFailedToRemoveKey, http.StatusConflict, "FailedToRemoveKey"},
		{backend.ErrUnknownBackend, http.StatusNotFound, "UnknownBackend"},
		{errors.New("redis timeout"), http.StatusInternalServerError, "Other"},
	}
	for _, c := range cases {
		status, apiErr := classify(c.err)
		if status != c.wantStatus || apiErr.Kind != c.wantKind {
			t.Errorf("classify(%v) = (%d, %s), want (%d, %s)", c.err, status, apiErr.Kind, c.wantStatus, c.wantKind)
		}
		if apiErr.ID == "" {
			t.Errorf("classify(%v) produced no correlation id", c.err)
		}
	}
}

func TestClassifyWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("connect failed: %w", connect.ErrNoDroneAvailable)
	status, apiErr := classify(wrapped)
	if status != http.StatusInternalServerError || apiErr.Kind != "NoDroneAvailable" {
		t.Fatalf("wrapped error misclassified: (%d, %s)", status, apiErr.Kind)
	}
}

func TestClassifyKeyHeldSurfacesTag(t *testing.T) {
	_, apiErr := classify(&connect.KeyHeldError{BackendID: "b-1", Tag: "t1"})
	if !strings.Contains(apiErr.Message, "t1") {
		t.Fatalf("KeyHeld message must surface the existing tag, got %q", apiErr.Message)
	}
}

func TestClassifyHidesInternalDetail(t *testing.T) {
	_, apiErr := classify(errors.New("dial tcp 10.0.0.1:6379: connection refused"))
	if strings.Contains(apiErr.Message, "6379") {
		t.Fatalf("internal errors must be opaque, got %q", apiErr.Message)
	}
}
