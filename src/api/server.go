package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flotilla-io/flotilla/src/backend"
	"github.com/flotilla-io/flotilla/src/connect"
	"github.com/flotilla-io/flotilla/src/events"
	"github.com/flotilla-io/flotilla/src/node"
	"github.com/flotilla-io/flotilla/src/store"
	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils"
	"github.com/flotilla-io/flotilla/src/watchdog"
)

// Server is the JSON-over-HTTP control surface. It is thin glue: every
// handler delegates to the core components and maps errors to status codes.
type Server struct {
	connect  *connect.Service
	backends *backend.Registry
	nodes    *node.Registry
	store    *store.Store
	log      *events.Log
	watchdog *watchdog.Watchdog
	logger   *utils.StandardLogger
	addr     string
}

func NewServer(cs *connect.Service, backends *backend.Registry, nodes *node.Registry, st *store.Store, log *events.Log, wd *watchdog.Watchdog, logger *utils.StandardLogger, addr string) *Server {
	return &Server{
		connect:  cs,
		backends: backends,
		nodes:    nodes,
		store:    st,
		log:      log,
		watchdog: wd,
		logger:   logger,
		addr:     addr,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ctrl/connect", s.handleConnect)
	mux.HandleFunc("POST /ctrl/b/{backend}/terminate", s.handleTerminate)
	mux.HandleFunc("POST /ctrl/b/{backend}/keepalive", s.handleKeepalive)
	mux.HandleFunc("GET /ctrl/b/{backend}/status", s.handleBackendStatus)
	mux.HandleFunc("POST /ctrl/d/{cluster}/{drone}/drain", s.handleDrain)
	mux.HandleFunc("GET /ctrl/d/{cluster}/{drone}/termination-candidates", s.handleTerminationCandidates)
	mux.HandleFunc("DELETE /ctrl/k/{cluster}/{key}", s.handleReleaseKey)
	mux.HandleFunc("GET /ctrl/events", s.handleEvents)
	mux.HandleFunc("GET /ctrl/drones", s.handleListDrones)
	mux.HandleFunc("GET /ctrl/backends", s.handleListBackends)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("Control API listening", "addr", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorw("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, apiErr := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "error_id", apiErr.ID, "error", err)
	}
	s.writeJSON(w, status, apiErr)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req types.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, APIError{Kind: "BadRequest", Message: "Malformed connect request."})
		return
	}
	resp, err := s.connect.Connect(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	backendID := r.PathValue("backend")
	hard := r.URL.Query().Get("hard") == "true"
	if err := s.backends.Terminate(r.Context(), backendID, hard); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	if err := s.backends.Keepalive(r.Context(), r.PathValue("backend")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if err := s.nodes.Drain(r.Context(), r.PathValue("cluster"), r.PathValue("drone")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReleaseKey(w http.ResponseWriter, r *http.Request) {
	if err := s.connect.ReleaseKey(r.Context(), r.PathValue("cluster"), r.PathValue("key")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	clusterFilter := r.URL.Query().Get("cluster")

	clusters := []string{clusterFilter}
	if clusterFilter == "" {
		var err error
		clusters, err = s.store.ListClusters(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	drones := make([]types.NodeRow, 0)
	for _, cluster := range clusters {
		nodes, err := s.store.ListNodes(r.Context(), cluster)
		if err != nil {
			s.writeError(w, err)
			return
		}
		drones = append(drones, nodes...)
	}
	s.writeJSON(w, http.StatusOK, drones)
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	backends, err := s.store.ListBackends(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, backends)
}

func (s *Server) handleTerminationCandidates(w http.ResponseWriter, r *http.Request) {
	drone, err := s.store.GetNode(r.Context(), r.PathValue("cluster"), r.PathValue("drone"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if drone == nil {
		s.writeError(w, node.ErrNoSuchDrone)
		return
	}
	candidates, err := s.watchdog.CandidatesForDrone(r.Context(), drone.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, candidates)
}

// handleEvents streams the global event feed as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, cancel := s.log.Subscribe(r.Context())
	defer cancel()
	s.streamEvents(w, r, ch, nil)
}

// handleBackendStatus streams one backend's status reports. The stored
// status is sent first so a caller waiting on an already-Ready backend is
// not left hanging for an event that will never come.
func (s *Server) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	backendID := r.PathValue("backend")
	ch, cancel, row, err := openStatusStream(
		func() (<-chan types.Event, func()) { return s.log.SubscribeBackend(r.Context(), backendID) },
		func() (*types.BackendRow, error) { return s.store.GetBackend(r.Context(), backendID) },
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if row == nil {
		s.writeError(w, backend.ErrUnknownBackend)
		return
	}
	defer cancel()

	current, err := events.New(backendID, events.KindBackendStatus, types.StatusReport{
		BackendID: backendID,
		Status:    row.Status,
		Time:      row.LastStatusTime,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.streamEvents(w, r, ch, &current)
}

// openStatusStream attaches the subscription before reading the stored row, so
// a status committed between the two is delivered on the channel instead of
// lost. The snapshot goes out as the first frame; consumers apply statuses
// monotonically, so the possible duplicate is harmless.
func openStatusStream(subscribe func() (<-chan types.Event, func()), get func() (*types.BackendRow, error)) (<-chan types.Event, func(), *types.BackendRow, error) {
	ch, cancel := subscribe()
	row, err := get()
	if err != nil || row == nil {
		cancel()
		return nil, func() {}, nil, err
	}
	return ch, cancel, row, nil
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan types.Event, first *types.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, APIError{Kind: "Other", Message: "Streaming unsupported."})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(ev types.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if first != nil && !write(*first) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !write(ev) {
				return
			}
		}
	}
}
