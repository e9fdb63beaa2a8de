// Package api serves the mxud command surface over HTTP on a unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/xfeldman/mxu/internal/bridge"
	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/errdefs"
)

// Server is the mxud HTTP API server.
type Server struct {
	state      *bridge.State
	socketPath string
	mux        *http.ServeMux
	server     *http.Server
	ln         net.Listener
}

// NewServer creates a new API server over state.
func NewServer(state *bridge.State, socketPath string) *Server {
	s := &Server{
		state:      state,
		socketPath: socketPath,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: withRequestID(s.mux)}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/init", s.handleInit)

	s.mux.HandleFunc("GET /v1/instances", s.handleListInstances)
	s.mux.HandleFunc("POST /v1/instances", s.handleCreateInstance)
	s.mux.HandleFunc("GET /v1/instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("DELETE /v1/instances/{id}", s.handleDeleteInstance)
	s.mux.HandleFunc("POST /v1/instances/{id}/connect", s.handleConnect)
	s.mux.HandleFunc("GET /v1/instances/{id}/connection", s.handleConnectionStatus)
	s.mux.HandleFunc("POST /v1/instances/{id}/resource", s.handleLoadResource)
	s.mux.HandleFunc("GET /v1/instances/{id}/resource", s.handleResourceLoaded)
	s.mux.HandleFunc("DELETE /v1/instances/{id}/resource", s.handleDestroyResource)
	s.mux.HandleFunc("POST /v1/instances/{id}/tasks", s.handleStartTasks)
	s.mux.HandleFunc("GET /v1/instances/{id}/tasks/{task}", s.handleTaskStatus)
	s.mux.HandleFunc("POST /v1/instances/{id}/tasks/{task}/wait", s.handleWaitTask)
	s.mux.HandleFunc("POST /v1/instances/{id}/tasks/{task}/override", s.handleOverride)
	s.mux.HandleFunc("POST /v1/instances/{id}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/instances/{id}/agent/stop", s.handleStopAgent)
	s.mux.HandleFunc("POST /v1/instances/{id}/screencap", s.handleScreencap)
	s.mux.HandleFunc("GET /v1/instances/{id}/image", s.handleCachedImage)
	s.mux.HandleFunc("GET /v1/instances/{id}/logs", s.handleAgentLogs)

	s.mux.HandleFunc("GET /v1/devices", s.handleDevices)
	s.mux.HandleFunc("GET /v1/windows", s.handleWindows)

	s.mux.HandleFunc("POST /v1/downloads", s.handleDownload)
	s.mux.HandleFunc("POST /v1/downloads/cancel", s.handleCancelDownload)
	s.mux.HandleFunc("GET /v1/downloads", s.handleDownloadHistory)

	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	os.Chmod(s.socketPath, 0600)

	log.Printf("mxud API listening on %s", s.socketPath)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// withRequestID tags every request with an id, echoing one the client sent.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Status          string           `json:"status"`
	Engine          string           `json:"engine,omitempty"`
	Platform        *config.Platform `json:"platform"`
	Instances       int              `json:"instances"`
	Pooled          int              `json:"pooled_controllers"`
	DownloadSession uint64           `json:"download_session"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ver, _ := s.state.Version()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:          "running",
		Engine:          ver,
		Platform:        s.state.Platform(),
		Instances:       len(s.state.Instances.List()),
		Pooled:          s.state.Pool.Len(),
		DownloadSession: s.state.Downloads.Session(),
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LibDir string `json:"lib_dir"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	ver, err := s.state.Init(req.LibDir)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": ver})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a command error to a status code by its kind.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrIO):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": errdefs.Kind(err)})
}

// decodeOptional decodes a JSON body if there is one. It writes the error
// response itself and reports false on malformed input.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// pathParam extracts a path parameter from the request.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// streamJSON writes newline-delimited JSON values to a flushing writer.
func streamJSON(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}

// isValidID checks if an instance ID string is safe.
func isValidID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return !strings.Contains(id, "..")
}
