package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/xfeldman/mxu/internal/agent"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/lifecycle"
)

// instanceID validates the {id} path value, writing a 400 when it is unusable.
func instanceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return "", false
	}
	return id, true
}

func taskID(w http.ResponseWriter, r *http.Request) (engine.ID, bool) {
	n, err := strconv.ParseInt(pathParam(r, "task"), 10, 64)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return engine.InvalidID, false
	}
	return engine.ID(n), true
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	all, err := s.state.AllStates()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if !isValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	if err := s.state.CreateInstance(req.ID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	st, err := s.state.InstanceState(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	if err := s.state.DestroyInstance(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	var cfg engine.ControllerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	connID, err := s.state.Connect(id, cfg)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]engine.ID{"conn_id": connID})
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	st, err := s.state.ConnectionStatus(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]lifecycle.ConnectionStatus{"status": st})
}

func (s *Server) handleLoadResource(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	ids, err := s.state.LoadResource(id, req.Paths)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string][]engine.ID{"res_ids": ids})
}

func (s *Server) handleResourceLoaded(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	loaded, err := s.state.IsResourceLoaded(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loaded": loaded})
}

func (s *Server) handleDestroyResource(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	if err := s.state.DestroyResource(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

type startTasksRequest struct {
	Tasks []lifecycle.Task `json:"tasks"`
	Agent *agent.Config    `json:"agent,omitempty"`
	Cwd   string           `json:"cwd,omitempty"`
}

func (s *Server) handleStartTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	var req startTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "tasks is required")
		return
	}
	ids, err := s.state.StartTasks(r.Context(), id, req.Tasks, req.Agent, req.Cwd)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string][]engine.ID{"task_ids": ids})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	tid, ok := taskID(w, r)
	if !ok {
		return
	}
	st, err := s.state.TaskStatus(id, tid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]engine.Status{"status": st})
}

func (s *Server) handleWaitTask(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	tid, ok := taskID(w, r)
	if !ok {
		return
	}
	st, err := s.state.WaitTask(id, tid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]engine.Status{"status": st})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	tid, ok := taskID(w, r)
	if !ok {
		return
	}
	var req struct {
		PipelineOverride string `json:"pipeline_override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	applied, err := s.state.OverridePipeline(id, tid, req.PipelineOverride)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	if err := s.state.Stop(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	if err := s.state.StopAgent(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleScreencap(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	capID, err := s.state.PostScreencap(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]engine.ID{"screencap_id": capID})
}

func (s *Server) handleCachedImage(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	url, err := s.state.CachedImage(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"image": url})
}

// handleAgentLogs returns the instance's agent output as NDJSON. rotated=true
// prepends the compressed previous segment; follow=true keeps streaming.
func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	il := s.state.Logs.Get(id)
	if il == nil {
		writeError(w, http.StatusNotFound, "no agent log for instance")
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	if r.URL.Query().Get("rotated") == "true" {
		old, err := il.ReadRotated()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("api: read rotated log of %s: %v", id, err)
		}
		for _, e := range old {
			streamJSON(w, e)
		}
	}

	if r.URL.Query().Get("follow") != "true" {
		for _, e := range il.Read(time.Time{}, tail) {
			streamJSON(w, e)
		}
		return
	}

	ch, existing, unsub := il.Subscribe()
	defer unsub()
	if tail > 0 && len(existing) > tail {
		existing = existing[len(existing)-tail:]
	}
	for _, e := range existing {
		streamJSON(w, e)
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := streamJSON(w, e); err != nil {
				return
			}
		}
	}
}
