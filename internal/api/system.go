package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/xfeldman/mxu/internal/download"
)

// handleDevices returns ADB devices. With scan=true the engine is asked
// again, otherwise the last scan is returned.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scan") != "true" {
		writeJSON(w, http.StatusOK, s.state.CachedAdbDevices())
		return
	}
	devices, err := s.state.FindAdbDevices()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("scan") != "true" {
		writeJSON(w, http.StatusOK, s.state.CachedDesktopWindows())
		return
	}
	windows, err := s.state.FindDesktopWindows(q.Get("class"), q.Get("window"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

// handleDownload runs a download to completion. Progress is published on
// the event stream while the request is open.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req download.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.URL == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "url and path are required")
		return
	}
	res, err := s.state.Download(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	if err := s.state.CancelDownload(req.Path); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDownloadHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.state.DownloadHistory(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleEvents streams every bus event as NDJSON until the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.state.Bus.Subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := streamJSON(w, msg); err != nil {
				return
			}
		}
	}
}
