package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xfeldman/mxu/internal/agent"
	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/lifecycle"
)

// DaemonStatus is the response of GET /v1/status.
type DaemonStatus struct {
	Status          string           `json:"status"`
	Engine          string           `json:"engine,omitempty"`
	Platform        *config.Platform `json:"platform"`
	Instances       int              `json:"instances"`
	Pooled          int              `json:"pooled_controllers"`
	DownloadSession uint64           `json:"download_session"`
}

// AllStates is every instance plus the last discovery results.
type AllStates struct {
	Instances      map[string]lifecycle.InstanceState `json:"instances"`
	AdbDevices     []engine.AdbDevice                 `json:"cached_adb_devices"`
	DesktopWindows []engine.DesktopWindow             `json:"cached_win32_windows"`
}

// StartTasksRequest is the body of POST /v1/instances/{id}/tasks.
type StartTasksRequest struct {
	Tasks []lifecycle.Task `json:"tasks"`
	Agent *agent.Config    `json:"agent,omitempty"`
	Cwd   string           `json:"cwd,omitempty"`
}

// Download is one row of the download history.
type Download struct {
	ID         int64     `json:"id"`
	SessionID  uint64    `json:"session_id"`
	URL        string    `json:"url"`
	Path       string    `json:"path"`
	Bytes      int64     `json:"bytes"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Event is one message from the daemon's event stream.
type Event struct {
	Time    time.Time       `json:"ts"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return e.Message
}
