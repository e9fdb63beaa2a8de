// Package client talks to the mxud HTTP API over its unix socket. The CLI
// and the UI use it instead of dialing the socket themselves.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/download"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/lifecycle"
)

// Client talks to mxud over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the mxud unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 0, // no timeout for streaming
		},
		baseURL: "http://mxu",
	}
}

// NewDefault creates a client for the socket in the default config.
func NewDefault() *Client {
	return New(config.DefaultConfig().SocketPath)
}

// --- Daemon ---

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Init loads the engine from libDir, or the daemon's configured directory
// when libDir is empty, and returns its version.
func (c *Client) Init(ctx context.Context, libDir string) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, "POST", "/v1/init", map[string]string{"lib_dir": libDir}, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// --- Instances ---

// AllStates returns every instance and the cached discovery results.
func (c *Client) AllStates(ctx context.Context) (*AllStates, error) {
	var out AllStates
	if err := c.doJSON(ctx, "GET", "/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstance returns the state of one instance.
func (c *Client) GetInstance(ctx context.Context, id string) (*lifecycle.InstanceState, error) {
	var out lifecycle.InstanceState
	if err := c.doJSON(ctx, "GET", instancePath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateInstance registers a new instance. Creating an existing id is a no-op.
func (c *Client) CreateInstance(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", "/v1/instances", map[string]string{"id": id}, nil)
}

// DeleteInstance tears an instance down.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", instancePath(id), nil, nil)
}

// Connect attaches the instance to a controller and returns the connect id.
func (c *Client) Connect(ctx context.Context, id string, cfg engine.ControllerConfig) (int64, error) {
	var out struct {
		ConnID int64 `json:"conn_id"`
	}
	if err := c.doJSON(ctx, "POST", instancePath(id)+"/connect", cfg, &out); err != nil {
		return 0, err
	}
	return out.ConnID, nil
}

// LoadResource posts resource bundles and returns the accepted ids.
func (c *Client) LoadResource(ctx context.Context, id string, paths []string) ([]int64, error) {
	var out struct {
		ResIDs []int64 `json:"res_ids"`
	}
	if err := c.doJSON(ctx, "POST", instancePath(id)+"/resource", map[string][]string{"paths": paths}, &out); err != nil {
		return nil, err
	}
	return out.ResIDs, nil
}

// DestroyResource drops the instance's resource and tasker.
func (c *Client) DestroyResource(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", instancePath(id)+"/resource", nil, nil)
}

// StartTasks posts a batch of tasks and returns the accepted ids.
func (c *Client) StartTasks(ctx context.Context, id string, req StartTasksRequest) ([]int64, error) {
	var out struct {
		TaskIDs []int64 `json:"task_ids"`
	}
	if err := c.doJSON(ctx, "POST", instancePath(id)+"/tasks", req, &out); err != nil {
		return nil, err
	}
	return out.TaskIDs, nil
}

// TaskStatus returns the status name of a task.
func (c *Client) TaskStatus(ctx context.Context, id string, taskID int64) (string, error) {
	return c.status(ctx, "GET", taskPath(id, taskID))
}

// WaitTask blocks until a task completes and returns its status name.
func (c *Client) WaitTask(ctx context.Context, id string, taskID int64) (string, error) {
	return c.status(ctx, "POST", taskPath(id, taskID)+"/wait")
}

func (c *Client) status(ctx context.Context, method, path string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, method, path, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Stop posts a stop for the instance's running tasks.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", instancePath(id)+"/stop", nil, nil)
}

// StopAgent disconnects the instance's agent and kills its child.
func (c *Client) StopAgent(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", instancePath(id)+"/agent/stop", nil, nil)
}

// --- Discovery ---

// Devices returns ADB devices, scanning again when scan is set.
func (c *Client) Devices(ctx context.Context, scan bool) ([]engine.AdbDevice, error) {
	path := "/v1/devices"
	if scan {
		path += "?scan=true"
	}
	var out []engine.AdbDevice
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Windows returns desktop windows. The regex filters only apply on a scan.
func (c *Client) Windows(ctx context.Context, scan bool, classRegex, windowRegex string) ([]engine.DesktopWindow, error) {
	q := url.Values{}
	if scan {
		q.Set("scan", "true")
		q.Set("class", classRegex)
		q.Set("window", windowRegex)
	}
	path := "/v1/windows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []engine.DesktopWindow
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Downloads ---

// Download runs a download on the daemon and waits for it to finish.
func (c *Client) Download(ctx context.Context, req download.Request) (*download.Result, error) {
	var out download.Result
	if err := c.doJSON(ctx, "POST", "/v1/downloads", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelDownload cancels the active download.
func (c *Client) CancelDownload(ctx context.Context, path string) error {
	return c.doJSON(ctx, "POST", "/v1/downloads/cancel", map[string]string{"path": path}, nil)
}

// DownloadHistory returns up to limit past downloads, newest first.
func (c *Client) DownloadHistory(ctx context.Context, limit int) ([]Download, error) {
	var out []Download
	if err := c.doJSON(ctx, "GET", "/v1/downloads?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Events ---

// Events streams daemon events into fn until ctx ends or the stream closes.
func (c *Client) Events(ctx context.Context, fn func(Event)) error {
	resp, err := c.doRaw(ctx, "GET", "/v1/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// --- Internal helpers ---

func instancePath(id string) string {
	return "/v1/instances/" + url.PathEscape(id)
}

func taskPath(id string, taskID int64) string {
	return instancePath(id) + "/tasks/" + strconv.FormatInt(taskID, 10)
}

// doJSON makes a JSON request and decodes the JSON response into result.
// If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response.
// Caller is responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Kind: errResp.Kind, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
