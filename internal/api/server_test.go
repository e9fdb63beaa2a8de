package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/mxu/internal/bridge"
	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/engine/enginetest"
	"github.com/xfeldman/mxu/internal/lifecycle"
)

func newTestServer(t *testing.T) (*httptest.Server, *bridge.State, *enginetest.Fake) {
	t.Helper()
	cfg := config.DefaultConfigAt(t.TempDir())
	require.NoError(t, cfg.EnsureDirs())

	f := enginetest.New()
	state := bridge.New(cfg)
	state.SetEngineOpener(func(string) (engine.Engine, error) { return f, nil })
	t.Cleanup(state.Shutdown)

	ts := httptest.NewServer(NewServer(state, cfg.SocketPath).Handler())
	t.Cleanup(ts.Close)
	return ts, state, f
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func adbConfig() engine.ControllerConfig {
	return engine.ControllerConfig{
		Type:             engine.ControllerAdb,
		AdbPath:          "adb",
		Address:          "127.0.0.1:5555",
		ScreencapMethods: "1",
		InputMethods:     "1",
	}
}

func TestStatusBeforeInit(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var st statusResponse
	resp := do(t, ts, "GET", "/v1/status", nil, &st)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", st.Status)
	assert.Empty(t, st.Engine)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestCommandNeedsInit(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, ts, "POST", "/v1/instances", map[string]string{"id": "a"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	resp = do(t, ts, "POST", "/v1/instances/a/connect", adbConfig(), &body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_initialized", body["kind"])
}

func TestRequestIDEchoed(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, err := http.NewRequest("GET", ts.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc", resp.Header.Get("X-Request-Id"))
}

func TestInstanceFlow(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var ver map[string]string
	resp := do(t, ts, "POST", "/v1/init", nil, &ver)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v0.0.0-fake", ver["version"])

	do(t, ts, "POST", "/v1/instances", map[string]string{"id": "a"}, nil)

	var conn map[string]engine.ID
	resp = do(t, ts, "POST", "/v1/instances/a/connect", adbConfig(), &conn)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotZero(t, conn["conn_id"])

	resp = do(t, ts, "POST", "/v1/instances/a/resource", map[string][]string{"paths": {"/res/base"}}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started map[string][]engine.ID
	resp = do(t, ts, "POST", "/v1/instances/a/tasks", startTasksRequest{
		Tasks: []lifecycle.Task{{Entry: "Start"}, {Entry: "Daily"}},
	}, &started)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, started["task_ids"], 2)

	var status map[string]string
	path := "/v1/instances/a/tasks/" + strconv.FormatInt(int64(started["task_ids"][0]), 10)
	do(t, ts, "GET", path, nil, &status)
	assert.Equal(t, "running", status["status"])
	do(t, ts, "POST", path+"/wait", nil, &status)
	assert.Equal(t, "succeeded", status["status"])

	var st map[string]any
	do(t, ts, "GET", "/v1/instances/a", nil, &st)
	assert.Equal(t, true, st["connected"])
	assert.Equal(t, true, st["resource_loaded"])
	assert.Equal(t, true, st["is_running"])

	resp = do(t, ts, "POST", "/v1/instances/a/stop", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, ts, "DELETE", "/v1/instances/a", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	resp = do(t, ts, "GET", "/v1/instances/a", nil, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])
}

func TestBadRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)
	do(t, ts, "POST", "/v1/init", nil, nil)
	do(t, ts, "POST", "/v1/instances", map[string]string{"id": "a"}, nil)

	resp := do(t, ts, "POST", "/v1/instances", map[string]string{"id": "../etc"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := adbConfig()
	bad.ScreencapMethods = "lots"
	var body map[string]string
	resp = do(t, ts, "POST", "/v1/instances/a/connect", bad, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_config", body["kind"])

	resp = do(t, ts, "GET", "/v1/instances/a/tasks/zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, "POST", "/v1/instances/a/tasks", startTasksRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDevicesCachedUntilScan(t *testing.T) {
	ts, _, f := newTestServer(t)
	do(t, ts, "POST", "/v1/init", nil, nil)
	f.Devices = []engine.AdbDevice{{Name: "Pixel", Address: "emulator-5554"}}

	var devices []engine.AdbDevice
	do(t, ts, "GET", "/v1/devices", nil, &devices)
	assert.Empty(t, devices)

	do(t, ts, "GET", "/v1/devices?scan=true", nil, &devices)
	require.Len(t, devices, 1)
	assert.Equal(t, "Pixel", devices[0].Name)

	devices = nil
	do(t, ts, "GET", "/v1/devices", nil, &devices)
	assert.Len(t, devices, 1)
}

func TestEventsStream(t *testing.T) {
	ts, state, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	state.Bus.Emit("download-progress", map[string]int{"bytes": 10})

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	require.NoError(t, err)
	var msg struct {
		Name    string         `json:"name"`
		Payload map[string]int `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(line, &msg))
	assert.Equal(t, "download-progress", msg.Name)
	assert.Equal(t, 10, msg.Payload["bytes"])
}

func TestAgentLogs(t *testing.T) {
	ts, state, _ := newTestServer(t)

	resp := do(t, ts, "GET", "/v1/instances/a/logs", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	il := state.Logs.GetOrCreate("a")
	il.Append("stdout", "first")
	il.Append("stderr", "second")

	resp, err := http.Get(ts.URL + "/v1/instances/a/logs?tail=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	require.NoError(t, err)
	var e struct {
		Stream string `json:"stream"`
		Line   string `json:"line"`
	}
	require.NoError(t, json.Unmarshal(line, &e))
	assert.Equal(t, "stderr", e.Stream)
	assert.Equal(t, "second", e.Line)
}
