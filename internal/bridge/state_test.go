package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/download"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/engine/enginetest"
	"github.com/xfeldman/mxu/internal/errdefs"
	"github.com/xfeldman/mxu/internal/lifecycle"
	"github.com/xfeldman/mxu/internal/registry"
)

func newTestState(t *testing.T) (*State, *enginetest.Fake, *registry.DB) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfigAt(root)
	require.NoError(t, cfg.EnsureDirs())

	reg, err := registry.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	f := enginetest.New()
	s := New(cfg)
	s.SetRegistry(reg)
	s.SetEngineOpener(func(string) (engine.Engine, error) { return f, nil })
	t.Cleanup(s.Shutdown)
	return s, f, reg
}

func adbConfig() engine.ControllerConfig {
	return engine.ControllerConfig{
		Type:             engine.ControllerAdb,
		AdbPath:          "adb",
		Address:          "emulator-5554",
		ScreencapMethods: "1",
		InputMethods:     "1",
	}
}

func TestCommandsBeforeInit(t *testing.T) {
	s, _, _ := newTestState(t)

	_, err := s.Version()
	assert.True(t, errors.Is(err, errdefs.ErrNotInitialized))

	require.NoError(t, s.CreateInstance("a"))
	_, err = s.Connect("a", adbConfig())
	assert.True(t, errors.Is(err, errdefs.ErrNotInitialized))

	_, err = s.FindAdbDevices()
	assert.True(t, errors.Is(err, errdefs.ErrNotInitialized))

	all, err := s.AllStates()
	require.NoError(t, err)
	assert.Contains(t, all.Instances, "a")
	assert.NotNil(t, all.CachedAdbDevices)
}

func TestInitIsIdempotent(t *testing.T) {
	s, _, _ := newTestState(t)
	calls := 0
	f := enginetest.New()
	s.SetEngineOpener(func(string) (engine.Engine, error) {
		calls++
		return f, nil
	})

	v1, err := s.Init("")
	require.NoError(t, err)
	v2, err := s.Init("/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestInitFailure(t *testing.T) {
	s, _, _ := newTestState(t)
	s.SetEngineOpener(func(dir string) (engine.Engine, error) {
		return nil, errors.New("libMaaFramework.so: cannot open shared object file")
	})
	_, err := s.Init("/opt/maafw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/opt/maafw")

	_, err = s.Version()
	assert.True(t, errors.Is(err, errdefs.ErrNotInitialized))
}

func TestPanicBecomesError(t *testing.T) {
	s, _, _ := newTestState(t)
	s.SetEngineOpener(func(string) (engine.Engine, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	})
	_, err := s.Init("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init: internal error")

	// The state keeps working after a recovered panic.
	require.NoError(t, s.CreateInstance("a"))
}

func TestInstancesArePersisted(t *testing.T) {
	s, _, reg := newTestState(t)
	_, err := s.Init("")
	require.NoError(t, err)

	require.NoError(t, s.CreateInstance("a"))
	_, err = s.Connect("a", adbConfig())
	require.NoError(t, err)
	_, err = s.LoadResource("a", []string{"/res"})
	require.NoError(t, err)
	ids, err := s.StartTasks(context.Background(), "a", []lifecycle.Task{{Entry: "Start"}}, nil, "")
	require.NoError(t, err)

	saved, err := reg.GetInstance("a")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "Adb", saved.ControllerType)
	assert.NotEmpty(t, saved.Fingerprint)
	assert.Equal(t, []int64{int64(ids[0])}, saved.TaskIDs)

	st, err := s.TaskStatus("a", ids[0])
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, st)

	require.NoError(t, s.DestroyInstance("a"))
	saved, err = reg.GetInstance("a")
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestDiscoveryCachesInAllStates(t *testing.T) {
	s, f, _ := newTestState(t)
	f.Devices = []engine.AdbDevice{{Name: "LDPlayer", AdbPath: "adb", Address: "127.0.0.1:5555"}}
	f.Windows = []engine.DesktopWindow{{Handle: 42, ClassName: "UnityWndClass", WindowName: "Game"}}
	_, err := s.Init("")
	require.NoError(t, err)

	_, err = s.FindAdbDevices()
	require.NoError(t, err)
	_, err = s.FindDesktopWindows("Unity", "")
	require.NoError(t, err)

	all, err := s.AllStates()
	require.NoError(t, err)
	assert.Equal(t, f.Devices, all.CachedAdbDevices)
	assert.Equal(t, f.Windows, all.CachedDesktopWindows)
	assert.Equal(t, f.Devices, s.CachedAdbDevices())
}

func TestDownloadIsRecorded(t *testing.T) {
	s, _, _ := newTestState(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "pkg.zip")
	res, err := s.Download(context.Background(), download.Request{URL: srv.URL + "/pkg.zip", Path: target})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Bytes)

	history, err := s.DownloadHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0].Status)
	assert.Equal(t, res.SessionID, history[0].SessionID)

	require.NoError(t, s.CancelDownload(target))
}
