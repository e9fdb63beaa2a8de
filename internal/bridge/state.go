// Package bridge is the command surface shared by the desktop app and the
// daemon API. State is built once per process and owns every long-lived
// structure; each command is a method returning a value or a one-line error.
package bridge

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"

	"github.com/xfeldman/mxu/internal/agent"
	"github.com/xfeldman/mxu/internal/config"
	"github.com/xfeldman/mxu/internal/discovery"
	"github.com/xfeldman/mxu/internal/download"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/engine/maafw"
	"github.com/xfeldman/mxu/internal/events"
	"github.com/xfeldman/mxu/internal/lifecycle"
	"github.com/xfeldman/mxu/internal/logstore"
	"github.com/xfeldman/mxu/internal/pool"
	"github.com/xfeldman/mxu/internal/registry"
	"github.com/xfeldman/mxu/internal/version"
)

// downloadHistoryKeep bounds the download history table.
const downloadHistoryKeep = 200

// EngineOpener loads an engine from a library directory.
type EngineOpener func(libDir string) (engine.Engine, error)

func openMaaFramework(libDir string) (engine.Engine, error) {
	e, err := maafw.Open(libDir)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// State is the process-wide context behind every command.
type State struct {
	cfg      *config.Config
	platform *config.Platform

	Bus       *events.Bus
	Pool      *pool.Pool
	Logs      *logstore.Store
	Instances *lifecycle.Manager
	Discovery *discovery.Scanner
	Downloads *download.Manager

	registry *registry.DB // nil when running without persistence

	initMu sync.Mutex
	opener EngineOpener
	eng    engine.Engine
}

// New builds the state for cfg. Nothing native is loaded until Init.
func New(cfg *config.Config) *State {
	bus := events.NewBus()
	p := pool.New()
	logs := logstore.NewStore(cfg.LogsDir)

	inst := lifecycle.NewManager(p, logs, bus)
	inst.SetShortSide(cfg.ScreenshotShortSide)
	inst.SetAgentPath(cfg.AgentBinaryDir)
	inst.SetAgentTimeout(cfg.AgentTimeout)

	dl := download.NewManager(download.Options{
		BackupDir:        cfg.BackupDir,
		UserAgent:        version.UserAgent(),
		Timeout:          cfg.Download.Timeout,
		ConnectTimeout:   cfg.Download.ConnectTimeout,
		Retries:          cfg.Download.Retries,
		ProgressInterval: cfg.Download.ProgressInterval,
		BufferSize:       cfg.Download.BufferSize,
	}, bus)

	s := &State{
		cfg:       cfg,
		platform:  config.DetectPlatform(),
		Bus:       bus,
		Pool:      p,
		Logs:      logs,
		Instances: inst,
		Discovery: discovery.NewScanner(inst.Engine),
		Downloads: dl,
		opener:    openMaaFramework,
	}
	inst.OnChange(s.persistInstance)
	dl.OnFinish = s.recordDownload
	return s
}

// SetRegistry enables persistence of instances and download history.
func (s *State) SetRegistry(reg *registry.DB) {
	s.registry = reg
}

// SetEngineOpener replaces how Init loads the engine.
func (s *State) SetEngineOpener(fn EngineOpener) {
	s.opener = fn
}

// recovered turns a panic inside a command into an ordinary error so one
// bad call cannot take the process down.
func recovered(op string, err *error) {
	if r := recover(); r != nil {
		log.Printf("bridge: %s panicked: %v\n%s", op, r, debug.Stack())
		*err = fmt.Errorf("%s: internal error: %v", op, r)
	}
}

// Init loads the engine from libDir (the configured directory when empty)
// and returns its version. Calling Init again returns the loaded version.
func (s *State) Init(libDir string) (ver string, err error) {
	defer recovered("init", &err)

	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.eng != nil {
		return s.eng.Version(), nil
	}
	if libDir == "" {
		libDir = s.cfg.LibDir
	}
	eng, err := s.opener(libDir)
	if err != nil {
		return "", fmt.Errorf("load engine from %s: %w", libDir, err)
	}
	s.eng = eng
	s.Instances.SetEngine(eng)
	return eng.Version(), nil
}

// Version returns the engine version.
func (s *State) Version() (string, error) {
	eng, err := s.Instances.Engine()
	if err != nil {
		return "", err
	}
	return eng.Version(), nil
}

// Platform reports the host platform.
func (s *State) Platform() *config.Platform {
	return s.platform
}

func (s *State) CreateInstance(id string) (err error) {
	defer recovered("create instance", &err)
	s.Instances.Create(id)
	return nil
}

func (s *State) DestroyInstance(id string) (err error) {
	defer recovered("destroy instance", &err)
	return s.Instances.Destroy(id)
}

func (s *State) Connect(id string, cfg engine.ControllerConfig) (connID engine.ID, err error) {
	defer recovered("connect", &err)
	return s.Instances.Connect(id, cfg)
}

func (s *State) ConnectionStatus(id string) (st lifecycle.ConnectionStatus, err error) {
	defer recovered("connection status", &err)
	return s.Instances.ConnectionStatus(id)
}

func (s *State) LoadResource(id string, paths []string) (ids []engine.ID, err error) {
	defer recovered("load resource", &err)
	return s.Instances.LoadResource(id, paths)
}

func (s *State) IsResourceLoaded(id string) (loaded bool, err error) {
	defer recovered("is resource loaded", &err)
	return s.Instances.IsResourceLoaded(id)
}

func (s *State) DestroyResource(id string) (err error) {
	defer recovered("destroy resource", &err)
	return s.Instances.DestroyResource(id)
}

func (s *State) RunTask(id, entry, override string) (taskID engine.ID, err error) {
	defer recovered("run task", &err)
	return s.Instances.RunTask(id, entry, override)
}

// StartTasks posts tasks, starting agentCfg first when set. The agent's
// executable is resolved against cwd, the process working directory when empty.
func (s *State) StartTasks(ctx context.Context, id string, tasks []lifecycle.Task, agentCfg *agent.Config, cwd string) (ids []engine.ID, err error) {
	defer recovered("start tasks", &err)
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	return s.Instances.StartTasks(ctx, id, tasks, agentCfg, cwd)
}

func (s *State) Stop(id string) (err error) {
	defer recovered("stop", &err)
	return s.Instances.Stop(id)
}

func (s *State) StopAgent(id string) (err error) {
	defer recovered("stop agent", &err)
	return s.Instances.StopAgent(id)
}

func (s *State) TaskStatus(id string, taskID engine.ID) (st engine.Status, err error) {
	defer recovered("task status", &err)
	return s.Instances.TaskStatus(id, taskID)
}

func (s *State) WaitTask(id string, taskID engine.ID) (st engine.Status, err error) {
	defer recovered("wait task", &err)
	return s.Instances.WaitTask(id, taskID)
}

func (s *State) IsRunning(id string) (running bool, err error) {
	defer recovered("is running", &err)
	return s.Instances.IsRunning(id)
}

func (s *State) OverridePipeline(id string, taskID engine.ID, override string) (ok bool, err error) {
	defer recovered("override pipeline", &err)
	return s.Instances.OverridePipeline(id, taskID, override)
}

func (s *State) PostScreencap(id string) (capID engine.ID, err error) {
	defer recovered("post screencap", &err)
	return s.Instances.PostScreencap(id)
}

func (s *State) CachedImage(id string) (url string, err error) {
	defer recovered("cached image", &err)
	return s.Instances.CachedImage(id)
}

func (s *State) InstanceState(id string) (st lifecycle.InstanceState, err error) {
	defer recovered("instance state", &err)
	return s.Instances.InstanceState(id)
}

// AllStates is everything the UI needs to restore itself after a reload.
type AllStates struct {
	Instances            map[string]lifecycle.InstanceState `json:"instances"`
	CachedAdbDevices     []engine.AdbDevice                 `json:"cached_adb_devices"`
	CachedDesktopWindows []engine.DesktopWindow             `json:"cached_win32_windows"`
}

func (s *State) AllStates() (all AllStates, err error) {
	defer recovered("all states", &err)
	return AllStates{
		Instances:            s.Instances.States(),
		CachedAdbDevices:     s.Discovery.CachedAdbDevices(),
		CachedDesktopWindows: s.Discovery.CachedDesktopWindows(),
	}, nil
}

func (s *State) FindAdbDevices() (devices []engine.AdbDevice, err error) {
	defer recovered("find adb devices", &err)
	return s.Discovery.FindAdbDevices()
}

func (s *State) FindDesktopWindows(classRegex, windowRegex string) (windows []engine.DesktopWindow, err error) {
	defer recovered("find desktop windows", &err)
	return s.Discovery.FindDesktopWindows(classRegex, windowRegex)
}

func (s *State) CachedAdbDevices() []engine.AdbDevice {
	return s.Discovery.CachedAdbDevices()
}

func (s *State) CachedDesktopWindows() []engine.DesktopWindow {
	return s.Discovery.CachedDesktopWindows()
}

// Download runs one download session to completion.
func (s *State) Download(ctx context.Context, req download.Request) (res *download.Result, err error) {
	defer recovered("download", &err)
	return s.Downloads.Start(ctx, req)
}

// CancelDownload cancels the current download session.
func (s *State) CancelDownload(path string) (err error) {
	defer recovered("cancel download", &err)
	s.Downloads.Cancel(path)
	return nil
}

// DownloadHistory returns recently finished sessions, newest first.
func (s *State) DownloadHistory(limit int) ([]*registry.Download, error) {
	if s.registry == nil {
		return []*registry.Download{}, nil
	}
	return s.registry.ListDownloads(limit)
}

// SavedInstances returns the instances persisted by a previous run.
func (s *State) SavedInstances() ([]*registry.Instance, error) {
	if s.registry == nil {
		return []*registry.Instance{}, nil
	}
	return s.registry.ListInstances()
}

func (s *State) persistInstance(id, what string) {
	if s.registry == nil {
		return
	}
	if what == lifecycle.ChangeDestroyed {
		if err := s.registry.DeleteInstance(id); err != nil {
			log.Printf("bridge: delete instance %s from registry: %v", id, err)
		}
		return
	}

	st, err := s.Instances.InstanceState(id)
	if err != nil {
		// Without an engine only the id is known.
		st = lifecycle.InstanceState{ID: id}
	}
	taskIDs := make([]int64, len(st.TaskIDs))
	for i, t := range st.TaskIDs {
		taskIDs[i] = int64(t)
	}
	if what == lifecycle.ChangeTasks {
		if err := s.registry.UpdateTaskIDs(id, taskIDs); err == nil {
			return
		}
	}
	rec := &registry.Instance{
		ID:             id,
		ControllerType: st.ControllerType,
		Fingerprint:    st.Fingerprint,
		TaskIDs:        taskIDs,
		CreatedAt:      st.CreatedAt,
	}
	if err := s.registry.SaveInstance(rec); err != nil {
		log.Printf("bridge: save instance %s to registry: %v", id, err)
	}
}

func (s *State) recordDownload(r download.Record) {
	if s.registry == nil {
		return
	}
	err := s.registry.RecordDownload(&registry.Download{
		SessionID:  r.SessionID,
		URL:        r.URL,
		Path:       r.Path,
		Bytes:      r.Bytes,
		Status:     r.Status,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	})
	if err != nil {
		log.Printf("bridge: record download session %d: %v", r.SessionID, err)
		return
	}
	if n, err := s.registry.PruneDownloads(downloadHistoryKeep); err != nil {
		log.Printf("bridge: prune download history: %v", err)
	} else if n > 0 {
		log.Printf("bridge: pruned %d old download records", n)
	}
}

// Shutdown destroys every instance, kills agent children, unloads the
// engine and closes the event bus. Used on process exit.
func (s *State) Shutdown() {
	s.Instances.Shutdown()
	s.Logs.CloseAll()

	s.initMu.Lock()
	eng := s.eng
	s.eng = nil
	s.initMu.Unlock()
	if c, ok := eng.(interface{ Close() }); ok {
		c.Close()
	}
	s.Bus.Close()
	log.Printf("bridge: shut down")
}
