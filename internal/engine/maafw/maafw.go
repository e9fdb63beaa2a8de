//go:build darwin || linux

// Package maafw implements engine.Engine on top of the MaaFramework shared
// libraries, loaded at runtime with purego (no cgo).
package maafw

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/xfeldman/mxu/internal/engine"
)

// ctrlOptionScreenshotTargetShortSide is MaaCtrlOption_ScreenshotTargetShortSide.
const ctrlOptionScreenshotTargetShortSide int32 = 2

var (
	callbackOnce sync.Once
	callbackPtr  uintptr

	// active is the engine whose sink receives callbacks. purego callbacks
	// are never freed, so one trampoline serves the whole process.
	active atomic.Pointer[Engine]
)

// Engine is the native MaaFramework backend.
type Engine struct {
	lib *library

	mu   sync.RWMutex
	sink engine.Sink
	// kinds remembers the kind of every subscribed handle so callbacks,
	// which only carry an address, can be reported with their kind.
	kinds map[uintptr]engine.Kind
}

var _ engine.Engine = (*Engine)(nil)

// Open loads the engine libraries from libDir.
func Open(libDir string) (*Engine, error) {
	lib, err := loadLibrary(libDir)
	if err != nil {
		return nil, err
	}
	e := &Engine{lib: lib, kinds: make(map[uintptr]engine.Kind)}

	callbackOnce.Do(func() {
		callbackPtr = purego.NewCallback(onEvent)
	})
	active.Store(e)

	log.Printf("maafw: loaded MaaFramework %s from %s", e.Version(), libDir)
	return e, nil
}

// onEvent is invoked on engine threads. It only copies the payload and
// hands it to the sink; it never calls back into the engine.
func onEvent(handle, message, details, transArg uintptr) uintptr {
	e := active.Load()
	if e == nil {
		return 0
	}
	e.mu.RLock()
	sink := e.sink
	kind, ok := e.kinds[handle]
	e.mu.RUnlock()
	if sink == nil || !ok {
		return 0
	}

	raw := cString(details)
	var payload json.RawMessage
	if json.Valid([]byte(raw)) {
		payload = json.RawMessage(raw)
	} else {
		payload, _ = json.Marshal(raw)
	}
	sink(engine.Event{
		Handle:  engine.Handle{Kind: kind, Addr: handle},
		Message: cString(message),
		Details: payload,
	})
	return 0
}

// cString copies a NUL-terminated C string.
func cString(p uintptr) string {
	if p == 0 {
		return ""
	}
	ptr := unsafe.Pointer(p)
	n := 0
	for *(*byte)(unsafe.Add(ptr, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(ptr), n))
}

func ok(b uint8) bool { return b != 0 }

func (e *Engine) Version() string { return e.lib.version() }

func (e *Engine) SetSink(sink engine.Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *Engine) Subscribe(h engine.Handle) bool {
	var sinkID int64
	switch h.Kind {
	case engine.KindResource:
		sinkID = e.lib.resourceAddSink(h.Addr, callbackPtr, 0)
	case engine.KindController:
		sinkID = e.lib.controllerAddSink(h.Addr, callbackPtr, 0)
	case engine.KindTasker:
		sinkID = e.lib.taskerAddSink(h.Addr, callbackPtr, 0)
	default:
		return false
	}
	if sinkID == int64(engine.InvalidID) {
		return false
	}
	e.mu.Lock()
	e.kinds[h.Addr] = h.Kind
	e.mu.Unlock()
	return true
}

func (e *Engine) Destroy(h engine.Handle) {
	e.mu.Lock()
	delete(e.kinds, h.Addr)
	e.mu.Unlock()

	switch h.Kind {
	case engine.KindResource:
		e.lib.resourceDestroy(h.Addr)
	case engine.KindController:
		e.lib.controllerDestroy(h.Addr)
	case engine.KindTasker:
		e.lib.taskerDestroy(h.Addr)
	case engine.KindAgentClient:
		e.lib.agentDestroy(h.Addr)
	}
}

func handleOrErr(kind engine.Kind, addr uintptr) (engine.Handle, error) {
	if addr == 0 {
		return engine.Handle{}, fmt.Errorf("%s create returned null", kind)
	}
	return engine.Handle{Kind: kind, Addr: addr}, nil
}

func (e *Engine) CreateResource() (engine.Handle, error) {
	return handleOrErr(engine.KindResource, e.lib.resourceCreate())
}

func (e *Engine) PostBundle(res engine.Handle, path string) engine.ID {
	return engine.ID(e.lib.resourcePostBundle(res.Addr, path))
}

func (e *Engine) ResourceLoaded(res engine.Handle) bool {
	return ok(e.lib.resourceLoaded(res.Addr))
}

func (e *Engine) CreateController(cfg engine.ControllerConfig, agentPath string) (engine.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return engine.Handle{}, err
	}
	var addr uintptr
	switch cfg.Type {
	case engine.ControllerAdb:
		screencap, input, err := cfg.AdbMethods()
		if err != nil {
			return engine.Handle{}, err
		}
		addr = e.lib.adbControllerCreate(cfg.AdbPath, cfg.Address, screencap, input, cfg.Config, agentPath)
	case engine.ControllerWin32:
		addr = e.lib.win32ControllerCreate(uintptr(cfg.Handle), *cfg.ScreencapMethod, cfg.MouseMethod, cfg.KeyboardMethod)
	case engine.ControllerGamepad:
		addr = e.lib.gamepadControllerCreate(uintptr(cfg.Handle), cfg.GamepadKind(), cfg.GamepadScreencap())
	default:
		return engine.Handle{}, fmt.Errorf("%s controller is not available in this build", cfg.Type)
	}
	return handleOrErr(engine.KindController, addr)
}

func (e *Engine) SetScreenshotShortSide(ctrl engine.Handle, px int32) bool {
	return ok(e.lib.controllerSetOption(ctrl.Addr, ctrlOptionScreenshotTargetShortSide,
		unsafe.Pointer(&px), uint64(unsafe.Sizeof(px))))
}

func (e *Engine) PostConnection(ctrl engine.Handle) engine.ID {
	return engine.ID(e.lib.controllerPostConn(ctrl.Addr))
}

func (e *Engine) PostScreencap(ctrl engine.Handle) engine.ID {
	return engine.ID(e.lib.controllerPostScreencap(ctrl.Addr))
}

func (e *Engine) Connected(ctrl engine.Handle) bool {
	return ok(e.lib.controllerConnected(ctrl.Addr))
}

func (e *Engine) CachedImage(ctrl engine.Handle) ([]byte, error) {
	buf := e.lib.imageBufferCreate()
	if buf == 0 {
		return nil, errors.New("create image buffer")
	}
	defer e.lib.imageBufferDestroy(buf)

	if !ok(e.lib.controllerCachedImage(ctrl.Addr, buf)) {
		return nil, errors.New("no cached image")
	}
	data := e.lib.imageBufferGetEncoded(buf)
	size := e.lib.imageBufferGetEncodedSize(buf)
	if data == 0 || size == 0 {
		return nil, errors.New("cached image is empty")
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(data)), size))
	return out, nil
}

func (e *Engine) CreateTasker() (engine.Handle, error) {
	return handleOrErr(engine.KindTasker, e.lib.taskerCreate())
}

func (e *Engine) BindResource(tasker, res engine.Handle) bool {
	return ok(e.lib.taskerBindResource(tasker.Addr, res.Addr))
}

func (e *Engine) BindController(tasker, ctrl engine.Handle) bool {
	return ok(e.lib.taskerBindController(tasker.Addr, ctrl.Addr))
}

func (e *Engine) TaskerInited(tasker engine.Handle) bool {
	return ok(e.lib.taskerInited(tasker.Addr))
}

func (e *Engine) PostTask(tasker engine.Handle, entry, override string) engine.ID {
	return engine.ID(e.lib.taskerPostTask(tasker.Addr, entry, override))
}

func (e *Engine) TaskStatus(tasker engine.Handle, id engine.ID) engine.Status {
	return engine.Status(e.lib.taskerStatus(tasker.Addr, int64(id)))
}

func (e *Engine) WaitTask(tasker engine.Handle, id engine.ID) engine.Status {
	return engine.Status(e.lib.taskerWait(tasker.Addr, int64(id)))
}

func (e *Engine) TaskerRunning(tasker engine.Handle) bool {
	return ok(e.lib.taskerRunning(tasker.Addr))
}

func (e *Engine) PostStop(tasker engine.Handle) engine.ID {
	return engine.ID(e.lib.taskerPostStop(tasker.Addr))
}

func (e *Engine) OverridePipeline(tasker engine.Handle, id engine.ID, override string) bool {
	return ok(e.lib.taskerOverridePipeline(tasker.Addr, int64(id), override))
}

func (e *Engine) CreateAgentClient(identifier string) (engine.Handle, error) {
	var buf uintptr
	if identifier != "" {
		buf = e.lib.stringBufferCreate()
		if buf == 0 {
			return engine.Handle{}, errors.New("create string buffer")
		}
		defer e.lib.stringBufferDestroy(buf)
		if !ok(e.lib.stringBufferSet(buf, identifier)) {
			return engine.Handle{}, errors.New("set agent identifier")
		}
	}
	return handleOrErr(engine.KindAgentClient, e.lib.agentCreate(buf))
}

func (e *Engine) AgentIdentifier(client engine.Handle) (string, error) {
	buf := e.lib.stringBufferCreate()
	if buf == 0 {
		return "", errors.New("create string buffer")
	}
	defer e.lib.stringBufferDestroy(buf)
	if !ok(e.lib.agentIdentifier(client.Addr, buf)) {
		return "", errors.New("read agent identifier")
	}
	return e.lib.stringBufferGet(buf), nil
}

func (e *Engine) AgentBindResource(client, res engine.Handle) bool {
	return ok(e.lib.agentBindResource(client.Addr, res.Addr))
}

func (e *Engine) AgentSetTimeout(client engine.Handle, ms int64) bool {
	return ok(e.lib.agentSetTimeout(client.Addr, ms))
}

func (e *Engine) AgentConnect(client engine.Handle) bool {
	return ok(e.lib.agentConnect(client.Addr))
}

func (e *Engine) AgentDisconnect(client engine.Handle) bool {
	return ok(e.lib.agentDisconnect(client.Addr))
}

func (e *Engine) FindAdbDevices() ([]engine.AdbDevice, error) {
	list := e.lib.adbListCreate()
	if list == 0 {
		return nil, errors.New("create adb device list")
	}
	defer e.lib.adbListDestroy(list)

	if !ok(e.lib.adbFind(list)) {
		return nil, errors.New("adb device scan failed")
	}
	n := e.lib.adbListSize(list)
	devices := make([]engine.AdbDevice, 0, n)
	for i := uint64(0); i < n; i++ {
		dev := e.lib.adbListAt(list, i)
		if dev == 0 {
			continue
		}
		devices = append(devices, engine.AdbDevice{
			Name:             e.lib.adbName(dev),
			AdbPath:          e.lib.adbPath(dev),
			Address:          e.lib.adbAddress(dev),
			ScreencapMethods: e.lib.adbScreencap(dev),
			InputMethods:     e.lib.adbInput(dev),
			Config:           e.lib.adbConfig(dev),
		})
	}
	return devices, nil
}

func (e *Engine) FindDesktopWindows() ([]engine.DesktopWindow, error) {
	list := e.lib.windowListCreate()
	if list == 0 {
		return nil, errors.New("create window list")
	}
	defer e.lib.windowListDestroy(list)

	if !ok(e.lib.windowFindAll(list)) {
		return nil, errors.New("window scan failed")
	}
	n := e.lib.windowListSize(list)
	windows := make([]engine.DesktopWindow, 0, n)
	for i := uint64(0); i < n; i++ {
		w := e.lib.windowListAt(list, i)
		if w == 0 {
			continue
		}
		windows = append(windows, engine.DesktopWindow{
			Handle:     e.lib.windowHandle(w),
			ClassName:  e.lib.windowClassName(w),
			WindowName: e.lib.windowName(w),
		})
	}
	return windows, nil
}

// Close unloads the libraries. Every handle must have been destroyed first.
func (e *Engine) Close() {
	active.CompareAndSwap(e, nil)
	e.lib.close()
}
