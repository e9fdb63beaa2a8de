//go:build darwin || linux

package maafw

import (
	"fmt"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// library is the resolved C API of the three engine shared objects.
// Field types mirror the C prototypes: MaaBool is uint8, MaaId int64,
// MaaStatus int32, MaaSize uint64, pointers uintptr.
type library struct {
	handles []uintptr

	version func() string

	stringBufferCreate  func() uintptr
	stringBufferDestroy func(buf uintptr)
	stringBufferGet     func(buf uintptr) string
	stringBufferSet     func(buf uintptr, s string) uint8

	imageBufferCreate         func() uintptr
	imageBufferDestroy        func(buf uintptr)
	imageBufferGetEncoded     func(buf uintptr) uintptr
	imageBufferGetEncodedSize func(buf uintptr) uint64

	resourceCreate     func() uintptr
	resourceDestroy    func(res uintptr)
	resourceAddSink    func(res, cb, arg uintptr) int64
	resourcePostBundle func(res uintptr, path string) int64
	resourceLoaded     func(res uintptr) uint8

	adbControllerCreate     func(adbPath, address string, screencap, input uint64, config, agentPath string) uintptr
	win32ControllerCreate   func(hwnd uintptr, screencap, mouse, keyboard uint64) uintptr
	gamepadControllerCreate func(hwnd uintptr, gamepadType, screencap uint64) uintptr
	controllerDestroy       func(ctrl uintptr)
	controllerAddSink       func(ctrl, cb, arg uintptr) int64
	controllerSetOption     func(ctrl uintptr, key int32, value unsafe.Pointer, size uint64) uint8
	controllerPostConn      func(ctrl uintptr) int64
	controllerPostScreencap func(ctrl uintptr) int64
	controllerConnected     func(ctrl uintptr) uint8
	controllerCachedImage   func(ctrl, buf uintptr) uint8

	taskerCreate           func() uintptr
	taskerDestroy          func(tasker uintptr)
	taskerAddSink          func(tasker, cb, arg uintptr) int64
	taskerBindResource     func(tasker, res uintptr) uint8
	taskerBindController   func(tasker, ctrl uintptr) uint8
	taskerInited           func(tasker uintptr) uint8
	taskerPostTask         func(tasker uintptr, entry, override string) int64
	taskerStatus           func(tasker uintptr, id int64) int32
	taskerWait             func(tasker uintptr, id int64) int32
	taskerRunning          func(tasker uintptr) uint8
	taskerPostStop         func(tasker uintptr) int64
	taskerOverridePipeline func(tasker uintptr, id int64, override string) uint8

	agentCreate       func(identifier uintptr) uintptr
	agentDestroy      func(client uintptr)
	agentIdentifier   func(client, buf uintptr) uint8
	agentBindResource func(client, res uintptr) uint8
	agentSetTimeout   func(client uintptr, ms int64) uint8
	agentConnect      func(client uintptr) uint8
	agentDisconnect   func(client uintptr) uint8

	adbListCreate     func() uintptr
	adbListDestroy    func(list uintptr)
	adbFind           func(list uintptr) uint8
	adbListSize       func(list uintptr) uint64
	adbListAt         func(list uintptr, i uint64) uintptr
	adbName           func(dev uintptr) string
	adbPath           func(dev uintptr) string
	adbAddress        func(dev uintptr) string
	adbScreencap      func(dev uintptr) uint64
	adbInput          func(dev uintptr) uint64
	adbConfig         func(dev uintptr) string
	windowListCreate  func() uintptr
	windowListDestroy func(list uintptr)
	windowFindAll     func(list uintptr) uint8
	windowListSize    func(list uintptr) uint64
	windowListAt      func(list uintptr, i uint64) uintptr
	windowHandle      func(w uintptr) uintptr
	windowClassName   func(w uintptr) string
	windowName        func(w uintptr) string
}

func libName(base string) string {
	if runtime.GOOS == "darwin" {
		return "lib" + base + ".dylib"
	}
	return "lib" + base + ".so"
}

// loadLibrary opens MaaFramework, MaaToolkit and MaaAgentClient from dir and
// resolves every symbol the backend uses. A missing symbol is an error, not a panic.
func loadLibrary(dir string) (lib *library, err error) {
	lib = &library{}
	open := func(base string) (uintptr, error) {
		path := filepath.Join(dir, libName(base))
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", path, err)
		}
		lib.handles = append(lib.handles, h)
		return h, nil
	}

	fw, err := open("MaaFramework")
	if err != nil {
		return nil, err
	}
	tk, err := open("MaaToolkit")
	if err != nil {
		lib.close()
		return nil, err
	}
	ac, err := open("MaaAgentClient")
	if err != nil {
		lib.close()
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			lib.close()
			lib = nil
			err = fmt.Errorf("resolve engine symbols: %v", r)
		}
	}()

	purego.RegisterLibFunc(&lib.version, fw, "MaaVersion")

	purego.RegisterLibFunc(&lib.stringBufferCreate, fw, "MaaStringBufferCreate")
	purego.RegisterLibFunc(&lib.stringBufferDestroy, fw, "MaaStringBufferDestroy")
	purego.RegisterLibFunc(&lib.stringBufferGet, fw, "MaaStringBufferGet")
	purego.RegisterLibFunc(&lib.stringBufferSet, fw, "MaaStringBufferSet")
	purego.RegisterLibFunc(&lib.imageBufferCreate, fw, "MaaImageBufferCreate")
	purego.RegisterLibFunc(&lib.imageBufferDestroy, fw, "MaaImageBufferDestroy")
	purego.RegisterLibFunc(&lib.imageBufferGetEncoded, fw, "MaaImageBufferGetEncoded")
	purego.RegisterLibFunc(&lib.imageBufferGetEncodedSize, fw, "MaaImageBufferGetEncodedSize")

	purego.RegisterLibFunc(&lib.resourceCreate, fw, "MaaResourceCreate")
	purego.RegisterLibFunc(&lib.resourceDestroy, fw, "MaaResourceDestroy")
	purego.RegisterLibFunc(&lib.resourceAddSink, fw, "MaaResourceAddSink")
	purego.RegisterLibFunc(&lib.resourcePostBundle, fw, "MaaResourcePostBundle")
	purego.RegisterLibFunc(&lib.resourceLoaded, fw, "MaaResourceLoaded")

	purego.RegisterLibFunc(&lib.adbControllerCreate, fw, "MaaAdbControllerCreate")
	purego.RegisterLibFunc(&lib.win32ControllerCreate, fw, "MaaWin32ControllerCreate")
	purego.RegisterLibFunc(&lib.gamepadControllerCreate, fw, "MaaGamepadControllerCreate")
	purego.RegisterLibFunc(&lib.controllerDestroy, fw, "MaaControllerDestroy")
	purego.RegisterLibFunc(&lib.controllerAddSink, fw, "MaaControllerAddSink")
	purego.RegisterLibFunc(&lib.controllerSetOption, fw, "MaaControllerSetOption")
	purego.RegisterLibFunc(&lib.controllerPostConn, fw, "MaaControllerPostConnection")
	purego.RegisterLibFunc(&lib.controllerPostScreencap, fw, "MaaControllerPostScreencap")
	purego.RegisterLibFunc(&lib.controllerConnected, fw, "MaaControllerConnected")
	purego.RegisterLibFunc(&lib.controllerCachedImage, fw, "MaaControllerCachedImage")

	purego.RegisterLibFunc(&lib.taskerCreate, fw, "MaaTaskerCreate")
	purego.RegisterLibFunc(&lib.taskerDestroy, fw, "MaaTaskerDestroy")
	purego.RegisterLibFunc(&lib.taskerAddSink, fw, "MaaTaskerAddSink")
	purego.RegisterLibFunc(&lib.taskerBindResource, fw, "MaaTaskerBindResource")
	purego.RegisterLibFunc(&lib.taskerBindController, fw, "MaaTaskerBindController")
	purego.RegisterLibFunc(&lib.taskerInited, fw, "MaaTaskerInited")
	purego.RegisterLibFunc(&lib.taskerPostTask, fw, "MaaTaskerPostTask")
	purego.RegisterLibFunc(&lib.taskerStatus, fw, "MaaTaskerStatus")
	purego.RegisterLibFunc(&lib.taskerWait, fw, "MaaTaskerWait")
	purego.RegisterLibFunc(&lib.taskerRunning, fw, "MaaTaskerRunning")
	purego.RegisterLibFunc(&lib.taskerPostStop, fw, "MaaTaskerPostStop")
	purego.RegisterLibFunc(&lib.taskerOverridePipeline, fw, "MaaTaskerOverridePipeline")

	purego.RegisterLibFunc(&lib.agentCreate, ac, "MaaAgentClientCreateV2")
	purego.RegisterLibFunc(&lib.agentDestroy, ac, "MaaAgentClientDestroy")
	purego.RegisterLibFunc(&lib.agentIdentifier, ac, "MaaAgentClientIdentifier")
	purego.RegisterLibFunc(&lib.agentBindResource, ac, "MaaAgentClientBindResource")
	purego.RegisterLibFunc(&lib.agentSetTimeout, ac, "MaaAgentClientSetTimeout")
	purego.RegisterLibFunc(&lib.agentConnect, ac, "MaaAgentClientConnect")
	purego.RegisterLibFunc(&lib.agentDisconnect, ac, "MaaAgentClientDisconnect")

	purego.RegisterLibFunc(&lib.adbListCreate, tk, "MaaToolkitAdbDeviceListCreate")
	purego.RegisterLibFunc(&lib.adbListDestroy, tk, "MaaToolkitAdbDeviceListDestroy")
	purego.RegisterLibFunc(&lib.adbFind, tk, "MaaToolkitAdbDeviceFind")
	purego.RegisterLibFunc(&lib.adbListSize, tk, "MaaToolkitAdbDeviceListSize")
	purego.RegisterLibFunc(&lib.adbListAt, tk, "MaaToolkitAdbDeviceListAt")
	purego.RegisterLibFunc(&lib.adbName, tk, "MaaToolkitAdbDeviceGetName")
	purego.RegisterLibFunc(&lib.adbPath, tk, "MaaToolkitAdbDeviceGetAdbPath")
	purego.RegisterLibFunc(&lib.adbAddress, tk, "MaaToolkitAdbDeviceGetAddress")
	purego.RegisterLibFunc(&lib.adbScreencap, tk, "MaaToolkitAdbDeviceGetScreencapMethods")
	purego.RegisterLibFunc(&lib.adbInput, tk, "MaaToolkitAdbDeviceGetInputMethods")
	purego.RegisterLibFunc(&lib.adbConfig, tk, "MaaToolkitAdbDeviceGetConfig")
	purego.RegisterLibFunc(&lib.windowListCreate, tk, "MaaToolkitDesktopWindowListCreate")
	purego.RegisterLibFunc(&lib.windowListDestroy, tk, "MaaToolkitDesktopWindowListDestroy")
	purego.RegisterLibFunc(&lib.windowFindAll, tk, "MaaToolkitDesktopWindowFindAll")
	purego.RegisterLibFunc(&lib.windowListSize, tk, "MaaToolkitDesktopWindowListSize")
	purego.RegisterLibFunc(&lib.windowListAt, tk, "MaaToolkitDesktopWindowListAt")
	purego.RegisterLibFunc(&lib.windowHandle, tk, "MaaToolkitDesktopWindowGetHandle")
	purego.RegisterLibFunc(&lib.windowClassName, tk, "MaaToolkitDesktopWindowGetClassName")
	purego.RegisterLibFunc(&lib.windowName, tk, "MaaToolkitDesktopWindowGetWindowName")

	return lib, nil
}

func (l *library) close() {
	for i := len(l.handles) - 1; i >= 0; i-- {
		purego.Dlclose(l.handles[i])
	}
	l.handles = nil
}
