// Package engine defines the interface to the automation engine.
// The native MaaFramework backend (engine/maafw) and the in-memory fake
// (engine/enginetest) both implement it; core code never knows which one is active.
package engine

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which native object a Handle refers to.
type Kind int

const (
	KindResource Kind = iota
	KindController
	KindTasker
	KindAgentClient
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindController:
		return "controller"
	case KindTasker:
		return "tasker"
	case KindAgentClient:
		return "agent_client"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference to a native engine object.
//
// The engine documents every object as safe to use from any thread, so a
// Handle may be copied freely between goroutines. This type is the one place
// that assumption is made; nothing else in the tree passes raw addresses around.
type Handle struct {
	Kind Kind
	Addr uintptr
}

// IsZero reports whether h refers to nothing (a failed create).
func (h Handle) IsZero() bool { return h.Addr == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%s@%#x", h.Kind, h.Addr)
}

// ID identifies one posted asynchronous operation.
type ID int64

// InvalidID is returned by every post call the engine rejected.
const InvalidID ID = 0

// Status is the engine's completion status for a posted operation.
type Status int32

const (
	StatusInvalid   Status = 0
	StatusPending   Status = 1000
	StatusRunning   Status = 2000
	StatusSucceeded Status = 3000
	StatusFailed    Status = 4000
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is one completion or progress notification from the engine.
// Message is the engine's event name (e.g. "Tasker.Task.Succeeded"),
// Details its JSON payload.
type Event struct {
	Handle  Handle
	Message string
	Details json.RawMessage
}

// Sink receives engine events. It is invoked on an engine-owned thread and
// must not call back into the engine.
type Sink func(Event)

// AdbDevice is one device reported by the toolkit's ADB scan.
type AdbDevice struct {
	Name             string `json:"name"`
	AdbPath          string `json:"adb_path"`
	Address          string `json:"address"`
	ScreencapMethods uint64 `json:"screencap_methods"`
	InputMethods     uint64 `json:"input_methods"`
	Config           string `json:"config"`
}

// DesktopWindow is one top-level window reported by the toolkit.
type DesktopWindow struct {
	Handle     uintptr `json:"handle"`
	ClassName  string  `json:"class_name"`
	WindowName string  `json:"window_name"`
}

// Engine is the automation engine interface.
//
// Post calls never block: they return an ID immediately (InvalidID on
// rejection) and completion is observed through TaskStatus-style queries or
// the sink installed with SetSink. Methods taking a Handle assume it is live;
// callers own the create/destroy discipline.
type Engine interface {
	// Version returns the engine's version string.
	Version() string

	// SetSink installs the process-wide event sink. Events only flow for
	// handles subscribed with Subscribe.
	SetSink(sink Sink)

	// Subscribe routes events of h to the sink.
	Subscribe(h Handle) bool

	// Destroy releases the native object. Must be called exactly once per
	// successfully created handle.
	Destroy(h Handle)

	CreateResource() (Handle, error)
	PostBundle(res Handle, path string) ID
	ResourceLoaded(res Handle) bool

	// CreateController builds a controller of the configured variant.
	// agentPath is the engine's on-device agent binary directory (ADB only).
	CreateController(cfg ControllerConfig, agentPath string) (Handle, error)
	SetScreenshotShortSide(ctrl Handle, px int32) bool
	PostConnection(ctrl Handle) ID
	PostScreencap(ctrl Handle) ID
	Connected(ctrl Handle) bool
	// CachedImage returns the last screencap, PNG encoded.
	CachedImage(ctrl Handle) ([]byte, error)

	CreateTasker() (Handle, error)
	BindResource(tasker, res Handle) bool
	BindController(tasker, ctrl Handle) bool
	TaskerInited(tasker Handle) bool
	PostTask(tasker Handle, entry, override string) ID
	TaskStatus(tasker Handle, id ID) Status
	// WaitTask blocks until the task completes.
	WaitTask(tasker Handle, id ID) Status
	TaskerRunning(tasker Handle) bool
	PostStop(tasker Handle) ID
	OverridePipeline(tasker Handle, id ID, override string) bool

	// CreateAgentClient creates a client listening on the named socket.
	// An empty identifier lets the engine choose one.
	CreateAgentClient(identifier string) (Handle, error)
	AgentIdentifier(client Handle) (string, error)
	AgentBindResource(client, res Handle) bool
	// AgentSetTimeout sets the connect timeout; -1 waits forever.
	AgentSetTimeout(client Handle, ms int64) bool
	// AgentConnect blocks until the child agent connects or the timeout expires.
	AgentConnect(client Handle) bool
	AgentDisconnect(client Handle) bool

	FindAdbDevices() ([]AdbDevice, error)
	FindDesktopWindows() ([]DesktopWindow, error)
}
