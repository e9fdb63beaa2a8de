// Package enginetest provides an in-memory Engine for tests.
package enginetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xfeldman/mxu/internal/engine"
)

// Fake is an in-memory engine. Every create hands out a fresh address and
// every destroy is recorded, so tests can assert exact native call counts.
// Zero value is not usable; call New.
type Fake struct {
	mu   sync.Mutex
	next uintptr
	live map[uintptr]engine.Kind
	sink engine.Sink
	subs map[uintptr]bool

	// Destroys lists destroyed handles in call order.
	Destroys []engine.Handle
	created  map[engine.Kind]int

	nextID   engine.ID
	statuses map[engine.ID]engine.Status
	loaded   map[uintptr]bool
	inited   map[uintptr]bool
	running  map[uintptr]bool
	conn     map[uintptr]bool
	bindings map[uintptr][2]uintptr // tasker -> (resource, controller)

	// Knobs. Set before use.
	FailCreate       map[engine.Kind]bool
	FailBundles      map[string]bool
	FailEntries      map[string]bool
	FailConnection   bool
	AgentConnectOK   bool
	AgentConnectHook func()
	DestroyHook      func(h engine.Handle) // runs before the destroy is recorded
	Devices          []engine.AdbDevice
	Windows          []engine.DesktopWindow
	Image            []byte
}

// New returns an empty fake whose agent connections succeed.
func New() *Fake {
	return &Fake{
		next:           0x1000,
		live:           make(map[uintptr]engine.Kind),
		subs:           make(map[uintptr]bool),
		created:        make(map[engine.Kind]int),
		statuses:       make(map[engine.ID]engine.Status),
		loaded:         make(map[uintptr]bool),
		inited:         make(map[uintptr]bool),
		running:        make(map[uintptr]bool),
		conn:           make(map[uintptr]bool),
		bindings:       make(map[uintptr][2]uintptr),
		FailCreate:     make(map[engine.Kind]bool),
		FailBundles:    make(map[string]bool),
		FailEntries:    make(map[string]bool),
		AgentConnectOK: true,
	}
}

var _ engine.Engine = (*Fake)(nil)

func (f *Fake) Version() string { return "v0.0.0-fake" }

func (f *Fake) SetSink(sink engine.Sink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *Fake) Subscribe(h engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h.Addr]; !ok {
		return false
	}
	f.subs[h.Addr] = true
	return true
}

// Emit delivers an event for h to the sink, as the engine thread would.
func (f *Fake) Emit(h engine.Handle, message, details string) {
	f.mu.Lock()
	sink, subscribed := f.sink, f.subs[h.Addr]
	f.mu.Unlock()
	if sink != nil && subscribed {
		sink(engine.Event{Handle: h, Message: message, Details: []byte(details)})
	}
}

func (f *Fake) create(kind engine.Kind) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate[kind] {
		return engine.Handle{}, fmt.Errorf("%s create failed", kind)
	}
	f.next += 0x10
	f.live[f.next] = kind
	f.created[kind]++
	return engine.Handle{Kind: kind, Addr: f.next}, nil
}

func (f *Fake) Destroy(h engine.Handle) {
	if f.DestroyHook != nil {
		f.DestroyHook(h)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, h.Addr)
	delete(f.subs, h.Addr)
	f.Destroys = append(f.Destroys, h)
}

// Created returns how many handles of kind were created.
func (f *Fake) Created(kind engine.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[kind]
}

// DestroyCount returns how many times h was destroyed.
func (f *Fake) DestroyCount(h engine.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.Destroys {
		if d.Addr == h.Addr {
			n++
		}
	}
	return n
}

// DestroyOrder returns the kinds of destroyed handles in call order.
func (f *Fake) DestroyOrder() []engine.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]engine.Kind, len(f.Destroys))
	for i, d := range f.Destroys {
		kinds[i] = d.Kind
	}
	return kinds
}

// Live returns the number of handles not yet destroyed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *Fake) post(status engine.Status) engine.ID {
	f.nextID++
	f.statuses[f.nextID] = status
	return f.nextID
}

// SetStatus overrides the status reported for id.
func (f *Fake) SetStatus(id engine.ID, s engine.Status) {
	f.mu.Lock()
	f.statuses[id] = s
	f.mu.Unlock()
}

func (f *Fake) CreateResource() (engine.Handle, error) { return f.create(engine.KindResource) }

func (f *Fake) PostBundle(res engine.Handle, path string) engine.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBundles[path] {
		return engine.InvalidID
	}
	f.loaded[res.Addr] = true
	return f.post(engine.StatusSucceeded)
}

func (f *Fake) ResourceLoaded(res engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[res.Addr]
}

func (f *Fake) CreateController(cfg engine.ControllerConfig, agentPath string) (engine.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return engine.Handle{}, err
	}
	return f.create(engine.KindController)
}

func (f *Fake) SetScreenshotShortSide(ctrl engine.Handle, px int32) bool { return px > 0 }

func (f *Fake) PostConnection(ctrl engine.Handle) engine.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailConnection {
		return engine.InvalidID
	}
	f.conn[ctrl.Addr] = true
	return f.post(engine.StatusSucceeded)
}

func (f *Fake) PostScreencap(ctrl engine.Handle) engine.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.post(engine.StatusSucceeded)
}

func (f *Fake) Connected(ctrl engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn[ctrl.Addr]
}

func (f *Fake) CachedImage(ctrl engine.Handle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Image == nil {
		return nil, errors.New("no cached image")
	}
	return f.Image, nil
}

func (f *Fake) CreateTasker() (engine.Handle, error) { return f.create(engine.KindTasker) }

func (f *Fake) BindResource(tasker, res engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindings[tasker.Addr]
	b[0] = res.Addr
	f.bindings[tasker.Addr] = b
	f.inited[tasker.Addr] = b[0] != 0 && b[1] != 0
	return true
}

func (f *Fake) BindController(tasker, ctrl engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindings[tasker.Addr]
	b[1] = ctrl.Addr
	f.bindings[tasker.Addr] = b
	f.inited[tasker.Addr] = b[0] != 0 && b[1] != 0
	return true
}

// BoundController returns the controller address tasker is bound to.
func (f *Fake) BoundController(tasker engine.Handle) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindings[tasker.Addr][1]
}

func (f *Fake) TaskerInited(tasker engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inited[tasker.Addr]
}

func (f *Fake) PostTask(tasker engine.Handle, entry, override string) engine.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailEntries[entry] {
		return engine.InvalidID
	}
	f.running[tasker.Addr] = true
	return f.post(engine.StatusRunning)
}

func (f *Fake) TaskStatus(tasker engine.Handle, id engine.ID) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *Fake) WaitTask(tasker engine.Handle, id engine.ID) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.statuses[id]
	if s == engine.StatusPending || s == engine.StatusRunning {
		s = engine.StatusSucceeded
		f.statuses[id] = s
	}
	return s
}

func (f *Fake) TaskerRunning(tasker engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[tasker.Addr]
}

func (f *Fake) PostStop(tasker engine.Handle) engine.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[tasker.Addr] = false
	return f.post(engine.StatusSucceeded)
}

func (f *Fake) OverridePipeline(tasker engine.Handle, id engine.ID, override string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.statuses[id]
	return ok && override != ""
}

func (f *Fake) CreateAgentClient(identifier string) (engine.Handle, error) {
	return f.create(engine.KindAgentClient)
}

func (f *Fake) AgentIdentifier(client engine.Handle) (string, error) {
	return fmt.Sprintf("fake-agent-%x", client.Addr), nil
}

func (f *Fake) AgentBindResource(client, res engine.Handle) bool { return true }

func (f *Fake) AgentSetTimeout(client engine.Handle, ms int64) bool { return true }

func (f *Fake) AgentConnect(client engine.Handle) bool {
	if f.AgentConnectHook != nil {
		f.AgentConnectHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AgentConnectOK
}

func (f *Fake) AgentDisconnect(client engine.Handle) bool { return true }

func (f *Fake) FindAdbDevices() ([]engine.AdbDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.AdbDevice(nil), f.Devices...), nil
}

func (f *Fake) FindDesktopWindows() ([]engine.DesktopWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.DesktopWindow(nil), f.Windows...), nil
}
