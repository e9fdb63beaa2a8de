// Package lifecycle owns the engine objects behind each instance.
//
// An instance is one logical session in the UI. It lazily collects a
// resource, a controller (shared with other instances through the pool), a
// tasker, and optionally an agent client with its child process.
//
// Teardown order is fixed:
//
//	agent client → agent child → tasker → controller reference → resource
//
// The controller is only released, never destroyed directly; the pool hands
// the guard back at the last release and that caller destroys it.
package lifecycle

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/xfeldman/mxu/internal/agent"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/errdefs"
	"github.com/xfeldman/mxu/internal/events"
	"github.com/xfeldman/mxu/internal/logstore"
	"github.com/xfeldman/mxu/internal/pool"
)

// Change kinds passed to the OnChange callback.
const (
	ChangeCreated   = "created"
	ChangeConnected = "connected"
	ChangeResource  = "resource"
	ChangeTasks     = "tasks"
	ChangeDestroyed = "destroyed"
)

// Instance is the runtime of one logical session. All fields are guarded by
// the owning Manager's mu.
type Instance struct {
	ID        string
	CreatedAt time.Time

	resource    *engine.Guard
	controller  engine.Handle
	ctrlType    engine.ControllerType
	fingerprint string
	tasker      *engine.Guard
	agentClient *engine.Guard
	agentProc   *agent.Process
	taskIDs     []engine.ID

	// agentStarting is set while an agent handshake is in flight. A resource
	// detached meanwhile is parked in pendingRes, since the new client is
	// bound to it, and destroyed once the handshake settles.
	agentStarting bool
	pendingRes    *engine.Guard
}

// Manager maps instance ids to their runtimes.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance

	engMu    sync.RWMutex
	eng      engine.Engine
	dispatch *dispatcher

	pool     *pool.Pool
	logStore *logstore.Store
	emitter  events.Emitter

	shortSide    int32
	agentPath    string
	agentTimeout int64 // ms, used when a start request carries none

	onChange func(id, what string)
}

// NewManager creates an empty manager. ls and em may be nil.
func NewManager(p *pool.Pool, ls *logstore.Store, em events.Emitter) *Manager {
	if em == nil {
		em = events.Discard
	}
	return &Manager{
		instances:    make(map[string]*Instance),
		pool:         p,
		logStore:     ls,
		emitter:      em,
		shortSide:    engine.DefaultShortSide,
		agentTimeout: -1,
	}
}

// SetShortSide sets the screenshot short side applied to new controllers.
func (m *Manager) SetShortSide(px int32) {
	if px > 0 {
		m.shortSide = px
	}
}

// SetAgentPath sets the on-device agent binary directory for ADB controllers.
func (m *Manager) SetAgentPath(path string) {
	m.agentPath = path
}

// SetAgentTimeout sets the default agent connect timeout.
func (m *Manager) SetAgentTimeout(d time.Duration) {
	if d < 0 {
		m.agentTimeout = -1
		return
	}
	m.agentTimeout = d.Milliseconds()
}

// OnChange registers a callback fired after an instance changes.
// Used to persist instances to the registry.
func (m *Manager) OnChange(fn func(id, what string)) {
	m.onChange = fn
}

func (m *Manager) notifyChange(id, what string) {
	if m.onChange != nil {
		m.onChange(id, what)
	}
}

// SetEngine installs eng as the active engine and starts routing its
// callbacks. Instances created against a previous engine must be destroyed
// first.
func (m *Manager) SetEngine(eng engine.Engine) {
	d := newDispatcher(m)
	eng.SetSink(d.enqueue)

	m.engMu.Lock()
	old := m.dispatch
	m.eng = eng
	m.dispatch = d
	m.engMu.Unlock()

	if old != nil {
		old.stop()
	}
	go d.run()
	log.Printf("lifecycle: engine %s active", eng.Version())
}

// Engine returns the active engine or a NotInitialized error.
func (m *Manager) Engine() (engine.Engine, error) {
	m.engMu.RLock()
	defer m.engMu.RUnlock()
	if m.eng == nil {
		return nil, errdefs.NotInitialized()
	}
	return m.eng, nil
}

// Create registers an empty runtime for id. Creating an existing id is a no-op.
func (m *Manager) Create(id string) {
	m.mu.Lock()
	if _, ok := m.instances[id]; ok {
		m.mu.Unlock()
		return
	}
	m.instances[id] = &Instance{ID: id, CreatedAt: time.Now()}
	m.mu.Unlock()

	log.Printf("lifecycle: instance %s created", id)
	m.notifyChange(id, ChangeCreated)
}

// lookup returns the instance for id. Caller must hold m.mu.
func (m *Manager) lookup(id string) (*Instance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return nil, errdefs.NotFoundf("instance %s not found", id)
	}
	return inst, nil
}

// Destroy tears down id's runtime and forgets it. Destroying an unknown id
// is a no-op.
//
// The instance leaves the map and drops its pool reference in one critical
// section, so a Create and Connect of the same id racing with this call
// always acquire a reference of their own.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	var plan teardownPlan
	if ok {
		delete(m.instances, id)
		plan = m.detachLocked(inst)
	}
	m.mu.Unlock()

	if !ok {
		log.Printf("lifecycle: destroy %s: no such instance", id)
		return nil
	}

	m.runTeardown(plan)
	if m.logStore != nil {
		m.logStore.Close(id)
	}
	log.Printf("lifecycle: instance %s destroyed", id)
	m.notifyChange(id, ChangeDestroyed)
	return nil
}

// teardownPlan holds the objects detached from an instance, waiting to be
// destroyed outside m.mu. ctrl is set only when the pool handed back the
// last reference.
type teardownPlan struct {
	client *engine.Guard
	proc   *agent.Process
	tasker *engine.Guard
	ctrl   *engine.Guard
	res    *engine.Guard
}

// detachLocked empties inst and releases its controller reference. Caller
// must hold m.mu.
func (m *Manager) detachLocked(inst *Instance) teardownPlan {
	plan := teardownPlan{
		client: inst.agentClient,
		proc:   inst.agentProc,
		tasker: inst.tasker,
	}
	if inst.fingerprint != "" {
		plan.ctrl = m.pool.Release(inst.fingerprint, inst.ID)
	}
	if inst.agentStarting && inst.pendingRes == nil {
		inst.pendingRes = inst.resource
	} else {
		plan.res = inst.resource
	}

	inst.agentClient, inst.agentProc = nil, nil
	inst.tasker = nil
	inst.controller, inst.fingerprint, inst.ctrlType = engine.Handle{}, "", ""
	inst.resource = nil
	inst.taskIDs = nil
	return plan
}

// runTeardown destroys a detached plan in the fixed order.
func (m *Manager) runTeardown(p teardownPlan) {
	m.stopAgent(p.client, p.proc)
	p.tasker.Destroy()
	p.ctrl.Destroy()
	p.res.Destroy()
}

// stopAgent disconnects and destroys the client, then kills the child.
func (m *Manager) stopAgent(client *engine.Guard, proc *agent.Process) {
	if client != nil {
		if eng, err := m.Engine(); err == nil {
			eng.AgentDisconnect(client.Handle())
		}
		client.Destroy()
	}
	if proc != nil {
		proc.Stop()
	}
}

// Shutdown destroys every instance, then any controller still pooled.
// Used on process exit.
func (m *Manager) Shutdown() {
	for _, id := range m.List() {
		if err := m.Destroy(id); err != nil {
			log.Printf("lifecycle: destroy instance %s: %v", id, err)
		}
	}
	for _, g := range m.pool.Drain() {
		g.Destroy()
	}

	m.engMu.Lock()
	d := m.dispatch
	m.dispatch = nil
	m.engMu.Unlock()
	if d != nil {
		d.stop()
	}
}

// List returns the ids of all instances, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id is a known instance.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[id]
	return ok
}

// ensureTasker creates and binds inst's tasker on first use. Caller must
// hold m.mu.
func (m *Manager) ensureTasker(eng engine.Engine, inst *Instance) (engine.Handle, error) {
	if inst.resource == nil {
		return engine.Handle{}, errdefs.NotFoundf("instance %s: resource not loaded", inst.ID)
	}
	if inst.controller.IsZero() {
		return engine.Handle{}, errdefs.NotFoundf("instance %s: controller not connected", inst.ID)
	}
	if inst.tasker != nil {
		return inst.tasker.Handle(), nil
	}

	h, err := eng.CreateTasker()
	if err != nil {
		return engine.Handle{}, errdefs.NativeFailuref("create tasker: %v", err)
	}
	if h.IsZero() {
		return engine.Handle{}, errdefs.NativeFailuref("create tasker returned a null handle")
	}
	g := engine.NewGuard(eng, h)
	eng.Subscribe(h)
	if !eng.BindResource(h, inst.resource.Handle()) || !eng.BindController(h, inst.controller) {
		g.Destroy()
		return engine.Handle{}, errdefs.NativeFailuref("bind tasker for instance %s", inst.ID)
	}
	inst.tasker = g
	log.Printf("lifecycle: instance %s tasker %s", inst.ID, h)
	return h, nil
}
