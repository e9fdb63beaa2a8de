package lifecycle

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/xfeldman/mxu/internal/agent"
	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/errdefs"
)

// Task is one pipeline entry to run.
type Task struct {
	Entry            string `json:"entry"`
	PipelineOverride string `json:"pipeline_override"`
}

// RunTask posts a single task on id's tasker, creating the tasker on first use.
func (m *Manager) RunTask(id, entry, override string) (engine.ID, error) {
	eng, err := m.Engine()
	if err != nil {
		return engine.InvalidID, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.lookup(id)
	if err != nil {
		return engine.InvalidID, err
	}
	tasker, err := m.ensureTasker(eng, inst)
	if err != nil {
		return engine.InvalidID, err
	}
	if !eng.TaskerInited(tasker) {
		return engine.InvalidID, errdefs.NativeFailuref("instance %s: tasker not initialized", id)
	}

	taskID := eng.PostTask(tasker, entry, override)
	if taskID == engine.InvalidID {
		return engine.InvalidID, errdefs.NativeFailuref("instance %s: post task %s failed", id, entry)
	}
	inst.taskIDs = append(inst.taskIDs, taskID)
	log.Printf("lifecycle: instance %s posted %s (id %d)", id, entry, taskID)
	return taskID, nil
}

// StartTasks posts a batch of tasks, optionally after starting an agent.
//
// With agentCfg set, an agent client bound to the instance's resource is
// created, the child is spawned from cwd with the client's socket id as its
// last argument, and the connect handshake runs on its own goroutine so ctx
// can abandon it. On a failed handshake the client is destroyed but the child
// is kept on the instance so its log stays meaningful until StopAgent. Only
// one agent start runs per instance; a second one fails with Cancelled until
// the first handshake settles.
//
// Entries the engine rejects are skipped; the ids of accepted ones are
// returned and recorded on the instance.
func (m *Manager) StartTasks(ctx context.Context, id string, tasks []Task, agentCfg *agent.Config, cwd string) ([]engine.ID, error) {
	eng, err := m.Engine()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	inst, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if _, err := m.ensureTasker(eng, inst); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if agentCfg == nil {
		ids, err := m.postTasksLocked(eng, inst, tasks)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.notifyChange(id, ChangeTasks)
		return ids, nil
	}

	if inst.agentStarting {
		m.mu.Unlock()
		return nil, errdefs.Cancelled("instance %s: agent already starting", id)
	}
	inst.agentStarting = true
	res := inst.resource
	oldClient, oldProc := inst.agentClient, inst.agentProc
	inst.agentClient, inst.agentProc = nil, nil
	m.mu.Unlock()

	m.stopAgent(oldClient, oldProc)
	if err := m.startAgent(ctx, eng, inst, res, *agentCfg, cwd); err != nil {
		return nil, err
	}

	m.mu.Lock()
	ids, err := m.postTasksLocked(eng, inst, tasks)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notifyChange(id, ChangeTasks)
	return ids, nil
}

// postTasksLocked posts tasks on inst's tasker. Caller must hold m.mu.
func (m *Manager) postTasksLocked(eng engine.Engine, inst *Instance, tasks []Task) ([]engine.ID, error) {
	id := inst.ID
	if m.instances[id] != inst {
		return nil, errdefs.NotFoundf("instance %s destroyed while starting", id)
	}
	if inst.tasker == nil {
		return nil, errdefs.NotFoundf("instance %s: tasker destroyed while starting", id)
	}
	tasker := inst.tasker.Handle()
	if !eng.TaskerInited(tasker) {
		return nil, errdefs.NativeFailuref("instance %s: tasker not initialized", id)
	}

	ids := make([]engine.ID, 0, len(tasks))
	for _, t := range tasks {
		taskID := eng.PostTask(tasker, t.Entry, t.PipelineOverride)
		if taskID == engine.InvalidID {
			log.Printf("lifecycle: instance %s: post task %s failed, skipping", id, t.Entry)
			continue
		}
		log.Printf("lifecycle: instance %s posted %s (id %d)", id, t.Entry, taskID)
		ids = append(ids, taskID)
	}
	inst.taskIDs = ids
	return ids, nil
}

// startAgent runs the agent handshake for inst against res. inst must have
// agentStarting set; every path out of here clears it through finishAgent.
func (m *Manager) startAgent(ctx context.Context, eng engine.Engine, inst *Instance, res *engine.Guard, cfg agent.Config, cwd string) error {
	id := inst.ID
	requested := cfg.Identifier
	if requested == "" {
		requested = uuid.NewString()
	}
	h, err := eng.CreateAgentClient(requested)
	if err == nil && h.IsZero() {
		err = errors.New("null handle")
	}
	if err != nil {
		m.finishAgent(inst, res, nil, nil, false)
		return errdefs.NativeFailuref("create agent client: %v", err)
	}
	client := engine.NewGuard(eng, h)

	if !eng.AgentBindResource(h, res.Handle()) {
		m.finishAgent(inst, res, client, nil, false)
		return errdefs.NativeFailuref("instance %s: bind agent resource failed", id)
	}
	ident, err := eng.AgentIdentifier(h)
	if err != nil || ident == "" {
		ident = requested
	}

	opts := agent.Options{InstanceID: id, Cwd: cwd, Emitter: m.emitter}
	if m.logStore != nil {
		opts.Log = m.logStore.GetOrCreate(id)
	}
	proc, err := agent.Spawn(cfg, ident, opts)
	if err != nil {
		m.finishAgent(inst, res, client, nil, false)
		return errdefs.IO(err, "instance %s: spawn agent", id)
	}

	timeout := cfg.TimeoutMs
	if timeout == 0 {
		timeout = m.agentTimeout
	}
	eng.AgentSetTimeout(h, timeout)
	log.Printf("lifecycle: instance %s waiting for agent %s (timeout %d ms)", id, ident, timeout)

	result := make(chan bool, 1)
	go func() { result <- eng.AgentConnect(h) }()

	var connected bool
	select {
	case connected = <-result:
	case <-ctx.Done():
		// The native connect cannot be interrupted; settle once it returns.
		go func() {
			<-result
			m.finishAgent(inst, res, client, proc, false)
		}()
		return errdefs.Cancelled("instance %s: agent connect abandoned: %v", id, ctx.Err())
	}

	if err := m.finishAgent(inst, res, client, proc, connected); err != nil {
		return err
	}
	if !connected {
		return errdefs.NativeFailuref("instance %s: failed to connect to agent", id)
	}
	log.Printf("lifecycle: instance %s agent connected", id)
	return nil
}

// finishAgent ends an agent start on inst. A connected client and its child
// replace whatever the instance holds. A failed start keeps only the child,
// for its log. When inst was destroyed or res detached in the meantime,
// everything is stopped and NotFound returned. A resource parked during the
// handshake is destroyed last, after the client bound to it.
func (m *Manager) finishAgent(inst *Instance, res, client *engine.Guard, proc *agent.Process, connected bool) error {
	m.mu.Lock()
	inst.agentStarting = false
	parked := inst.pendingRes
	inst.pendingRes = nil
	live := m.instances[inst.ID] == inst && inst.resource == res

	var staleClient *engine.Guard
	var staleProc *agent.Process
	switch {
	case !live:
		staleClient, staleProc = client, proc
	case connected:
		staleClient, staleProc = inst.agentClient, inst.agentProc
		inst.agentClient, inst.agentProc = client, proc
	default:
		staleClient = client
		if proc != nil {
			staleProc = inst.agentProc
			inst.agentProc = proc
		}
	}
	m.mu.Unlock()

	m.stopAgent(staleClient, staleProc)
	parked.Destroy()
	if !live {
		return errdefs.NotFoundf("instance %s: released while agent was starting", inst.ID)
	}
	return nil
}

// taskerOf returns id's tasker, or an error if it has none.
func (m *Manager) taskerOf(id string) (engine.Engine, engine.Handle, error) {
	eng, err := m.Engine()
	if err != nil {
		return nil, engine.Handle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.lookup(id)
	if err != nil {
		return nil, engine.Handle{}, err
	}
	if inst.tasker == nil {
		return nil, engine.Handle{}, errdefs.NotFoundf("instance %s: tasker not created", id)
	}
	return eng, inst.tasker.Handle(), nil
}

// Stop posts a stop for everything running on id's tasker and forgets the
// recorded task ids. It does not wait for the tasks to wind down.
func (m *Manager) Stop(id string) error {
	eng, err := m.Engine()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	if inst.tasker == nil {
		return errdefs.NotFoundf("instance %s: tasker not created", id)
	}
	if eng.PostStop(inst.tasker.Handle()) == engine.InvalidID {
		return errdefs.NativeFailuref("instance %s: post stop failed", id)
	}
	inst.taskIDs = nil
	log.Printf("lifecycle: instance %s stop posted", id)
	return nil
}

// StopAgent disconnects and destroys id's agent client and kills its child.
func (m *Manager) StopAgent(id string) error {
	m.mu.Lock()
	inst, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	client, proc := inst.agentClient, inst.agentProc
	inst.agentClient, inst.agentProc = nil, nil
	m.mu.Unlock()

	m.stopAgent(client, proc)
	return nil
}

// TaskStatus returns the status of taskID. Codes outside the known set
// are reported as failed.
func (m *Manager) TaskStatus(id string, taskID engine.ID) (engine.Status, error) {
	eng, tasker, err := m.taskerOf(id)
	if err != nil {
		return engine.StatusInvalid, err
	}
	return normalizeStatus(eng.TaskStatus(tasker, taskID)), nil
}

// WaitTask blocks until taskID completes.
func (m *Manager) WaitTask(id string, taskID engine.ID) (engine.Status, error) {
	eng, tasker, err := m.taskerOf(id)
	if err != nil {
		return engine.StatusInvalid, err
	}
	return normalizeStatus(eng.WaitTask(tasker, taskID)), nil
}

func normalizeStatus(s engine.Status) engine.Status {
	switch s {
	case engine.StatusPending, engine.StatusRunning, engine.StatusSucceeded, engine.StatusFailed:
		return s
	}
	return engine.StatusFailed
}

// IsRunning reports whether id's tasker has work in flight. An instance
// without a tasker is not running.
func (m *Manager) IsRunning(id string) (bool, error) {
	eng, err := m.Engine()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if inst.tasker == nil {
		return false, nil
	}
	return eng.TaskerRunning(inst.tasker.Handle()), nil
}

// OverridePipeline replaces the pipeline of a running task.
func (m *Manager) OverridePipeline(id string, taskID engine.ID, override string) (bool, error) {
	eng, tasker, err := m.taskerOf(id)
	if err != nil {
		return false, err
	}
	return eng.OverridePipeline(tasker, taskID, override), nil
}
