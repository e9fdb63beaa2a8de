package lifecycle

import (
	"time"

	"github.com/xfeldman/mxu/internal/engine"
)

// InstanceState is a snapshot of one instance, enough for the UI to
// rebuild its view after a reload.
type InstanceState struct {
	ID             string      `json:"id"`
	Connected      bool        `json:"connected"`
	ResourceLoaded bool        `json:"resource_loaded"`
	TaskerInited   bool        `json:"tasker_inited"`
	Running        bool        `json:"is_running"`
	AgentRunning   bool        `json:"agent_running"`
	ControllerType string      `json:"controller_type,omitempty"`
	Fingerprint    string      `json:"fingerprint,omitempty"`
	TaskIDs        []engine.ID `json:"task_ids"`
	CreatedAt      time.Time   `json:"created_at"`
}

// InstanceState returns the snapshot of id.
func (m *Manager) InstanceState(id string) (InstanceState, error) {
	eng, err := m.Engine()
	if err != nil {
		return InstanceState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.lookup(id)
	if err != nil {
		return InstanceState{}, err
	}
	return snapshot(eng, inst), nil
}

// States returns snapshots of every instance keyed by id. Without an engine
// only the recorded fields are filled in.
func (m *Manager) States() map[string]InstanceState {
	eng, _ := m.Engine()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]InstanceState, len(m.instances))
	for id, inst := range m.instances {
		out[id] = snapshot(eng, inst)
	}
	return out
}

// snapshot reads inst. Caller must hold m.mu.
func snapshot(eng engine.Engine, inst *Instance) InstanceState {
	st := InstanceState{
		ID:             inst.ID,
		ControllerType: string(inst.ctrlType),
		Fingerprint:    inst.fingerprint,
		TaskIDs:        append([]engine.ID{}, inst.taskIDs...),
		CreatedAt:      inst.CreatedAt,
	}
	if inst.agentProc != nil {
		st.AgentRunning = !inst.agentProc.Exited()
	}
	if eng == nil {
		return st
	}
	if !inst.controller.IsZero() {
		st.Connected = eng.Connected(inst.controller)
	}
	if inst.resource != nil {
		st.ResourceLoaded = eng.ResourceLoaded(inst.resource.Handle())
	}
	if inst.tasker != nil {
		st.TaskerInited = eng.TaskerInited(inst.tasker.Handle())
		st.Running = eng.TaskerRunning(inst.tasker.Handle())
	}
	return st
}
