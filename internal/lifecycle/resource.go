package lifecycle

import (
	"log"

	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/errdefs"
)

// LoadResource posts one bundle load per path onto id's resource, creating
// the resource on first use. Paths the engine rejects are skipped; the ids
// of accepted loads are returned.
func (m *Manager) LoadResource(id string, paths []string) ([]engine.ID, error) {
	eng, err := m.Engine()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	ids, err := m.loadResourceLocked(eng, id, paths)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notifyChange(id, ChangeResource)
	return ids, nil
}

func (m *Manager) loadResourceLocked(eng engine.Engine, id string, paths []string) ([]engine.ID, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if inst.resource == nil {
		h, err := eng.CreateResource()
		if err != nil {
			return nil, errdefs.NativeFailuref("create resource: %v", err)
		}
		if h.IsZero() {
			return nil, errdefs.NativeFailuref("create resource returned a null handle")
		}
		eng.Subscribe(h)
		inst.resource = engine.NewGuard(eng, h)
		log.Printf("lifecycle: instance %s resource %s", id, h)
	}

	res := inst.resource.Handle()
	ids := make([]engine.ID, 0, len(paths))
	for _, p := range paths {
		resID := eng.PostBundle(res, p)
		if resID == engine.InvalidID {
			log.Printf("lifecycle: instance %s: load bundle %s rejected", id, p)
			continue
		}
		ids = append(ids, resID)
	}
	return ids, nil
}

// IsResourceLoaded reports whether id's resource has finished loading.
func (m *Manager) IsResourceLoaded(id string) (bool, error) {
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
	if inst.resource == nil {
		return false, nil
	}
	return eng.ResourceLoaded(inst.resource.Handle()), nil
}

// DestroyResource drops id's resource. The tasker and any agent client are
// bound to it, so they go too; the tasker is recreated on the next start.
// While an agent handshake is in flight the resource itself outlives this
// call until the handshake settles.
func (m *Manager) DestroyResource(id string) error {
	m.mu.Lock()
	inst, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	client, proc := inst.agentClient, inst.agentProc
	inst.agentClient, inst.agentProc = nil, nil
	tasker, res := inst.tasker, inst.resource
	inst.tasker, inst.resource = nil, nil
	inst.taskIDs = nil
	if inst.agentStarting && inst.pendingRes == nil {
		inst.pendingRes, res = res, nil
	}
	m.mu.Unlock()

	m.stopAgent(client, proc)
	tasker.Destroy()
	res.Destroy()
	log.Printf("lifecycle: instance %s resource destroyed", id)
	return nil
}
