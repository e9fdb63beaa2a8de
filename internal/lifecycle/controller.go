package lifecycle

import (
	"encoding/base64"
	"log"

	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/errdefs"
	"github.com/xfeldman/mxu/internal/pool"
)

// ConnectionStatus is the coarse controller state shown to the UI.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "Disconnected"
	Connected    ConnectionStatus = "Connected"
)

// Connect attaches id to the controller described by cfg and posts the
// asynchronous connect. The returned id completes through TaskStatus-style
// polling or an engine-callback event.
//
// Instances with equal configurations share one native controller. Switching
// to a different configuration acquires the new controller, rebinds the
// tasker, and only then releases the old reference.
func (m *Manager) Connect(id string, cfg engine.ControllerConfig) (engine.ID, error) {
	eng, err := m.Engine()
	if err != nil {
		return engine.InvalidID, err
	}
	if err := cfg.Validate(); err != nil {
		return engine.InvalidID, err
	}
	fp := pool.Fingerprint(cfg)

	m.mu.Lock()
	connID, err := m.connectLocked(eng, id, cfg, fp)
	m.mu.Unlock()
	if err != nil {
		return engine.InvalidID, err
	}
	m.notifyChange(id, ChangeConnected)
	return connID, nil
}

func (m *Manager) connectLocked(eng engine.Engine, id string, cfg engine.ControllerConfig, fp string) (engine.ID, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return engine.InvalidID, err
	}

	h, created, err := m.pool.Acquire(fp, id, func() (*engine.Guard, error) {
		return m.newController(eng, cfg)
	})
	if err != nil {
		return engine.InvalidID, err
	}
	if created {
		log.Printf("lifecycle: instance %s created %s controller %s", id, cfg.Type, h)
	} else if inst.fingerprint != fp {
		log.Printf("lifecycle: instance %s shares controller %s (refs %d)", id, h, m.pool.RefCount(fp))
	}

	oldFP := inst.fingerprint
	inst.controller, inst.fingerprint, inst.ctrlType = h, fp, cfg.Type
	if inst.tasker != nil && oldFP != fp {
		if !eng.BindController(inst.tasker.Handle(), h) {
			log.Printf("lifecycle: instance %s: rebind tasker to %s failed", id, h)
		}
	}
	if oldFP != "" && oldFP != fp {
		if g := m.pool.Release(oldFP, id); g != nil {
			g.Destroy()
		}
	}

	connID := eng.PostConnection(h)
	if connID == engine.InvalidID {
		return engine.InvalidID, errdefs.NativeFailuref("instance %s: post connection failed", id)
	}
	log.Printf("lifecycle: instance %s connecting (id %d)", id, connID)
	return connID, nil
}

func (m *Manager) newController(eng engine.Engine, cfg engine.ControllerConfig) (*engine.Guard, error) {
	h, err := eng.CreateController(cfg, m.agentPath)
	if err != nil {
		return nil, errdefs.NativeFailuref("create %s controller: %v", cfg.Type, err)
	}
	if h.IsZero() {
		return nil, errdefs.NativeFailuref("create %s controller returned a null handle", cfg.Type)
	}
	eng.Subscribe(h)
	if !eng.SetScreenshotShortSide(h, m.shortSide) {
		log.Printf("lifecycle: set screenshot short side %d on %s failed", m.shortSide, h)
	}
	return engine.NewGuard(eng, h), nil
}

// controllerOf returns id's controller, or an error if it has none.
func (m *Manager) controllerOf(id string) (engine.Engine, engine.Handle, error) {
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
	if inst.controller.IsZero() {
		return nil, engine.Handle{}, errdefs.NotFoundf("instance %s: controller not connected", id)
	}
	return eng, inst.controller, nil
}

// ConnectionStatus reports whether id's controller is connected.
func (m *Manager) ConnectionStatus(id string) (ConnectionStatus, error) {
	eng, err := m.Engine()
	if err != nil {
		return Disconnected, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.lookup(id)
	if err != nil {
		return Disconnected, err
	}
	if inst.controller.IsZero() || !eng.Connected(inst.controller) {
		return Disconnected, nil
	}
	return Connected, nil
}

// PostScreencap asks id's controller for a fresh screenshot.
func (m *Manager) PostScreencap(id string) (engine.ID, error) {
	eng, h, err := m.controllerOf(id)
	if err != nil {
		return engine.InvalidID, err
	}
	capID := eng.PostScreencap(h)
	if capID == engine.InvalidID {
		return engine.InvalidID, errdefs.NativeFailuref("instance %s: post screencap failed", id)
	}
	return capID, nil
}

// CachedImage returns the controller's last screenshot as a PNG data URL.
func (m *Manager) CachedImage(id string) (string, error) {
	eng, h, err := m.controllerOf(id)
	if err != nil {
		return "", err
	}
	png, err := eng.CachedImage(h)
	if err != nil {
		return "", errdefs.NativeFailuref("instance %s: cached image: %v", id, err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
