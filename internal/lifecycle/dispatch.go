package lifecycle

import (
	"log"
	"sync"

	"github.com/xfeldman/mxu/internal/engine"
	"github.com/xfeldman/mxu/internal/events"
)

const callbackQueueSize = 1024

// dispatcher moves engine callbacks off the engine's thread. The sink only
// enqueues; run resolves the owning instances and emits engine-callback.
type dispatcher struct {
	m     *Manager
	queue chan engine.Event
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newDispatcher(m *Manager) *dispatcher {
	return &dispatcher{
		m:     m,
		queue: make(chan engine.Event, callbackQueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// enqueue is the engine sink. It never blocks.
func (d *dispatcher) enqueue(ev engine.Event) {
	select {
	case d.queue <- ev:
	default:
		log.Printf("lifecycle: callback queue full, dropping %s for %s", ev.Message, ev.Handle)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.quit:
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.quit) })
	<-d.done
}

func (d *dispatcher) deliver(ev engine.Event) {
	d.m.emitter.Emit(events.EngineCallback, events.EngineCallbackPayload{
		Handle:      ev.Handle.String(),
		Kind:        ev.Handle.Kind.String(),
		Message:     ev.Message,
		Details:     ev.Details,
		InstanceIDs: d.m.owners(ev.Handle),
	})
}

// owners returns the instances holding h. Controllers are resolved through
// the pool since several instances may share one; everything else has a
// single owner found in the instance map.
func (m *Manager) owners(h engine.Handle) []string {
	if ids := m.pool.FindInstancesByHandle(h.Addr); len(ids) > 0 {
		return ids
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		if inst.resource.Handle().Addr == h.Addr ||
			inst.tasker.Handle().Addr == h.Addr ||
			inst.agentClient.Handle().Addr == h.Addr {
			return []string{id}
		}
	}
	return []string{}
}
