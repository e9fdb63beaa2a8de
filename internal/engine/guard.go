package engine

import "sync"

// Guard owns one native handle and destroys it exactly once.
// Guards for controllers are owned by the pool; every other kind is owned
// by a single instance.
type Guard struct {
	eng    Engine
	handle Handle
	once   sync.Once
	done   bool
	mu     sync.Mutex
}

// NewGuard takes ownership of h.
func NewGuard(eng Engine, h Handle) *Guard {
	return &Guard{eng: eng, handle: h}
}

// Handle returns the guarded handle. It stays readable after Destroy but
// must not be passed to the engine any more.
func (g *Guard) Handle() Handle {
	if g == nil {
		return Handle{}
	}
	return g.handle
}

// Destroy releases the native object. Calls after the first are no-ops, as
// are calls on a nil guard.
func (g *Guard) Destroy() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if !g.handle.IsZero() {
			g.eng.Destroy(g.handle)
		}
		g.mu.Lock()
		g.done = true
		g.mu.Unlock()
	})
}

// Destroyed reports whether Destroy has run.
func (g *Guard) Destroyed() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}
