// Package pool shares controller handles between instances.
//
// Controllers are keyed by their configuration fingerprint. Each entry counts
// the instances holding it; the handle is destroyed by whoever receives it
// back from the release that drops the count to zero, so exactly one native
// destroy runs per entry.
package pool

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xfeldman/mxu/internal/engine"
)

// Entry is one pooled controller.
type Entry struct {
	Guard  *engine.Guard
	refs   atomic.Int64
	owners map[string]struct{}
}

// RefCount returns the number of owning instances.
func (e *Entry) RefCount() int64 { return e.refs.Load() }

// Pool maps fingerprints to shared controllers.
//
// Lock order: mu before revMu.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*Entry

	revMu   sync.Mutex
	reverse map[uintptr]string
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		entries: make(map[string]*Entry),
		reverse: make(map[uintptr]string),
	}
}

// Fingerprint returns the pool key for cfg.
func Fingerprint(cfg engine.ControllerConfig) string {
	return cfg.Fingerprint()
}

// Get returns the controller pooled under fp and records instanceID as an
// owner. A second Get by the same owner does not add a reference.
func (p *Pool) Get(fp, instanceID string) (engine.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(fp, instanceID)
}

func (p *Pool) getLocked(fp, instanceID string) (engine.Handle, bool) {
	e, ok := p.entries[fp]
	if !ok {
		return engine.Handle{}, false
	}
	if _, owned := e.owners[instanceID]; !owned {
		e.owners[instanceID] = struct{}{}
		e.refs.Add(1)
	}
	return e.Guard.Handle(), true
}

// Insert pools a freshly created controller with instanceID as its only owner.
// If fp is already pooled the existing entry is kept and false is returned;
// the caller still owns g and must destroy it.
func (p *Pool) Insert(fp string, g *engine.Guard, instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(fp, g, instanceID)
}

func (p *Pool) insertLocked(fp string, g *engine.Guard, instanceID string) bool {
	if _, exists := p.entries[fp]; exists {
		return false
	}
	e := &Entry{Guard: g, owners: map[string]struct{}{instanceID: {}}}
	e.refs.Store(1)
	p.entries[fp] = e

	p.revMu.Lock()
	p.reverse[g.Handle().Addr] = fp
	p.revMu.Unlock()
	return true
}

// Acquire returns the controller for fp, creating and pooling it with create
// when absent. The lookup and insert happen under one lock, so concurrent
// acquirers of the same fingerprint never build two controllers.
func (p *Pool) Acquire(fp, instanceID string, create func() (*engine.Guard, error)) (h engine.Handle, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.getLocked(fp, instanceID); ok {
		return h, false, nil
	}
	g, err := create()
	if err != nil {
		return engine.Handle{}, false, err
	}
	p.insertLocked(fp, g, instanceID)
	return g.Handle(), true, nil
}

// Release drops instanceID's reference to fp. When it was the last one the
// entry is removed and its guard returned; the caller must Destroy it.
// Releasing something not held is a no-op.
func (p *Pool) Release(fp, instanceID string) *engine.Guard {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[fp]
	if !ok {
		return nil
	}
	if _, owned := e.owners[instanceID]; !owned {
		return nil
	}
	delete(e.owners, instanceID)
	if e.refs.Add(-1) > 0 {
		return nil
	}

	delete(p.entries, fp)
	p.revMu.Lock()
	delete(p.reverse, e.Guard.Handle().Addr)
	p.revMu.Unlock()
	log.Printf("pool: last reference to %s released", e.Guard.Handle())
	return e.Guard
}

// FindInstancesByHandle returns the instances sharing the controller at addr,
// sorted. Used to fan engine callbacks out to every owner.
func (p *Pool) FindInstancesByHandle(addr uintptr) []string {
	p.revMu.Lock()
	fp, ok := p.reverse[addr]
	p.revMu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fp]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(e.owners))
	for id := range e.owners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RefCount returns the reference count of fp, or 0 when it is not pooled.
func (p *Pool) RefCount(fp string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[fp]; ok {
		return e.RefCount()
	}
	return 0
}

// Len returns the number of pooled controllers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Drain removes every entry and returns their guards for destruction.
// Used at process shutdown after all instances are gone.
func (p *Pool) Drain() []*engine.Guard {
	p.mu.Lock()
	defer p.mu.Unlock()
	guards := make([]*engine.Guard, 0, len(p.entries))
	for fp, e := range p.entries {
		guards = append(guards, e.Guard)
		delete(p.entries, fp)
	}
	p.revMu.Lock()
	p.reverse = make(map[uintptr]string)
	p.revMu.Unlock()
	return guards
}
