package engine

import (
	"sync"

	"github.com/dreamware/cortex/internal/concept"
)

// pinSet tracks concepts currently held by a pending cross-shard 2PC
// transaction (internal/shardrouter), so a concurrent delete cannot
// invalidate a record a coordinator is mid-way through committing
// elsewhere (spec §4.7: "pins the affected records so concurrent writers
// cannot invalidate them"). A concept may be pinned by more than one
// in-flight transaction at once, hence the refcount.
type pinSet struct {
	mu    sync.Mutex
	count map[concept.Identifier]int
}

func newPinSet() *pinSet {
	return &pinSet{count: make(map[concept.Identifier]int)}
}

func (p *pinSet) pin(id concept.Identifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count[id]++
}

func (p *pinSet) unpin(id concept.Identifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count[id] <= 1 {
		delete(p.count, id)
		return
	}
	p.count[id]--
}

func (p *pinSet) isPinned(id concept.Identifier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count[id] > 0
}

// Pin and Unpin are the exported hooks internal/shardrouter's 2PC
// coordinator calls around a prepare/commit-or-abort cycle.
func (e *Engine) Pin(id concept.Identifier)   { e.pins.pin(id) }
func (e *Engine) Unpin(id concept.Identifier) { e.pins.unpin(id) }

func (e *Engine) isPinned(id concept.Identifier) bool { return e.pins.isPinned(id) }
