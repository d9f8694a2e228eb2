// Package mutstore implements the append-only mutation store: persistence
// and exchange of mutation entries keyed by successor node.
//
// This package provides:
// - The Store contract consumed by the resolver algorithms
// - Mem, a map-backed store for tests, bundle replay and legacy conversion
// - Bolt, the durable bbolt-backed store with buffered, transactional writes
// - Bundle/Unbundle for exchanging entry closures alongside commit data
package mutstore

import (
	"sync"

	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/node"
)

// Store is the mutation store contract. A missing entry is the normal
// "terminal node" signal, reported as (nil, nil), never as an error.
type Store interface {
	// Get returns the entry that explains n as a successor, or nil if n
	// has never been rewritten.
	Get(n node.Node) (*mutation.Entry, error)

	// GetSuccessors returns every entry that lists n among its
	// predecessors, i.e. every direct rewrite of n.
	GetSuccessors(n node.Node) ([]*mutation.Entry, error)

	// GetSplitHead returns the successor of the entry whose split list
	// contains n, so split siblings resolve like their head.
	GetSplitHead(n node.Node) (node.Node, bool, error)

	// Has reports whether an entry exists for n as a successor.
	Has(n node.Node) (bool, error)

	// Add appends an entry. Exact duplicate (predecessors, successor,
	// operation) tuples are merged silently so bundle replay is
	// idempotent. A new entry for an already-explained successor
	// replaces the old record.
	Add(e *mutation.Entry) error

	// Flush durably persists buffered entries. Callers invoke it inside
	// the owning transaction's commit path.
	Flush() error

	// ForEach calls fn for every stored entry, buffered or persisted.
	ForEach(fn func(*mutation.Entry) error) error
}

// Mem is an in-memory Store with thread-safe access. Entries are treated
// as immutable by contract and stored without copying.
type Mem struct {
	mu     sync.RWMutex
	bySucc map[node.Node]*mutation.Entry
	byPred map[node.Node][]node.Node // predecessor -> successor keys
	splits map[node.Node]node.Node   // split sibling -> head successor
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		bySucc: make(map[node.Node]*mutation.Entry),
		byPred: make(map[node.Node][]node.Node),
		splits: make(map[node.Node]node.Node),
	}
}

// Get implements Store.Get.
func (m *Mem) Get(n node.Node) (*mutation.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySucc[n], nil
}

// GetSuccessors implements Store.GetSuccessors.
func (m *Mem) GetSuccessors(n node.Node) ([]*mutation.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	succs := m.byPred[n]
	if len(succs) == 0 {
		return nil, nil
	}
	entries := make([]*mutation.Entry, 0, len(succs))
	for _, s := range succs {
		if e := m.bySucc[s]; e != nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// GetSplitHead implements Store.GetSplitHead.
func (m *Mem) GetSplitHead(n node.Node) (node.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	head, ok := m.splits[n]
	return head, ok, nil
}

// Has implements Store.Has.
func (m *Mem) Has(n node.Node) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bySucc[n]
	return ok, nil
}

// Add implements Store.Add.
func (m *Mem) Add(e *mutation.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old := m.bySucc[e.Succ]; old != nil {
		if old.Key() == e.Key() {
			return nil // duplicate, bundle replay
		}
		m.unlink(old)
	}
	m.bySucc[e.Succ] = e
	m.link(e)
	return nil
}

// Flush implements Store.Flush. The in-memory store has nothing to persist.
func (m *Mem) Flush() error { return nil }

// ForEach implements Store.ForEach, visiting entries in successor order.
func (m *Mem) ForEach(fn func(*mutation.Entry) error) error {
	m.mu.RLock()
	succs := make([]node.Node, 0, len(m.bySucc))
	for s := range m.bySucc {
		succs = append(succs, s)
	}
	m.mu.RUnlock()

	node.Sort(succs)
	for _, s := range succs {
		m.mu.RLock()
		e := m.bySucc[s]
		m.mu.RUnlock()
		if e == nil {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (m *Mem) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySucc)
}

func (m *Mem) link(e *mutation.Entry) {
	for _, p := range e.Preds {
		m.byPred[p] = append(m.byPred[p], e.Succ)
	}
	for _, s := range e.Split {
		m.splits[s] = e.Succ
	}
}

func (m *Mem) unlink(e *mutation.Entry) {
	for _, p := range e.Preds {
		succs := m.byPred[p]
		for i, s := range succs {
			if s == e.Succ {
				m.byPred[p] = append(succs[:i], succs[i+1:]...)
				break
			}
		}
		if len(m.byPred[p]) == 0 {
			delete(m.byPred, p)
		}
	}
	for _, s := range e.Split {
		if m.splits[s] == e.Succ {
			delete(m.splits, s)
		}
	}
}
