// Package obsolete implements the memoized obsolescence layer: a node is
// obsolete when it has been superseded by a visible successor. The cache
// is an explicit object owned alongside the repository handle; the write
// path invalidates it whenever the mutation store or the visible-heads
// set changes.
package obsolete

import (
	"sync"

	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/node"
	"github.com/eitri-vcs/eitri/internal/resolver"
)

// Cache memoizes obsolescence answers per filter level. A filter level is
// a caller-supplied cache partition key, one per visibility configuration
// of the repository. Safe for concurrent readers.
type Cache struct {
	resolver *resolver.Resolver

	mu     sync.Mutex
	levels map[string]*level
}

type level struct {
	known    map[node.Node]bool // memoized answers, positive and negative
	complete bool               // true after an eager pass
}

// NewCache creates a cache over the given resolver.
func NewCache(r *resolver.Resolver) *Cache {
	return &Cache{
		resolver: r,
		levels:   make(map[string]*level),
	}
}

// IsObsolete lazily answers whether n has been superseded: it walks the
// direct successors of n one hop at a time and short-circuits true as
// soon as any reachable successor is visible or already known obsolete.
// Both outcomes are memoized for the filter level.
func (c *Cache) IsObsolete(filterLevel string, n node.Node) (bool, error) {
	c.mu.Lock()
	lv := c.level(filterLevel)
	if v, ok := lv.known[n]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if lv.complete {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	obs, err := c.walk(filterLevel, n)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.level(filterLevel).known[n] = obs
	c.mu.Unlock()
	return obs, nil
}

func (c *Cache) walk(filterLevel string, start node.Node) (bool, error) {
	seen := node.NewSet(start)
	queue := []node.Node{start}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		entries, err := c.resolver.Store.GetSuccessors(n)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			for _, s := range e.Successors() {
				if c.resolver.Oracles.IsVisible(s) {
					return true, nil
				}
				c.mu.Lock()
				known, ok := c.level(filterLevel).known[s]
				c.mu.Unlock()
				if ok && known {
					return true, nil
				}
				if !seen.Has(s) {
					seen.Add(s)
					queue = append(queue, s)
				}
			}
		}
	}
	return false, nil
}

// ObsoleteNodes eagerly computes every obsolete node for the filter
// level: each non-public rewritten node whose every non-trivial closest
// successors set resolves entirely to visible nodes is a seed; the walk
// then marks every predecessor reachable backwards from a seed obsolete
// too, unless that predecessor is itself visible. The level is marked
// complete so later lazy queries become set-membership checks.
func (c *Cache) ObsoleteNodes(filterLevel string) ([]node.Node, error) {
	rewritten := node.NewSet()
	if err := c.resolver.Store.ForEach(func(e *mutation.Entry) error {
		for _, p := range e.Preds {
			rewritten.Add(p)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	obs := make(map[node.Node]bool)
	var queue []node.Node
	for _, n := range rewritten.Sorted() {
		if c.resolver.Oracles.Phase(n) == resolver.PhasePublic {
			continue
		}
		seed, err := c.isSeed(n)
		if err != nil {
			return nil, err
		}
		if seed {
			obs[n] = true
			queue = append(queue, n)
		}
	}

	// Backwards through predecessors: a predecessor of an obsolete node
	// is obsolete too unless it is itself visible.
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		e, err := c.resolver.Store.Get(n)
		if err != nil {
			return nil, err
		}
		if e == nil {
			if head, ok, err := c.resolver.Store.GetSplitHead(n); err != nil {
				return nil, err
			} else if ok {
				if e, err = c.resolver.Store.Get(head); err != nil {
					return nil, err
				}
			}
		}
		if e == nil {
			continue
		}
		for _, p := range e.Preds {
			if obs[p] || c.resolver.Oracles.IsVisible(p) {
				continue
			}
			obs[p] = true
			queue = append(queue, p)
		}
	}

	c.mu.Lock()
	c.levels[filterLevel] = &level{known: obs, complete: true}
	c.mu.Unlock()

	out := make([]node.Node, 0, len(obs))
	for n := range obs {
		out = append(out, n)
	}
	node.Sort(out)
	return out, nil
}

// isSeed reports whether n resolves, via closest successors sets, to
// replacements that are all visible.
func (c *Cache) isSeed(n node.Node) (bool, error) {
	sets, err := c.resolver.SuccessorsSets(n, true)
	if err != nil {
		return false, err
	}
	nontrivial := false
	for _, set := range sets {
		if len(set) == 1 && set[0] == n {
			continue
		}
		nontrivial = true
		for _, s := range set {
			if !c.resolver.Oracles.IsVisible(s) {
				return false, nil
			}
		}
	}
	return nontrivial, nil
}

// Invalidate clears cached answers for one filter level. The write path
// calls it on every store write and on every visible-heads change.
func (c *Cache) Invalidate(filterLevel string) {
	c.mu.Lock()
	delete(c.levels, filterLevel)
	c.mu.Unlock()
}

// InvalidateAll clears every filter level.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.levels = make(map[string]*level)
	c.mu.Unlock()
}

// level returns the partition for filterLevel, creating it if needed.
// Callers hold c.mu.
func (c *Cache) level(filterLevel string) *level {
	lv, ok := c.levels[filterLevel]
	if !ok {
		lv = &level{known: make(map[node.Node]bool)}
		c.levels[filterLevel] = lv
	}
	return lv
}
