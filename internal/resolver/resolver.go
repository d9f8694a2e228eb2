// Package resolver implements the mutation-resolution algorithms: given
// the append-only mutation store and the oracles supplied by the
// surrounding repository, it answers what a commit node came from, what
// it is now, what follows it, and how to order rewritten nodes.
//
// The package provides:
// - PredecessorsSet: transitive "what did this come from?"
// - SuccessorsSets: alternative replacement versions, the combinatorial core
// - Foreground: closure over commit-graph descendants and successors
// - Toposort: cycle-checked ordering by ancestry and predecessor order
// - Fate: human-readable rewrite summaries for obsolete nodes
//
// All traversals are iterative with explicit seen sets; a cycle in the
// underlying data terminates the walk instead of looping.
package resolver

import (
	"log"
	"sort"

	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/mutstore"
	"github.com/eitri-vcs/eitri/internal/node"
)

// Phase is the mutability phase of a commit node.
type Phase uint8

const (
	PhasePublic Phase = iota
	PhaseDraft
	PhaseSecret
)

// Oracles are the external collaborators the resolver consults. They are
// supplied by the surrounding repository and never implemented here.
type Oracles interface {
	// IsVisible reports whether n is reachable from the currently
	// visible heads.
	IsVisible(n node.Node) bool

	// Phase returns the phase of n. Used only by Fate.
	Phase(n node.Node) Phase

	// KnownLocally reports whether n exists in the caller's repository.
	// Used by PredecessorsSet's closest termination; distinct from
	// visibility.
	KnownLocally(n node.Node) bool

	// Descendants returns the commit-graph descendants of the given
	// nodes. Used by Foreground.
	Descendants(nodes []node.Node) []node.Node

	// Parents returns the commit-graph parents of n. Used by Toposort.
	Parents(n node.Node) []node.Node
}

// Resolver runs the resolution algorithms over a mutation store. It is
// read-only and safe for concurrent use.
type Resolver struct {
	Store   mutstore.Store
	Oracles Oracles
}

// New creates a resolver over the given store and oracles.
func New(store mutstore.Store, oracles Oracles) *Resolver {
	return &Resolver{Store: store, Oracles: oracles}
}

// lookup returns the entry explaining n, resolving split siblings through
// their head so any member of a split behaves like the head.
func (r *Resolver) lookup(n node.Node) (*mutation.Entry, error) {
	e, err := r.Store.Get(n)
	if err != nil || e != nil {
		return e, err
	}
	head, ok, err := r.Store.GetSplitHead(n)
	if err != nil || !ok {
		return nil, err
	}
	return r.Store.Get(head)
}

// PredecessorsSet answers "what did this come from?": the set of nodes
// start was ultimately rewritten from. With closest=true a predecessor
// stops resolving as soon as it is known locally, while unknown branch
// members keep expanding, so the result can mix resolution depths. With
// closest=false expansion continues to the absolute origin.
func (r *Resolver) PredecessorsSet(start node.Node, closest bool) ([]node.Node, error) {
	seen := node.NewSet(start)
	expanded := node.NewSet()
	frontier := []node.Node{start}
	var result []node.Node

	for len(frontier) > 0 {
		var next []node.Node
		for _, n := range frontier {
			e, err := r.lookup(n)
			if err != nil {
				return nil, err
			}
			if e == nil {
				// Never rewritten: the node is its own predecessor.
				result = append(result, n)
				continue
			}
			expanded.Add(n)
			for _, p := range e.Preds {
				if seen.Has(p) {
					if expanded.Has(p) {
						// Revisiting an already-expanded node means the
						// data contains a cycle. Treat it as a leaf.
						log.Printf("warning: mutation predecessor cycle at %s", p.Short())
						result = append(result, p)
					}
					continue
				}
				seen.Add(p)
				if closest && r.Oracles.KnownLocally(p) {
					result = append(result, p)
				} else {
					next = append(next, p)
				}
			}
		}
		frontier = next
	}

	result = node.Dedup(result)
	node.Sort(result)
	return result, nil
}

// SuccessorsSets answers "what is this now?": the alternative replacement
// versions of start. Each returned set is one coherent replacement
// (length >1 only for a split); more than one set means divergence. With
// closest=true resolution stops at the first visible version of each
// branch; with closest=false it continues to the ultimate version.
func (r *Resolver) SuccessorsSets(start node.Node, closest bool) ([][]node.Node, error) {
	type lineage struct {
		nodes []node.Node
		seen  node.Set // nodes already expanded along this lineage
	}
	items := []*lineage{{nodes: []node.Node{start}, seen: node.NewSet()}}
	warned := node.NewSet()

	for {
		changed := false
		var next []*lineage
		for _, it := range items {
			alts := make([][][]node.Node, len(it.nodes))
			var grown []node.Node
			for i, el := range it.nodes {
				terminal, err := r.directSuccessors(el, start, closest, it.seen, warned)
				if err != nil {
					return nil, err
				}
				if terminal == nil {
					alts[i] = [][]node.Node{{el}}
					continue
				}
				alts[i] = terminal
				grown = append(grown, el)
			}
			if len(grown) == 0 {
				next = append(next, it)
				continue
			}
			changed = true
			for _, combo := range succProduct(alts) {
				seen := node.NewSet()
				for n := range it.seen {
					seen.Add(n)
				}
				for _, el := range grown {
					seen.Add(el)
				}
				next = append(next, &lineage{nodes: combo, seen: seen})
			}
		}
		items = next
		if !changed {
			break
		}
	}

	sets := make([][]node.Node, len(items))
	for i, it := range items {
		sets[i] = it.nodes
	}
	sets = dedupSets(sets)
	sets = pruneSubsets(sets)
	sortSets(sets)
	return sets, nil
}

// directSuccessors returns the alternative one-hop replacements of el, or
// nil when el is terminal for this walk (no entries, frozen by visibility
// in closest mode, or a defensive cycle stop).
func (r *Resolver) directSuccessors(el, start node.Node, closest bool, seen, warned node.Set) ([][]node.Node, error) {
	if seen.Has(el) {
		// The walk came back to a node it already rewrote: the data
		// contains a cycle. Stop here rather than loop.
		if !warned.Has(el) {
			warned.Add(el)
			log.Printf("warning: mutation successor cycle at %s", el.Short())
		}
		return nil, nil
	}
	if closest && el != start && r.Oracles.IsVisible(el) {
		return nil, nil
	}
	entries, err := r.Store.GetSuccessors(el)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([][]node.Node, len(entries))
	for i, e := range entries {
		out[i] = e.Successors()
	}
	return out, nil
}

// succProduct combines the per-element alternatives of one successor set
// via cartesian product, deduplicating a node that appears in multiple
// positions of the same combination.
func succProduct(alts [][][]node.Node) [][]node.Node {
	combos := [][]node.Node{nil}
	for _, alternatives := range alts {
		next := make([][]node.Node, 0, len(combos)*len(alternatives))
		for _, combo := range combos {
			for _, alt := range alternatives {
				merged := make([]node.Node, 0, len(combo)+len(alt))
				present := node.NewSet()
				for _, n := range combo {
					merged = append(merged, n)
					present.Add(n)
				}
				for _, n := range alt {
					if !present.Has(n) {
						merged = append(merged, n)
						present.Add(n)
					}
				}
				next = append(next, merged)
			}
		}
		combos = next
	}
	return combos
}

// dedupSets removes successor sets with identical node-set identity,
// keeping the first occurrence.
func dedupSets(sets [][]node.Node) [][]node.Node {
	seen := make(map[string]bool, len(sets))
	out := sets[:0:0]
	for _, set := range sets {
		k := setKey(set)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, set)
	}
	return out
}

// pruneSubsets drops any set that is a strict subset of another,
// keeping the richer one.
func pruneSubsets(sets [][]node.Node) [][]node.Node {
	keyed := make([]node.Set, len(sets))
	for i, set := range sets {
		keyed[i] = node.NewSet(set...)
	}
	out := sets[:0:0]
	for i, set := range sets {
		strict := false
		for j := range sets {
			if i == j || len(keyed[i]) >= len(keyed[j]) {
				continue
			}
			covered := true
			for n := range keyed[i] {
				if !keyed[j].Has(n) {
					covered = false
					break
				}
			}
			if covered {
				strict = true
				break
			}
		}
		if !strict {
			out = append(out, set)
		}
	}
	return out
}

// sortSets orders sets deterministically: shorter first, then
// element-wise by node bytes. Order inside each set is preserved.
func sortSets(sets [][]node.Node) {
	sort.SliceStable(sets, func(i, j int) bool {
		a, b := sets[i], sets[j]
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		for k := range a {
			if c := node.Compare(a[k], b[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func setKey(set []node.Node) string {
	sorted := append([]node.Node(nil), set...)
	node.Sort(sorted)
	k := make([]byte, 0, len(sorted)*node.Size)
	for _, n := range sorted {
		k = append(k, n[:]...)
	}
	return string(k)
}
