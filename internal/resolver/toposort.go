package resolver

import (
	"errors"
	"sort"

	"github.com/eitri-vcs/eitri/internal/node"
)

// ErrCycle is returned by Toposort when the input nodes form a genuine
// cycle under the combined ancestry and predecessor order. Unlike the
// defensive stops inside set resolution, this is an integrity violation
// reported to the caller, never silently resolved.
var ErrCycle = errors.New("cyclic mutation/ancestry")

// Toposort orders items so that commit-graph parents and mutation
// predecessors come before the nodes derived from them. Only order
// relations between members of the input set are considered. The result
// is deterministic: ties break by node bytes.
func (r *Resolver) Toposort(items []node.Node) ([]node.Node, error) {
	items = node.Dedup(items)
	inSet := node.NewSet(items...)

	// Explicit adjacency restricted to the input set.
	indegree := make(map[node.Node]int, len(items))
	children := make(map[node.Node][]node.Node, len(items))
	for _, n := range items {
		indegree[n] = 0
	}
	for _, n := range items {
		var before []node.Node
		for _, p := range r.Oracles.Parents(n) {
			if inSet.Has(p) && p != n {
				before = append(before, p)
			}
		}
		preds, err := r.PredecessorsSet(n, true)
		if err != nil {
			return nil, err
		}
		for _, p := range preds {
			if inSet.Has(p) && p != n {
				before = append(before, p)
			}
		}
		for _, p := range node.Dedup(before) {
			children[p] = append(children[p], n)
			indegree[n]++
		}
	}

	var ready []node.Node
	for _, n := range items {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	node.Sort(ready)

	out := make([]node.Node, 0, len(items))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, c := range children[n] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = insertSorted(ready, c)
			}
		}
	}

	if len(out) != len(items) {
		return nil, ErrCycle
	}
	return out, nil
}

func insertSorted(nodes []node.Node, n node.Node) []node.Node {
	i := sort.Search(len(nodes), func(i int) bool {
		return node.Compare(nodes[i], n) >= 0
	})
	nodes = append(nodes, node.Node{})
	copy(nodes[i+1:], nodes[i:])
	nodes[i] = n
	return nodes
}
