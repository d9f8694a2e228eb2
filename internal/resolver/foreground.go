package resolver

import "github.com/eitri-vcs/eitri/internal/node"

// Foreground computes the transitive closure of nodes reachable from the
// input by repeatedly following either commit-graph children or mutation
// successors, alternating a descendants query against the commit-graph
// oracle with one round of successor lookups until a fixed point. It is
// used to decide what else becomes unreachable when a set of commits is
// discarded.
func (r *Resolver) Foreground(nodes []node.Node) ([]node.Node, error) {
	fg := node.NewSet(nodes...)

	for {
		before := len(fg)

		for _, d := range r.Oracles.Descendants(fg.Sorted()) {
			fg.Add(d)
		}

		for _, n := range fg.Sorted() {
			entries, err := r.Store.GetSuccessors(n)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				for _, s := range e.Successors() {
					fg.Add(s)
				}
			}
		}

		if len(fg) == before {
			return fg.Sorted(), nil
		}
	}
}
