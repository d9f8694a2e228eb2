package resolver

import "github.com/eitri-vcs/eitri/internal/node"

// Fate is one resolved outcome of an obsolete node: the replacement set
// and the operation label shown to the user.
type Fate struct {
	Successors []node.Node
	Op         string
}

// Fate summarizes what happened to an obsolete node. For each closest
// successors set other than the node itself: a multi-node set is a
// "split"; a single public successor is a "land"; anything else is a
// "rewrite". When the entry explaining the set's head lists n among its
// predecessors, its recorded operation wins.
func (r *Resolver) Fate(n node.Node) ([]Fate, error) {
	sets, err := r.SuccessorsSets(n, true)
	if err != nil {
		return nil, err
	}

	var out []Fate
	for _, set := range sets {
		if len(set) == 1 && set[0] == n {
			continue
		}

		var label string
		switch {
		case len(set) > 1:
			label = "split"
		case r.Oracles.Phase(set[0]) == PhasePublic:
			label = "land"
		default:
			label = "rewrite"
		}

		head := set[len(set)-1]
		e, err := r.Store.Get(head)
		if err != nil {
			return nil, err
		}
		if e != nil && e.Op != "" && e.HasPredecessor(n) {
			label = e.Op
		}

		out = append(out, Fate{Successors: set, Op: label})
	}
	return out, nil
}
