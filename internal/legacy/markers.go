// Package legacy converts obsolescence markers, the historical
// representation of rewrite history, into mutation entries so a
// repository can migrate onto the store-based model. Conversion is
// deterministic and order-stable: markers are processed in date order
// and invalid or redundant markers are dropped, never guessed at.
package legacy

import (
	"sort"

	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/node"
)

// Marker is one legacy obsolescence marker.
type Marker struct {
	Pred    node.Node
	Succs   []node.Node
	Flags   uint32
	Meta    map[string]string
	Time    float64
	TZ      int32
	Parents []node.Node // recorded parents of the predecessor
}

// Operation returns the operation label recorded in the marker metadata.
func (m *Marker) Operation() string {
	return m.Meta["operation"]
}

// droppedOps are operations that rewind history rather than advance it;
// replaying them as mutation entries would resurrect the undone edges.
var droppedOps = map[string]bool{
	"undo":     true,
	"uncommit": true,
	"unamend":  true,
}

// pending accumulates the markers contributing to one successor before
// the final validity checks.
type pending struct {
	preds   []node.Node
	split   []node.Node
	op      string
	user    string
	time    float64
	tz      int32
	isSplit bool // produced by a multi-successor marker
}

// Convert turns legacy markers into mutation entries. It drops prune
// markers (no successors), no-op revive markers (the single successor is
// the predecessor itself), markers recorded by undo-style operations,
// markers that would introduce a predecessor-successor cycle, and
// accumulated records that are simultaneously a fold target and a split
// producer. Markers sharing a successor merge into a fold record; the
// last-seen multi-successor marker is authoritative for the split list.
func Convert(markers []Marker) []*mutation.Entry {
	sorted := append([]Marker(nil), markers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time < sorted[j].Time
	})

	recs := make(map[node.Node]*pending)
	var order []node.Node                    // first-seen successor order
	splitInto := node.NewSet()               // nodes produced by a split
	edges := make(map[node.Node][]node.Node) // accepted pred -> produced nodes

	for _, m := range sorted {
		if len(m.Succs) == 0 {
			continue // prune
		}
		if len(m.Succs) == 1 && m.Succs[0] == m.Pred {
			continue // no-op revive
		}
		if droppedOps[m.Operation()] {
			continue
		}
		head := m.Succs[len(m.Succs)-1]
		if head == m.Pred || selfReferential(m) {
			continue
		}
		if closesCycle(edges, m) {
			// The predecessor is already downstream of one of the
			// successors; accepting this marker would close a cycle.
			continue
		}

		rec, ok := recs[head]
		if !ok {
			rec = &pending{}
			recs[head] = rec
			order = append(order, head)
		}
		if !hasNode(rec.preds, m.Pred) {
			rec.preds = append(rec.preds, m.Pred)
		}
		if len(m.Succs) > 1 {
			rec.split = append([]node.Node(nil), m.Succs[:len(m.Succs)-1]...)
			rec.isSplit = true
			for _, s := range m.Succs {
				splitInto.Add(s)
			}
		}
		if op := m.Operation(); op != "" {
			rec.op = op
		}
		if u := m.Meta["user"]; u != "" {
			rec.user = u
		}
		rec.time = m.Time
		rec.tz = m.TZ
		edges[m.Pred] = append(edges[m.Pred], m.Succs...)
	}

	var entries []*mutation.Entry
	for _, head := range order {
		rec := recs[head]
		folded := len(rec.preds) > 1
		if folded && (rec.isSplit || splitInto.Has(head)) {
			// Both split-into and folded-from: genuinely conflicting
			// history, dropped as invalid.
			continue
		}
		e := &mutation.Entry{
			Origin: mutation.OriginObsmarker,
			Succ:   head,
			Preds:  rec.preds,
			Split:  rec.split,
			Op:     rec.op,
			User:   rec.user,
			Time:   rec.time,
			TZ:     rec.tz,
		}
		if e.Validate() != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func selfReferential(m Marker) bool {
	for _, s := range m.Succs {
		if s == m.Pred {
			return true
		}
	}
	return false
}

func hasNode(nodes []node.Node, n node.Node) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}

// closesCycle reports whether any successor of m, the split siblings
// included, already reaches back to m's predecessor over the accepted
// edges.
func closesCycle(edges map[node.Node][]node.Node, m Marker) bool {
	for _, s := range m.Succs {
		if reachable(edges, s, m.Pred) {
			return true
		}
	}
	return false
}

// reachable reports whether target can be reached from start over the
// accepted predecessor-to-successor edges.
func reachable(edges map[node.Node][]node.Node, start, target node.Node) bool {
	if start == target {
		return true
	}
	seen := node.NewSet(start)
	queue := []node.Node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, s := range edges[n] {
			if s == target {
				return true
			}
			if !seen.Has(s) {
				seen.Add(s)
				queue = append(queue, s)
			}
		}
	}
	return false
}
