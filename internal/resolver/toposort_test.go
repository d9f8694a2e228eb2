package resolver

import (
	"errors"
	"testing"

	"github.com/eitri-vcs/eitri/internal/node"
)

func indexOf(nodes []node.Node, n node.Node) int {
	for i, x := range nodes {
		if x == n {
			return i
		}
	}
	return -1
}

func TestToposortAncestryOrder(t *testing.T) {
	a, b, c := nd("a"), nd("b"), nd("c")
	r, o := newResolver(t)
	o.addChild(a, b)
	o.addChild(b, c)

	got, err := r.Toposort([]node.Node{c, a, b})
	if err != nil {
		t.Fatalf("Toposort failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Toposort returned %d nodes, want 3", len(got))
	}
	if indexOf(got, a) > indexOf(got, b) || indexOf(got, b) > indexOf(got, c) {
		t.Errorf("ancestry order violated: %v", got)
	}
}

func TestToposortPredecessorOrder(t *testing.T) {
	// b is the amended version of a; a must sort before b even with no
	// commit-graph relation between them.
	a, b := nd("a"), nd("b")
	r, o := newResolver(t, rewrite("amend", b, a))
	o.known.Add(a)

	got, err := r.Toposort([]node.Node{b, a})
	if err != nil {
		t.Fatalf("Toposort failed: %v", err)
	}
	if indexOf(got, a) > indexOf(got, b) {
		t.Errorf("predecessor order violated: %v", got)
	}
}

func TestToposortIgnoresOutsideRelations(t *testing.T) {
	// The relation a -> b only matters if both ends are in the input.
	a, b, c := nd("a"), nd("b"), nd("c")
	r, o := newResolver(t)
	o.addChild(a, b)

	got, err := r.Toposort([]node.Node{b, c})
	if err != nil {
		t.Fatalf("Toposort failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Toposort returned %d nodes, want 2", len(got))
	}
}

func TestToposortDeterministic(t *testing.T) {
	nodes := []node.Node{nd("w"), nd("x"), nd("y"), nd("z")}
	r, _ := newResolver(t)

	first, err := r.Toposort(nodes)
	if err != nil {
		t.Fatalf("Toposort failed: %v", err)
	}
	reversed := []node.Node{nodes[3], nodes[2], nodes[1], nodes[0]}
	second, err := r.Toposort(reversed)
	if err != nil {
		t.Fatalf("Toposort failed: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("unstable order:\n  %v\nvs\n  %v", first, second)
		}
	}
}

func TestToposortCycle(t *testing.T) {
	// a is b's commit-graph parent while b is a's mutation predecessor:
	// a genuine ordering contradiction.
	a, b := nd("a"), nd("b")
	r, o := newResolver(t, rewrite("amend", a, b))
	o.addChild(a, b)
	o.known.Add(b)

	if _, err := r.Toposort([]node.Node{a, b}); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}
