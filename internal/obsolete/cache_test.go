package obsolete

import (
	"math/rand"
	"testing"

	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/mutstore"
	"github.com/eitri-vcs/eitri/internal/node"
	"github.com/eitri-vcs/eitri/internal/resolver"
)

func nd(s string) node.Node {
	return node.Sum([]byte(s))
}

type fakeOracles struct {
	visible node.Set
	public  node.Set
}

func newOracles() *fakeOracles {
	return &fakeOracles{visible: node.NewSet(), public: node.NewSet()}
}

func (f *fakeOracles) IsVisible(n node.Node) bool { return f.visible.Has(n) }

func (f *fakeOracles) Phase(n node.Node) resolver.Phase {
	if f.public.Has(n) {
		return resolver.PhasePublic
	}
	return resolver.PhaseDraft
}

func (f *fakeOracles) KnownLocally(node.Node) bool         { return true }
func (f *fakeOracles) Descendants([]node.Node) []node.Node { return nil }
func (f *fakeOracles) Parents(node.Node) []node.Node       { return nil }

func rewrite(op string, succ node.Node, preds ...node.Node) *mutation.Entry {
	return &mutation.Entry{Origin: mutation.OriginCommit, Succ: succ, Preds: preds, Op: op}
}

func newCache(t *testing.T, entries ...*mutation.Entry) (*Cache, *fakeOracles) {
	t.Helper()
	s := mutstore.NewMem()
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	o := newOracles()
	return NewCache(resolver.New(s, o)), o
}

func TestAmendObsoletesPredecessor(t *testing.T) {
	a, b := nd("a"), nd("b")
	c, o := newCache(t, rewrite("amend", b, a))
	o.visible.Add(b)

	obs, err := c.IsObsolete("default", a)
	if err != nil {
		t.Fatalf("IsObsolete failed: %v", err)
	}
	if !obs {
		t.Error("rewritten node with visible successor not obsolete")
	}

	obs, err = c.IsObsolete("default", b)
	if err != nil {
		t.Fatalf("IsObsolete failed: %v", err)
	}
	if obs {
		t.Error("tip node reported obsolete")
	}
}

func TestHiddenSuccessorNotObsolete(t *testing.T) {
	a, b := nd("a"), nd("b")
	c, _ := newCache(t, rewrite("amend", b, a))

	obs, err := c.IsObsolete("default", a)
	if err != nil {
		t.Fatalf("IsObsolete failed: %v", err)
	}
	if obs {
		t.Error("node obsolete although its only successor is hidden")
	}
}

func TestTransitiveObsolescence(t *testing.T) {
	// a -> b -> c with only c visible: both a and b are superseded.
	a, b, cc := nd("a"), nd("b"), nd("c")
	c, o := newCache(t, rewrite("amend", b, a), rewrite("amend", cc, b))
	o.visible.Add(cc)

	for _, n := range []node.Node{a, b} {
		obs, err := c.IsObsolete("default", n)
		if err != nil {
			t.Fatalf("IsObsolete failed: %v", err)
		}
		if !obs {
			t.Errorf("%s not obsolete despite visible transitive successor", n.Short())
		}
	}
}

func TestMemoizationSurvivesOracleChange(t *testing.T) {
	a, b := nd("a"), nd("b")
	c, o := newCache(t, rewrite("amend", b, a))
	o.visible.Add(b)

	if obs, _ := c.IsObsolete("default", a); !obs {
		t.Fatal("expected obsolete before oracle change")
	}

	// The oracle changed but nobody invalidated: the memoized answer
	// sticks until Invalidate.
	delete(o.visible, b)
	if obs, _ := c.IsObsolete("default", a); !obs {
		t.Error("memoized answer lost without invalidation")
	}

	c.Invalidate("default")
	if obs, _ := c.IsObsolete("default", a); obs {
		t.Error("stale answer survived invalidation")
	}
}

func TestFilterLevelsAreIndependent(t *testing.T) {
	a, b := nd("a"), nd("b")
	c, o := newCache(t, rewrite("amend", b, a))
	o.visible.Add(b)

	if obs, _ := c.IsObsolete("served", a); !obs {
		t.Fatal("expected obsolete in first level")
	}

	delete(o.visible, b)
	// A fresh level consults the oracle anew.
	if obs, _ := c.IsObsolete("visible", a); obs {
		t.Error("second filter level inherited the first level's answer")
	}
	// The first level still serves its memoized answer.
	if obs, _ := c.IsObsolete("served", a); !obs {
		t.Error("first filter level lost its memoized answer")
	}
}

func TestObsoleteNodesEager(t *testing.T) {
	// a -> b -> c visible; x -> y hidden; p (public) -> q visible.
	a, b, cc := nd("a"), nd("b"), nd("c")
	x, y := nd("x"), nd("y")
	p, q := nd("p"), nd("q")
	c, o := newCache(t,
		rewrite("amend", b, a),
		rewrite("amend", cc, b),
		rewrite("amend", y, x),
		rewrite("rebase", q, p),
	)
	o.visible.Add(cc)
	o.visible.Add(q)
	o.public.Add(p)

	got, err := c.ObsoleteNodes("default")
	if err != nil {
		t.Fatalf("ObsoleteNodes failed: %v", err)
	}
	want := node.NewSet(a, b)
	if len(got) != 2 || !want.Has(got[0]) || !want.Has(got[1]) {
		t.Errorf("ObsoleteNodes = %v, want {a, b}", got)
	}

	// Complete level: lazy queries become membership checks, including
	// negative answers for nodes never computed.
	for _, tc := range []struct {
		n    node.Node
		want bool
	}{{a, true}, {b, true}, {cc, false}, {x, false}, {p, false}, {nd("other"), false}} {
		obs, err := c.IsObsolete("default", tc.n)
		if err != nil {
			t.Fatalf("IsObsolete failed: %v", err)
		}
		if obs != tc.want {
			t.Errorf("IsObsolete(%s) = %v after eager pass, want %v", tc.n.Short(), obs, tc.want)
		}
	}
}

func TestObsoleteNodesSplit(t *testing.T) {
	// a split into (d, c): a is obsolete only when the whole set is visible.
	a, cc, d := nd("a"), nd("c"), nd("d")
	e := rewrite("split", cc, a)
	e.Split = []node.Node{d}
	c, o := newCache(t, e)
	o.visible.Add(cc)

	got, err := c.ObsoleteNodes("default")
	if err != nil {
		t.Fatalf("ObsoleteNodes failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("split with hidden sibling marked obsolete: %v", got)
	}

	o.visible.Add(d)
	c.Invalidate("default")
	got, err = c.ObsoleteNodes("default")
	if err != nil {
		t.Fatalf("ObsoleteNodes failed: %v", err)
	}
	if len(got) != 1 || got[0] != a {
		t.Errorf("ObsoleteNodes = %v, want {a}", got)
	}
}

// randomForest builds an acyclic history whose terminal successors are all
// visible, the regime where the lazy and eager rules agree.
func randomForest(rng *rand.Rand, o *fakeOracles, s *mutstore.Mem) node.Set {
	all := node.NewSet()
	counter := 0
	fresh := func() node.Node {
		counter++
		n := node.Sum([]byte{byte(counter), byte(rng.Intn(256))})
		all.Add(n)
		return n
	}

	tips := []node.Node{fresh(), fresh(), fresh()}
	for i := 0; i < 12; i++ {
		switch rng.Intn(3) {
		case 0:
			pred := tips[rng.Intn(len(tips))]
			succ := fresh()
			s.Add(rewrite("amend", succ, pred))
			tips = append(tips, succ)
		case 1:
			i1, i2 := rng.Intn(len(tips)), rng.Intn(len(tips))
			if tips[i1] == tips[i2] {
				continue
			}
			succ := fresh()
			s.Add(rewrite("fold", succ, tips[i1], tips[i2]))
			tips = append(tips, succ)
		case 2:
			pred := tips[rng.Intn(len(tips))]
			head, sibling := fresh(), fresh()
			e := rewrite("split", head, pred)
			e.Split = []node.Node{sibling}
			s.Add(e)
			tips = append(tips, head, sibling)
		}
	}

	used := node.NewSet()
	s.ForEach(func(e *mutation.Entry) error {
		for _, p := range e.Preds {
			used.Add(p)
		}
		return nil
	})
	for n := range all {
		if !used.Has(n) {
			o.visible.Add(n)
		}
	}
	return all
}

func TestLazyAgreesWithEager(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		s := mutstore.NewMem()
		o := newOracles()
		all := randomForest(rng, o, s)
		r := resolver.New(s, o)

		lazy := NewCache(r)
		eager := NewCache(r)
		got, err := eager.ObsoleteNodes("default")
		if err != nil {
			t.Fatalf("trial %d: ObsoleteNodes failed: %v", trial, err)
		}
		eagerSet := node.NewSet(got...)

		for _, n := range all.Sorted() {
			obs, err := lazy.IsObsolete("default", n)
			if err != nil {
				t.Fatalf("trial %d: IsObsolete failed: %v", trial, err)
			}
			if obs != eagerSet.Has(n) {
				t.Fatalf("trial %d: lazy=%v eager=%v for %s", trial, obs, eagerSet.Has(n), n.Short())
			}
		}
	}
}
