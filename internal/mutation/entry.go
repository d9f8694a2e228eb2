// Package mutation implements the mutation-record data model: immutable
// entries describing how one commit node was rewritten into others.
//
// This package provides:
// - Entry structure for rewrite records (amend, rebase, split, fold, land)
// - Validation of the structural invariants entries must satisfy
// - A stable binary record codec used by the store and the exchange bundle
//
// Entries are immutable once written; correcting history means writing a
// new entry, never mutating an old one.
package mutation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eitri-vcs/eitri/internal/node"
)

// Origin records the provenance of an entry.
type Origin uint8

const (
	// OriginCommit marks an entry written synchronously by a repository
	// operation that rewrote a commit.
	OriginCommit Origin = iota + 1
	// OriginObsmarker marks an entry converted from a legacy
	// obsolescence marker.
	OriginObsmarker
	// OriginSynthetic marks an entry produced during format migration.
	OriginSynthetic
	// OriginLocal marks an entry created by a purely local amendment.
	OriginLocal
)

// String returns the origin label used in fate summaries and logs.
func (o Origin) String() string {
	switch o {
	case OriginCommit:
		return "commit"
	case OriginObsmarker:
		return "obsmarker"
	case OriginSynthetic:
		return "synthetic"
	case OriginLocal:
		return "local"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// Entry is one persisted rewrite edge: Succ replaces Preds.
type Entry struct {
	Origin Origin      // Provenance of the record
	Succ   node.Node   // The node this entry explains
	Preds  []node.Node // The node(s) the successor replaces; >1 means fold
	Split  []node.Node // Sibling nodes of the same split; Succ is the head
	Op     string      // Operation label ("amend", "rebase", "split", ...)
	User   string      // Who performed the rewrite
	Time   float64     // Seconds since the epoch
	TZ     int32       // Timezone offset in seconds
}

// ErrNoPredecessors is returned for an entry with an empty predecessor list.
var ErrNoPredecessors = errors.New("mutation entry has no predecessors")

// Validate checks the structural invariants of an entry.
func (e *Entry) Validate() error {
	if len(e.Preds) == 0 {
		return ErrNoPredecessors
	}
	for _, p := range e.Preds {
		if p == e.Succ {
			return fmt.Errorf("mutation entry %s lists itself as predecessor", e.Succ.Short())
		}
	}
	seen := node.NewSet()
	for _, s := range e.Split {
		if s == e.Succ {
			return fmt.Errorf("mutation entry %s lists its successor as a split sibling", e.Succ.Short())
		}
		if seen.Has(s) {
			return fmt.Errorf("mutation entry %s has duplicate split sibling %s", e.Succ.Short(), s.Short())
		}
		seen.Add(s)
	}
	return nil
}

// Successors returns the full replacement set this entry produces, split
// siblings first, head last, preserving recorded order.
func (e *Entry) Successors() []node.Node {
	out := make([]node.Node, 0, len(e.Split)+1)
	out = append(out, e.Split...)
	out = append(out, e.Succ)
	return out
}

// HasPredecessor reports whether n is among this entry's predecessors.
func (e *Entry) HasPredecessor(n node.Node) bool {
	for _, p := range e.Preds {
		if p == n {
			return true
		}
	}
	return false
}

// Key returns the (predecessors, successor, operation) identity used to
// detect duplicate records so that bundle replay stays idempotent.
func (e *Entry) Key() string {
	var sb strings.Builder
	for _, p := range e.Preds {
		sb.WriteString(p.String())
	}
	sb.WriteByte('>')
	sb.WriteString(e.Succ.String())
	sb.WriteByte(':')
	sb.WriteString(e.Op)
	return sb.String()
}
