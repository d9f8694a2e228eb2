// Package node defines the fixed-width content identifier used throughout
// the mutation store and its BLAKE3 derivation helper.
package node

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

// Size is the width of a node identifier in bytes.
const Size = 20

// Node is an opaque, globally unique content identifier. Nodes are never
// mutated; a rewrite always produces new nodes.
type Node [Size]byte

// String returns the hexadecimal representation of the node.
func (n Node) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first 12 hex characters, for log messages.
func (n Node) Short() string {
	return hex.EncodeToString(n[:6])
}

// FromHex parses a 40-character hex string into a Node.
func FromHex(s string) (Node, error) {
	var n Node
	if len(s) != Size*2 {
		return n, fmt.Errorf("invalid node length: %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("decode node: %w", err)
	}
	copy(n[:], raw)
	return n, nil
}

// Sum derives a node identifier from arbitrary content using BLAKE3-256
// truncated to the node width. Used for synthetic and locally created
// records.
func Sum(data []byte) Node {
	h := blake3.Sum256(data)
	var n Node
	copy(n[:], h[:Size])
	return n
}

// Compare orders two nodes lexicographically by raw bytes.
func Compare(a, b Node) int {
	return bytes.Compare(a[:], b[:])
}

// Sort sorts a slice of nodes in place into lexicographic order.
func Sort(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return Compare(nodes[i], nodes[j]) < 0
	})
}

// Dedup returns nodes with duplicates removed, preserving first-seen order.
func Dedup(nodes []Node) []Node {
	seen := make(Set, len(nodes))
	out := nodes[:0:0]
	for _, n := range nodes {
		if seen.Has(n) {
			continue
		}
		seen.Add(n)
		out = append(out, n)
	}
	return out
}

// Set is a set of nodes.
type Set map[Node]struct{}

// NewSet builds a set from the given nodes.
func NewSet(nodes ...Node) Set {
	s := make(Set, len(nodes))
	for _, n := range nodes {
		s.Add(n)
	}
	return s
}

// Add inserts a node into the set.
func (s Set) Add(n Node) { s[n] = struct{}{} }

// Has reports whether the node is in the set.
func (s Set) Has(n Node) bool {
	_, ok := s[n]
	return ok
}

// Sorted returns the members in lexicographic order.
func (s Set) Sorted() []Node {
	out := make([]Node, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	Sort(out)
	return out
}
