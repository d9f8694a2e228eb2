package mutstore

import (
	"bytes"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/node"
)

// Buckets
var (
	BucketEntries = []byte("mutation:entries") // successor -> record
	BucketPreds   = []byte("mutation:preds")   // predecessor||successor -> nil
	BucketSplits  = []byte("mutation:splits")  // split sibling -> successor
	BucketConfig  = []byte("config")           // repository configuration
)

// Bolt is the durable mutation store. Adds buffer in memory until Flush
// runs inside the owning transaction's commit path; Discard drops the
// buffer when that transaction rolls back. The store offers no write
// locking of its own: per the repository's concurrency model there is a
// single writer at a time, while readers need no coordination.
type Bolt struct {
	db *bbolt.DB

	mu      sync.RWMutex
	pending map[node.Node]*mutation.Entry
	order   []node.Node // flush order of pending successors
}

// Open opens (creating if needed) the mutation store at path.
func Open(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, fmt.Errorf("open mutation store: %w", err)
	}
	// Ensure buckets exist
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{BucketEntries, BucketPreds, BucketSplits, BucketConfig} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{
		db:      db,
		pending: make(map[node.Node]*mutation.Entry),
	}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error { return b.db.Close() }

// Get implements Store.Get. Buffered entries shadow persisted ones.
func (b *Bolt) Get(n node.Node) (*mutation.Entry, error) {
	b.mu.RLock()
	if e, ok := b.pending[n]; ok {
		b.mu.RUnlock()
		return e, nil
	}
	b.mu.RUnlock()

	return b.getPersisted(n)
}

func (b *Bolt) getPersisted(n node.Node) (*mutation.Entry, error) {
	var entry *mutation.Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(BucketEntries).Get(n[:])
		if raw == nil {
			return nil
		}
		e, err := mutation.DecodeRecord(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("parse mutation record for %s: %w", n.Short(), err)
		}
		entry = e
		return nil
	})
	return entry, err
}

// GetSuccessors implements Store.GetSuccessors using the predecessor
// index bucket (composite predecessor||successor keys, range scanned).
func (b *Bolt) GetSuccessors(n node.Node) ([]*mutation.Entry, error) {
	found := make(map[node.Node]*mutation.Entry)

	err := b.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(BucketEntries)
		c := tx.Bucket(BucketPreds).Cursor()
		for k, _ := c.Seek(n[:]); k != nil && bytes.HasPrefix(k, n[:]); k, _ = c.Next() {
			if len(k) != 2*node.Size {
				return fmt.Errorf("corrupt predecessor index key of length %d", len(k))
			}
			var succ node.Node
			copy(succ[:], k[node.Size:])
			raw := entries.Get(succ[:])
			if raw == nil {
				return fmt.Errorf("dangling predecessor index for %s -> %s", n.Short(), succ.Short())
			}
			e, err := mutation.DecodeRecord(bytes.NewReader(raw))
			if err != nil {
				return fmt.Errorf("parse mutation record for %s: %w", succ.Short(), err)
			}
			found[succ] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Buffered entries shadow persisted ones for the same successor.
	b.mu.RLock()
	for succ, e := range b.pending {
		if e.HasPredecessor(n) {
			found[succ] = e
		} else {
			delete(found, succ)
		}
	}
	b.mu.RUnlock()

	if len(found) == 0 {
		return nil, nil
	}
	succs := make([]node.Node, 0, len(found))
	for s := range found {
		succs = append(succs, s)
	}
	node.Sort(succs)
	out := make([]*mutation.Entry, len(succs))
	for i, s := range succs {
		out[i] = found[s]
	}
	return out, nil
}

// GetSplitHead implements Store.GetSplitHead.
func (b *Bolt) GetSplitHead(n node.Node) (node.Node, bool, error) {
	b.mu.RLock()
	for _, e := range b.pending {
		for _, s := range e.Split {
			if s == n {
				b.mu.RUnlock()
				return e.Succ, true, nil
			}
		}
	}
	b.mu.RUnlock()

	var head node.Node
	var ok bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(BucketSplits).Get(n[:])
		if raw == nil {
			return nil
		}
		if len(raw) != node.Size {
			return fmt.Errorf("corrupt split index value of length %d", len(raw))
		}
		copy(head[:], raw)
		ok = true
		return nil
	})
	return head, ok, err
}

// Has implements Store.Has.
func (b *Bolt) Has(n node.Node) (bool, error) {
	e, err := b.Get(n)
	return e != nil, err
}

// Add implements Store.Add. The entry is buffered until Flush.
func (b *Bolt) Add(e *mutation.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if old, ok := b.pending[e.Succ]; ok {
		if old.Key() == e.Key() {
			b.mu.Unlock()
			return nil // duplicate, bundle replay
		}
		b.pending[e.Succ] = e
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Compare against the persisted record so replaying a bundle that was
	// already flushed stays a no-op.
	stored, err := b.getPersisted(e.Succ)
	if err != nil {
		return err
	}
	if stored != nil && stored.Key() == e.Key() {
		return nil
	}

	b.mu.Lock()
	b.pending[e.Succ] = e
	b.order = append(b.order, e.Succ)
	b.mu.Unlock()
	return nil
}

// Flush implements Store.Flush: all buffered entries are written in a
// single bolt transaction, replacing any older record for the same
// successor along with its index keys.
func (b *Bolt) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(BucketEntries)
		preds := tx.Bucket(BucketPreds)
		splits := tx.Bucket(BucketSplits)

		for _, succ := range b.order {
			e, ok := b.pending[succ]
			if !ok {
				continue
			}

			// Drop index keys of a replaced record first.
			if raw := entries.Get(succ[:]); raw != nil {
				old, err := mutation.DecodeRecord(bytes.NewReader(raw))
				if err != nil {
					return fmt.Errorf("parse mutation record for %s: %w", succ.Short(), err)
				}
				for _, p := range old.Preds {
					if err := preds.Delete(predKey(p, succ)); err != nil {
						return err
					}
				}
				for _, s := range old.Split {
					if err := splits.Delete(s[:]); err != nil {
						return err
					}
				}
			}

			var buf bytes.Buffer
			mutation.EncodeRecord(&buf, e)
			if err := entries.Put(succ[:], buf.Bytes()); err != nil {
				return err
			}
			for _, p := range e.Preds {
				if err := preds.Put(predKey(p, succ), nil); err != nil {
					return err
				}
			}
			for _, s := range e.Split {
				if err := splits.Put(s[:], succ[:]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush mutation store: %w", err)
	}

	b.pending = make(map[node.Node]*mutation.Entry)
	b.order = nil
	return nil
}

// Discard drops buffered entries without persisting them. Called when the
// owning transaction rolls back.
func (b *Bolt) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[node.Node]*mutation.Entry)
	b.order = nil
}

// Pending reports how many entries are buffered but not yet flushed.
func (b *Bolt) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// ForEach implements Store.ForEach, visiting entries in successor order
// with buffered entries shadowing persisted ones.
func (b *Bolt) ForEach(fn func(*mutation.Entry) error) error {
	seen := node.NewSet()
	var succs []node.Node

	b.mu.RLock()
	for s := range b.pending {
		seen.Add(s)
		succs = append(succs, s)
	}
	b.mu.RUnlock()

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketEntries).ForEach(func(k, v []byte) error {
			if len(k) != node.Size {
				return fmt.Errorf("corrupt entry key of length %d", len(k))
			}
			var s node.Node
			copy(s[:], k)
			if !seen.Has(s) {
				succs = append(succs, s)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	node.Sort(succs)
	for _, s := range succs {
		e, err := b.Get(s)
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// PutConfig stores a repository configuration key-value pair.
func (b *Bolt) PutConfig(key, value string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketConfig).Put([]byte(key), []byte(value))
	})
}

// GetConfig retrieves a configuration value. ok is false when the key has
// never been set.
func (b *Bolt) GetConfig(key string) (value string, ok bool, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(BucketConfig).Get([]byte(key))
		if v == nil {
			return nil
		}
		value = string(v)
		ok = true
		return nil
	})
	return
}

func predKey(pred, succ node.Node) []byte {
	k := make([]byte, 2*node.Size)
	copy(k, pred[:])
	copy(k[node.Size:], succ[:])
	return k
}
