// Package repo wires the mutation store, resolver and obsolete cache
// together for one repository. The backend is selected once at open time
// from the repository configuration: either the native entry store or a
// read-only view converted from legacy obsolescence markers.
package repo

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/eitri-vcs/eitri/internal/legacy"
	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/mutstore"
	"github.com/eitri-vcs/eitri/internal/node"
	"github.com/eitri-vcs/eitri/internal/obsolete"
	"github.com/eitri-vcs/eitri/internal/resolver"
)

// Configuration key and values selecting the mutation backend.
const (
	ConfigBackend     = "mutation.backend"
	BackendEntries    = "entries"
	BackendObsmarkers = "obsmarkers"
)

// ErrReadOnlyBackend is returned when recording entries against the
// legacy obsmarker backend; migrate first.
var ErrReadOnlyBackend = errors.New("mutation backend is read-only: migrate from obsmarkers first")

// MarkerSource supplies legacy obsolescence markers for repositories that
// have not migrated to the entry store.
type MarkerSource interface {
	Markers() ([]legacy.Marker, error)
}

// Options configures Open.
type Options struct {
	// Markers is consulted when the configured backend is obsmarkers,
	// and by Migrate.
	Markers MarkerSource
}

// Repo owns the mutation store, the resolver over it, and the obsolete
// cache, keeping cache invalidation tied to the write path.
type Repo struct {
	db       *mutstore.Bolt
	store    mutstore.Store
	backend  string
	markers  MarkerSource
	Resolver *resolver.Resolver
	Cache    *obsolete.Cache
}

// Open opens the mutation database under dir and selects the backend
// recorded in its configuration (defaulting to the entry store).
func Open(dir string, oracles resolver.Oracles, opts Options) (*Repo, error) {
	db, err := mutstore.Open(filepath.Join(dir, "mutation.db"))
	if err != nil {
		return nil, err
	}

	backend, ok, err := db.GetConfig(ConfigBackend)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !ok {
		backend = BackendEntries
	}

	var store mutstore.Store
	switch backend {
	case BackendEntries:
		store = db
	case BackendObsmarkers:
		if opts.Markers == nil {
			_ = db.Close()
			return nil, fmt.Errorf("backend %q configured but no marker source supplied", backend)
		}
		markers, err := opts.Markers.Markers()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("load obsolescence markers: %w", err)
		}
		mem := mutstore.NewMem()
		for _, e := range legacy.Convert(markers) {
			if err := mem.Add(e); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("convert obsolescence markers: %w", err)
			}
		}
		store = mem
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unknown mutation backend %q", backend)
	}

	res := resolver.New(store, oracles)
	return &Repo{
		db:       db,
		store:    store,
		backend:  backend,
		markers:  opts.Markers,
		Resolver: res,
		Cache:    obsolete.NewCache(res),
	}, nil
}

// Store returns the active mutation store.
func (r *Repo) Store() mutstore.Store { return r.store }

// Backend returns the active backend name.
func (r *Repo) Backend() string { return r.backend }

// Record validates and buffers entries. It is the single write path:
// every write invalidates the obsolete cache. Callers hold the
// repository write lock and an open transaction.
func (r *Repo) Record(entries ...*mutation.Entry) error {
	if r.backend != BackendEntries {
		return ErrReadOnlyBackend
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := r.store.Add(e); err != nil {
			return err
		}
	}
	r.Cache.InvalidateAll()
	return nil
}

// Unbundle decodes a received bundle and records its entries. Nothing is
// applied when the bundle is malformed.
func (r *Repo) Unbundle(data []byte) error {
	entries, err := mutstore.Unbundle(data)
	if err != nil {
		return err
	}
	return r.Record(entries...)
}

// Bundle serializes the entry closure explaining nodes for exchange.
func (r *Repo) Bundle(nodes []node.Node) ([]byte, error) {
	return mutstore.Bundle(r.store, nodes)
}

// Commit flushes buffered entries. It must run inside the owning
// transaction's commit path so readers never observe a commit without
// its recorded rewrite edge.
func (r *Repo) Commit() error {
	return r.store.Flush()
}

// Rollback discards buffered, unflushed entries after an aborted
// transaction.
func (r *Repo) Rollback() {
	r.db.Discard()
	r.Cache.InvalidateAll()
}

// InvalidateVisibility is the hook the visible-heads bookkeeping calls
// when the visibility of filterLevel changes.
func (r *Repo) InvalidateVisibility(filterLevel string) {
	r.Cache.Invalidate(filterLevel)
}

// Migrate converts the legacy obsolescence markers into the entry store
// and switches the configured backend. The repository must be reopened
// afterwards to serve from the migrated store.
func (r *Repo) Migrate() error {
	if r.markers == nil {
		return errors.New("no marker source to migrate from")
	}
	markers, err := r.markers.Markers()
	if err != nil {
		return fmt.Errorf("load obsolescence markers: %w", err)
	}
	for _, e := range legacy.Convert(markers) {
		if err := r.db.Add(e); err != nil {
			return err
		}
	}
	if err := r.db.Flush(); err != nil {
		return err
	}
	if err := r.db.PutConfig(ConfigBackend, BackendEntries); err != nil {
		return err
	}
	r.Cache.InvalidateAll()
	return nil
}

// Close closes the underlying database.
func (r *Repo) Close() error { return r.db.Close() }
