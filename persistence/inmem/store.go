// Package inmem implements persistence.Port entirely in memory. It honors
// partition isolation and the conflict-retry contract so it is a drop-in
// fallback for --in-memory deployments and for tests, grounded on the
// teacher's features/session/mongo/clients/mongo/inmem/inmem.go (mutex-
// protected map plus clone-before-return helpers to avoid aliasing).
package inmem

import (
	"context"
	"sync"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/persistence"
)

type key struct {
	kind      persistence.Kind
	id        string
	partition string
}

// Store is a mutex-protected in-memory persistence.Port.
type Store struct {
	mu   sync.Mutex
	docs map[key]persistence.Document
	// conflictInjector simulates a concurrent writer for tests exercising
	// the optimistic-retry path: if set, it is consulted on every Patch
	// attempt, and each attempt for which it returns true is treated as a
	// conflict and retried.
	conflictInjector func(k key, attempt int) bool
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{docs: make(map[key]persistence.Document)}
}

func toKey(kind persistence.Kind, id, partition string) key {
	return key{kind: kind, id: id, partition: partition}
}

func clone(d persistence.Document) persistence.Document {
	return persistence.Document{Kind: d.Kind, ID: d.ID, Partition: d.Partition, Version: d.Version, Payload: d.Payload}
}

// Put inserts or replaces a document.
func (s *Store) Put(_ context.Context, doc persistence.Document) error {
	if doc.ID == "" || doc.Partition == "" {
		return coreerr.New(coreerr.PersistenceFatal, "document requires id and partition")
	}
	if doc.Version == 0 {
		doc.Version = persistence.SchemaVersion
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[toKey(doc.Kind, doc.ID, doc.Partition)] = clone(doc)
	return nil
}

// Get reads a single document by key.
func (s *Store) Get(_ context.Context, kind persistence.Kind, id, partition string) (persistence.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[toKey(kind, id, partition)]
	if !ok {
		return persistence.Document{}, persistence.ErrNotFound
	}
	if d.Version != persistence.SchemaVersion {
		return persistence.Document{}, coreerr.New(coreerr.PersistenceFatal, "unrecognized schema_version")
	}
	return clone(d), nil
}

// List returns every document in partition matching filter.
func (s *Store) List(_ context.Context, partition string, filter persistence.Filter) ([]persistence.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.Document
	for k, d := range s.docs {
		if k.partition != partition {
			continue
		}
		if filter.Kind != "" && k.kind != filter.Kind {
			continue
		}
		if filter.Predicate != nil && !filter.Predicate(d) {
			continue
		}
		out = append(out, clone(d))
	}
	return out, nil
}

// Patch applies fn with optimistic retry, matching the document-store
// contract from spec §4.1: patch_fn is a pure old→new transformation;
// on conflict the store re-reads and re-applies up to maxAttempts times.
func (s *Store) Patch(_ context.Context, kind persistence.Kind, id, partition string, maxAttempts int, fn persistence.PatchFunc) (persistence.Document, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	k := toKey(kind, id, partition)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s.mu.Lock()
		old, ok := s.docs[k]
		if !ok {
			s.mu.Unlock()
			return persistence.Document{}, persistence.ErrNotFound
		}
		if s.conflictInjector != nil && s.conflictInjector(k, attempt) {
			s.mu.Unlock()
			continue
		}

		// The lock is held from the read through the write, so no other
		// writer can interleave between them.
		next, err := fn(clone(old))
		if err != nil {
			s.mu.Unlock()
			return persistence.Document{}, err
		}
		if next.Version == 0 {
			next.Version = persistence.SchemaVersion
		}
		s.docs[k] = clone(next)
		s.mu.Unlock()
		return clone(next), nil
	}
	return persistence.Document{}, coreerr.New(coreerr.ConflictError, "patch exhausted retry attempts")
}

func sameDoc(a, b persistence.Document) bool {
	return a.ID == b.ID && a.Partition == b.Partition && a.Kind == b.Kind
}

// Delete removes a document.
func (s *Store) Delete(_ context.Context, kind persistence.Kind, id, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := toKey(kind, id, partition)
	if _, ok := s.docs[k]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.docs, k)
	return nil
}

// InjectConflict registers a hook used by tests to force N conflicting
// attempts on a given key before Patch is allowed to succeed.
func (s *Store) InjectConflict(fn func(kind persistence.Kind, id, partition string, attempt int) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictInjector = func(k key, attempt int) bool {
		return fn(k.kind, k.id, k.partition, attempt)
	}
}
