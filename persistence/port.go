// Package persistence defines the narrow document-store port (C1) used by
// every other component to read and write plans, steps, messages, team
// configs, sessions, and dataset handles. All operations are partitioned —
// by session_id for plans/messages/datasets, by team_id for team configs
// — and point reads are linearizable
// within a partition.
package persistence

import (
	"context"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// Kind identifies an entity collection.
type Kind string

const (
	KindPlan    Kind = "plans"
	KindStep    Kind = "steps"
	KindMessage Kind = "messages"
	KindTeam    Kind = "teams"
	KindDataset Kind = "datasets"
	KindSession Kind = "sessions"
)

// SchemaVersion is carried on every persisted document. Readers reject
// documents whose version they do not recognize with PersistenceFatal
// (spec §6 "Persisted state layout").
const SchemaVersion = 1

// Document is the envelope every stored entity satisfies: a stable ID, its
// partition key, and an opaque payload the store does not interpret.
type Document struct {
	Kind      Kind
	ID        string
	Partition string
	Version   int // schema_version
	Payload   any
}

// PatchFunc is a pure transformation old → new applied by Patch. It must
// not have side effects: the store may invoke it more than once per call
// when retrying after a conflict.
type PatchFunc func(old Document) (Document, error)

// Filter narrows a List call. An empty Filter matches every document in the
// partition.
type Filter struct {
	Kind Kind
	// Predicate, when non-nil, is evaluated against each candidate document
	// in addition to Kind/Partition matching.
	Predicate func(Document) bool
}

// Port is the document-store abstraction every persistence-backed
// component depends on. Implementations: inmem (testing/fallback) and
// mongo (production).
type Port interface {
	Put(ctx context.Context, doc Document) error
	Get(ctx context.Context, kind Kind, id, partition string) (Document, error)
	List(ctx context.Context, partition string, filter Filter) ([]Document, error)
	// Patch applies fn to the current document, retrying on conflict up to
	// maxAttempts (the caller's configured persistence_conflict_retries,
	// default 5). Surfaces coreerr.ConflictError once attempts are
	// exhausted.
	Patch(ctx context.Context, kind Kind, id, partition string, maxAttempts int, fn PatchFunc) (Document, error)
	Delete(ctx context.Context, kind Kind, id, partition string) error
}

// ErrNotFound is returned (wrapped in a *coreerr.Error of an entity-specific
// Kind by callers) when Get/Patch targets a document that does not exist.
var ErrNotFound = coreerr.New(coreerr.PersistenceFatal, "document not found")
