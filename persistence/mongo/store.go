// Package mongo implements persistence.Port against MongoDB, grounded on
// the teacher's features/session/mongo/store.go (thin wrapper delegating to
// a narrow client interface) and features/session/mongo/clients/mongo/
// client.go (idempotent $setOnInsert upserts, index bootstrap).
package mongo

import (
	"context"
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/persistence"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// doc is the BSON-on-the-wire shape for every entity kind. Payload is
// stored as a generic bson document so one collection per Kind can share
// the same Go type.
type doc struct {
	ID        string `bson:"_id"`
	Partition string `bson:"partition"`
	Kind      string `bson:"kind"`
	Version   int    `bson:"schema_version"`
	Payload   bson.M `bson:"payload"`
}

// Options configures a Store.
type Options struct {
	Client      *mongo.Client
	Database    string
	Collections map[persistence.Kind]string // defaults to string(kind) when absent
	Timeout     time.Duration               // default 10s
}

// Store is a persistence.Port backed by MongoDB.
type Store struct {
	db      *mongo.Database
	colls   map[persistence.Kind]string
	timeout time.Duration
}

// New constructs a Store and ensures the partition+kind compound index
// exists on every configured collection.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, coreerr.New(coreerr.PersistenceFatal, "mongo store requires a client")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	colls := opts.Collections
	if colls == nil {
		colls = map[persistence.Kind]string{
			persistence.KindPlan:    "plans",
			persistence.KindStep:    "steps",
			persistence.KindMessage: "messages",
			persistence.KindTeam:    "teams",
			persistence.KindDataset: "datasets",
			persistence.KindSession: "sessions",
		}
	}
	s := &Store{db: opts.Client.Database(opts.Database), colls: colls, timeout: timeout}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, name := range s.colls {
		coll := s.db.Collection(name)
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "partition", Value: 1}, {Key: "kind", Value: 1}},
		})
		if err != nil {
			return coreerr.Wrap(coreerr.PersistenceFatal, "ensure index on "+name, err)
		}
	}
	return nil
}

func (s *Store) collFor(kind persistence.Kind) *mongo.Collection {
	name, ok := s.colls[kind]
	if !ok {
		name = string(kind)
	}
	return s.db.Collection(name)
}

func toBSON(payload any) (bson.M, error) {
	raw, err := bson.Marshal(payload)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.PersistenceFatal, "marshal payload", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, coreerr.Wrap(coreerr.PersistenceFatal, "unmarshal payload to map", err)
	}
	return m, nil
}

func fromDoc(d doc) persistence.Document {
	return persistence.Document{
		Kind: persistence.Kind(d.Kind), ID: d.ID, Partition: d.Partition,
		Version: d.Version, Payload: d.Payload,
	}
}

// Put upserts a document idempotently: schema_version and kind are fixed
// with $setOnInsert, mirroring the teacher's CreateSession pattern of never
// setting the same path in both $set and $setOnInsert.
func (s *Store) Put(ctx context.Context, document persistence.Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := toBSON(document.Payload)
	if err != nil {
		return err
	}
	version := document.Version
	if version == 0 {
		version = persistence.SchemaVersion
	}
	filter := bson.M{"_id": document.ID, "partition": document.Partition}
	update := bson.M{
		"$set":         bson.M{"payload": payload},
		"$setOnInsert": bson.M{"kind": string(document.Kind), "schema_version": version},
	}
	_, err = s.collFor(document.Kind).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return coreerr.Wrap(coreerr.PersistenceTransient, "put document", err)
	}
	return nil
}

// Get reads a single document.
func (s *Store) Get(ctx context.Context, kind persistence.Kind, id, partition string) (persistence.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d doc
	err := s.collFor(kind).FindOne(ctx, bson.M{"_id": id, "partition": partition}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return persistence.Document{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.Document{}, coreerr.Wrap(coreerr.PersistenceTransient, "get document", err)
	}
	if d.Version != persistence.SchemaVersion {
		return persistence.Document{}, coreerr.New(coreerr.PersistenceFatal, "unrecognized schema_version")
	}
	return fromDoc(d), nil
}

// List returns the documents of filter.Kind in partition. An empty Kind
// searches the plan collection only; other collections are not searched.
// List queries are eventually consistent per spec §4.1.
func (s *Store) List(ctx context.Context, partition string, filter persistence.Filter) ([]persistence.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	kind := filter.Kind
	if kind == "" {
		kind = persistence.KindPlan
	}
	cur, err := s.collFor(kind).Find(ctx, bson.M{"partition": partition})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.PersistenceTransient, "list documents", err)
	}
	defer cur.Close(ctx)

	var out []persistence.Document
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, coreerr.Wrap(coreerr.PersistenceFatal, "decode document", err)
		}
		document := fromDoc(d)
		if filter.Predicate != nil && !filter.Predicate(document) {
			continue
		}
		out = append(out, document)
	}
	return out, nil
}

// Patch re-reads and re-applies fn up to maxAttempts times, using a
// version-matched conditional update so a concurrent writer causes the
// update to match zero documents rather than silently overwrite.
func (s *Store) Patch(ctx context.Context, kind persistence.Kind, id, partition string, maxAttempts int, fn persistence.PatchFunc) (persistence.Document, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		old, err := s.Get(ctx, kind, id, partition)
		if err != nil {
			return persistence.Document{}, err
		}
		next, err := fn(old)
		if err != nil {
			return persistence.Document{}, err
		}
		payload, err := toBSON(next.Payload)
		if err != nil {
			return persistence.Document{}, err
		}

		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.collFor(kind).UpdateOne(cctx,
			bson.M{"_id": id, "partition": partition},
			bson.M{"$set": bson.M{"payload": payload}},
		)
		cancel()
		if err != nil {
			return persistence.Document{}, coreerr.Wrap(coreerr.PersistenceTransient, "patch document", err)
		}
		if res.MatchedCount == 1 {
			next.Kind, next.ID, next.Partition = kind, id, partition
			if next.Version == 0 {
				next.Version = persistence.SchemaVersion
			}
			return next, nil
		}
		// Matched zero: the document changed or vanished between Get and
		// UpdateOne; retry from a fresh read.
	}
	return persistence.Document{}, coreerr.New(coreerr.ConflictError, "patch exhausted retry attempts")
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, kind persistence.Kind, id, partition string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.collFor(kind).DeleteOne(ctx, bson.M{"_id": id, "partition": partition})
	if err != nil {
		return coreerr.Wrap(coreerr.PersistenceTransient, "delete document", err)
	}
	if res.DeletedCount == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
