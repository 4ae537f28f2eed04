package inmem

import (
	"context"
	"testing"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	doc := persistence.Document{Kind: persistence.KindPlan, ID: "p1", Partition: "sess-1", Payload: "hello"}
	require.NoError(t, s.Put(ctx, doc))

	got, err := s.Get(ctx, persistence.KindPlan, "p1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Payload)
}

func TestPartitionIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, persistence.Document{Kind: persistence.KindPlan, ID: "p1", Partition: "sess-1", Payload: "a"}))
	require.NoError(t, s.Put(ctx, persistence.Document{Kind: persistence.KindPlan, ID: "p1", Partition: "sess-2", Payload: "b"}))

	list1, err := s.List(ctx, "sess-1", persistence.Filter{Kind: persistence.KindPlan})
	require.NoError(t, err)
	require.Len(t, list1, 1)
	assert.Equal(t, "a", list1[0].Payload)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Get(ctx, persistence.KindPlan, "missing", "sess-1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestPatchAppliesTransformation(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, persistence.Document{Kind: persistence.KindPlan, ID: "p1", Partition: "sess-1", Payload: 1}))

	got, err := s.Patch(ctx, persistence.KindPlan, "p1", "sess-1", 5, func(old persistence.Document) (persistence.Document, error) {
		old.Payload = old.Payload.(int) + 1
		return old, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Payload)
}

func TestPatchExhaustsConflictRetries(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, persistence.Document{Kind: persistence.KindPlan, ID: "p1", Partition: "sess-1", Payload: 1}))
	s.InjectConflict(func(kind persistence.Kind, id, partition string, attempt int) bool {
		return true // always conflict
	})

	_, err := s.Patch(ctx, persistence.KindPlan, "p1", "sess-1", 3, func(old persistence.Document) (persistence.Document, error) {
		return old, nil
	})
	require.Error(t, err)
	assert.Equal(t, coreerr.ConflictError, coreerr.KindOf(err))
}

func TestDeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, persistence.Document{Kind: persistence.KindPlan, ID: "p1", Partition: "sess-1"}))
	require.NoError(t, s.Delete(ctx, persistence.KindPlan, "p1", "sess-1"))
	_, err := s.Get(ctx, persistence.KindPlan, "p1", "sess-1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
