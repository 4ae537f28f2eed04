package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/entitystore"
	"github.com/mosaicflow/orchestrator/persistence/inmem"
)

func newTestGateway(t *testing.T) (*Gateway, *entitystore.Store) {
	t.Helper()
	store := entitystore.New(inmem.New(), 0)
	g := &Gateway{store: store}
	return g, store
}

func TestRequireSessionOwnerAllowsMatchingUser(t *testing.T) {
	g, store := newTestGateway(t)
	sess, err := domain.NewSession("session-1", "user-1", "team-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.PutSession(context.Background(), sess))

	err = g.requireSessionOwner(context.Background(), "session-1", "user-1")
	assert.NoError(t, err)
}

func TestRequireSessionOwnerRejectsMismatchedUser(t *testing.T) {
	g, store := newTestGateway(t)
	sess, err := domain.NewSession("session-1", "user-1", "team-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.PutSession(context.Background(), sess))

	err = g.requireSessionOwner(context.Background(), "session-1", "someone-else")
	assert.Error(t, err)
}

func TestRequireSessionOwnerPropagatesNotFound(t *testing.T) {
	g, _ := newTestGateway(t)
	err := g.requireSessionOwner(context.Background(), "missing-session", "user-1")
	assert.Error(t, err)
}

func TestRequireSessionOwnerOrCreateVivifiesMissingSession(t *testing.T) {
	g, store := newTestGateway(t)

	err := g.requireSessionOwnerOrCreate(context.Background(), "session-new", "user-1", "team-1")
	require.NoError(t, err)

	sess, err := store.GetSession(context.Background(), "session-new")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-1"), sess.UserID)
	assert.Equal(t, domain.TeamID("team-1"), sess.TeamID)
}

func TestRequireSessionOwnerOrCreateReusesExistingSession(t *testing.T) {
	g, store := newTestGateway(t)
	sess, err := domain.NewSession("session-1", "user-1", "team-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.PutSession(context.Background(), sess))

	err = g.requireSessionOwnerOrCreate(context.Background(), "session-1", "someone-else", "team-1")
	assert.Error(t, err, "an existing session still enforces ownership even when a teamID is supplied")
}
