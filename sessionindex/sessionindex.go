// Package sessionindex tracks the set of session ids known to this
// process in Redis, so that a restarting service can discover which
// sessions to resume plans for without scanning every partition of the
// persistence store (entitystore.ListNonTerminalPlansForSessions can only
// take a caller-supplied set of session ids; this package is that set's
// source of truth).
//
// Grounded on the teacher's registry/result_stream.go, which keeps a
// tool_use_id-to-stream_id mapping in Redis so state survives across
// gateway nodes; here the mapping is degenerate (a single known-sessions
// set) but the rdb.Set/SAdd-with-TTL-refresh shape is the same.
package sessionindex

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
)

const (
	knownSessionsKey = "orchestrator:sessions:known"
	defaultEntryTTL  = 24 * time.Hour
)

// Index records which sessions have active plans, so Resume can find them
// again after a restart.
type Index struct {
	rdb *redis.Client
	ttl time.Duration
}

// New constructs an Index backed by rdb. ttl bounds how long a session
// stays in the known set after its last Touch; zero uses the default of
// 24 hours.
func New(rdb *redis.Client, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	return &Index{rdb: rdb, ttl: ttl}
}

// Touch records sessionID as known and refreshes its entry's TTL. Called
// whenever a plan is created, approved, or resumed for a session.
func (idx *Index) Touch(ctx context.Context, sessionID domain.SessionID) error {
	if err := idx.rdb.SAdd(ctx, knownSessionsKey, string(sessionID)).Err(); err != nil {
		return coreerr.Wrap(coreerr.PersistenceTransient, "sessionindex: record known session", err)
	}
	// The set itself never expires (membership must survive a long-idle
	// session), but entries are additionally shadowed by a per-session key
	// with a TTL so a session absent from recent activity can be pruned.
	memberKey := knownSessionsKey + ":" + string(sessionID)
	if err := idx.rdb.Set(ctx, memberKey, time.Now().Unix(), idx.ttl).Err(); err != nil {
		return coreerr.Wrap(coreerr.PersistenceTransient, "sessionindex: refresh session TTL", err)
	}
	return nil
}

// Forget removes sessionID from the known set, e.g. once its session is
// explicitly closed.
func (idx *Index) Forget(ctx context.Context, sessionID domain.SessionID) error {
	memberKey := knownSessionsKey + ":" + string(sessionID)
	if err := idx.rdb.Del(ctx, memberKey).Err(); err != nil {
		return coreerr.Wrap(coreerr.PersistenceTransient, "sessionindex: delete session TTL key", err)
	}
	if err := idx.rdb.SRem(ctx, knownSessionsKey, string(sessionID)).Err(); err != nil {
		return coreerr.Wrap(coreerr.PersistenceTransient, "sessionindex: forget known session", err)
	}
	return nil
}

// List returns every session id whose TTL entry has not expired. Entries
// in the set with no surviving TTL key (their session went quiet for
// longer than ttl) are pruned lazily and excluded from the result.
func (idx *Index) List(ctx context.Context) ([]domain.SessionID, error) {
	members, err := idx.rdb.SMembers(ctx, knownSessionsKey).Result()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.PersistenceTransient, "sessionindex: list known sessions", err)
	}
	out := make([]domain.SessionID, 0, len(members))
	for _, m := range members {
		memberKey := knownSessionsKey + ":" + m
		exists, err := idx.rdb.Exists(ctx, memberKey).Result()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.PersistenceTransient, "sessionindex: check session TTL key", err)
		}
		if exists == 0 {
			_ = idx.rdb.SRem(ctx, knownSessionsKey, m).Err()
			continue
		}
		out = append(out, domain.SessionID(m))
	}
	return out, nil
}
