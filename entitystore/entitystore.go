// Package entitystore adapts the generic persistence.Port to the concrete
// domain types, so callers work with *domain.Plan, *domain.TeamConfig,
// etc. instead of persistence.Document/any payloads. It is the thin
// typed layer every C1 consumer (C5, C6) is built against.
package entitystore

import (
	"context"
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/persistence"
)

// Store wraps a persistence.Port with typed helpers per entity kind.
type Store struct {
	port            persistence.Port
	conflictRetries int
}

// New constructs a Store. conflictRetries is the persistence_conflict_retries
// config value (default 5).
func New(port persistence.Port, conflictRetries int) *Store {
	if conflictRetries <= 0 {
		conflictRetries = 5
	}
	return &Store{port: port, conflictRetries: conflictRetries}
}

// PutPlan persists a plan's full current state (spec §4.1: plans are
// persisted after every transition).
func (s *Store) PutPlan(ctx context.Context, plan *domain.Plan) error {
	return s.port.Put(ctx, persistence.Document{
		Kind: persistence.KindPlan, ID: string(plan.ID), Partition: string(plan.SessionID), Payload: plan,
	})
}

// GetPlan reads a plan by id within its session partition.
func (s *Store) GetPlan(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID) (*domain.Plan, error) {
	d, err := s.port.Get(ctx, persistence.KindPlan, string(planID), string(sessionID))
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, coreerr.New(coreerr.PlanNotFound, "plan not found: "+string(planID))
		}
		return nil, err
	}
	plan, ok := d.Payload.(*domain.Plan)
	if !ok {
		return nil, coreerr.New(coreerr.PersistenceFatal, "plan document has unexpected payload type")
	}
	return plan, nil
}

// PatchPlan applies fn to the plan at (sessionID, planID) with optimistic
// retry, returning the updated plan.
func (s *Store) PatchPlan(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID, fn func(*domain.Plan) error) (*domain.Plan, error) {
	d, err := s.port.Patch(ctx, persistence.KindPlan, string(planID), string(sessionID), s.conflictRetries, func(old persistence.Document) (persistence.Document, error) {
		plan, ok := old.Payload.(*domain.Plan)
		if !ok {
			return persistence.Document{}, coreerr.New(coreerr.PersistenceFatal, "plan document has unexpected payload type")
		}
		clone := *plan
		clone.Steps = append([]domain.Step{}, plan.Steps...)
		if err := fn(&clone); err != nil {
			return persistence.Document{}, err
		}
		old.Payload = &clone
		return old, nil
	})
	if err != nil {
		return nil, err
	}
	return d.Payload.(*domain.Plan), nil
}

// ListNonTerminalPlansForSessions returns every plan whose OverallStatus is
// not terminal within the given sessions only — used at service start for
// resumption (spec §4.5 "Resumption").
//
// The narrow Port interface has no cross-partition scan, so callers must
// supply the set of known session ids (typically from sessionindex); plans
// in sessions not listed are not returned.
func (s *Store) ListNonTerminalPlansForSessions(ctx context.Context, sessionIDs []domain.SessionID) ([]*domain.Plan, error) {
	var out []*domain.Plan
	for _, sid := range sessionIDs {
		docs, err := s.port.List(ctx, string(sid), persistence.Filter{
			Kind: persistence.KindPlan,
			Predicate: func(d persistence.Document) bool {
				plan, ok := d.Payload.(*domain.Plan)
				return ok && !plan.OverallStatus.Terminal()
			},
		})
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			out = append(out, d.Payload.(*domain.Plan))
		}
	}
	return out, nil
}

// ListPlans returns every plan in a session's partition, terminal or not.
func (s *Store) ListPlans(ctx context.Context, sessionID domain.SessionID) ([]*domain.Plan, error) {
	docs, err := s.port.List(ctx, string(sessionID), persistence.Filter{Kind: persistence.KindPlan})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Plan, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Payload.(*domain.Plan))
	}
	return out, nil
}

// PutTeam persists an immutable team config.
func (s *Store) PutTeam(ctx context.Context, team *domain.TeamConfig) error {
	return s.port.Put(ctx, persistence.Document{
		Kind: persistence.KindTeam, ID: string(team.ID), Partition: string(team.ID), Payload: team,
	})
}

// GetTeam reads a team config by id.
func (s *Store) GetTeam(ctx context.Context, teamID domain.TeamID) (*domain.TeamConfig, error) {
	d, err := s.port.Get(ctx, persistence.KindTeam, string(teamID), string(teamID))
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, coreerr.New(coreerr.TeamNotFound, "team not found: "+string(teamID))
		}
		return nil, err
	}
	team, ok := d.Payload.(*domain.TeamConfig)
	if !ok {
		return nil, coreerr.New(coreerr.PersistenceFatal, "team document has unexpected payload type")
	}
	return team, nil
}

// PutSession persists a session.
func (s *Store) PutSession(ctx context.Context, sess *domain.Session) error {
	return s.port.Put(ctx, persistence.Document{
		Kind: persistence.KindSession, ID: string(sess.ID), Partition: string(sess.ID), Payload: sess,
	})
}

// GetSession reads a session by id.
func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	d, err := s.port.Get(ctx, persistence.KindSession, string(id), string(id))
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, coreerr.New(coreerr.SessionNotFound, "session not found: "+string(id))
		}
		return nil, err
	}
	sess, ok := d.Payload.(*domain.Session)
	if !ok {
		return nil, coreerr.New(coreerr.PersistenceFatal, "session document has unexpected payload type")
	}
	return sess, nil
}

// AppendMessage appends a transcript entry. Messages are append-only
// (spec §3), so this is always a Put under a fresh id, never a Patch.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	return s.port.Put(ctx, persistence.Document{
		Kind: persistence.KindMessage, ID: string(msg.ID), Partition: string(msg.SessionID), Payload: msg,
	})
}

// ListMessages returns the transcript for a session, optionally narrowed
// to one plan.
func (s *Store) ListMessages(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID) ([]*domain.Message, error) {
	docs, err := s.port.List(ctx, string(sessionID), persistence.Filter{
		Kind: persistence.KindMessage,
		Predicate: func(d persistence.Document) bool {
			if planID == "" {
				return true
			}
			m, ok := d.Payload.(*domain.Message)
			return ok && m.PlanID == planID
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Payload.(*domain.Message))
	}
	return out, nil
}

// PutDataset registers a dataset handle.
func (s *Store) PutDataset(ctx context.Context, d *domain.DatasetHandle) error {
	return s.port.Put(ctx, persistence.Document{
		Kind: persistence.KindDataset, ID: string(d.ID), Partition: string(d.SessionID), Payload: d,
	})
}

// ListDatasets returns every dataset handle visible to a session.
// Handles are session-scoped only (DESIGN.md Open Question decision #2):
// a tool invoked by an agent looks up handles across all owner hints
// within the same session, never across sessions.
func (s *Store) ListDatasets(ctx context.Context, sessionID domain.SessionID) ([]*domain.DatasetHandle, error) {
	docs, err := s.port.List(ctx, string(sessionID), persistence.Filter{Kind: persistence.KindDataset})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.DatasetHandle, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Payload.(*domain.DatasetHandle))
	}
	return out, nil
}

// Now is the store's clock; extracted so callers (and tests) can fake time
// without reaching for a global.
func Now() time.Time { return time.Now() }
