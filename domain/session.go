// Package domain defines the closed set of data types shared across the
// orchestration core: sessions, team configurations, plans, steps, messages,
// and dataset handles. Types are constructed through validating factory
// functions rather than populated as bare structs, so an invalid value
// cannot cross a component boundary (parse, don't validate).
package domain

import (
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// SessionID, UserID and the other ID types are distinct string types so the
// compiler catches an ID of the wrong kind being passed where another is
// expected.
type (
	SessionID string
	UserID    string
	TeamID    string
	PlanID    string
	StepID    string
	MessageID string
	DatasetID string
)

// Session is the durable conversational context a user interacts through.
// It owns zero or more Plans and a running Message history used to seed
// planner context across plans.
type Session struct {
	ID        SessionID
	UserID    UserID
	TeamID    TeamID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession validates and constructs a Session. UserID and TeamID must be
// non-empty; CreatedAt/UpdatedAt are set to now.
func NewSession(id SessionID, userID UserID, teamID TeamID, now time.Time) (*Session, error) {
	if id == "" {
		return nil, coreerr.New(coreerr.ValidationError, "session id must not be empty")
	}
	if userID == "" {
		return nil, coreerr.New(coreerr.ValidationError, "session user id must not be empty")
	}
	if teamID == "" {
		return nil, coreerr.New(coreerr.ValidationError, "session team id must not be empty")
	}
	return &Session{ID: id, UserID: userID, TeamID: teamID, CreatedAt: now, UpdatedAt: now}, nil
}
