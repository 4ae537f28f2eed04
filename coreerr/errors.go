// Package coreerr defines the closed error taxonomy shared across the
// orchestration core. Components classify failures by Kind rather than by
// matching substrings in human-readable messages, so upstream callers can
// switch on a stable value instead of parsing text.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the stable failure categories from spec §7. Components
// never invent ad-hoc kinds; every failure maps onto one of these.
type Kind string

const (
	// PersistenceTransient is a recoverable I/O failure from the persistence
	// port. Retried internally by the store; rarely surfaces.
	PersistenceTransient Kind = "persistence_transient"
	// ConflictError is surfaced after a patch exhausts its optimistic-retry
	// budget.
	ConflictError Kind = "conflict_error"
	// PersistenceFatal covers schema/id corruption that cannot be retried.
	PersistenceFatal Kind = "persistence_fatal"
	// TransportTransient is a recoverable MCP transport failure (I/O,
	// timeout). Retried internally; invisible above the transport.
	TransportTransient Kind = "transport_transient"
	// TransportFatal is an unrecoverable MCP transport failure; the
	// caller is notified. The transport does not re-establish the lost
	// connection.
	TransportFatal Kind = "transport_fatal"
	// ToolNotFound means the tool name is absent from the cached catalogue.
	ToolNotFound Kind = "tool_not_found"
	// ToolInputInvalid means arguments failed schema validation.
	ToolInputInvalid Kind = "tool_input_invalid"
	// ToolDenied means the calling agent's allow-list excludes the tool.
	ToolDenied Kind = "tool_denied"
	// ToolExecutionError is a server-reported tool failure.
	ToolExecutionError Kind = "tool_execution_error"
	// AgentTimeout covers turn/step/plan wall-clock budget violations.
	AgentTimeout Kind = "agent_timeout"
	// TurnCap means a step exhausted its per-step turn budget.
	TurnCap Kind = "turn_cap"
	// ClarificationLoop means the same step asked for clarification more
	// than twice.
	ClarificationLoop Kind = "clarification_loop"
	// LLMFatal covers an irrecoverable failure from the LLM provider.
	LLMFatal Kind = "llm_fatal"
	// CancellationRequested marks a plan transitioning to Cancelled.
	CancellationRequested Kind = "cancellation_requested"
	// ValidationError covers a rejected command at a component boundary; no
	// state changes.
	ValidationError Kind = "validation_error"
	// TeamNotFound means the referenced team config does not exist.
	TeamNotFound Kind = "team_not_found"
	// PlanNotFound means the referenced plan does not exist.
	PlanNotFound Kind = "plan_not_found"
	// SessionNotFound means the referenced session does not exist.
	SessionNotFound Kind = "session_not_found"
)

// Error is the concrete error type carried through the core. It always
// has a Kind and a human-readable Message, and may wrap an underlying
// cause for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if err is (or wraps) a *Error.
// Unclassified errors report an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the kind represents a transient condition that
// the owning component is expected to retry internally rather than surface.
func (k Kind) Retryable() bool {
	switch k {
	case PersistenceTransient, TransportTransient:
		return true
	default:
		return false
	}
}
