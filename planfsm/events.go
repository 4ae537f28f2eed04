// Package planfsm defines the domain event log for C4: the canonical plan
// lifecycle. Every Plan transition (domain.Plan's own methods enforce the
// state machine itself) emits one of these events, in persist-then-emit
// order (spec §4.4 invariant 4 / §5 ordering guarantee). The Event
// interface and per-kind struct embedding mirror the teacher's
// runtime/agent/hooks/events.go.
package planfsm

import (
	"time"

	"github.com/mosaicflow/orchestrator/domain"
)

// EventType is the closed set of domain event kinds (spec §4.4).
type EventType string

const (
	EventPlanCreated          EventType = "PlanCreated"
	EventStepStarted          EventType = "StepStarted"
	EventStepToolInvoked      EventType = "StepToolInvoked"
	EventStepToolReturned     EventType = "StepToolReturned"
	EventStepOutput           EventType = "StepOutput"
	EventClarificationAsked   EventType = "ClarificationAsked"
	EventClarificationAnswered EventType = "ClarificationAnswered"
	EventPlanCompleted        EventType = "PlanCompleted"
	EventPlanFailed           EventType = "PlanFailed"
	EventPlanCancelled        EventType = "PlanCancelled"
	EventError                EventType = "Error"
)

// Event is satisfied by every concrete event struct below.
type Event interface {
	Type() EventType
	PlanID() domain.PlanID
	StepID() domain.StepID // empty when not step-scoped
	Timestamp() time.Time
}

type baseEvent struct {
	eventType EventType
	planID    domain.PlanID
	stepID    domain.StepID
	timestamp time.Time
}

func (b baseEvent) Type() EventType          { return b.eventType }
func (b baseEvent) PlanID() domain.PlanID    { return b.planID }
func (b baseEvent) StepID() domain.StepID    { return b.stepID }
func (b baseEvent) Timestamp() time.Time     { return b.timestamp }

// PlanCreatedEvent fires once planning mode persists a plan in
// AwaitingApproval.
type PlanCreatedEvent struct {
	baseEvent
	Facts string
}

// NewPlanCreated constructs a PlanCreatedEvent.
func NewPlanCreated(planID domain.PlanID, facts string, ts time.Time) PlanCreatedEvent {
	return PlanCreatedEvent{baseEvent: baseEvent{EventPlanCreated, planID, "", ts}, Facts: facts}
}

// StepStartedEvent fires when a step transitions to Running.
type StepStartedEvent struct {
	baseEvent
	Ordinal   int
	AgentName string
}

func NewStepStarted(planID domain.PlanID, stepID domain.StepID, ordinal int, agentName string, ts time.Time) StepStartedEvent {
	return StepStartedEvent{baseEvent: baseEvent{EventStepStarted, planID, stepID, ts}, Ordinal: ordinal, AgentName: agentName}
}

// StepToolInvokedEvent fires when the orchestrator dispatches a tool call.
type StepToolInvokedEvent struct {
	baseEvent
	ToolName        string
	ArgumentsDigest string
}

func NewStepToolInvoked(planID domain.PlanID, stepID domain.StepID, toolName, argsDigest string, ts time.Time) StepToolInvokedEvent {
	return StepToolInvokedEvent{baseEvent: baseEvent{EventStepToolInvoked, planID, stepID, ts}, ToolName: toolName, ArgumentsDigest: argsDigest}
}

// StepToolReturnedEvent fires when a tool call's result is committed.
type StepToolReturnedEvent struct {
	baseEvent
	ToolName     string
	ResultDigest string
	Milliseconds int64
}

func NewStepToolReturned(planID domain.PlanID, stepID domain.StepID, toolName, resultDigest string, ms int64, ts time.Time) StepToolReturnedEvent {
	return StepToolReturnedEvent{baseEvent: baseEvent{EventStepToolReturned, planID, stepID, ts}, ToolName: toolName, ResultDigest: resultDigest, Milliseconds: ms}
}

// StepOutputEvent fires when a step reaches Final(text).
type StepOutputEvent struct {
	baseEvent
	OutputText string
}

func NewStepOutput(planID domain.PlanID, stepID domain.StepID, output string, ts time.Time) StepOutputEvent {
	return StepOutputEvent{baseEvent: baseEvent{EventStepOutput, planID, stepID, ts}, OutputText: output}
}

// ClarificationAskedEvent fires when a step suspends for clarification.
type ClarificationAskedEvent struct {
	baseEvent
	Question string
}

func NewClarificationAsked(planID domain.PlanID, stepID domain.StepID, question string, ts time.Time) ClarificationAskedEvent {
	return ClarificationAskedEvent{baseEvent: baseEvent{EventClarificationAsked, planID, stepID, ts}, Question: question}
}

// ClarificationAnsweredEvent fires when a Clarify command resumes a step.
type ClarificationAnsweredEvent struct {
	baseEvent
	Reply string
}

func NewClarificationAnswered(planID domain.PlanID, stepID domain.StepID, reply string, ts time.Time) ClarificationAnsweredEvent {
	return ClarificationAnsweredEvent{baseEvent: baseEvent{EventClarificationAnswered, planID, stepID, ts}, Reply: reply}
}

// PlanCompletedEvent / PlanFailedEvent / PlanCancelledEvent fire on the
// corresponding terminal transition.
type PlanCompletedEvent struct {
	baseEvent
	FinalResult string
}

func NewPlanCompleted(planID domain.PlanID, finalResult string, ts time.Time) PlanCompletedEvent {
	return PlanCompletedEvent{baseEvent: baseEvent{EventPlanCompleted, planID, "", ts}, FinalResult: finalResult}
}

type PlanFailedEvent struct {
	baseEvent
	Reason string
}

func NewPlanFailed(planID domain.PlanID, stepID domain.StepID, reason string, ts time.Time) PlanFailedEvent {
	return PlanFailedEvent{baseEvent: baseEvent{EventPlanFailed, planID, stepID, ts}, Reason: reason}
}

type PlanCancelledEvent struct {
	baseEvent
}

func NewPlanCancelled(planID domain.PlanID, ts time.Time) PlanCancelledEvent {
	return PlanCancelledEvent{baseEvent: baseEvent{EventPlanCancelled, planID, "", ts}}
}

// ErrorEvent carries the diagnostic message for a step failure; the
// orchestrator publishes it when a step fails, before the PlanFailed event.
type ErrorEvent struct {
	baseEvent
	Message string
}

func NewError(planID domain.PlanID, stepID domain.StepID, message string, ts time.Time) ErrorEvent {
	return ErrorEvent{baseEvent: baseEvent{EventError, planID, stepID, ts}, Message: message}
}
