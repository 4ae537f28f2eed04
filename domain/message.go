package domain

import (
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// MessageKind is the closed set of conversation transcript entry kinds
// (spec §3 Message).
type MessageKind string

const (
	MessageUserRequest        MessageKind = "UserRequest"
	MessageAgentOutput        MessageKind = "AgentOutput"
	MessageToolCall           MessageKind = "ToolCall"
	MessageToolResult         MessageKind = "ToolResult"
	MessageClarificationReq   MessageKind = "ClarificationRequest"
	MessageClarificationReply MessageKind = "ClarificationReply"
	MessageApprovalRequest    MessageKind = "ApprovalRequest"
	MessageApprovalDecision   MessageKind = "ApprovalDecision"
	MessageError              MessageKind = "Error"
	MessageFinalResult        MessageKind = "FinalResult"
)

func (k MessageKind) valid() bool {
	switch k {
	case MessageUserRequest, MessageAgentOutput, MessageToolCall, MessageToolResult,
		MessageClarificationReq, MessageClarificationReply, MessageApprovalRequest,
		MessageApprovalDecision, MessageError, MessageFinalResult:
		return true
	default:
		return false
	}
}

// Message is a single append-only entry in a session's transcript. PlanID
// is empty for messages that precede plan creation.
type Message struct {
	ID        MessageID
	SessionID SessionID
	PlanID    PlanID // optional
	Kind      MessageKind
	AgentName string // set when applicable
	Body      string
	Timestamp time.Time
}

// NewMessage validates Kind against the closed enum and requires a session.
func NewMessage(id MessageID, sessionID SessionID, planID PlanID, kind MessageKind, agentName, body string, ts time.Time) (*Message, error) {
	if id == "" || sessionID == "" {
		return nil, coreerr.New(coreerr.ValidationError, "message requires id and session id")
	}
	if !kind.valid() {
		return nil, coreerr.New(coreerr.ValidationError, "unknown message kind: "+string(kind))
	}
	return &Message{
		ID: id, SessionID: sessionID, PlanID: planID, Kind: kind,
		AgentName: agentName, Body: body, Timestamp: ts,
	}, nil
}
