// Package agentllm provides the LLM provider boundary (spec §6 "LLM
// provider"): a uniform Client interface plus concrete implementations for
// Anthropic, OpenAI, and AWS Bedrock, selected per AgentSpec.ModelProvider
// (DESIGN.md supplemented feature #1 — multi-provider model selection).
package agentllm

import (
	"context"
	"encoding/json"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the chat-completion request.
type Message struct {
	Role       Role
	Content    string
	ToolName   string          // set for Role == RoleTool
	ToolCallID string          // correlates a tool result to its request
	ToolCalls  []ToolCallDirective
}

// ToolSchema describes one tool the model may call.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCallDirective is a model-issued request to invoke a tool.
type ToolCallDirective struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// CompletionRequest is one turn's worth of input to the model.
type CompletionRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema
}

// StreamDeltaFunc receives incremental token chunks as the model streams its
// response. agentruntime.Agent.Turn passes it through to Complete
// unchanged; the orchestrator calls Turn with a nil StreamDeltaFunc, so no
// chunk reaches the gateway's StreamDelta channel.
type StreamDeltaFunc func(textDelta string)

// CompletionResult is the model's response for one turn: assistant text,
// one or more tool-call directives, or both. An adapter may also return
// both empty with a nil error; agentruntime treats that as a failed turn.
type CompletionResult struct {
	Text      string
	ToolCalls []ToolCallDirective
}

// Client is the uniform chat-completion boundary every provider adapter
// implements.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest, onDelta StreamDeltaFunc) (CompletionResult, error)
}

// ErrUnsupportedProvider returns the ValidationError reported by callers
// that cannot resolve a provider name to a Client.
func ErrUnsupportedProvider(name string) error {
	return coreerr.New(coreerr.ValidationError, "unsupported model provider: "+name)
}
