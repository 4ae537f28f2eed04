// Package agentruntime implements C3: a per-(AgentSpec, plan) wrapper
// around an agentllm.Client that holds the system prompt, the tool
// allow-list, and a trimmed conversation window, and exposes a single
// turn(input) primitive returning Final, ToolCallRequested,
// ClarificationRequested, or Failed — mirroring the teacher's
// runtime/agent/runtime.Runtime registry shape and
// runtime/agent/runtime/history.go window-trimming logic.
package agentruntime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/telemetry"
)

// TurnResultKind is the closed set of outcomes from one agent.turn call.
type TurnResultKind string

const (
	TurnFinal                TurnResultKind = "final"
	TurnToolCallRequested     TurnResultKind = "tool_call_requested"
	TurnClarificationRequested TurnResultKind = "clarification_requested"
	TurnFailed                TurnResultKind = "failed"
)

// TurnResult is the closed tagged variant returned by Agent.Turn.
type TurnResult struct {
	Kind          TurnResultKind
	Text          string                     // set for TurnFinal
	ToolName      string                     // set for TurnToolCallRequested
	ToolArguments json.RawMessage            // set for TurnToolCallRequested
	Question      string                     // set for TurnClarificationRequested
	FailureKind   coreerr.Kind               // set for TurnFailed
	FailureMsg    string                     // set for TurnFailed
}

// clarificationTool is the tool name that marks a clarification request: a
// turn whose tool calls include a call to it yields
// TurnClarificationRequested, with the call's "question" argument as
// TurnResult.Question.
const clarificationTool = "ask_clarifying_question"

// Agent wraps one AgentSpec for the duration of a single plan.
type Agent struct {
	spec         domain.AgentSpec
	llm          agentllm.Client
	allowedTools map[string]struct{} // nil means unfiltered

	window       []agentllm.Message
	turnsInStep  int
	turnCap      int
	seenFirstTurn bool

	logger telemetry.Logger
}

// Options configures a new Agent.
type Options struct {
	Spec         domain.AgentSpec
	Client       agentllm.Client
	TurnCap      int // default 12 (per_step_turn_cap)
	DatasetFacts []string
	Logger       telemetry.Logger
}

// New constructs an Agent for one plan/step lifetime.
func New(opts Options) *Agent {
	var allowed map[string]struct{}
	switch {
	case !opts.Spec.CanCallTools:
		allowed = map[string]struct{}{} // empty, non-nil: deny every tool
	case len(opts.Spec.AllowedTools) > 0:
		allowed = make(map[string]struct{}, len(opts.Spec.AllowedTools))
		for _, n := range opts.Spec.AllowedTools {
			allowed[n] = struct{}{}
		}
	default:
		allowed = nil // unfiltered: every catalogue tool is allowed
	}
	turnCap := opts.TurnCap
	if turnCap <= 0 {
		turnCap = 12
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	a := &Agent{
		spec:         opts.Spec,
		llm:          opts.Client,
		allowedTools: allowed,
		turnCap:      turnCap,
		logger:       logger,
	}
	a.window = append(a.window, agentllm.Message{Role: agentllm.RoleSystem, Content: opts.Spec.SystemPrompt})
	if len(opts.DatasetFacts) > 0 {
		a.window = append(a.window, agentllm.Message{
			Role:    agentllm.RoleSystem,
			Content: "Known dataset handles for this session:\n" + strings.Join(opts.DatasetFacts, "\n"),
		})
	}
	return a
}

// AllowedToolNames exposes the tool allow-list for the orchestrator to pass
// through to mcptransport.Invoke. Returns nil when unfiltered.
func (a *Agent) AllowedToolNames() map[string]struct{} { return a.allowedTools }

// ResetStepTurnCount is called by the orchestrator at the start of each new
// step: the per-step turn cap resets, but the conversation window persists
// across steps within the same plan.
func (a *Agent) ResetStepTurnCount() { a.turnsInStep = 0 }

// Turn runs one request/response round with the LLM, appending input (a
// user instruction or a tool result rendered as text) to the window first.
func (a *Agent) Turn(ctx context.Context, input string, tools []agentllm.ToolSchema, onDelta agentllm.StreamDeltaFunc) TurnResult {
	a.turnsInStep++
	if a.turnsInStep > a.turnCap {
		return TurnResult{Kind: TurnFailed, FailureKind: coreerr.TurnCap, FailureMsg: "per-step turn cap exceeded"}
	}

	if input != "" {
		a.window = append(a.window, agentllm.Message{Role: agentllm.RoleUser, Content: input})
	}
	a.trimWindow(ctx)

	result, err := a.llm.Complete(ctx, agentllm.CompletionRequest{
		Model:    a.spec.ModelName,
		Messages: a.window,
		Tools:    tools,
	}, onDelta)
	if err != nil {
		return TurnResult{Kind: TurnFailed, FailureKind: coreerr.LLMFatal, FailureMsg: err.Error()}
	}

	if result.Text != "" {
		a.window = append(a.window, agentllm.Message{Role: agentllm.RoleAssistant, Content: result.Text})
	}

	for _, tc := range result.ToolCalls {
		if tc.Name == clarificationTool {
			var args struct {
				Question string `json:"question"`
			}
			_ = json.Unmarshal(tc.Arguments, &args)
			return TurnResult{Kind: TurnClarificationRequested, Question: args.Question}
		}
		// Only the first tool call of a turn is surfaced; the orchestrator
		// invokes it and calls Turn again with the result, per spec §4.3's
		// single-tool-call-per-loop-iteration contract. Any further tool
		// calls in the same turn are dropped and never dispatched.
		return TurnResult{Kind: TurnToolCallRequested, ToolName: tc.Name, ToolArguments: tc.Arguments}
	}

	if result.Text != "" {
		return TurnResult{Kind: TurnFinal, Text: result.Text}
	}
	return TurnResult{Kind: TurnFailed, FailureKind: coreerr.LLMFatal, FailureMsg: "model returned neither text nor a tool call"}
}

// AppendToolResult records a committed tool result into the conversation
// window before the next Turn call.
func (a *Agent) AppendToolResult(toolName, toolCallID, content string) {
	a.window = append(a.window, agentllm.Message{
		Role: agentllm.RoleTool, ToolName: toolName, ToolCallID: toolCallID, Content: content,
	})
}

// AppendClarificationReply records the user's clarification answer.
func (a *Agent) AppendClarificationReply(reply string) {
	a.window = append(a.window, agentllm.Message{Role: agentllm.RoleUser, Content: reply})
}

// windowTokenBudget is a conservative character-based proxy for a token
// budget; production deployments should wire in the provider's tokenizer.
const windowTokenBudget = 24000
const keepLastToolResults = 6

// compactionSystemPrompt drives the dedicated compaction call: the dropped
// portion of the window is handed back to the same model and asked to
// compress itself, rather than truncated blindly.
const compactionSystemPrompt = "Summarize the following conversation turns into a short paragraph " +
	"that preserves every decision, fact, and open question a continuing assistant would need. " +
	"Write the summary only, with no preamble."

// trimWindow rewrites the conversation window when it exceeds the token
// budget: keep the system prompt(s), the first user message, and the last K
// tool results; the remainder is handed to a dedicated compaction call
// against the same agent's model client, whose output replaces it as one
// synthetic Context message (DESIGN.md supplemented feature #2), grounded
// on runtime/agent/runtime/history.go. A failed compaction call falls back
// to the cheaper truncate-first-200-chars heuristic rather than losing the
// turn entirely.
func (a *Agent) trimWindow(ctx context.Context) {
	size := 0
	for _, m := range a.window {
		size += len(m.Content)
	}
	if size <= windowTokenBudget {
		return
	}

	var system []agentllm.Message
	var firstUser *agentllm.Message
	var rest []agentllm.Message
	for i := range a.window {
		m := a.window[i]
		switch {
		case m.Role == agentllm.RoleSystem:
			system = append(system, m)
		case m.Role == agentllm.RoleUser && firstUser == nil:
			firstUser = &m
		default:
			rest = append(rest, m)
		}
	}

	var toolResults []agentllm.Message
	for _, m := range rest {
		if m.Role == agentllm.RoleTool {
			toolResults = append(toolResults, m)
		}
	}
	if len(toolResults) > keepLastToolResults {
		toolResults = toolResults[len(toolResults)-keepLastToolResults:]
	}

	summary := a.compact(ctx, rest)

	newWindow := append([]agentllm.Message{}, system...)
	if firstUser != nil {
		newWindow = append(newWindow, *firstUser)
	}
	newWindow = append(newWindow, agentllm.Message{Role: agentllm.RoleSystem, Content: summary})
	newWindow = append(newWindow, toolResults...)
	a.window = newWindow
}

// compact asks the agent's own model client to summarize dropped turns. It
// never returns an error: a failed compaction call degrades to the
// character-truncation heuristic so a provider outage never blocks the step
// the trim was serving, it just makes the retained context cruder.
func (a *Agent) compact(ctx context.Context, dropped []agentllm.Message) string {
	if len(dropped) == 0 {
		return "Summary of earlier conversation (trimmed to fit the context window): (nothing retained)"
	}

	var transcript strings.Builder
	for _, m := range dropped {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}

	result, err := a.llm.Complete(ctx, agentllm.CompletionRequest{
		Model: a.spec.ModelName,
		Messages: []agentllm.Message{
			{Role: agentllm.RoleSystem, Content: compactionSystemPrompt},
			{Role: agentllm.RoleUser, Content: transcript.String()},
		},
	}, nil)
	if err != nil || result.Text == "" {
		a.logger.Warn(ctx, "agentruntime: compaction call failed, falling back to truncation heuristic", "agent", a.spec.Name, "err", err)
		return truncateHeuristic(dropped)
	}
	return "Summary of earlier conversation (trimmed to fit the context window): " + result.Text
}

// truncateHeuristic is the compaction fallback: concatenate each dropped
// message's first 200 characters verbatim, capped at 2000 characters total.
func truncateHeuristic(dropped []agentllm.Message) string {
	var summarized strings.Builder
	summarized.WriteString("Summary of earlier conversation (trimmed to fit the context window): ")
	for _, m := range dropped {
		if len(summarized.String()) > 2000 {
			break
		}
		summarized.WriteString(string(m.Role))
		summarized.WriteString(": ")
		if len(m.Content) > 200 {
			summarized.WriteString(m.Content[:200])
		} else {
			summarized.WriteString(m.Content)
		}
		summarized.WriteString("\n")
	}
	return summarized.String()
}
