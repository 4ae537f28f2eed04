package agentruntime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	results []agentllm.CompletionResult
	calls   int
}

func (s *scriptedClient) Complete(_ context.Context, _ agentllm.CompletionRequest, onDelta agentllm.StreamDeltaFunc) (agentllm.CompletionResult, error) {
	r := s.results[s.calls]
	s.calls++
	if onDelta != nil && r.Text != "" {
		onDelta(r.Text)
	}
	return r, nil
}

func TestTurnReturnsFinalOnPlainText(t *testing.T) {
	client := &scriptedClient{results: []agentllm.CompletionResult{{Text: "all done"}}}
	a := New(Options{
		Spec:   domain.AgentSpec{Name: "worker", ModelProvider: "anthropic", ModelName: "m", CanCallTools: true},
		Client: client,
	})
	res := a.Turn(context.Background(), "do it", nil, nil)
	assert.Equal(t, TurnFinal, res.Kind)
	assert.Equal(t, "all done", res.Text)
}

func TestTurnReturnsToolCallRequested(t *testing.T) {
	client := &scriptedClient{results: []agentllm.CompletionResult{
		{ToolCalls: []agentllm.ToolCallDirective{{ID: "1", Name: "search", Arguments: json.RawMessage(`{}`)}}},
	}}
	a := New(Options{
		Spec:   domain.AgentSpec{Name: "worker", ModelProvider: "anthropic", ModelName: "m", CanCallTools: true},
		Client: client,
	})
	res := a.Turn(context.Background(), "find it", nil, nil)
	assert.Equal(t, TurnToolCallRequested, res.Kind)
	assert.Equal(t, "search", res.ToolName)
}

func TestTurnReturnsClarificationRequested(t *testing.T) {
	client := &scriptedClient{results: []agentllm.CompletionResult{
		{ToolCalls: []agentllm.ToolCallDirective{{ID: "1", Name: clarificationTool, Arguments: json.RawMessage(`{"question":"which dataset?"}`)}}},
	}}
	a := New(Options{
		Spec:   domain.AgentSpec{Name: "worker", ModelProvider: "anthropic", ModelName: "m", CanCallTools: true},
		Client: client,
	})
	res := a.Turn(context.Background(), "do it", nil, nil)
	assert.Equal(t, TurnClarificationRequested, res.Kind)
	assert.Equal(t, "which dataset?", res.Question)
}

func TestTurnCapExceeded(t *testing.T) {
	results := make([]agentllm.CompletionResult, 0, 5)
	for i := 0; i < 5; i++ {
		results = append(results, agentllm.CompletionResult{
			ToolCalls: []agentllm.ToolCallDirective{{ID: "1", Name: "noop", Arguments: json.RawMessage(`{}`)}},
		})
	}
	client := &scriptedClient{results: results}
	a := New(Options{
		Spec:    domain.AgentSpec{Name: "worker", ModelProvider: "anthropic", ModelName: "m", CanCallTools: true},
		Client:  client,
		TurnCap: 2,
	})
	require.Equal(t, TurnToolCallRequested, a.Turn(context.Background(), "x", nil, nil).Kind)
	require.Equal(t, TurnToolCallRequested, a.Turn(context.Background(), "x", nil, nil).Kind)
	res := a.Turn(context.Background(), "x", nil, nil)
	assert.Equal(t, TurnFailed, res.Kind)
	assert.Equal(t, coreerr.TurnCap, res.FailureKind)
}

func TestAgentWithoutToolCapabilityDeniesAllTools(t *testing.T) {
	a := New(Options{
		Spec:   domain.AgentSpec{Name: "chat", ModelProvider: "anthropic", ModelName: "m", CanCallTools: false},
		Client: &scriptedClient{},
	})
	allowed := a.AllowedToolNames()
	require.NotNil(t, allowed)
	assert.Len(t, allowed, 0)
}

func TestDatasetFactsInjectedIntoSystemContext(t *testing.T) {
	client := &scriptedClient{results: []agentllm.CompletionResult{{Text: "ok"}}}
	a := New(Options{
		Spec:         domain.AgentSpec{Name: "worker", ModelProvider: "anthropic", ModelName: "m", CanCallTools: true},
		Client:       client,
		DatasetFacts: []string{"dataset-1: sales.csv"},
	})
	found := false
	for _, m := range a.window {
		if m.Role == agentllm.RoleSystem && m.Content != "" && contains(m.Content, "sales.csv") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCompactCallsModelAndUsesItsSummary(t *testing.T) {
	client := &scriptedClient{results: []agentllm.CompletionResult{{Text: "user asked about sales data"}}}
	a := New(Options{
		Spec:   domain.AgentSpec{Name: "worker", ModelProvider: "anthropic", ModelName: "m", CanCallTools: true},
		Client: client,
	})
	summary := a.compact(context.Background(), []agentllm.Message{{Role: agentllm.RoleUser, Content: "what about sales?"}})
	assert.Equal(t, 1, client.calls)
	assert.Contains(t, summary, "user asked about sales data")
}

func TestCompactFallsBackToTruncationOnModelError(t *testing.T) {
	a := New(Options{
		Spec:   domain.AgentSpec{Name: "worker", ModelProvider: "anthropic", ModelName: "m", CanCallTools: true},
		Client: &erroringClient{},
	})
	dropped := []agentllm.Message{{Role: agentllm.RoleUser, Content: "hello there"}}
	summary := a.compact(context.Background(), dropped)
	assert.Contains(t, summary, "hello there")
}

type erroringClient struct{}

func (erroringClient) Complete(context.Context, agentllm.CompletionRequest, agentllm.StreamDeltaFunc) (agentllm.CompletionResult, error) {
	return agentllm.CompletionResult{}, errors.New("model unavailable")
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
