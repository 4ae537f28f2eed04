// Package openai adapts github.com/openai/openai-go to the agentllm.Client
// boundary.
package openai

import (
	"context"
	"encoding/json"

	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/coreerr"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client wraps an OpenAI SDK client.
type Client struct {
	sdk openaisdk.Client
}

// New constructs a Client. apiKey may be empty to use the SDK's default
// OPENAI_API_KEY environment lookup.
func New(apiKey string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{sdk: openaisdk.NewClient(opts...)}
}

// Complete issues one chat-completion turn against a GPT model.
func (c *Client) Complete(ctx context.Context, req agentllm.CompletionRequest, onDelta agentllm.StreamDeltaFunc) (agentllm.CompletionResult, error) {
	var messages []openaisdk.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case agentllm.RoleSystem:
			messages = append(messages, openaisdk.SystemMessage(m.Content))
		case agentllm.RoleUser:
			messages = append(messages, openaisdk.UserMessage(m.Content))
		case agentllm.RoleAssistant:
			messages = append(messages, openaisdk.AssistantMessage(m.Content))
		case agentllm.RoleTool:
			messages = append(messages, openaisdk.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	var tools []openaisdk.ChatCompletionToolParam
	for _, t := range req.Tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		tools = append(tools, openaisdk.ChatCompletionToolParam{
			Function: openaisdk.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaisdk.String(t.Description),
				Parameters:  schema,
			},
		})
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(req.Model),
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return agentllm.CompletionResult{}, coreerr.Wrap(coreerr.LLMFatal, "openai completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return agentllm.CompletionResult{}, coreerr.New(coreerr.LLMFatal, "openai returned no choices")
	}

	choice := resp.Choices[0]
	var result agentllm.CompletionResult
	result.Text = choice.Message.Content
	if onDelta != nil && result.Text != "" {
		onDelta(result.Text)
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, agentllm.ToolCallDirective{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}
