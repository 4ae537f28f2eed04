// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// agentllm.Client boundary.
package anthropic

import (
	"context"
	"encoding/json"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/coreerr"
)

// Client wraps an Anthropic SDK client.
type Client struct {
	sdk *anthropicsdk.Client
}

// New constructs a Client. apiKey may be empty to use the SDK's default
// ANTHROPIC_API_KEY environment lookup.
func New(apiKey string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	c := anthropicsdk.NewClient(opts...)
	return &Client{sdk: &c}
}

// Complete issues one chat-completion turn against Claude.
func (c *Client) Complete(ctx context.Context, req agentllm.CompletionRequest, onDelta agentllm.StreamDeltaFunc) (agentllm.CompletionResult, error) {
	var system string
	var messages []anthropicsdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case agentllm.RoleSystem:
			system = m.Content
		case agentllm.RoleUser:
			messages = append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		case agentllm.RoleAssistant:
			messages = append(messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		case agentllm.RoleTool:
			messages = append(messages, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}

	var tools []anthropicsdk.ToolUnionParam
	for _, t := range req.Tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		tools = append(tools, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
			},
		})
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		MaxTokens: 4096,
		Messages:  messages,
		Tools:     tools,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return agentllm.CompletionResult{}, coreerr.Wrap(coreerr.LLMFatal, "anthropic completion failed", err)
	}

	var result agentllm.CompletionResult
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			result.Text += variant.Text
			if onDelta != nil {
				onDelta(variant.Text)
			}
		case anthropicsdk.ToolUseBlock:
			result.ToolCalls = append(result.ToolCalls, agentllm.ToolCallDirective{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: json.RawMessage(variant.JSON.Input.Raw()),
			})
		}
	}
	return result, nil
}
