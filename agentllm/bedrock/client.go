// Package bedrock adapts github.com/aws/aws-sdk-go-v2/service/bedrockruntime
// (Anthropic models served through AWS Bedrock) to the agentllm.Client
// boundary — the third provider option for DESIGN.md supplemented feature
// #1 (multi-provider model selection).
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/coreerr"
)

// Client wraps a Bedrock runtime client using the Anthropic Messages wire
// format, which Bedrock exposes directly for Claude models.
type Client struct {
	sdk *bedrockruntime.Client
}

// New constructs a Client from an already-configured aws.Config.
func New(cfg aws.Config) *Client {
	return &Client{sdk: bedrockruntime.NewFromConfig(cfg)}
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete issues one chat-completion turn via Bedrock's InvokeModel API.
// Bedrock's synchronous InvokeModel has no native tool-call directive in
// this wire format, so this adapter is restricted to text-only agents;
// tool-using agents should select the anthropic or openai provider.
func (c *Client) Complete(ctx context.Context, req agentllm.CompletionRequest, onDelta agentllm.StreamDeltaFunc) (agentllm.CompletionResult, error) {
	var system string
	var messages []bedrockMessage
	for _, m := range req.Messages {
		switch m.Role {
		case agentllm.RoleSystem:
			system = m.Content
		case agentllm.RoleUser:
			messages = append(messages, bedrockMessage{Role: "user", Content: m.Content})
		case agentllm.RoleAssistant:
			messages = append(messages, bedrockMessage{Role: "assistant", Content: m.Content})
		case agentllm.RoleTool:
			messages = append(messages, bedrockMessage{Role: "user", Content: m.Content})
		}
	}

	payload, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		System:           system,
		Messages:         messages,
	})
	if err != nil {
		return agentllm.CompletionResult{}, coreerr.Wrap(coreerr.ValidationError, "marshal bedrock request", err)
	}

	out, err := c.sdk.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return agentllm.CompletionResult{}, coreerr.Wrap(coreerr.LLMFatal, "bedrock invoke failed", err)
	}

	var parsed bedrockResponse
	if err := json.NewDecoder(bytes.NewReader(out.Body)).Decode(&parsed); err != nil {
		return agentllm.CompletionResult{}, coreerr.Wrap(coreerr.LLMFatal, "decode bedrock response", err)
	}

	var result agentllm.CompletionResult
	for _, block := range parsed.Content {
		if block.Type == "text" {
			result.Text += block.Text
			if onDelta != nil {
				onDelta(block.Text)
			}
		}
	}
	return result, nil
}
