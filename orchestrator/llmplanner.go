package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
)

// proposePlanTool is the single tool the planner agent is offered; its
// schema is the structured-output contract for PlanProposal (spec §4.5
// step 3 "the planner agent ... returns a facts preamble and an ordered
// step list").
const proposePlanTool = "propose_plan"

var proposePlanSchema = json.RawMessage(`{
  "type": "object",
  "required": ["facts", "steps"],
  "properties": {
    "facts": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["agent_name", "action"],
        "properties": {
          "agent_name": {"type": "string"},
          "action": {"type": "string"}
        }
      }
    }
  }
}`)

// llmPlanner is the default Planner: a single LLM turn against a team's
// designated planner agent, forced (by being the only tool offered) to
// respond via proposePlanTool. Grounded on agentruntime.Agent.Turn's
// tool-call handling, but kept a thin single-shot caller rather than a
// full Agent, since a planner proposal has no multi-turn tool-use loop of
// its own (spec §4.5 step 3 is a single request/response). One instance
// serves every team; the planner agent's provider and model come from the
// AgentSpec CreatePlan passes in per call.
type llmPlanner struct {
	clients ClientFactory
}

// NewLLMPlanner builds a Planner that resolves a client per call via
// clients, keyed on the calling team's planner AgentSpec.ModelProvider.
func NewLLMPlanner(clients ClientFactory) Planner {
	return &llmPlanner{clients: clients}
}

func (p *llmPlanner) Propose(ctx context.Context, augmentedRequest, rosterDescription string, plannerSpec domain.AgentSpec) (PlanProposal, error) {
	client, err := p.clients(plannerSpec.ModelProvider)
	if err != nil {
		return PlanProposal{}, coreerr.Wrap(coreerr.LLMFatal, "no client for planner provider", err)
	}
	req := agentllm.CompletionRequest{
		Model: plannerSpec.ModelName,
		Messages: []agentllm.Message{
			{Role: agentllm.RoleSystem, Content: plannerSpec.SystemPrompt},
			{Role: agentllm.RoleSystem, Content: "Available agents on this team:\n" + rosterDescription},
			{Role: agentllm.RoleUser, Content: augmentedRequest},
		},
		Tools: []agentllm.ToolSchema{{
			Name:        proposePlanTool,
			Description: "Propose an ordered list of steps, each assigned to one team agent, to satisfy the user's request.",
			InputSchema: proposePlanSchema,
		}},
	}

	result, err := client.Complete(ctx, req, nil)
	if err != nil {
		return PlanProposal{}, coreerr.Wrap(coreerr.LLMFatal, "planner completion failed", err)
	}
	for _, tc := range result.ToolCalls {
		if tc.Name != proposePlanTool {
			continue
		}
		var parsed struct {
			Facts string `json:"facts"`
			Steps []struct {
				AgentName string `json:"agent_name"`
				Action    string `json:"action"`
			} `json:"steps"`
		}
		if err := json.Unmarshal(tc.Arguments, &parsed); err != nil {
			return PlanProposal{}, coreerr.Wrap(coreerr.LLMFatal, "planner returned malformed proposal", err)
		}
		proposal := PlanProposal{Facts: parsed.Facts}
		for _, s := range parsed.Steps {
			proposal.Steps = append(proposal.Steps, PlannedStep{AgentName: s.AgentName, Action: s.Action})
		}
		return proposal, nil
	}
	return PlanProposal{}, coreerr.New(coreerr.LLMFatal, "planner did not call propose_plan")
}
