package orchestrator

import (
	"context"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
)

// PlannedStep is one entry in a planner agent's proposed step list.
type PlannedStep struct {
	AgentName string
	Action    string
}

// PlanProposal is the planner agent's structured response (spec §4.5
// Planning mode step 3): a facts preamble plus an ordered step list.
type PlanProposal struct {
	Facts string
	Steps []PlannedStep
}

// Planner invokes a team's designated planner agent. plannerSpec is the
// AgentSpec the calling team designates as PlannerName, so a single shared
// Planner instance can serve every team without fixing a model at
// construction time. Kept as an interface so the orchestrator can be
// tested without a real LLM round trip.
type Planner interface {
	Propose(ctx context.Context, augmentedRequest string, rosterDescription string, plannerSpec domain.AgentSpec) (PlanProposal, error)
}

// validatePlanProposal enforces spec §4.5 step 4: every agent_name
// resolves, the list is non-empty, and its length is within
// plannerMaxSteps.
func validatePlanProposal(p PlanProposal, resolves func(agentName string) bool, plannerMaxSteps int) error {
	if len(p.Steps) == 0 {
		return coreerr.New(coreerr.ValidationError, "planner returned no steps")
	}
	if plannerMaxSteps > 0 && len(p.Steps) > plannerMaxSteps {
		return coreerr.New(coreerr.ValidationError, "planner exceeded planner_max_steps")
	}
	for _, s := range p.Steps {
		if !resolves(s.AgentName) {
			return coreerr.New(coreerr.ValidationError, "planner step references unknown agent: "+s.AgentName)
		}
	}
	return nil
}
