package domain

import "github.com/mosaicflow/orchestrator/coreerr"

// AgentSpec describes one agent role available to a team: the model it
// runs on, its system prompt, and the MCP tools it is allowed to call.
type AgentSpec struct {
	Name            string
	ModelProvider   string // "anthropic" | "openai" | "bedrock"
	ModelName       string
	SystemPrompt    string
	CanCallTools    bool
	AllowedTools    []string // optional; meaningful only when CanCallTools
	MaxTurnsPerStep int      // 0 means "use config default"
}

// TeamConfig is the closed set of agents a Session can draw a plan from,
// plus the designated planner agent.
type TeamConfig struct {
	ID          TeamID
	PlannerName string
	Agents      map[string]AgentSpec
}

// NewTeamConfig validates that the planner agent exists in Agents and that
// every AgentSpec names a known provider.
func NewTeamConfig(id TeamID, plannerName string, agents []AgentSpec) (*TeamConfig, error) {
	if id == "" {
		return nil, coreerr.New(coreerr.ValidationError, "team id must not be empty")
	}
	if plannerName == "" {
		return nil, coreerr.New(coreerr.ValidationError, "team must designate a planner agent")
	}
	byName := make(map[string]AgentSpec, len(agents))
	for _, a := range agents {
		if a.Name == "" {
			return nil, coreerr.New(coreerr.ValidationError, "agent spec must have a name")
		}
		switch a.ModelProvider {
		case "anthropic", "openai", "bedrock":
		default:
			return nil, coreerr.New(coreerr.ValidationError, "unknown model provider: "+a.ModelProvider)
		}
		byName[a.Name] = a
	}
	if _, ok := byName[plannerName]; !ok {
		return nil, coreerr.New(coreerr.ValidationError, "planner agent not found in team: "+plannerName)
	}
	return &TeamConfig{ID: id, PlannerName: plannerName, Agents: byName}, nil
}

// Agent looks up an agent by name, returning coreerr.TeamNotFound if it is
// absent (the team itself is assumed to already be resolved; an unknown
// agent name inside it is treated the same as an unresolvable team for the
// purposes of the caller).
func (t *TeamConfig) Agent(name string) (AgentSpec, error) {
	a, ok := t.Agents[name]
	if !ok {
		return AgentSpec{}, coreerr.New(coreerr.TeamNotFound, "agent not found in team: "+name)
	}
	return a, nil
}
