package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/entitystore"
)

// teamsFile is the on-disk shape for seeding entitystore with the closed
// team rosters spec §3 assumes already exist ("Team" is read-only to the
// orchestrator). Loaded the same way config.Load reads the main config
// file, via viper, so operators can use YAML/JSON/TOML interchangeably.
type teamsFile struct {
	Teams []teamDefinition `mapstructure:"teams"`
}

type teamDefinition struct {
	ID          string              `mapstructure:"id"`
	PlannerName string              `mapstructure:"planner_name"`
	Agents      []agentDefinition   `mapstructure:"agents"`
}

type agentDefinition struct {
	Name            string   `mapstructure:"name"`
	ModelProvider   string   `mapstructure:"model_provider"`
	ModelName       string   `mapstructure:"model_name"`
	SystemPrompt    string   `mapstructure:"system_prompt"`
	CanCallTools    bool     `mapstructure:"can_call_tools"`
	AllowedTools    []string `mapstructure:"allowed_tools"`
	MaxTurnsPerStep int      `mapstructure:"max_turns_per_step"`
}

// seedTeams loads path (if non-empty) and PutTeams every team it describes,
// so CreatePlan's store.GetTeam lookup has something to find. A missing or
// empty path is not an error: an operator may seed teams out-of-band
// directly against the persistence backend.
func seedTeams(ctx context.Context, path string, store *entitystore.Store) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read teams file: %w", err)
	}
	var file teamsFile
	if err := v.Unmarshal(&file); err != nil {
		return fmt.Errorf("parse teams file: %w", err)
	}
	for _, td := range file.Teams {
		agents := make([]domain.AgentSpec, 0, len(td.Agents))
		for _, ad := range td.Agents {
			agents = append(agents, domain.AgentSpec{
				Name: ad.Name, ModelProvider: ad.ModelProvider, ModelName: ad.ModelName,
				SystemPrompt: ad.SystemPrompt, CanCallTools: ad.CanCallTools,
				AllowedTools: ad.AllowedTools, MaxTurnsPerStep: ad.MaxTurnsPerStep,
			})
		}
		team, err := domain.NewTeamConfig(domain.TeamID(td.ID), td.PlannerName, agents)
		if err != nil {
			return fmt.Errorf("team %q: %w", td.ID, err)
		}
		if err := store.PutTeam(ctx, team); err != nil {
			return fmt.Errorf("seed team %q: %w", td.ID, err)
		}
	}
	return nil
}
