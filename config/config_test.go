package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesSpecDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.MaxConcurrentPlans)
	assert.Equal(t, 12, cfg.PerStepTurnCap)
	assert.Equal(t, 60, cfg.ToolCallTimeoutSeconds)
	assert.Equal(t, 120, cfg.AgentTurnTimeoutSeconds)
	assert.Equal(t, 3600, cfg.PlanDeadlineSeconds)
	assert.Equal(t, 30, cfg.CancelHardDeadlineSeconds)
	assert.Equal(t, 16, cfg.MCPMaxInflight)
	assert.False(t, cfg.MCPAuthEnabled)
	assert.Equal(t, 256, cfg.EventSubscriberLagThreshold)
	assert.Equal(t, 5, cfg.PersistenceConflictRetries)
	assert.Equal(t, 20, cfg.PlannerMaxSteps)
	assert.False(t, cfg.AllowCancelledReplan)
}

func TestDurationHelpersConvertSecondsFields(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 60.0, cfg.ToolCallTimeout().Seconds())
	assert.Equal(t, 120.0, cfg.AgentTurnTimeout().Seconds())
	assert.Equal(t, 3600.0, cfg.PlanDeadline().Seconds())
	assert.Equal(t, 30.0, cfg.CancelHardDeadline().Seconds())
}
