package domain

import (
	"testing"
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTeam(t *testing.T) *TeamConfig {
	t.Helper()
	team, err := NewTeamConfig("team-1", "planner", []AgentSpec{
		{Name: "planner", ModelProvider: "anthropic", ModelName: "claude"},
		{Name: "worker", ModelProvider: "openai", ModelName: "gpt"},
	})
	require.NoError(t, err)
	return team
}

func TestPlanAttachStepsRequiresContiguousOrdinals(t *testing.T) {
	now := time.Now()
	plan, err := NewPlan("p1", "s1", "team-1", "do the thing", now)
	require.NoError(t, err)
	team := mustTeam(t)

	err = plan.AttachSteps([]Step{
		{Ordinal: 1, AgentName: "worker", Status: StepPending},
		{Ordinal: 3, AgentName: "worker", Status: StepPending},
	}, team, now)
	assert.Error(t, err)
	assert.Equal(t, coreerr.ValidationError, coreerr.KindOf(err))
}

func TestPlanAttachStepsRejectsUnknownAgent(t *testing.T) {
	now := time.Now()
	plan, _ := NewPlan("p1", "s1", "team-1", "do the thing", now)
	team := mustTeam(t)

	err := plan.AttachSteps([]Step{
		{Ordinal: 1, AgentName: "ghost", Status: StepPending},
	}, team, now)
	assert.Error(t, err)
}

func TestPlanHappyPathToCompleted(t *testing.T) {
	now := time.Now()
	plan, _ := NewPlan("p1", "s1", "team-1", "do the thing", now)
	team := mustTeam(t)
	require.NoError(t, plan.AttachSteps([]Step{
		{Ordinal: 1, AgentName: "worker", Status: StepPending},
		{Ordinal: 2, AgentName: "worker", Status: StepPending},
	}, team, now))
	require.Equal(t, PlanAwaitingApproval, plan.OverallStatus)

	require.NoError(t, plan.Approve(now))
	require.Equal(t, PlanRunning, plan.OverallStatus)

	require.NoError(t, plan.StartStep(1, now))
	require.NoError(t, plan.FinishStep(1, StepDone, "result one", "", now))
	require.Equal(t, PlanRunning, plan.OverallStatus)

	require.NoError(t, plan.StartStep(2, now))
	require.NoError(t, plan.FinishStep(2, StepDone, "result two", "", now))
	assert.Equal(t, PlanCompleted, plan.OverallStatus)
}

func TestPlanFailsWhenAStepFails(t *testing.T) {
	now := time.Now()
	plan, _ := NewPlan("p1", "s1", "team-1", "do the thing", now)
	team := mustTeam(t)
	require.NoError(t, plan.AttachSteps([]Step{
		{Ordinal: 1, AgentName: "worker", Status: StepPending},
	}, team, now))
	require.NoError(t, plan.Approve(now))
	require.NoError(t, plan.StartStep(1, now))
	require.NoError(t, plan.FinishStep(1, StepFailed, "", coreerr.ToolExecutionError, now))
	assert.Equal(t, PlanFailed, plan.OverallStatus)
	step, err := plan.StepAt(1)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, step.Status)
}

func TestOnlyOneStepMayAwaitClarificationAtATime(t *testing.T) {
	now := time.Now()
	plan, _ := NewPlan("p1", "s1", "team-1", "do the thing", now)
	team := mustTeam(t)
	require.NoError(t, plan.AttachSteps([]Step{
		{Ordinal: 1, AgentName: "worker", Status: StepPending},
		{Ordinal: 2, AgentName: "worker", Status: StepPending},
	}, team, now))
	require.NoError(t, plan.Approve(now))
	require.NoError(t, plan.StartStep(1, now))
	require.NoError(t, plan.AskClarification(1, now))
	assert.Equal(t, PlanAwaitingClarification, plan.OverallStatus)

	// step 2 hasn't started, but even if it had, a second clarifying step
	// must be rejected (invariant: at most one step awaiting clarification).
	err := plan.AskClarification(2, now)
	assert.Error(t, err)

	require.NoError(t, plan.ResumeFromClarification(1, now))
	assert.Equal(t, PlanRunning, plan.OverallStatus)
}

func TestCancelRequiresRequestAndNonTerminalPlan(t *testing.T) {
	now := time.Now()
	plan, _ := NewPlan("p1", "s1", "team-1", "do the thing", now)

	err := plan.Cancel(now)
	assert.Error(t, err, "cancel without a prior request should fail")

	require.NoError(t, plan.RequestCancellation(now))
	require.NoError(t, plan.Cancel(now))
	assert.Equal(t, PlanCancelled, plan.OverallStatus)

	err = plan.Cancel(now)
	assert.Error(t, err, "cancelling an already-terminal plan should fail")
}

func TestTerminalPlanRejectsFurtherMutation(t *testing.T) {
	now := time.Now()
	plan, _ := NewPlan("p1", "s1", "team-1", "do the thing", now)
	team := mustTeam(t)
	require.NoError(t, plan.AttachSteps([]Step{{Ordinal: 1, AgentName: "worker", Status: StepPending}}, team, now))
	require.NoError(t, plan.Approve(now))
	require.NoError(t, plan.StartStep(1, now))
	require.NoError(t, plan.FinishStep(1, StepDone, "done", "", now))
	require.Equal(t, PlanCompleted, plan.OverallStatus)

	err := plan.AttachSteps([]Step{{Ordinal: 1, AgentName: "worker", Status: StepPending}}, team, now)
	assert.Error(t, err)
}
