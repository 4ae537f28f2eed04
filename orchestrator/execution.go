package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mosaicflow/orchestrator/agentruntime"
	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/planfsm"
)

// agentCache holds one agentruntime.Agent per agent name for the lifetime
// of a single plan execution, so the conversation window survives across
// steps assigned to the same agent (spec §4.5 "reusing cached instances").
type agentCache struct {
	agents map[string]*agentruntime.Agent
}

func newAgentCache() *agentCache { return &agentCache{agents: make(map[string]*agentruntime.Agent)} }

// Approve implements the Approve command: true queues the plan for
// Execution mode (held at AwaitingApproval until a max_concurrent_plans
// slot frees, spec §5), false cancels the plan (spec §4.6 approve_plan).
// A second Approve(true) on an already-running or queued plan is a no-op
// (spec §8 "double Approve yields one StepStarted per step").
func (o *Orchestrator) Approve(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID, approved bool) error {
	if !approved {
		if err := o.CancelPlan(ctx, sessionID, planID); err != nil {
			return err
		}
		// A plan still AwaitingApproval has no execution loop watching
		// cancellation_requested, so rejecting it must transition it to
		// Cancelled directly rather than leaving the flag to be noticed
		// later (unlike a plain cancel_plan, which only sets the flag for
		// an already-running plan's loop to observe).
		plan, err := o.store.GetPlan(ctx, sessionID, planID)
		if err != nil {
			return err
		}
		if plan.OverallStatus == domain.PlanAwaitingApproval {
			o.transitionCancelled(ctx, sessionID, planID)
		}
		return nil
	}
	plan, err := o.store.GetPlan(ctx, sessionID, planID)
	if err != nil {
		return err
	}
	if plan.OverallStatus != domain.PlanAwaitingApproval {
		return nil
	}
	if plan.CancellationRequested {
		// Cancel arrived before Approve (spec §8 "Cancel issued before
		// Approve"): go straight to Cancelled, no StepStarted ever fires.
		o.transitionCancelled(ctx, sessionID, planID)
		return nil
	}
	if o.registry.Get(planID) != nil {
		// Already queued for a run slot by an earlier Approve.
		return nil
	}
	ctrl := o.registry.Ensure(planID)
	go o.waitForSlotThenRun(context.Background(), sessionID, planID, ctrl)
	return nil
}

// waitForSlotThenRun blocks until a max_concurrent_plans slot is free (or
// the queued plan is cancelled), then transitions the plan to Running and
// drives it to completion.
func (o *Orchestrator) waitForSlotThenRun(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID, ctrl *Controller) {
	select {
	case o.runSlots <- struct{}{}:
	case <-ctrl.CancelChan():
		o.transitionCancelled(ctx, sessionID, planID)
		o.registry.Release(planID)
		return
	}
	defer func() { <-o.runSlots }()

	if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
		return p.Approve(entitystoreNow())
	}); err != nil {
		o.logger.Error(ctx, "approve: failed to transition plan to running", "error", err.Error())
		o.registry.Release(planID)
		return
	}
	o.touchSession(ctx, sessionID)
	o.runPlan(ctx, sessionID, planID)
}

// CancelPlan sets cancellation_requested and signals the plan's
// Controller, if it is currently executing in this process.
func (o *Orchestrator) CancelPlan(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID) error {
	_, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
		return p.RequestCancellation(entitystoreNow())
	})
	if err != nil {
		return err
	}
	if ctrl := o.registry.Get(planID); ctrl != nil {
		ctrl.SignalCancel()
	}
	return nil
}

// Clarify forwards a clarification reply into the suspended step.
func (o *Orchestrator) Clarify(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID, reply string) error {
	ctrl := o.registry.Get(planID)
	if ctrl == nil {
		return coreerr.New(coreerr.ValidationError, "plan is not currently awaiting clarification in this process")
	}
	ctrl.SignalClarify(reply)
	return nil
}

// ResumeAll discovers known sessions from the configured sessionindex.Index
// and resumes their non-terminal plans. Requires Options.Sessions to have
// been set at construction; falls back to a no-op (with a log line) when
// running without Redis, since there is then no durable record of which
// sessions to scan.
func (o *Orchestrator) ResumeAll(ctx context.Context) {
	if o.sessions == nil {
		o.logger.Warn(ctx, "resume: no sessionindex configured, skipping startup resume")
		return
	}
	sessionIDs, err := o.sessions.List(ctx)
	if err != nil {
		o.logger.Error(ctx, "resume: failed to list known sessions", "error", err.Error())
		return
	}
	o.Resume(ctx, sessionIDs)
}

// Resume re-enters every non-terminal plan's execution loop at service
// start (spec §4.5 "Resumption"). Already-committed tool results are
// replayed into the agent's context rather than re-invoked, because
// runStep always starts from step.ToolCalls.
func (o *Orchestrator) Resume(ctx context.Context, sessionIDs []domain.SessionID) {
	plans, err := o.store.ListNonTerminalPlansForSessions(ctx, sessionIDs)
	if err != nil {
		o.logger.Error(ctx, "resume: failed to list non-terminal plans", "error", err.Error())
		return
	}
	for _, plan := range plans {
		if plan.OverallStatus == domain.PlanRunning || plan.OverallStatus == domain.PlanAwaitingClarification {
			go o.resumeWithSlot(context.Background(), plan.SessionID, plan.ID)
		}
	}
}

// resumeWithSlot re-enters a plan that was already Running or
// AwaitingClarification at crash time, waiting its turn for a
// max_concurrent_plans slot just like a fresh Approve.
func (o *Orchestrator) resumeWithSlot(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID) {
	ctrl := o.registry.Ensure(planID)
	select {
	case o.runSlots <- struct{}{}:
	case <-ctrl.CancelChan():
		o.transitionCancelled(ctx, sessionID, planID)
		o.registry.Release(planID)
		return
	}
	defer func() { <-o.runSlots }()
	o.touchSession(ctx, sessionID)
	o.runPlan(ctx, sessionID, planID)
}

// entitystoreNow is a small indirection so tests can stub the clock later
// without touching every call site.
func entitystoreNow() time.Time { return time.Now() }

// runPlan drives Execution mode for one plan to completion (spec §4.5).
func (o *Orchestrator) runPlan(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID) {
	ctrl := o.registry.Ensure(planID)
	defer o.registry.Release(planID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PlanDeadline())
	defer cancel()

	plan, err := o.store.GetPlan(ctx, sessionID, planID)
	if err != nil {
		o.logger.Error(ctx, "runPlan: failed to load plan", "error", err.Error())
		return
	}
	team, err := o.store.GetTeam(ctx, plan.TeamID)
	if err != nil {
		o.logger.Error(ctx, "runPlan: failed to load team", "error", err.Error())
		return
	}

	cache := newAgentCache()
	startOrdinal := o.lowestNonDoneOrdinal(plan)

	for ordinal := startOrdinal; ordinal <= len(plan.Steps); ordinal++ {
		if ctrl.CancellationRequested() {
			o.transitionCancelled(ctx, sessionID, planID)
			return
		}

		step, _ := plan.StepAt(ordinal)
		if step.Status != domain.StepAwaitingClarification {
			// A step resumed mid-clarification (process restart while
			// suspended) re-enters runStep directly below instead of
			// being re-started, so it waits on the Controller again
			// rather than replaying its action from scratch.
			plan, err = o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
				return p.StartStep(ordinal, entitystoreNow())
			})
			if err != nil {
				o.logger.Error(ctx, "runPlan: failed to start step", "error", err.Error())
				return
			}
			step, _ = plan.StepAt(ordinal)
			o.bus.Publish(ctx, sessionID, planfsm.NewStepStarted(planID, step.ID, ordinal, step.AgentName, entitystoreNow()))
		}

		outcome := o.runStep(ctx, ctrl, sessionID, planID, team, cache, ordinal)
		switch outcome {
		case stepOutcomeDone:
			continue
		case stepOutcomeFailed:
			o.transitionFailed(ctx, sessionID, planID, ordinal)
			return
		case stepOutcomeCancelled:
			o.transitionCancelled(ctx, sessionID, planID)
			return
		}
	}

	o.transitionCompleted(ctx, sessionID, planID)
}

func (o *Orchestrator) lowestNonDoneOrdinal(plan *domain.Plan) int {
	for i, s := range plan.Steps {
		if s.Status != domain.StepDone && s.Status != domain.StepSkipped {
			return i + 1
		}
	}
	return len(plan.Steps) + 1
}

type stepOutcome int

const (
	stepOutcomeDone stepOutcome = iota
	stepOutcomeFailed
	stepOutcomeCancelled
)

// maxStepClarifications is the number of times a single step may ask for
// clarification before the step fails with ClarificationLoop (spec §9).
const maxStepClarifications = 2

// runStep runs one step's tool-use loop to a terminal (or suspended)
// outcome (spec §4.5 Execution mode step 3).
func (o *Orchestrator) runStep(ctx context.Context, ctrl *Controller, sessionID domain.SessionID, planID domain.PlanID, team *domain.TeamConfig, cache *agentCache, ordinal int) stepOutcome {
	plan, err := o.store.GetPlan(ctx, sessionID, planID)
	if err != nil {
		return stepOutcomeFailed
	}
	step, err := plan.StepAt(ordinal)
	if err != nil {
		return stepOutcomeFailed
	}

	agent, err := o.agentFor(cache, team, step.AgentName, sessionID, ctx)
	if err != nil {
		o.logger.Error(ctx, "runStep: failed to build agent", "error", err.Error())
		return stepOutcomeFailed
	}
	agent.ResetStepTurnCount()

	input := step.Action
	// Replay already-committed tool results for a resumed step instead of
	// re-invoking them (spec §4.5 "Resumption").
	for _, tc := range step.ToolCalls {
		agent.AppendToolResult(tc.ToolName, "", "result_digest:"+tc.ResultDigest)
	}

	if step.Status == domain.StepAwaitingClarification {
		// Re-entering a step that was already suspended when the process
		// restarted: wait for the reply instead of issuing another turn.
		reply, err := ctrl.WaitClarify(ctx)
		if err != nil {
			return stepOutcomeCancelled
		}
		agent.AppendClarificationReply(reply)
		if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
			return p.ResumeFromClarification(ordinal, entitystoreNow())
		}); err != nil {
			return stepOutcomeFailed
		}
		o.bus.Publish(ctx, sessionID, planfsm.NewClarificationAnswered(planID, step.ID, reply, entitystoreNow()))
		input = reply
	}

	for {
		if ctrl.CancellationRequested() {
			return stepOutcomeCancelled
		}

		turnCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentTurnTimeout())
		result := agent.Turn(turnCtx, input, nil, nil)
		cancel()
		input = "" // only the first turn carries the step action as input

		switch result.Kind {
		case agentruntime.TurnFinal:
			if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
				if err := p.FinishStep(ordinal, domain.StepDone, result.Text, "", entitystoreNow()); err != nil {
					return err
				}
				if p.OverallStatus == domain.PlanCompleted {
					// Set in the same patch that completes the plan.
					p.FinalResult = "Plan completed. " + result.Text
				}
				return nil
			}); err != nil {
				return stepOutcomeFailed
			}
			o.bus.Publish(ctx, sessionID, planfsm.NewStepOutput(planID, step.ID, result.Text, entitystoreNow()))
			return stepOutcomeDone

		case agentruntime.TurnToolCallRequested:
			outcome := o.invokeTool(ctx, ctrl, sessionID, planID, step, agent, result)
			if outcome != stepOutcomeDone {
				return outcome
			}
			continue

		case agentruntime.TurnClarificationRequested:
			patched, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
				return p.AskClarification(ordinal, entitystoreNow())
			})
			if err != nil {
				return stepOutcomeFailed
			}
			patchedStep, err := patched.StepAt(ordinal)
			if err != nil {
				return stepOutcomeFailed
			}
			if patchedStep.ClarificationCount > maxStepClarifications {
				// spec §9: a clarification that recurs for the same step is
				// allowed at most twice before the step fails outright.
				if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
					return p.FinishStep(ordinal, domain.StepFailed, "", coreerr.ClarificationLoop, entitystoreNow())
				}); err != nil {
					return stepOutcomeFailed
				}
				o.bus.Publish(ctx, sessionID, planfsm.NewError(planID, step.ID, "clarification requested too many times for this step", entitystoreNow()))
				return stepOutcomeFailed
			}
			o.bus.Publish(ctx, sessionID, planfsm.NewClarificationAsked(planID, step.ID, result.Question, entitystoreNow()))

			reply, err := ctrl.WaitClarify(ctx)
			if err != nil {
				return stepOutcomeCancelled
			}
			agent.AppendClarificationReply(reply)
			if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
				return p.ResumeFromClarification(ordinal, entitystoreNow())
			}); err != nil {
				return stepOutcomeFailed
			}
			o.bus.Publish(ctx, sessionID, planfsm.NewClarificationAnswered(planID, step.ID, reply, entitystoreNow()))
			input = reply
			continue

		case agentruntime.TurnFailed:
			errKind := result.FailureKind
			if errKind == "" {
				errKind = coreerr.LLMFatal
			}
			if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
				return p.FinishStep(ordinal, domain.StepFailed, result.FailureMsg, errKind, entitystoreNow())
			}); err != nil {
				return stepOutcomeFailed
			}
			o.bus.Publish(ctx, sessionID, planfsm.NewError(planID, step.ID, result.FailureMsg, entitystoreNow()))
			return stepOutcomeFailed
		}
	}
}

// invokeTool performs one tool call requested by the agent's last turn,
// classifying failures per spec §4.5 step 3's ToolCallRequested branch.
func (o *Orchestrator) invokeTool(ctx context.Context, ctrl *Controller, sessionID domain.SessionID, planID domain.PlanID, step *domain.Step, agent *agentruntime.Agent, result agentruntime.TurnResult) stepOutcome {
	if ctrl.CancellationRequested() {
		return stepOutcomeCancelled
	}

	argsDigest := digest(result.ToolArguments)
	o.bus.Publish(ctx, sessionID, planfsm.NewStepToolInvoked(planID, step.ID, result.ToolName, argsDigest, entitystoreNow()))

	toolCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolCallTimeout())
	defer cancel()

	start := entitystoreNow()
	toolResult, err := o.transport.Invoke(toolCtx, result.ToolName, result.ToolArguments, agent.AllowedToolNames())
	elapsed := entitystoreNow().Sub(start).Milliseconds()

	if err != nil {
		kind := coreerr.KindOf(err)
		var errKind coreerr.Kind
		switch kind {
		case coreerr.ToolDenied, coreerr.ToolNotFound, coreerr.ToolInputInvalid:
			errKind = kind
		default:
			errKind = coreerr.ToolExecutionError
		}
		if _, patchErr := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
			return p.FinishStep(step.Ordinal, domain.StepFailed, "", errKind, entitystoreNow())
		}); patchErr != nil {
			return stepOutcomeFailed
		}
		o.bus.Publish(ctx, sessionID, planfsm.NewError(planID, step.ID, err.Error(), entitystoreNow()))
		return stepOutcomeFailed
	}

	resultDigest := digest(toolResult.Content)
	if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
		s, err := p.StepAt(step.Ordinal)
		if err != nil {
			return err
		}
		s.ToolCalls = append(s.ToolCalls, domain.ToolCallRecord{
			ToolName: result.ToolName, ArgumentsDigest: argsDigest, ResultDigest: resultDigest, Milliseconds: elapsed,
		})
		return nil
	}); err != nil {
		return stepOutcomeFailed
	}
	o.bus.Publish(ctx, sessionID, planfsm.NewStepToolReturned(planID, step.ID, result.ToolName, resultDigest, elapsed, entitystoreNow()))

	var rendered string
	if raw, err := json.Marshal(toolResult.Content); err == nil {
		rendered = string(raw)
	}
	agent.AppendToolResult(result.ToolName, "", rendered)
	return stepOutcomeDone
}

func (o *Orchestrator) agentFor(cache *agentCache, team *domain.TeamConfig, agentName string, sessionID domain.SessionID, ctx context.Context) (*agentruntime.Agent, error) {
	if a, ok := cache.agents[agentName]; ok {
		return a, nil
	}
	spec, err := team.Agent(agentName)
	if err != nil {
		return nil, err
	}
	client, err := o.clients(spec.ModelProvider)
	if err != nil {
		return nil, err
	}

	datasets, err := o.store.ListDatasets(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	facts := make([]string, 0, len(datasets))
	for _, d := range datasets {
		facts = append(facts, string(d.ID)+": "+d.Filename)
	}

	turnCap := spec.MaxTurnsPerStep
	if turnCap <= 0 {
		turnCap = o.cfg.PerStepTurnCap
	}
	agent := agentruntime.New(agentruntime.Options{
		Spec: spec, Client: client, TurnCap: turnCap, DatasetFacts: facts, Logger: o.logger,
	})
	cache.agents[agentName] = agent
	return agent, nil
}

func (o *Orchestrator) transitionCompleted(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID) {
	plan, err := o.store.GetPlan(ctx, sessionID, planID)
	if err != nil {
		return
	}
	finalResult := ""
	if n := len(plan.Steps); n > 0 {
		finalResult = "Plan completed. " + plan.Steps[n-1].OutputText
	}
	if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
		p.FinalResult = finalResult
		p.UpdatedAt = entitystoreNow()
		return nil
	}); err != nil {
		return
	}
	o.bus.Publish(ctx, sessionID, planfsm.NewPlanCompleted(planID, finalResult, entitystoreNow()))
	o.metrics.IncCounter("plan_completed", 1)
}

func (o *Orchestrator) transitionFailed(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID, ordinal int) {
	plan, err := o.store.GetPlan(ctx, sessionID, planID)
	if err != nil {
		return
	}
	var stepID domain.StepID
	if step, err := plan.StepAt(ordinal); err == nil {
		stepID = step.ID
	}
	o.bus.Publish(ctx, sessionID, planfsm.NewPlanFailed(planID, stepID, "a step failed", entitystoreNow()))
	o.metrics.IncCounter("plan_failed", 1)
}

func (o *Orchestrator) transitionCancelled(ctx context.Context, sessionID domain.SessionID, planID domain.PlanID) {
	if _, err := o.store.PatchPlan(ctx, sessionID, planID, func(p *domain.Plan) error {
		return p.Cancel(entitystoreNow())
	}); err != nil {
		return
	}
	o.bus.Publish(ctx, sessionID, planfsm.NewPlanCancelled(planID, entitystoreNow()))
	o.metrics.IncCounter("plan_cancelled", 1)
}
