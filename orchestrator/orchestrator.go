package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/config"
	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/entitystore"
	"github.com/mosaicflow/orchestrator/mcptransport"
	"github.com/mosaicflow/orchestrator/planfsm"
	"github.com/mosaicflow/orchestrator/sessionindex"
	"github.com/mosaicflow/orchestrator/telemetry"
)

// ClientFactory resolves an agentllm.Client for a given model provider
// name ("anthropic" | "openai" | "bedrock").
type ClientFactory func(provider string) (agentllm.Client, error)

// Orchestrator is C5: it selects the next agent, calls C3, routes tool
// calls through C2, persists via C1, and hands clarification requests to
// the client via the event Bus. It is the only component that mutates
// plan state (spec §4.5).
type Orchestrator struct {
	store     *entitystore.Store
	transport *mcptransport.Transport
	bus       *planfsm.Bus
	clients   ClientFactory
	planner   Planner
	registry  *Registry
	cfg       config.Config
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	// sessions records which sessions currently have a plan, so a restart
	// can call Resume without the caller enumerating every session id by
	// hand. Nil when running without Redis (single-node / test setups),
	// in which case callers must pass session ids to Resume explicitly.
	sessions *sessionindex.Index

	// runSlots caps the number of plans in Execution mode at once
	// (max_concurrent_plans, spec §5). A plan approved while the cap is
	// full stays AwaitingApproval until a slot frees.
	runSlots chan struct{}
}

// Options configures a new Orchestrator.
type Options struct {
	Store     *entitystore.Store
	Transport *mcptransport.Transport
	Bus       *planfsm.Bus
	Clients   ClientFactory
	Planner   Planner
	Config    config.Config
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics

	// Sessions is optional: when set, CreatePlan/Approve/resume paths
	// record session activity in Redis so Resume can self-discover
	// sessions to resume at startup instead of requiring an explicit list.
	Sessions *sessionindex.Index
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	maxConcurrent := opts.Config.MaxConcurrentPlans
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Orchestrator{
		store: opts.Store, transport: opts.Transport, bus: opts.Bus,
		clients: opts.Clients, planner: opts.Planner, registry: NewRegistry(),
		cfg: opts.Config, logger: logger, metrics: metrics, sessions: opts.Sessions,
		runSlots: make(chan struct{}, maxConcurrent),
	}
}

func digest(v any) string {
	raw, _ := json.Marshal(v)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// CreatePlan implements Planning mode (spec §4.5).
func (o *Orchestrator) CreatePlan(ctx context.Context, sessionID domain.SessionID, teamID domain.TeamID, userRequest string) (*domain.Plan, error) {
	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}

	augmented := userRequest
	if prior, err := o.latestTerminalPlanSummary(ctx, sessionID); err == nil && prior != "" {
		augmented = userRequest + "\n\nContext from a prior plan in this session: " + prior
	}

	plannerSpec, err := team.Agent(team.PlannerName)
	if err != nil {
		return nil, err
	}
	roster := describeRoster(team)
	proposal, err := o.planner.Propose(ctx, augmented, roster, plannerSpec)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.LLMFatal, "planner agent failed", err)
	}
	if err := validatePlanProposal(proposal, func(name string) bool {
		_, err := team.Agent(name)
		return err == nil
	}, o.cfg.PlannerMaxSteps); err != nil {
		return nil, err
	}

	now := entitystore.Now()
	planID := domain.PlanID(uuid.NewString())
	plan, err := domain.NewPlan(planID, sessionID, teamID, userRequest, now)
	if err != nil {
		return nil, err
	}
	plan.Facts = proposal.Facts

	steps := make([]domain.Step, 0, len(proposal.Steps))
	for i, ps := range proposal.Steps {
		steps = append(steps, domain.Step{
			ID: domain.StepID(uuid.NewString()), Ordinal: i + 1,
			AgentName: ps.AgentName, Action: ps.Action, Status: domain.StepPending,
		})
	}
	if err := plan.AttachSteps(steps, team, now); err != nil {
		return nil, err
	}

	if err := o.store.PutPlan(ctx, plan); err != nil {
		return nil, err
	}
	o.bus.Publish(ctx, sessionID, planfsm.NewPlanCreated(planID, plan.Facts, now))
	o.metrics.IncCounter("plan_created", 1)
	o.touchSession(ctx, sessionID)
	return plan, nil
}

// touchSession records sessionID as having an active plan, so a future
// restart's Resume can find it. A no-op when no sessionindex.Index is
// configured, or when the Redis write itself fails — losing a Resume
// candidate is recoverable (the client can re-approve), unlike a failed
// plan persist.
func (o *Orchestrator) touchSession(ctx context.Context, sessionID domain.SessionID) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.Touch(ctx, sessionID); err != nil {
		o.logger.Warn(ctx, "sessionindex: failed to record session activity", "error", err.Error())
	}
}

func describeRoster(team *domain.TeamConfig) string {
	desc := ""
	for name, spec := range team.Agents {
		desc += fmt.Sprintf("- %s (%s/%s)\n", name, spec.ModelProvider, spec.ModelName)
	}
	return desc
}

// latestTerminalPlanSummary implements spec §4.5 step 2: if the session
// has a terminal plan with a non-empty final result, return a ≤500-char
// summary of it (the most recently updated one, if several).
func (o *Orchestrator) latestTerminalPlanSummary(ctx context.Context, sessionID domain.SessionID) (string, error) {
	plans, err := o.store.ListPlans(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var latest *domain.Plan
	for _, p := range plans {
		if !p.OverallStatus.Terminal() || p.FinalResult == "" {
			continue
		}
		if latest == nil || p.UpdatedAt.After(latest.UpdatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return "", nil
	}
	return truncate(latest.FinalResult, 500), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
