package domain

import (
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// PlanStatus is the closed set of overall plan states (spec §3 Plan).
type PlanStatus string

const (
	PlanCreated               PlanStatus = "Created"
	PlanAwaitingApproval      PlanStatus = "AwaitingApproval"
	PlanRunning               PlanStatus = "Running"
	PlanAwaitingClarification PlanStatus = "AwaitingClarification"
	PlanCompleted             PlanStatus = "Completed"
	PlanFailed                PlanStatus = "Failed"
	PlanCancelled             PlanStatus = "Cancelled"
)

// Terminal reports whether the status is one of the immutable terminal
// states.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

func (s PlanStatus) valid() bool {
	switch s {
	case PlanCreated, PlanAwaitingApproval, PlanRunning, PlanAwaitingClarification,
		PlanCompleted, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the closed set of per-step states (spec §3 Step).
type StepStatus string

const (
	StepPending               StepStatus = "Pending"
	StepRunning               StepStatus = "Running"
	StepAwaitingClarification StepStatus = "AwaitingClarification"
	StepDone                  StepStatus = "Done"
	StepSkipped               StepStatus = "Skipped"
	StepFailed                StepStatus = "Failed"
)

func (s StepStatus) valid() bool {
	switch s {
	case StepPending, StepRunning, StepAwaitingClarification, StepDone, StepSkipped, StepFailed:
		return true
	default:
		return false
	}
}

func (s StepStatus) terminal() bool {
	switch s {
	case StepDone, StepSkipped, StepFailed:
		return true
	default:
		return false
	}
}

// ToolCallRecord is the committed record of one tool invocation performed
// during a step. Only digests are kept, never raw arguments/results, so the
// plan document stays small and resumable.
type ToolCallRecord struct {
	ToolName        string
	ArgumentsDigest string
	ResultDigest    string
	Milliseconds    int64
}

// Step is one ordinal entry in a Plan's ordered step list.
type Step struct {
	ID         StepID
	Ordinal    int
	AgentName  string
	Action     string
	Status     StepStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
	ToolCalls  []ToolCallRecord
	OutputText string
	ErrorKind  coreerr.Kind

	// ClarificationCount is the number of times this step has asked for
	// clarification over its whole lifetime, including across resumes
	// (spec §9: a third repeated ask fails the step with ClarificationLoop).
	ClarificationCount int
}

// Plan is the durable unit of work executed by the Orchestrator (C5). It is
// created and mutated only by C5 and persisted after every transition
// (invariant 4: transitions persist before events are emitted).
type Plan struct {
	ID                    PlanID
	SessionID             SessionID
	TeamID                TeamID
	UserRequest           string
	OverallStatus         PlanStatus
	Steps                 []Step
	Facts                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	FinalResult           string
	CancellationRequested bool
}

// NewPlan constructs a freshly-created plan in the Created status with no
// steps yet (steps are attached by AttachSteps once the planner agent
// returns them).
func NewPlan(id PlanID, sessionID SessionID, teamID TeamID, userRequest string, now time.Time) (*Plan, error) {
	if id == "" || sessionID == "" || teamID == "" {
		return nil, coreerr.New(coreerr.ValidationError, "plan requires id, session id, and team id")
	}
	if userRequest == "" {
		return nil, coreerr.New(coreerr.ValidationError, "plan requires a non-empty user request")
	}
	return &Plan{
		ID: id, SessionID: sessionID, TeamID: teamID, UserRequest: userRequest,
		OverallStatus: PlanCreated, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// AttachSteps validates ordinal contiguity (invariant 5) and agent-name
// resolution against team (invariant 2), then attaches the steps and moves
// the plan to AwaitingApproval.
func (p *Plan) AttachSteps(steps []Step, team *TeamConfig, now time.Time) error {
	if p.OverallStatus.Terminal() {
		return coreerr.New(coreerr.ValidationError, "cannot attach steps to a terminal plan")
	}
	if len(steps) == 0 {
		return coreerr.New(coreerr.ValidationError, "plan must have at least one step")
	}
	for i, s := range steps {
		if s.Ordinal != i+1 {
			return coreerr.New(coreerr.ValidationError, "step ordinals must be contiguous starting at 1")
		}
		if !s.Status.valid() {
			return coreerr.New(coreerr.ValidationError, "unknown step status: "+string(s.Status))
		}
		if _, err := team.Agent(s.AgentName); err != nil {
			return coreerr.Wrap(coreerr.ValidationError, "step agent_name does not resolve within team", err)
		}
	}
	p.Steps = steps
	p.OverallStatus = PlanAwaitingApproval
	p.UpdatedAt = now
	return nil
}

// Approve transitions an AwaitingApproval plan to Running.
func (p *Plan) Approve(now time.Time) error {
	if p.OverallStatus != PlanAwaitingApproval {
		return coreerr.New(coreerr.ValidationError, "plan is not awaiting approval")
	}
	p.OverallStatus = PlanRunning
	p.UpdatedAt = now
	return nil
}

// RequestCancellation sets the cancellation flag; it does not itself change
// OverallStatus. The orchestrator observes the flag at the next checkpoint.
func (p *Plan) RequestCancellation(now time.Time) error {
	if p.OverallStatus.Terminal() {
		return coreerr.New(coreerr.ValidationError, "cannot cancel a terminal plan")
	}
	p.CancellationRequested = true
	p.UpdatedAt = now
	return nil
}

// StepAt returns a pointer to the step with the given ordinal (1-based).
func (p *Plan) StepAt(ordinal int) (*Step, error) {
	if ordinal < 1 || ordinal > len(p.Steps) {
		return nil, coreerr.New(coreerr.ValidationError, "step ordinal out of range")
	}
	return &p.Steps[ordinal-1], nil
}

// ClarifyingStepOrdinal returns the ordinal of the step currently in
// AwaitingClarification, or 0 if none. Invariant: at most one such step may
// exist at a time (Open Question decision #4, DESIGN.md).
func (p *Plan) ClarifyingStepOrdinal() int {
	for i := range p.Steps {
		if p.Steps[i].Status == StepAwaitingClarification {
			return i + 1
		}
	}
	return 0
}

// transitionStep moves the step at ordinal to newStatus, enforcing the
// single-AwaitingClarification invariant and the plan-level terminal-status
// invariant (invariant 3).
func (p *Plan) transitionStep(ordinal int, newStatus StepStatus, now time.Time) error {
	step, err := p.StepAt(ordinal)
	if err != nil {
		return err
	}
	if p.OverallStatus.Terminal() {
		return coreerr.New(coreerr.ValidationError, "cannot transition a step of a terminal plan")
	}
	if step.Status.terminal() {
		return coreerr.New(coreerr.ValidationError, "cannot transition a terminal step")
	}
	if newStatus == StepAwaitingClarification {
		if existing := p.ClarifyingStepOrdinal(); existing != 0 && existing != ordinal {
			return coreerr.New(coreerr.ValidationError, "another step is already awaiting clarification")
		}
	}
	if !newStatus.valid() {
		return coreerr.New(coreerr.ValidationError, "unknown step status: "+string(newStatus))
	}
	step.Status = newStatus
	p.UpdatedAt = now
	return nil
}

// StartStep transitions a Pending step to Running and the plan to Running.
func (p *Plan) StartStep(ordinal int, now time.Time) error {
	if err := p.transitionStep(ordinal, StepRunning, now); err != nil {
		return err
	}
	step, _ := p.StepAt(ordinal)
	step.StartedAt = &now
	if p.OverallStatus != PlanRunning {
		p.OverallStatus = PlanRunning
	}
	return nil
}

// AskClarification suspends a step pending a clarification reply and counts
// the ask against the step's lifetime clarification count (spec §9).
func (p *Plan) AskClarification(ordinal int, now time.Time) error {
	if err := p.transitionStep(ordinal, StepAwaitingClarification, now); err != nil {
		return err
	}
	step, _ := p.StepAt(ordinal)
	step.ClarificationCount++
	p.OverallStatus = PlanAwaitingClarification
	return nil
}

// ResumeFromClarification transitions a clarifying step back to Running.
func (p *Plan) ResumeFromClarification(ordinal int, now time.Time) error {
	step, err := p.StepAt(ordinal)
	if err != nil {
		return err
	}
	if step.Status != StepAwaitingClarification {
		return coreerr.New(coreerr.ValidationError, "step is not awaiting clarification")
	}
	step.Status = StepRunning
	p.OverallStatus = PlanRunning
	p.UpdatedAt = now
	return nil
}

// FinishStep moves a step to a terminal status (Done, Skipped, or Failed)
// and, if the step failed, fails the whole plan (invariant 3).
func (p *Plan) FinishStep(ordinal int, status StepStatus, outputText string, errKind coreerr.Kind, now time.Time) error {
	if status != StepDone && status != StepSkipped && status != StepFailed {
		return coreerr.New(coreerr.ValidationError, "FinishStep requires a terminal step status")
	}
	if err := p.transitionStep(ordinal, status, now); err != nil {
		return err
	}
	step, _ := p.StepAt(ordinal)
	step.FinishedAt = &now
	step.OutputText = outputText
	step.ErrorKind = errKind

	if status == StepFailed {
		p.OverallStatus = PlanFailed
		return nil
	}
	if p.allStepsTerminalNonFailed() {
		p.OverallStatus = PlanCompleted
	}
	return nil
}

func (p *Plan) allStepsTerminalNonFailed() bool {
	for i := range p.Steps {
		s := p.Steps[i].Status
		if s != StepDone && s != StepSkipped {
			return false
		}
	}
	return true
}

// Cancel transitions the plan to Cancelled. Only valid on a non-terminal
// plan with cancellation already requested.
func (p *Plan) Cancel(now time.Time) error {
	if p.OverallStatus.Terminal() {
		return coreerr.New(coreerr.ValidationError, "plan is already terminal")
	}
	if !p.CancellationRequested {
		return coreerr.New(coreerr.ValidationError, "cancellation was not requested")
	}
	p.OverallStatus = PlanCancelled
	p.UpdatedAt = now
	return nil
}
