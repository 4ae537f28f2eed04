// Package orchestrator implements C5: the only component that mutates
// plan state. It drives C4's state machine, selects the next agent,
// invokes C3 for turns, routes tool calls through C2, persists every
// transition via C1, and hands clarification/cancellation signals in from
// the gateway.
package orchestrator

import (
	"context"
	"sync"

	"github.com/mosaicflow/orchestrator/domain"
)

// clarifySignal carries a clarification reply into a suspended step.
type clarifySignal struct {
	reply string
}

// Controller delivers Clarify/Cancel signals into a running plan's
// execution loop. One Controller exists per in-flight plan, grounded on
// the teacher's runtime/agent/interrupt.Controller (pause/resume/
// clarification channels keyed per run), adapted here to plain Go channels
// since the in-memory engine has no Temporal workflow context to source
// signal channels from.
type Controller struct {
	mu         sync.Mutex
	clarifyCh  chan clarifySignal
	cancelFlag bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewController constructs a Controller for one plan execution.
func NewController() *Controller {
	return &Controller{
		clarifyCh: make(chan clarifySignal, 1),
		cancelCh:  make(chan struct{}),
	}
}

// SignalClarify delivers a clarification reply to the suspended step.
func (c *Controller) SignalClarify(reply string) {
	select {
	case c.clarifyCh <- clarifySignal{reply: reply}:
	default:
		// A previous reply is still pending; this should not happen given
		// the single-clarifying-step invariant, but draining-then-sending
		// keeps the controller from wedging a duplicate delivery.
		select {
		case <-c.clarifyCh:
		default:
		}
		c.clarifyCh <- clarifySignal{reply: reply}
	}
}

// WaitClarify blocks until a clarification reply arrives, cancellation is
// requested, or ctx is done.
func (c *Controller) WaitClarify(ctx context.Context) (string, error) {
	select {
	case sig := <-c.clarifyCh:
		return sig.reply, nil
	case <-c.cancelCh:
		return "", context.Canceled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SignalCancel requests cancellation; idempotent.
func (c *Controller) SignalCancel() {
	c.mu.Lock()
	c.cancelFlag = true
	c.mu.Unlock()
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// CancellationRequested reports whether SignalCancel has been called.
func (c *Controller) CancellationRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelFlag
}

// CancelChan returns a channel closed once cancellation is requested, for
// use in select statements alongside a hard-deadline timer.
func (c *Controller) CancelChan() <-chan struct{} { return c.cancelCh }

// Registry owns one Controller per active plan.
type Registry struct {
	mu          sync.Mutex
	controllers map[domain.PlanID]*Controller
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[domain.PlanID]*Controller)}
}

// Ensure returns the Controller for planID, creating one if absent.
func (r *Registry) Ensure(planID domain.PlanID) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[planID]
	if !ok {
		c = NewController()
		r.controllers[planID] = c
	}
	return c
}

// Get returns the Controller for planID, or nil if none is registered
// (e.g. the plan is not currently executing in this process).
func (r *Registry) Get(planID domain.PlanID) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllers[planID]
}

// Release discards the Controller for planID once the plan reaches a
// terminal state.
func (r *Registry) Release(planID domain.PlanID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, planID)
}
