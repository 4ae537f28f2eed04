// Package ratelimit provides an adaptive tokens-per-minute limiter for
// agentllm.Client, grounded on the teacher's features/model/middleware/
// ratelimit.go AdaptiveRateLimiter. The cluster-coordinated variant there
// layers a goa.design/pulse replicated map on top of the same AIMD core so
// multiple processes share one budget; that layer is not carried forward
// (see DESIGN.md's dropped-dependencies note on goa.design/pulse) and this
// package keeps only the process-local limiter, which needs no Pulse
// dependency to do its job.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mosaicflow/orchestrator/agentllm"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front
// of an agentllm.Client: it estimates the token cost of each completion
// request, blocks the caller until capacity is available, and adjusts its
// effective tokens-per-minute budget in response to whether the underlying
// call succeeds or fails.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// New constructs an AdaptiveRateLimiter with an initial tokens-per-minute
// budget and an upper bound. maxTPM <= 0 or less than initialTPM clamps the
// ceiling to initialTPM: the budget still halves on a rate-limit error and
// recovers, but never rises above initialTPM.
func New(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// CurrentTPM reports the limiter's current effective budget, for metrics.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Middleware wraps next with the adaptive limiter: every Complete call
// blocks on WaitN for its estimated token cost, then backs off the budget
// on error or probes it upward on success.
func (l *AdaptiveRateLimiter) Middleware(next agentllm.Client) agentllm.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    agentllm.Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Complete(ctx context.Context, req agentllm.CompletionRequest, onDelta agentllm.StreamDeltaFunc) (agentllm.CompletionResult, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return agentllm.CompletionResult{}, err
	}
	result, err := c.next.Complete(ctx, req, onDelta)
	c.limiter.observe(err)
	return result, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req agentllm.CompletionRequest) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

// observe adjusts the budget after a call completes. The taxonomy this
// orchestrator uses (coreerr.Kind) has no dedicated rate-limited error —
// unlike the teacher's model.ErrRateLimited sentinel — so this adapter
// treats any Complete error as a backoff signal and any success as a probe
// upward, which is the conservative direction for an AIMD controller: it
// may shrink the budget for errors unrelated to rate limiting, but it never
// fails to shrink on a genuine one.
func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	l.backoff()
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens computes a cheap heuristic for the number of tokens a
// request will consume: characters in every message's content, converted
// to tokens at a fixed ratio, plus a fixed buffer for system prompts and
// provider framing.
func estimateTokens(req agentllm.CompletionRequest) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount/3 + 500
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
