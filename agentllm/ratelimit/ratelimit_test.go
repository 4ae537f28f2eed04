package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicflow/orchestrator/agentllm"
)

type scriptedClient struct {
	calls   int
	results []agentllm.CompletionResult
	errs    []error
}

func (c *scriptedClient) Complete(context.Context, agentllm.CompletionRequest, agentllm.StreamDeltaFunc) (agentllm.CompletionResult, error) {
	i := c.calls
	c.calls++
	var res agentllm.CompletionResult
	if i < len(c.results) {
		res = c.results[i]
	}
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return res, err
}

func TestMiddlewareDelegatesToWrappedClient(t *testing.T) {
	inner := &scriptedClient{results: []agentllm.CompletionResult{{Text: "hi"}}}
	limiter := New(60000, 60000)
	wrapped := limiter.Middleware(inner)

	res, err := wrapped.Complete(context.Background(), agentllm.CompletionRequest{
		Messages: []agentllm.Message{{Role: agentllm.RoleUser, Content: "hello"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
	assert.Equal(t, 1, inner.calls)
}

func TestBackoffShrinksBudgetOnError(t *testing.T) {
	inner := &scriptedClient{errs: []error{errors.New("provider 500")}}
	limiter := New(1000, 1000)
	wrapped := limiter.Middleware(inner)

	before := limiter.CurrentTPM()
	_, err := wrapped.Complete(context.Background(), agentllm.CompletionRequest{
		Messages: []agentllm.Message{{Role: agentllm.RoleUser, Content: "hello"}},
	}, nil)
	require.Error(t, err)
	assert.Less(t, limiter.CurrentTPM(), before)
}

func TestProbeGrowsBudgetOnSuccessUpToMax(t *testing.T) {
	inner := &scriptedClient{
		errs:    []error{errors.New("boom")},
		results: []agentllm.CompletionResult{{}, {Text: "ok"}},
	}
	limiter := New(1000, 1000)
	wrapped := limiter.Middleware(inner)

	_, err := wrapped.Complete(context.Background(), agentllm.CompletionRequest{}, nil)
	require.Error(t, err)
	shrunk := limiter.CurrentTPM()
	assert.Less(t, shrunk, 1000.0)

	_, err = wrapped.Complete(context.Background(), agentllm.CompletionRequest{}, nil)
	require.NoError(t, err)
	assert.Greater(t, limiter.CurrentTPM(), shrunk)
	assert.LessOrEqual(t, limiter.CurrentTPM(), 1000.0)
}

func TestNewClampsMaxTPMToInitialWhenUnsetOrLower(t *testing.T) {
	limiter := New(5000, 0)
	assert.Equal(t, 5000.0, limiter.maxTPM)

	limiter2 := New(5000, 1000)
	assert.Equal(t, 5000.0, limiter2.maxTPM)
}

func TestEstimateTokensScalesWithMessageLength(t *testing.T) {
	short := agentllm.CompletionRequest{Messages: []agentllm.Message{{Role: agentllm.RoleUser, Content: "hi"}}}
	long := agentllm.CompletionRequest{Messages: []agentllm.Message{{Role: agentllm.RoleUser, Content: string(make([]byte, 3000))}}}
	assert.Less(t, estimateTokens(short), estimateTokens(long))
}

func TestMiddlewareNilClientReturnsNil(t *testing.T) {
	limiter := New(1000, 1000)
	assert.Nil(t, limiter.Middleware(nil))
}
