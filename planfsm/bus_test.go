package planfsm

import (
	"context"
	"testing"
	"time"

	"github.com/mosaicflow/orchestrator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversOnlyToSubscribersOfSameSession(t *testing.T) {
	bus := NewBus()
	subA := bus.Subscribe("session-a", 4)
	subB := bus.Subscribe("session-b", 4)

	evt := NewPlanCreated("plan-1", "facts", time.Now())
	bus.Publish(context.Background(), "session-a", evt)

	select {
	case got := <-subA.Events():
		assert.Equal(t, EventPlanCreated, got.Type())
	default:
		t.Fatal("expected event on session-a subscriber")
	}

	select {
	case <-subB.Events():
		t.Fatal("session-b should not receive session-a's event")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("session-a", 4)
	sub.Close()

	bus.mu.RLock()
	remaining := len(bus.subs["session-a"])
	bus.mu.RUnlock()
	require.Equal(t, 0, remaining)
}

func TestEventsForOnePlanPreserveOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("session-a", 8)

	ctx := context.Background()
	bus.Publish(ctx, "session-a", NewPlanCreated("p1", "", time.Now()))
	bus.Publish(ctx, "session-a", NewStepStarted("p1", "s1", 1, "worker", time.Now()))
	bus.Publish(ctx, "session-a", NewStepOutput("p1", "s1", "done", time.Now()))

	var order []EventType
	for i := 0; i < 3; i++ {
		order = append(order, (<-sub.Events()).Type())
	}
	assert.Equal(t, []EventType{EventPlanCreated, EventStepStarted, EventStepOutput}, order)
}
