package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeltaBusDeliversToSubscribedSession(t *testing.T) {
	b := newDeltaBus(4)
	sub := b.subscribe("session-a")
	defer b.unsubscribe("session-a", sub)

	b.publish("session-a", deltaEvent{PlanID: "plan-1", Text: "hello", Append: true})

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "hello", evt.Text)
		assert.True(t, evt.Append)
	default:
		t.Fatal("expected a delta event for session-a")
	}
}

func TestDeltaBusIgnoresUnsubscribedSession(t *testing.T) {
	b := newDeltaBus(4)
	b.publish("session-a", deltaEvent{PlanID: "plan-1", Text: "hello"})
	// No subscriber registered: publish must not block or panic.
}

func TestDeltaBusDropsUnderBackpressure(t *testing.T) {
	b := newDeltaBus(1)
	sub := b.subscribe("session-a")
	defer b.unsubscribe("session-a", sub)

	b.publish("session-a", deltaEvent{Text: "first"})
	b.publish("session-a", deltaEvent{Text: "dropped"})

	sub.mu.Lock()
	dropped := sub.dropped
	sub.mu.Unlock()
	assert.Equal(t, 1, dropped)

	evt := <-sub.Events()
	assert.Equal(t, "first", evt.Text)
}

func TestDeltaBusUnsubscribeStopsDelivery(t *testing.T) {
	b := newDeltaBus(4)
	sub := b.subscribe("session-a")
	b.unsubscribe("session-a", sub)

	b.publish("session-a", deltaEvent{Text: "hello"})

	select {
	case <-sub.Events():
		t.Fatal("unsubscribed subscriber should not receive events")
	default:
	}
}
