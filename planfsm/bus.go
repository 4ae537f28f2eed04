package planfsm

import (
	"context"
	"sync"

	"github.com/mosaicflow/orchestrator/domain"
)

// Subscription is a per-session channel of domain events. StreamDelta-like
// high-frequency events are not modeled here (they are a gateway-level
// concept, see the gateway package's deltaBus); this bus carries only the domain
// events defined in this package, which spec §5 says must never be dropped
// for backpressure.
type Subscription struct {
	ch     chan Event
	lag    int
	cancel func()
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes.
func (s *Subscription) Close() { s.cancel() }

// Bus is a multi-producer, single-consumer-per-session fan-out of domain
// events (spec §5 "Event bus"). It never drops a domain event; the
// event_subscriber_lag_threshold / StreamDelta-dropping policy belongs to
// gateway, which carries StreamDelta on its own separate deltaBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[domain.SessionID][]*Subscription
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[domain.SessionID][]*Subscription)}
}

// Subscribe registers a new per-session subscription with the given buffer
// size (the gateway sizes this to event_subscriber_lag_threshold).
func (b *Bus) Subscribe(sessionID domain.SessionID, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	sub := &Subscription{ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	b.mu.Unlock()
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[sessionID]
		for i, s := range list {
			if s == sub {
				b.subs[sessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return sub
}

// Publish delivers evt to every subscriber of sessionID. Domain events are
// never dropped; a full subscriber channel blocks the publisher briefly
// (bounded by the subscriber reading promptly — the gateway is expected to
// drain this channel on a dedicated goroutine per session).
func (b *Bus) Publish(ctx context.Context, sessionID domain.SessionID, evt Event) {
	b.mu.RLock()
	subs := append([]*Subscription{}, b.subs[sessionID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		case <-ctx.Done():
			return
		}
	}
}
