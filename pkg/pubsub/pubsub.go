// Package pubsub is the in-process bus for canonical host lifecycle events.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrShutdown is returned once the bus has been shut down
var ErrShutdown = errors.New("pubsub: shut down")

// DefaultBuffer is the per-subscription queue length
const DefaultBuffer = 100

// PubSub delivers every published event to every subscriber of its topic.
// Delivery blocks while a subscriber's buffer is full; nothing is dropped.
type PubSub struct {
	subscribers map[string]map[*Subscription]bool
	mu          sync.RWMutex
	shutdown    chan struct{}
	shutdownMu  sync.Mutex
	isShutdown  bool
}

// Subscription represents a subscription to a topic
type Subscription struct {
	topic   string
	channel chan Event
	ps      *PubSub
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPubSub creates a new PubSub instance
func NewPubSub() *PubSub {
	return &PubSub{
		subscribers: make(map[string]map[*Subscription]bool),
		shutdown:    make(chan struct{}),
	}
}

// Subscribe creates a subscription to topic that lives until ctx ends, Unsubscribe or Shutdown
func (ps *PubSub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ps.shutdownMu.Lock()
	defer ps.shutdownMu.Unlock()
	if ps.isShutdown {
		return nil, ErrShutdown
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		topic:   topic,
		channel: make(chan Event, DefaultBuffer),
		ps:      ps,
		ctx:     subCtx,
		cancel:  cancel,
	}

	ps.mu.Lock()
	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[*Subscription]bool)
	}
	ps.subscribers[topic][sub] = true
	ps.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
		case <-ps.shutdown:
		}
		sub.Unsubscribe()
	}()

	return sub, nil
}

// Publish delivers e to every current subscriber of e.Topic(), waiting for buffer
// space. Subscribers that go away during delivery are skipped.
func (ps *PubSub) Publish(ctx context.Context, e Event) error {
	ps.shutdownMu.Lock()
	if ps.isShutdown {
		ps.shutdownMu.Unlock()
		return ErrShutdown
	}
	ps.shutdownMu.Unlock()

	ps.mu.RLock()
	topicSubs := ps.subscribers[e.Topic()]
	subs := make([]*Subscription, 0, len(topicSubs))
	for sub := range topicSubs {
		subs = append(subs, sub)
	}
	ps.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.channel <- e:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// GetSubscriberCount returns the number of subscribers for a topic
func (ps *PubSub) GetSubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// Shutdown ends every subscription; later Publish and Subscribe calls fail
func (ps *PubSub) Shutdown() {
	ps.shutdownMu.Lock()
	if ps.isShutdown {
		ps.shutdownMu.Unlock()
		return
	}
	ps.isShutdown = true
	ps.shutdownMu.Unlock()

	close(ps.shutdown)

	ps.mu.Lock()
	for topic := range ps.subscribers {
		for sub := range ps.subscribers[topic] {
			sub.cancel()
		}
		delete(ps.subscribers, topic)
	}
	ps.mu.Unlock()
}

// Channel returns the subscription's event channel. It is never closed; select on Done as well.
func (s *Subscription) Channel() <-chan Event {
	return s.channel
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the subscription
func (s *Subscription) Unsubscribe() {
	s.cancel()

	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()

	if s.ps.subscribers[s.topic] != nil {
		delete(s.ps.subscribers[s.topic], s)
		if len(s.ps.subscribers[s.topic]) == 0 {
			delete(s.ps.subscribers, s.topic)
		}
	}
}

// Handle consumes sub until it ends, passing events of type T to fn. Events of other
// types on the topic are ignored. Handle blocks; run it on its own goroutine.
func Handle[T Event](sub *Subscription, fn func(ctx context.Context, e T)) {
	for {
		select {
		case <-sub.Done():
			return
		case e := <-sub.Channel():
			if typed, ok := e.(T); ok {
				fn(sub.ctx, typed)
			}
		}
	}
}
