// Package events fans conversation events out to subscribers over
// per-topic channels. Publishing never blocks: a subscriber that stops
// draining loses events rather than stalling the orchestrator.
package events

import (
	"sync"

	"benchduo/internal/duo"
)

const subscriberBuffer = 64

// Broker routes events by topic, one topic per conversation. Subscribers
// joining mid-conversation receive fresh events only.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[chan duo.Event]struct{}
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[chan duo.Event]struct{})}
}

// Subscribe registers a new subscriber on topic. The returned cancel
// function is idempotent and must be called when done; it closes the
// channel.
func (b *Broker) Subscribe(topic string) (<-chan duo.Event, func()) {
	ch := make(chan duo.Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan duo.Event]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.topics[topic]; ok {
				if _, live := subs[ch]; live {
					delete(subs, ch)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber of topic. Subscribers
// with full buffers are skipped.
func (b *Broker) Publish(topic string, ev duo.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseTopic drops all subscribers of topic and closes their channels.
// Used after a conversation's terminal event so readers see end-of-stream.
func (b *Broker) CloseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.topics[topic] {
		close(ch)
	}
	delete(b.topics, topic)
}

// Close shuts the broker down, closing every subscriber channel. Further
// subscriptions return an already-closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for ch := range subs {
			close(ch)
		}
		delete(b.topics, topic)
	}
}
