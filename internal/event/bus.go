// Package event is a small in-process publish/subscribe bus. Components
// publish facts about their own state; other components read them one way
// and never mutate the publisher through it.
package event

import "sync"

// Topics published by the collaboration components.
const (
	TopicDocumentConflict = "document.conflict"
	TopicDocumentResync   = "document.resync"
	TopicDocumentDiscard  = "document.discarded"
	TopicPresenceOnline   = "presence.online"
	TopicPresenceOffline  = "presence.offline"
	TopicVoteOpened       = "session.vote_opened"
	TopicVoteClosed       = "session.vote_closed"
	TopicSessionEnded     = "session.ended"
	TopicConnection       = "transport.state"
)

// Event is one published fact. Data holds a copy owned by the subscriber.
type Event struct {
	Topic string
	Data  interface{}
}

// Handler receives events for the topics it was subscribed to.
type Handler func(Event)

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for topic. An empty topic receives every event.
// The returned function removes the subscription and is safe to call twice.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every matching subscriber. Handlers must not
// block; they may publish further events or unsubscribe.
func (b *Bus) Publish(topic string, data interface{}) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == topic {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Data: data}
	for _, h := range matched {
		h(ev)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
