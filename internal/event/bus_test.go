package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var order []string

	b.Subscribe(TopicVoteOpened, func(Event) { order = append(order, "first") })
	b.Subscribe("", func(Event) { order = append(order, "wildcard") })
	b.Subscribe(TopicVoteOpened, func(Event) { order = append(order, "third") })
	b.Subscribe(TopicSessionEnded, func(Event) { order = append(order, "other") })

	b.Publish(TopicVoteOpened, "v1")
	assert.Equal(t, []string{"first", "wildcard", "third"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	unsub := b.Subscribe(TopicDocumentResync, func(Event) { calls++ })

	b.Publish(TopicDocumentResync, nil)
	unsub()
	unsub()
	b.Publish(TopicDocumentResync, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len())
}

func TestBus_HandlerMayUnsubscribeDuringPublish(t *testing.T) {
	b := NewBus()
	var got []interface{}
	var unsub func()
	unsub = b.Subscribe(TopicPresenceOnline, func(e Event) {
		got = append(got, e.Data)
		unsub()
	})

	b.Publish(TopicPresenceOnline, "u1")
	b.Publish(TopicPresenceOnline, "u2")
	assert.Equal(t, []interface{}{"u1"}, got)
}

func TestBus_EventCarriesTopic(t *testing.T) {
	b := NewBus()
	var got Event
	b.Subscribe("", func(e Event) { got = e })

	b.Publish(TopicConnection, 42)
	assert.Equal(t, TopicConnection, got.Topic)
	assert.Equal(t, 42, got.Data)
}
