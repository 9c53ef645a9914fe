package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	s, err := Subject("acme", TopicPresence)
	require.NoError(t, err)
	assert.Equal(t, "collab.acme.presence_update", s)

	for _, bad := range []string{"", "ac.me", "a*", "a>", "a b"} {
		_, err := Subject(bad, TopicPresence)
		assert.Error(t, err, "tenant %q", bad)
	}

	tenant, topic, ok := ParseSubject("collab.acme.session_event")
	require.True(t, ok)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, TopicSession, topic)

	_, _, ok = ParseSubject("chat.acme.session_event")
	assert.False(t, ok)
	_, _, ok = ParseSubject("collab.acme")
	assert.False(t, ok)
}

func TestNATSClient_FrameRoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)

	got := make(chan Envelope, 1)
	require.NoError(t, client.SubscribeFrames(func(topic string, env Envelope) {
		if topic == TopicNotification {
			got <- env
		}
	}))

	frame := json.RawMessage(`{"type":"notification","data":{"id":"n1"},"timestamp":1}`)
	require.NoError(t, client.PublishFrame(TopicNotification, Envelope{Origin: "relay-a", TenantID: "acme", Target: "amy", Frame: frame}))

	select {
	case env := <-got:
		assert.Equal(t, "relay-a", env.Origin)
		assert.Equal(t, "acme", env.TenantID)
		assert.Equal(t, "amy", env.Target)
		assert.JSONEq(t, string(frame), string(env.Frame))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
	require.NoError(t, client.UnsubscribeFrames())
}
