package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/messaging"
	"github.com/boardroom/collab/internal/protocol"
	"github.com/boardroom/collab/internal/ratelimit"
	"github.com/boardroom/collab/internal/transport"
)

const waitFor = 3 * time.Second

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func startRelay(t *testing.T, cfg Config, auth Authorizer, deps Deps) (string, *Relay) {
	t.Helper()
	cfg.Server.ServerName = "relay-test"
	r, err := New(cfg, auth, deps)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = r.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return ln.Addr().String(), r
}

type testClient struct {
	link   transport.Link
	frames chan protocol.Frame
	done   chan struct{}
}

func dial(t *testing.T, addr, token, userID, tenantID string) (*testClient, error) {
	t.Helper()
	d := transport.WSDialer{URL: "ws://" + addr + "/ws", Token: token, Timeout: 2 * time.Second}
	link, err := d.Dial(context.Background(), transport.Identity{UserID: userID, TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	tc := &testClient{link: link, frames: make(chan protocol.Frame, 64), done: make(chan struct{})}
	go func() {
		for {
			data, err := link.ReadFrame()
			if err != nil {
				return
			}
			f, err := protocol.ParseFrame(data)
			if err != nil {
				continue
			}
			select {
			case tc.frames <- f:
			case <-tc.done:
				return
			}
		}
	}()
	t.Cleanup(tc.close)
	return tc, nil
}

// connect dials and waits for the welcome frame.
func connect(t *testing.T, addr, userID, tenantID string) (*testClient, protocol.Welcome) {
	t.Helper()
	tc, err := dial(t, addr, "", userID, tenantID)
	require.NoError(t, err)
	w := tc.next(t, protocol.TypeWelcome).(protocol.Welcome)
	return tc, w
}

var closeMu sync.Mutex

func (tc *testClient) close() {
	closeMu.Lock()
	defer closeMu.Unlock()
	select {
	case <-tc.done:
		return
	default:
	}
	close(tc.done)
	_ = tc.link.Close()
}

func (tc *testClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, tc.link.WriteFrame(data))
}

// next returns the next frame of msgType, skipping others.
func (tc *testClient) next(t *testing.T, msgType string) protocol.Message {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case f := <-tc.frames:
			if f.Type != msgType {
				continue
			}
			msg, err := protocol.DecodeFrame(f)
			require.NoError(t, err)
			return msg
		case <-timeout:
			t.Fatalf("no %s frame within %s", msgType, waitFor)
			return nil
		}
	}
}

// nextDoc returns the next document_update of the given kind.
func (tc *testClient) nextDoc(t *testing.T, kind string) protocol.DocumentUpdate {
	t.Helper()
	for {
		du := tc.next(t, protocol.TypeDocumentUpdate).(protocol.DocumentUpdate)
		if du.Kind == kind {
			return du
		}
	}
}

func (tc *testClient) expectNone(t *testing.T, msgType string, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case f := <-tc.frames:
			if f.Type == msgType {
				t.Fatalf("unexpected %s frame: %s", msgType, f.Data)
			}
		case <-timeout:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func TestRelay_RejectsUnauthorized(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), TokenAuthorizer{Token: "secret"}, Deps{})

	_, err := dial(t, addr, "wrong", "amy", "acme")
	require.Error(t, err)

	_, err = dial(t, addr, "secret", "", "acme")
	require.Error(t, err, "a user id is required")

	tc, err := dial(t, addr, "secret", "amy", "acme")
	require.NoError(t, err)
	w := tc.next(t, protocol.TypeWelcome).(protocol.Welcome)
	assert.Equal(t, "amy", w.UserID)
	assert.Equal(t, "acme", w.TenantID)
	assert.NotEmpty(t, w.ConnectionID)
}

func TestRelay_PingPong(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")

	amy.send(t, protocol.Ping{SentAt: 42})
	pong := amy.next(t, protocol.TypePong).(protocol.Pong)
	assert.Equal(t, int64(42), pong.SentAt)
}

func TestRelay_HealthEndpoint(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	connect(t, addr, "amy", "acme")

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Server      string `json:"server"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "relay-test", body.Server)
	assert.Equal(t, 1, body.Connections)
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func TestRelay_PresenceFanoutWithinTenant(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")
	carl, _ := connect(t, addr, "carl", "globex")

	amy.send(t, protocol.PresenceUpdate{UserID: "spoofed", Status: "online", Activity: "editing"})

	pu := bob.next(t, protocol.TypePresenceUpdate).(protocol.PresenceUpdate)
	assert.Equal(t, "amy", pu.UserID, "the relay stamps the admitted identity")
	assert.Equal(t, "acme", pu.TenantID)
	assert.Equal(t, "editing", pu.Activity)
	assert.NotZero(t, pu.LastSeen)

	carl.expectNone(t, protocol.TypePresenceUpdate, 200*time.Millisecond)
	amy.expectNone(t, protocol.TypePresenceUpdate, 100*time.Millisecond)

	// A late joiner is told who is around right after its welcome.
	dan, _ := connect(t, addr, "dan", "acme")
	pu = dan.next(t, protocol.TypePresenceUpdate).(protocol.PresenceUpdate)
	assert.Equal(t, "amy", pu.UserID)
}

func TestRelay_PresenceInvalidStatus(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")

	amy.send(t, protocol.PresenceUpdate{Status: "dancing"})
	e := amy.next(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, CodeInvalidPresence, e.Code)
}

func TestRelay_SessionEventStampsActor(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")

	amy.send(t, protocol.SessionEvent{Kind: protocol.SessionChat, SessionID: "s1", UserID: "mallory"})
	se := bob.next(t, protocol.TypeSessionEvent).(protocol.SessionEvent)
	assert.Equal(t, "amy", se.UserID)
	assert.Equal(t, "s1", se.SessionID)
}

func TestRelay_NotificationTargeted(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")
	carl, _ := connect(t, addr, "carl", "acme")

	amy.send(t, protocol.Notification{ID: "n1", Type: "mention", Title: "hi", UserID: "bob"})
	n := bob.next(t, protocol.TypeNotification).(protocol.Notification)
	assert.Equal(t, "n1", n.ID)
	carl.expectNone(t, protocol.TypeNotification, 200*time.Millisecond)
}

func TestRelay_NotificationWithoutRecipientRefused(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")

	amy.send(t, protocol.Notification{ID: "n1", Type: "announcement", Title: "everyone"})
	e := amy.next(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, CodeNoRecipient, e.Code)
	bob.expectNone(t, protocol.TypeNotification, 200*time.Millisecond)
}

func TestRelay_DisconnectAnnouncesOffline(t *testing.T) {
	addr, r := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")

	join, err := protocol.NewDocumentUpdate(protocol.DocJoin, "d1", "", document.JoinRequest{Mode: document.ModeOT})
	require.NoError(t, err)
	amy.send(t, join)
	require.Eventually(t, func() bool {
		return len(r.Authority("acme").Members("d1")) == 1
	}, waitFor, 10*time.Millisecond)

	amy.close()

	pu := bob.next(t, protocol.TypePresenceUpdate).(protocol.PresenceUpdate)
	assert.Equal(t, "amy", pu.UserID)
	assert.True(t, pu.Removed)
	assert.Equal(t, []string{"amy"}, r.Authority("acme").Members("d1"), "a detached member keeps its place")
}

func TestRelay_UnknownTypeAnswersError(t *testing.T) {
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")

	require.NoError(t, amy.link.WriteFrame([]byte(`{"type":"bogus","data":{},"timestamp":1}`)))
	e := amy.next(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, CodeUnknownType, e.Code)

	require.NoError(t, amy.link.WriteFrame([]byte(`not json`)))
	e = amy.next(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, CodeBadFrame, e.Code)
}

func TestRelay_RateLimitSparesDocuments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameRule = ratelimit.Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}
	addr, _ := startRelay(t, cfg, nil, Deps{Limiter: ratelimit.NewMemoryLimiter()})
	amy, _ := connect(t, addr, "amy", "acme")

	for i := 0; i < 3; i++ {
		amy.send(t, protocol.PresenceUpdate{Status: "online"})
	}
	e := amy.next(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, CodeRateLimited, e.Code)

	amy.send(t, protocol.Ping{SentAt: 1})
	amy.next(t, protocol.TypePong)

	join, err := protocol.NewDocumentUpdate(protocol.DocJoin, "d1", "", document.JoinRequest{Mode: document.ModeOT, Version: -1})
	require.NoError(t, err)
	amy.send(t, join)
	snap := amy.nextDoc(t, protocol.DocSnapshot)
	assert.Equal(t, "d1", snap.DocumentID)
}

func TestRelay_CooldownClosesAndRefuses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameRule = ratelimit.Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}
	cooldown := ratelimit.NewMemoryCooldown(ratelimit.CooldownPolicy{
		Threshold: 1, Window: time.Minute, Steps: []time.Duration{time.Minute},
	})
	addr, _ := startRelay(t, cfg, nil, Deps{Limiter: ratelimit.NewMemoryLimiter(), Cooldown: cooldown})
	amy, _ := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")

	for i := 0; i < 3; i++ {
		amy.send(t, protocol.PresenceUpdate{Status: "online"})
	}
	e := amy.next(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, CodeRateLimited, e.Code)
	e = amy.next(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, CodeCoolingDown, e.Code)

	pu := bob.next(t, protocol.TypePresenceUpdate).(protocol.PresenceUpdate)
	assert.Equal(t, "amy", pu.UserID)
	pu = bob.next(t, protocol.TypePresenceUpdate).(protocol.PresenceUpdate)
	assert.True(t, pu.Removed, "the cooled down user is disconnected")

	_, err := dial(t, addr, "", "amy", "acme")
	assert.Error(t, err, "reconnecting is refused while cooling down")
	_, err = dial(t, addr, "", "amy", "globex")
	assert.NoError(t, err, "cooldowns are per tenant")
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

func TestRelay_DocumentOperationsAreSequenced(t *testing.T) {
	store := document.NewMemoryStore()
	addr, r := startRelay(t, DefaultConfig(), nil, Deps{Store: store})
	amy, _ := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")

	join, err := protocol.NewDocumentUpdate(protocol.DocJoin, "d1", "", document.JoinRequest{Mode: document.ModeOT})
	require.NoError(t, err)
	amy.send(t, join)
	require.Eventually(t, func() bool {
		return len(r.Authority("acme").Members("d1")) == 1
	}, waitFor, 10*time.Millisecond)
	bob.send(t, join)
	assert.Equal(t, "bob", amy.nextDoc(t, protocol.DocJoin).UserID)

	op := document.Operation{ID: "op-1", Kind: document.OpInsert, Position: 0, Content: "hi", Timestamp: 1}
	du, err := protocol.NewDocumentUpdate(protocol.DocOperation, "d1", "amy", op)
	require.NoError(t, err)
	du.OperationID = op.ID
	amy.send(t, du)

	ack := amy.nextDoc(t, protocol.DocAck)
	assert.Equal(t, "op-1", ack.OperationID)
	assert.Equal(t, int64(1), ack.Version)

	got := bob.nextDoc(t, protocol.DocOperation)
	assert.Equal(t, int64(1), got.Version)
	var remote document.Operation
	require.NoError(t, json.Unmarshal(got.Payload, &remote))
	assert.Equal(t, "hi", remote.Content)
	assert.Equal(t, "amy", remote.UserID)

	ops := store.Operations("acme:d1")
	require.Len(t, ops, 1, "operations are stored under the tenant key")
	assert.Equal(t, int64(1), ops[0].Version)
}

func TestRelay_TenantsDoNotShareDocuments(t *testing.T) {
	addr, r := startRelay(t, DefaultConfig(), nil, Deps{})
	amy, _ := connect(t, addr, "amy", "acme")
	carl, _ := connect(t, addr, "carl", "globex")

	join, err := protocol.NewDocumentUpdate(protocol.DocJoin, "d1", "", document.JoinRequest{Mode: document.ModeOT})
	require.NoError(t, err)
	amy.send(t, join)
	carl.send(t, join)

	require.Eventually(t, func() bool {
		return len(r.Authority("acme").Members("d1")) == 1 && len(r.Authority("globex").Members("d1")) == 1
	}, waitFor, 10*time.Millisecond)
	carl.expectNone(t, protocol.TypeDocumentUpdate, 200*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Cross-instance fan-out
// ---------------------------------------------------------------------------

type fakeFanout struct {
	mu        sync.Mutex
	published []messaging.Envelope
	handler   func(topic string, env messaging.Envelope)
}

func (f *fakeFanout) PublishFrame(_ string, env messaging.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, env)
	return nil
}

func (f *fakeFanout) SubscribeFrames(h func(topic string, env messaging.Envelope)) error {
	f.handler = h
	return nil
}

func (f *fakeFanout) UnsubscribeFrames() error { return nil }

func (f *fakeFanout) envelopes() []messaging.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messaging.Envelope(nil), f.published...)
}

func TestRelay_CrossInstanceFanout(t *testing.T) {
	fan := &fakeFanout{}
	addr, _ := startRelay(t, DefaultConfig(), nil, Deps{Fanout: fan})
	amy, welcome := connect(t, addr, "amy", "acme")
	bob, _ := connect(t, addr, "bob", "acme")

	amy.send(t, protocol.PresenceUpdate{Status: "away"})
	bob.next(t, protocol.TypePresenceUpdate)

	require.Eventually(t, func() bool { return len(fan.envelopes()) == 1 }, waitFor, 10*time.Millisecond)
	env := fan.envelopes()[0]
	assert.Equal(t, "relay-test", env.Origin)
	assert.Equal(t, "acme", env.TenantID)
	assert.Equal(t, welcome.ConnectionID, env.Exclude)
	assert.True(t, strings.Contains(string(env.Frame), `"status":"away"`))

	frame, err := protocol.Encode(protocol.Notification{ID: "remote-1", UserID: "bob"})
	require.NoError(t, err)
	fan.handler(messaging.TopicNotification, messaging.Envelope{Origin: "relay-other", TenantID: "acme", Target: "bob", Frame: frame})
	n := bob.next(t, protocol.TypeNotification).(protocol.Notification)
	assert.Equal(t, "remote-1", n.ID)

	own, err := protocol.Encode(protocol.Notification{ID: "echo", UserID: "bob"})
	require.NoError(t, err)
	fan.handler(messaging.TopicNotification, messaging.Envelope{Origin: "relay-test", TenantID: "acme", Target: "bob", Frame: own})
	bob.expectNone(t, protocol.TypeNotification, 200*time.Millisecond)
}
