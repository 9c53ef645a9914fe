package relay

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/presence"
)

// ---------------------------------------------------------------------------
// Authorizer
// ---------------------------------------------------------------------------

func TestTokenAuthorizer(t *testing.T) {
	auth := TokenAuthorizer{Token: "secret"}

	r := httptest.NewRequest("GET", "/ws?user_id=amy&tenant_id=acme", nil)
	r.Header.Set("Authorization", "Bearer secret")
	id, err := auth.Admit(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "amy", TenantID: "acme"}, id)

	r = httptest.NewRequest("GET", "/ws?user_id=amy", nil)
	r.Header.Set("Authorization", "Bearer secret")
	id, err = auth.Admit(r)
	require.NoError(t, err)
	assert.Equal(t, DefaultTenant, id.TenantID)

	for _, tc := range []struct {
		name, target, header string
	}{
		{"wrong token", "/ws?user_id=amy", "Bearer nope"},
		{"no token", "/ws?user_id=amy", ""},
		{"no user", "/ws?tenant_id=acme", "Bearer secret"},
		{"dotted tenant", "/ws?user_id=amy&tenant_id=a.b", "Bearer secret"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			_, err := auth.Admit(r)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}

	open := TokenAuthorizer{}
	_, err = open.Admit(httptest.NewRequest("GET", "/ws?user_id=amy", nil))
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// ConnectionManager
// ---------------------------------------------------------------------------

func pipeConn(t *testing.T, id string, ident Identity) *Connection {
	t.Helper()
	server, client := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, client) }()
	t.Cleanup(func() { _ = client.Close() })
	return newConnection(id, ident, server, time.Second)
}

func TestConnectionManager_Indexes(t *testing.T) {
	cm := NewConnectionManager()
	a1 := pipeConn(t, "a1", Identity{UserID: "amy", TenantID: "acme"})
	a2 := pipeConn(t, "a2", Identity{UserID: "amy", TenantID: "acme"})
	b1 := pipeConn(t, "b1", Identity{UserID: "bob", TenantID: "acme"})
	c1 := pipeConn(t, "c1", Identity{UserID: "amy", TenantID: "globex"})
	for _, c := range []*Connection{a1, a2, b1, c1} {
		cm.Add(c)
	}

	assert.Equal(t, 4, cm.Count())
	assert.Len(t, cm.ForUser("acme", "amy"), 2)
	assert.Len(t, cm.ForTenant("acme"), 3)
	assert.Len(t, cm.ForTenant("globex"), 1)
	assert.Same(t, b1, cm.GetByConn(b1.Conn))

	assert.True(t, cm.Remove("a1"))
	assert.False(t, cm.Remove("a1"), "removal happens once")
	assert.Len(t, cm.ForUser("acme", "amy"), 1)
	assert.Nil(t, cm.Get("a1"))
	assert.Nil(t, cm.GetByConn(a1.Conn))

	assert.True(t, cm.Remove("a2"))
	assert.Empty(t, cm.ForUser("acme", "amy"))
}

func TestConnection_Docs(t *testing.T) {
	c := pipeConn(t, "a1", Identity{UserID: "amy", TenantID: "acme"})
	c.joinDoc("d2")
	c.joinDoc("d1")
	c.joinDoc("d2")
	assert.Equal(t, []string{"d1", "d2"}, c.Docs())
	c.leaveDoc("d2")
	assert.True(t, c.inDoc("d1"))
	assert.False(t, c.inDoc("d2"))
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestCheckConnections_EvictsIdle(t *testing.T) {
	s, err := NewServer(DefaultServerConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	var gone []string
	s.SetOnDisconnect(func(c *Connection) { gone = append(gone, c.ID) })

	fresh := pipeConn(t, "fresh", Identity{UserID: "amy", TenantID: "acme"})
	idle := pipeConn(t, "idle", Identity{UserID: "bob", TenantID: "acme"})
	s.conns.Add(fresh)
	s.conns.Add(idle)

	now := time.Now()
	idle.touch(now.Add(-2 * time.Minute))
	fresh.touch(now)

	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 30 * time.Second}
	assert.Equal(t, 1, s.checkConnections(cfg, now))
	assert.Equal(t, []string{"idle"}, gone)
	assert.Equal(t, 1, s.conns.Count())
}

// ---------------------------------------------------------------------------
// Tenant scoping
// ---------------------------------------------------------------------------

func TestTenantStore_ScopesKeys(t *testing.T) {
	ctx := context.Background()
	inner := document.NewMemoryStore()
	acme := newTenantStore("acme", inner)
	globex := newTenantStore("globex", inner)

	require.NoError(t, acme.SaveSnapshot(ctx, document.Snapshot{DocumentID: "d1", Mode: document.ModeOT, Version: 3, Content: "abc"}))
	snap, err := acme.LoadSnapshot(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", snap.DocumentID)
	assert.Equal(t, "abc", snap.Content)

	_, err = globex.LoadSnapshot(ctx, "d1")
	assert.ErrorIs(t, err, document.ErrNotFound)

	require.NoError(t, acme.AppendOperation(ctx, "d1", document.Operation{ID: "o4", Version: 4}))
	assert.Len(t, inner.Operations("acme:d1"), 1)

	oplog, ok := acme.(document.OperationLog)
	require.True(t, ok, "the operation log of the inner store stays visible")
	ops, err := oplog.OperationsSince(ctx, "d1", 3)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	assert.Nil(t, newTenantStore("acme", nil))
}

func TestTenantSequencer(t *testing.T) {
	ctx := context.Background()
	inner := document.NewMemorySequencer()
	acme := tenantSequencer{tenant: "acme", inner: inner}
	globex := tenantSequencer{tenant: "globex", inner: inner}

	require.NoError(t, acme.Seed(ctx, "d1", 10))
	rev, err := acme.Next(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), rev)

	rev, err = globex.Next(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func presenceRecord(userID string) presence.Record {
	return presence.Record{UserID: userID, Status: presence.StatusOnline}
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDirectory()
	require.NoError(t, d.Put(ctx, "acme", presenceRecord("amy")))
	require.NoError(t, d.Put(ctx, "acme", presenceRecord("bob")))
	require.NoError(t, d.Put(ctx, "globex", presenceRecord("carl")))

	list, err := d.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "amy", list[0].UserID)
	assert.Equal(t, "acme", list[0].TenantID)

	require.NoError(t, d.Delete(ctx, "acme", "amy"))
	list, _ = d.List(ctx, "acme")
	assert.Len(t, list, 1)
}

// ---------------------------------------------------------------------------
// RedisSequencer
// ---------------------------------------------------------------------------

func TestRedisSequencer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	key := "test_tenant:seq-doc"
	t.Cleanup(func() {
		client.Del(ctx, SequenceKeyPrefix+key)
		client.Close()
	})

	seq := NewRedisSequencer(client)
	require.NoError(t, seq.Seed(ctx, key, 41))
	rev, err := seq.Next(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rev)
	rev, err = seq.Next(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(43), rev)
}
