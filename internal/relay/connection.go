package relay

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one admitted WebSocket client. Writes are serialized by a
// per-connection mutex.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // admitted identity
	TenantID  string    // admitted tenant
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 off Linux
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanoseconds of the last frame read
	writeMu      sync.Mutex
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	docMu sync.Mutex
	docs  map[string]struct{} // documents joined over this connection
}

func newConnection(id string, ident Identity, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		UserID:       ident.UserID,
		TenantID:     ident.TenantID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		docs:         make(map[string]struct{}),
	}
	c.touch(now)
	return c
}

// WriteMessage sends a text frame, bounded by the server's write timeout.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func() error { return wsutil.WriteServerMessage(c.Conn, ws.OpText, data) })
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.write(func() error { return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil)) })
}

func (c *Connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return fn()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// LastSeen returns when a frame was last read from the connection.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *Connection) joinDoc(docID string) {
	c.docMu.Lock()
	c.docs[docID] = struct{}{}
	c.docMu.Unlock()
}

func (c *Connection) leaveDoc(docID string) {
	c.docMu.Lock()
	delete(c.docs, docID)
	c.docMu.Unlock()
}

func (c *Connection) inDoc(docID string) bool {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	_, ok := c.docs[docID]
	return ok
}

// Docs returns the documents joined over this connection, sorted.
func (c *Connection) Docs() []string {
	c.docMu.Lock()
	out := make([]string, 0, len(c.docs))
	for id := range c.docs {
		out = append(out, id)
	}
	c.docMu.Unlock()
	sort.Strings(out)
	return out
}

type userKey struct {
	tenant string
	user   string
}

// ConnectionManager indexes connections by ID, by socket and by user.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[userKey]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[userKey]map[string]*Connection),
	}
}

// Add registers a connection in every index.
func (cm *ConnectionManager) Add(c *Connection) {
	k := userKey{c.TenantID, c.UserID}
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	if cm.byUser[k] == nil {
		cm.byUser[k] = make(map[string]*Connection)
	}
	cm.byUser[k][c.ID] = c
	cm.mu.Unlock()
}

// Remove unregisters the connection with the given ID and closes it. It
// returns false when the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
		k := userKey{c.TenantID, c.UserID}
		delete(cm.byUser[k], id)
		if len(cm.byUser[k]) == 0 {
			delete(cm.byUser, k)
		}
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// ForUser returns the connections of one user in a tenant.
func (cm *ConnectionManager) ForUser(tenantID, userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	set := cm.byUser[userKey{tenantID, userID}]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// ForTenant returns every connection of a tenant.
func (cm *ConnectionManager) ForTenant(tenantID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var out []*Connection
	for k, set := range cm.byUser {
		if k.tenant != tenantID {
			continue
		}
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
