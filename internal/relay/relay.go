// Package relay is the collaboration server. It admits WebSocket clients,
// sequences document operations through one document.Authority per tenant,
// and fans presence, session and notification frames out to the other
// connections of the tenant, on this instance and, over NATS, on the others.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/messaging"
	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/presence"
	"github.com/boardroom/collab/internal/protocol"
	"github.com/boardroom/collab/internal/ratelimit"
)

// Error codes sent in error frames.
const (
	CodeBadFrame        = "bad_frame"
	CodeUnknownType     = "unknown_type"
	CodeUnsupported     = "unsupported"
	CodeRateLimited     = "rate_limited"
	CodeDocument        = "document_error"
	CodeInvalidPresence = "invalid_presence"
	CodeCoolingDown     = "cooling_down"
	CodeNoRecipient     = "no_recipient"
)

// Fanout carries frames between relay instances.
type Fanout interface {
	PublishFrame(topic string, env messaging.Envelope) error
	SubscribeFrames(handler func(topic string, env messaging.Envelope)) error
	UnsubscribeFrames() error
}

// Config holds relay parameters.
type Config struct {
	Server        ServerConfig
	Authority     document.AuthorityConfig
	FrameRule     ratelimit.Rule
	SweepInterval time.Duration // how often detached members are dropped
	StoreTimeout  time.Duration // bound on store calls made for one frame
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		Server:        DefaultServerConfig(),
		Authority:     document.DefaultAuthorityConfig(),
		FrameRule:     ratelimit.RuleFrame,
		SweepInterval: 30 * time.Second,
		StoreTimeout:  5 * time.Second,
	}
}

// Deps are the relay's collaborators. Every field is optional.
type Deps struct {
	Store     document.Store     // durable documents; nil keeps them in memory
	Sequencer document.Sequencer // shared revision counters; nil counts in memory
	Directory Directory          // presence directory; nil keeps it in process
	Fanout    Fanout             // nil disables cross-instance fan-out
	Limiter   ratelimit.Limiter  // nil disables rate limiting
	Cooldown  ratelimit.Cooldown // nil never cools users down
}

// Relay routes frames between the connections of each tenant.
type Relay struct {
	cfg    Config
	deps   Deps
	server *Server

	mu      sync.Mutex
	tenants map[string]*document.Authority

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a relay and its WebSocket server. auth may be nil to admit
// every client that names a user.
func New(cfg Config, auth Authorizer, deps Deps) (*Relay, error) {
	def := DefaultConfig()
	if cfg.FrameRule.Limit <= 0 {
		cfg.FrameRule = def.FrameRule
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if deps.Sequencer == nil {
		deps.Sequencer = document.NewMemorySequencer()
	}
	if deps.Directory == nil {
		deps.Directory = newMemoryDirectory()
	}

	r := &Relay{
		cfg:     cfg,
		deps:    deps,
		tenants: make(map[string]*document.Authority),
		stop:    make(chan struct{}),
	}
	srv, err := NewServer(cfg.Server, auth, r.handleMessage)
	if err != nil {
		return nil, err
	}
	if deps.Limiter != nil {
		srv.SetLimiter(deps.Limiter)
	}
	if deps.Cooldown != nil {
		srv.SetCooldown(deps.Cooldown)
	}
	srv.SetOnConnect(r.handleConnect)
	srv.SetOnDisconnect(r.handleDisconnect)
	r.server = srv

	if deps.Fanout != nil {
		if err := deps.Fanout.SubscribeFrames(r.handleRemote); err != nil {
			return nil, fmt.Errorf("relay: subscribe fan-out: %w", err)
		}
	}
	return r, nil
}

// Start listens on the configured address and serves until Shutdown.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", r.cfg.Server.ListenAddr, err)
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (r *Relay) Serve(ln net.Listener) error {
	go r.sweepLoop()
	return r.server.Serve(ln)
}

// Server returns the underlying WebSocket server.
func (r *Relay) Server() *Server {
	return r.server
}

// Shutdown stops fan-out, the sweeper and the server.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.deps.Fanout != nil {
		if err := r.deps.Fanout.UnsubscribeFrames(); err != nil {
			log.Printf("relay: unsubscribe fan-out: %v", err)
		}
	}
	return r.server.Shutdown(ctx)
}

// Authority returns the document authority of tenantID, creating it on first
// use.
func (r *Relay) Authority(tenantID string) *document.Authority {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.tenants[tenantID]
	if !ok {
		a = document.NewAuthority(r.cfg.Authority,
			newTenantStore(tenantID, r.deps.Store),
			tenantSequencer{tenant: tenantID, inner: r.deps.Sequencer})
		r.tenants[tenantID] = a
	}
	return a
}

func (r *Relay) authorities() []*document.Authority {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*document.Authority, 0, len(r.tenants))
	for _, a := range r.tenants {
		out = append(out, a)
	}
	return out
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (r *Relay) handleConnect(c *Connection) {
	r.write(c, protocol.Welcome{ConnectionID: c.ID, UserID: c.UserID, TenantID: c.TenantID})

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	records, err := r.deps.Directory.List(ctx, c.TenantID)
	if err != nil {
		log.Printf("relay: list presence for %s: %v", c.TenantID, err)
		return
	}
	for _, rec := range records {
		r.write(c, presence.ToMessage(rec))
	}
}

// handleDisconnect detaches the user from documents no other connection of
// theirs still has open. The user goes offline with their last connection.
func (r *Relay) handleDisconnect(c *Connection) {
	others := r.server.Connections().ForUser(c.TenantID, c.UserID)

	if docs := c.Docs(); len(docs) > 0 {
		a := r.Authority(c.TenantID)
		for _, docID := range docs {
			if !anyInDoc(others, docID) {
				a.Detach(docID, c.UserID)
			}
		}
	}
	if len(others) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	if err := r.deps.Directory.Delete(ctx, c.TenantID, c.UserID); err != nil {
		log.Printf("relay: delete presence of %s: %v", c.UserID, err)
	}
	r.fanout(c, messaging.TopicPresence, "", protocol.PresenceUpdate{
		UserID:   c.UserID,
		TenantID: c.TenantID,
		Status:   string(presence.StatusOffline),
		LastSeen: time.Now().UnixMilli(),
		Removed:  true,
	})
}

func anyInDoc(conns []*Connection, docID string) bool {
	for _, o := range conns {
		if o.inDoc(docID) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

func (r *Relay) handleMessage(c *Connection, data []byte) {
	start := time.Now()
	defer func() { metrics.RelayFrameLatency.Observe(time.Since(start).Seconds()) }()
	metrics.RelayFrames.WithLabelValues("in").Inc()

	f, err := protocol.ParseFrame(data)
	if err != nil {
		r.sendError(c, CodeBadFrame, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()

	if limited(f.Type) && !r.allow(ctx, c) {
		metrics.RelayFrames.WithLabelValues("rejected").Inc()
		r.sendError(c, CodeRateLimited, "too many frames")
		return
	}

	msg, err := protocol.DecodeFrame(f)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			r.sendError(c, CodeUnknownType, err.Error())
		} else {
			r.sendError(c, CodeBadFrame, err.Error())
		}
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		r.write(c, protocol.Pong{SentAt: m.SentAt})
	case protocol.Pong:
	case protocol.DocumentUpdate:
		r.handleDocument(ctx, c, m)
	case protocol.PresenceUpdate:
		r.handlePresence(ctx, c, m)
	case protocol.SessionEvent:
		m.UserID = c.UserID
		r.fanout(c, messaging.TopicSession, "", m)
	case protocol.Notification:
		// Only the relay may address the whole tenant.
		if m.UserID == "" {
			r.sendError(c, CodeNoRecipient, "notifications must name a recipient")
			return
		}
		r.fanout(c, messaging.TopicNotification, m.UserID, m)
	default:
		r.sendError(c, CodeUnsupported, fmt.Sprintf("clients may not send %s frames", f.Type))
	}
}

// limited reports whether frames of msgType count against the frame rule.
// Dropping document traffic would desynchronize the client, so it is exempt.
func limited(msgType string) bool {
	switch msgType {
	case protocol.TypePresenceUpdate, protocol.TypeSessionEvent, protocol.TypeNotification:
		return true
	}
	return false
}

func (r *Relay) allow(ctx context.Context, c *Connection) bool {
	if r.deps.Limiter == nil {
		return true
	}
	ok, _ := r.deps.Limiter.Allow(ctx, c.ID, r.cfg.FrameRule)
	if !ok {
		r.strike(ctx, c)
	}
	return ok
}

// strike counts a rate violation against the user. Once a cooldown applies
// every connection of the user is closed and reconnects are refused until it
// ends.
func (r *Relay) strike(ctx context.Context, c *Connection) {
	if r.deps.Cooldown == nil {
		return
	}
	d, err := r.deps.Cooldown.Strike(ctx, c.TenantID+":"+c.UserID)
	if err != nil {
		log.Printf("relay: strike %s/%s: %v", c.TenantID, c.UserID, err)
		return
	}
	if d == 0 {
		return
	}
	log.Printf("relay: %s/%s cooling down for %s", c.TenantID, c.UserID, d)
	r.sendError(c, CodeCoolingDown, fmt.Sprintf("too many rejected frames, reconnect in %s", d))
	for _, uc := range r.server.Connections().ForUser(c.TenantID, c.UserID) {
		r.server.RemoveConnection(uc)
	}
}

func (r *Relay) handleDocument(ctx context.Context, c *Connection, du protocol.DocumentUpdate) {
	switch du.Kind {
	case protocol.DocJoin:
		c.joinDoc(du.DocumentID)
	case protocol.DocLeave:
		c.leaveDoc(du.DocumentID)
	}

	out := tenantOutbox{conns: r.server.Connections(), tenant: c.TenantID}
	if err := r.Authority(c.TenantID).HandleUpdate(ctx, c.UserID, du, out); err != nil {
		if du.Kind == protocol.DocJoin {
			c.leaveDoc(du.DocumentID)
		}
		log.Printf("relay: %s %s on %s from %s: %v", protocol.TypeDocumentUpdate, du.Kind, du.DocumentID, c.UserID, err)
		r.sendError(c, CodeDocument, err.Error())
	}
}

func (r *Relay) handlePresence(ctx context.Context, c *Connection, pu protocol.PresenceUpdate) {
	pu.UserID = c.UserID
	pu.TenantID = c.TenantID
	if pu.LastSeen == 0 {
		pu.LastSeen = time.Now().UnixMilli()
	}

	if pu.Removed {
		if err := r.deps.Directory.Delete(ctx, c.TenantID, c.UserID); err != nil {
			log.Printf("relay: delete presence of %s: %v", c.UserID, err)
		}
	} else {
		if !presence.Status(pu.Status).Valid() {
			r.sendError(c, CodeInvalidPresence, fmt.Sprintf("unknown status %q", pu.Status))
			return
		}
		if err := r.deps.Directory.Put(ctx, c.TenantID, presence.FromMessage(pu)); err != nil {
			log.Printf("relay: store presence of %s: %v", c.UserID, err)
		}
	}
	r.fanout(c, messaging.TopicPresence, "", pu)
}

// ---------------------------------------------------------------------------
// Outbound frames
// ---------------------------------------------------------------------------

// fanout delivers msg to the tenant of c, or to target's connections only,
// skipping c itself, then hands it to the other relay instances.
func (r *Relay) fanout(c *Connection, topic, target string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("relay: encode %s: %v", msg.FrameType(), err)
		return
	}
	deliverLocal(r.server.Connections(), c.TenantID, target, c.ID, data)

	if r.deps.Fanout == nil {
		return
	}
	env := messaging.Envelope{
		Origin:   r.cfg.Server.ServerName,
		TenantID: c.TenantID,
		Target:   target,
		Exclude:  c.ID,
		Frame:    data,
	}
	if err := r.deps.Fanout.PublishFrame(topic, env); err != nil {
		log.Printf("relay: publish %s for %s: %v", topic, c.TenantID, err)
		return
	}
	metrics.RelayFrames.WithLabelValues("fanout").Inc()
}

// handleRemote delivers a frame published by another relay instance.
func (r *Relay) handleRemote(_ string, env messaging.Envelope) {
	if env.Origin == r.cfg.Server.ServerName {
		return
	}
	deliverLocal(r.server.Connections(), env.TenantID, env.Target, env.Exclude, env.Frame)
}

func deliverLocal(conns *ConnectionManager, tenantID, target, exclude string, data []byte) int {
	var recipients []*Connection
	if target != "" {
		recipients = conns.ForUser(tenantID, target)
	} else {
		recipients = conns.ForTenant(tenantID)
	}

	sent := 0
	for _, c := range recipients {
		if c.ID == exclude {
			continue
		}
		// A failed write surfaces as a read error and the connection is removed there.
		if err := c.WriteMessage(data); err != nil {
			log.Printf("relay: write to conn=%s: %v", c.ID, err)
			continue
		}
		sent++
	}
	metrics.RelayFrames.WithLabelValues("out").Add(float64(sent))
	return sent
}

// tenantOutbox delivers document frames to the connections of a user that
// joined the document.
type tenantOutbox struct {
	conns  *ConnectionManager
	tenant string
}

func (o tenantOutbox) Deliver(userID string, du protocol.DocumentUpdate) {
	data, err := protocol.Encode(du)
	if err != nil {
		log.Printf("relay: encode %s for %s: %v", du.Kind, userID, err)
		return
	}
	for _, c := range o.conns.ForUser(o.tenant, userID) {
		if !c.inDoc(du.DocumentID) {
			continue
		}
		if err := c.WriteMessage(data); err != nil {
			log.Printf("relay: write to conn=%s: %v", c.ID, err)
			continue
		}
		metrics.RelayFrames.WithLabelValues("out").Inc()
	}
}

func (r *Relay) write(c *Connection, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("relay: encode %s: %v", msg.FrameType(), err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("relay: write %s to conn=%s: %v", msg.FrameType(), c.ID, err)
		return
	}
	metrics.RelayFrames.WithLabelValues("out").Inc()
}

func (r *Relay) sendError(c *Connection, code, message string) {
	r.write(c, protocol.ErrorMsg{Code: code, Message: message})
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

func (r *Relay) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Relay) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	dropped := 0
	for _, a := range r.authorities() {
		dropped += a.Sweep(ctx)
	}
	if dropped > 0 {
		log.Printf("relay: dropped %d detached document members", dropped)
	}
	if ml, ok := r.deps.Limiter.(*ratelimit.MemoryLimiter); ok {
		ml.Forget()
	}
	if mc, ok := r.deps.Cooldown.(*ratelimit.MemoryCooldown); ok {
		mc.Forget()
	}
}
