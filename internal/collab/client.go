// Package collab is the client-side entry point. A Client owns one
// connection to the relay and every component that works over it: the
// document engine, the presence tracker, the session coordinator and the
// notification feed. Components never reach into each other; they talk
// through the client's event bus.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/boardroom/collab/internal/config"
	"github.com/boardroom/collab/internal/dispatch"
	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/event"
	"github.com/boardroom/collab/internal/notify"
	"github.com/boardroom/collab/internal/presence"
	"github.com/boardroom/collab/internal/protocol"
	"github.com/boardroom/collab/internal/queue"
	"github.com/boardroom/collab/internal/session"
	"github.com/boardroom/collab/internal/transport"
)

// ErrNoUser is returned by New when the configuration names no user.
var ErrNoUser = errors.New("collab: user id is required")

// Config holds the settings of every component of a client.
type Config struct {
	UserID   string
	TenantID string

	Transport     transport.Config
	Document      document.Config
	Presence      presence.Config
	Notifications notify.Config

	// MaintenanceInterval paces vote expiry and feed pruning.
	MaintenanceInterval time.Duration
	// PresenceInterval paces re-announcing the local presence record, which
	// peers read as offline once it is older than their StaleAfter.
	PresenceInterval time.Duration
}

// DefaultConfig returns the defaults used by collabctl.
func DefaultConfig() Config {
	return Config{
		TenantID:            "default",
		Transport:           transport.DefaultConfig(),
		Document:            document.DefaultConfig(),
		Presence:            presence.DefaultConfig(),
		Notifications:       notify.DefaultConfig(),
		MaintenanceInterval: 5 * time.Second,
		PresenceInterval:    30 * time.Second,
	}
}

// FromClientConfig overlays the loaded client settings on the defaults.
func FromClientConfig(cc config.ClientConfig) (Config, error) {
	cfg := DefaultConfig()
	cfg.UserID = cc.UserID
	if cc.TenantID != "" {
		cfg.TenantID = cc.TenantID
	}
	if cc.MaxReconnectAttempts > 0 {
		cfg.Transport.MaxReconnectAttempts = cc.MaxReconnectAttempts
	}
	if cc.QueueSize > 0 {
		cfg.Transport.QueueSize = cc.QueueSize
	}
	if cc.HeartbeatInterval > 0 {
		cfg.Transport.HeartbeatInterval = cc.HeartbeatInterval
	}
	if cc.ResyncWindow > 0 {
		cfg.Document.ResyncWindow = cc.ResyncWindow
	}
	tb, ok := document.ParseTieBreak(cc.TieBreak)
	if !ok {
		return Config{}, fmt.Errorf("collab: unknown tie break %q", cc.TieBreak)
	}
	cfg.Document.TieBreak = tb
	if cc.StaleAfter > 0 {
		cfg.Presence.StaleAfter = cc.StaleAfter
	}
	if cc.Retention > 0 {
		cfg.Notifications.Retention = cc.Retention
	}
	return cfg, nil
}

// Client is the explicit state container of one collaborating user.
// Components are exported for direct use; their getters return copies.
type Client struct {
	cfg Config

	Bus           *event.Bus
	Transport     *transport.Manager
	Documents     *document.Engine
	Presence      *presence.Tracker
	Sessions      *session.Coordinator
	Notifications *notify.Router

	dispatcher *dispatch.Dispatcher
	detach     []func()

	mu       sync.Mutex
	self     *presence.Record
	welcome  protocol.Welcome
	lastErr  *protocol.ErrorMsg
	looping  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a client over dialer. store may be nil; when set, closed
// documents are saved to it and reopened from it.
func New(cfg Config, dialer transport.Dialer, store document.Store) (*Client, error) {
	if cfg.UserID == "" {
		return nil, ErrNoUser
	}
	if cfg.TenantID == "" {
		cfg.TenantID = "default"
	}
	cfg.Document.UserID = cfg.UserID
	cfg.Notifications.UserID = cfg.UserID

	c := &Client{
		cfg:  cfg,
		Bus:  event.NewBus(),
		stop: make(chan struct{}),
	}
	c.Transport = transport.NewManager(cfg.Transport, dialer, nil)
	c.Documents = document.NewEngine(cfg.Document, c.Transport, store, c.Bus)
	c.Presence = presence.NewTracker(cfg.Presence, c.Bus)
	c.Sessions = session.NewCoordinator(session.Config{UserID: cfg.UserID}, c.Transport, c.Bus)
	c.Notifications = notify.NewRouter(cfg.Notifications)

	c.dispatcher = dispatch.New(dispatch.Handlers{
		Documents:     c.Documents,
		Presence:      c.Presence,
		Sessions:      c.Sessions,
		Notifications: c.Notifications,
		Control:       c.Transport,
		OnError:       c.onError,
		OnWelcome:     c.onWelcome,
	})
	c.Transport.SetFrameHandler(c.dispatcher.Dispatch)
	c.Transport.SetGreeting(c.greeting)

	c.detach = append(c.detach,
		c.Notifications.Attach(c.Bus),
		c.Transport.Subscribe(func(st transport.ConnectionState) {
			c.Bus.Publish(event.TopicConnection, st)
		}),
	)
	return c, nil
}

// UserID returns the local user.
func (c *Client) UserID() string { return c.cfg.UserID }

// Connect opens the relay connection and starts background maintenance.
// It blocks until the first link is up or the retry budget is spent.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Transport.Connect(ctx, c.cfg.UserID, c.cfg.TenantID); err != nil {
		return err
	}
	c.startMaintenance()
	return nil
}

// State returns the connection state.
func (c *Client) State() transport.ConnectionState {
	return c.Transport.State()
}

// Welcome returns the last welcome frame received from the relay.
func (c *Client) Welcome() protocol.Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// LastRelayError returns the last error frame received, if any.
func (c *Client) LastRelayError() (protocol.ErrorMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return protocol.ErrorMsg{}, false
	}
	return *c.lastErr, true
}

// SetPresence records the local user's presence and announces it. The
// relay does not echo presence back, so the local tracker is updated here.
func (c *Client) SetPresence(status presence.Status, activity presence.Activity, location string) error {
	if !status.Valid() {
		return fmt.Errorf("collab: %w: status %q", presence.ErrInvalidRecord, status)
	}
	r := presence.Record{
		UserID:   c.cfg.UserID,
		TenantID: c.cfg.TenantID,
		Status:   status,
		Activity: activity,
		Location: location,
		LastSeen: time.Now(),
	}
	c.mu.Lock()
	c.self = &r
	c.mu.Unlock()
	return c.announce(r)
}

func (c *Client) announce(r presence.Record) error {
	r.ConnectionQuality = string(c.Transport.State().Quality)
	if err := c.Presence.UpdatePresence(r); err != nil {
		return err
	}
	return c.Transport.SendMessage(presence.ToMessage(r))
}

// reannounce refreshes LastSeen on the local record so peers keep seeing
// the user online.
func (c *Client) reannounce() {
	c.mu.Lock()
	if c.self == nil {
		c.mu.Unlock()
		return
	}
	r := *c.self
	r.LastSeen = time.Now()
	c.self = &r
	c.mu.Unlock()

	if !c.Transport.State().IsConnected {
		return
	}
	if err := c.announce(r); err != nil {
		log.Printf("collab: re-announce presence: %v", err)
	}
}

// greeting is written first on every new link: the local presence record,
// then a join per open document followed by its unacknowledged operations.
func (c *Client) greeting() []transport.Outbound {
	var out []transport.Outbound
	c.mu.Lock()
	announce := c.self != nil
	if announce {
		r := *c.self
		r.LastSeen = time.Now()
		out = append(out, transport.Outbound{Type: protocol.TypePresenceUpdate, Payload: presence.ToMessage(r)})
	}
	c.mu.Unlock()

	// Presence, joins and pending operations queued while offline are
	// rebuilt here.
	n := c.Transport.Discard(func(m queue.Message) bool {
		if m.Type == protocol.TypePresenceUpdate {
			return announce
		}
		return c.regenerated(m)
	})
	if n > 0 {
		log.Printf("collab: dropped %d queued frames superseded by the greeting", n)
	}
	for _, du := range c.Documents.RejoinFrames() {
		out = append(out, transport.Outbound{Type: protocol.TypeDocumentUpdate, Payload: du})
	}
	return out
}

func (c *Client) regenerated(m queue.Message) bool {
	if m.Type != protocol.TypeDocumentUpdate {
		return false
	}
	var du protocol.DocumentUpdate
	if err := json.Unmarshal(m.Payload, &du); err != nil {
		return false
	}
	return c.Documents.Regenerates(du)
}

func (c *Client) onWelcome(w protocol.Welcome) {
	c.mu.Lock()
	c.welcome = w
	c.mu.Unlock()
	log.Printf("collab: admitted as %s/%s on connection %s", w.TenantID, w.UserID, w.ConnectionID)
}

func (c *Client) onError(m protocol.ErrorMsg) {
	c.mu.Lock()
	c.lastErr = &m
	c.mu.Unlock()
	log.Printf("collab: relay error code=%s: %s", m.Code, m.Message)
}

func (c *Client) startMaintenance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
		return
	default:
	}
	if c.cfg.MaintenanceInterval <= 0 && c.cfg.PresenceInterval <= 0 {
		return
	}
	// Connect may run again after a Disconnect; one loop is enough.
	if c.looping {
		return
	}
	c.looping = true
	c.wg.Add(1)
	go c.maintain()
}

func (c *Client) maintain() {
	defer c.wg.Done()

	tick := func(d time.Duration) <-chan time.Time {
		if d <= 0 {
			return nil
		}
		t := time.NewTicker(d)
		go func() {
			<-c.stop
			t.Stop()
		}()
		return t.C
	}
	housekeeping := tick(c.cfg.MaintenanceInterval)
	heartbeat := tick(c.cfg.PresenceInterval)

	for {
		select {
		case <-c.stop:
			return
		case <-housekeeping:
			c.Maintain()
		case <-heartbeat:
			c.reannounce()
		}
	}
}

// Maintain closes expired votes and prunes the notification feed. It runs
// on MaintenanceInterval once connected and may be called directly.
func (c *Client) Maintain() (votesClosed, pruned int) {
	return c.Sessions.CloseExpiredVotes(), c.Notifications.Prune()
}

// Close saves and closes every open document, disconnects and stops the
// background work. The client cannot be reused.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		for _, id := range c.Documents.Documents() {
			if err := c.Documents.Close(id); err != nil {
				log.Printf("collab: close document %s: %v", id, err)
			}
		}
		c.mu.Lock()
		close(c.stop)
		c.mu.Unlock()
		c.wg.Wait()

		c.Transport.Disconnect()
		for _, d := range c.detach {
			d()
		}
	})
}
