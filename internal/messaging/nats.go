// Package messaging provides a NATS client wrapper used by relay instances to
// share tenant traffic. Frames travel on subjects of the form
// collab.<tenant>.<topic>, wrapped in an Envelope naming the relay that
// published them.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of every collaboration subject.
const SubjectPrefix = "collab"

// Topics carried between relays. They match the frame types they wrap.
const (
	TopicPresence     = "presence_update"
	TopicSession      = "session_event"
	TopicNotification = "notification"
)

// Envelope wraps one encoded frame. Target limits delivery to the
// connections of one user; Exclude names the connection the frame came from.
type Envelope struct {
	Origin   string          `json:"origin"`
	TenantID string          `json:"tenant_id"`
	Target   string          `json:"target,omitempty"`
	Exclude  string          `json:"exclude,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns a NATSConfig with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "collab-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Subject returns collab.<tenant>.<topic>. Tenants that cannot form a single
// subject token are rejected.
func Subject(tenantID, topic string) (string, error) {
	if tenantID == "" || strings.ContainsAny(tenantID, ".*> \t\r\n") {
		return "", fmt.Errorf("nats: tenant %q is not a valid subject token", tenantID)
	}
	return SubjectPrefix + "." + tenantID + "." + topic, nil
}

// ParseSubject splits a collaboration subject into tenant and topic.
func ParseSubject(subject string) (tenantID, topic string, ok bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != SubjectPrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishFrame publishes env on collab.<tenant>.<topic>.
func (c *NATSClient) PublishFrame(topic string, env Envelope) error {
	subject, err := Subject(env.TenantID, topic)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("nats: marshal envelope: %w", err)
	}
	return c.Publish(subject, data)
}

// SubscribeFrames receives every collaboration envelope of every tenant.
// Malformed messages are logged and skipped.
func (c *NATSClient) SubscribeFrames(handler func(topic string, env Envelope)) error {
	return c.Subscribe(SubjectPrefix+".*.*", func(msg *nats.Msg) {
		tenantID, topic, ok := ParseSubject(msg.Subject)
		if !ok {
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[nats] bad envelope on %s: %v", msg.Subject, err)
			return
		}
		env.TenantID = tenantID
		handler(topic, env)
	})
}

// UnsubscribeFrames stops receiving collaboration envelopes.
func (c *NATSClient) UnsubscribeFrames() error {
	return c.unsubscribe(SubjectPrefix + ".*.*")
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
