// Package transport owns the client's single persistent connection to the
// relay. It connects with capped exponential backoff, reconnects in the
// background when the link drops, buffers outbound frames in a bounded queue
// while offline and flushes them in order once connected.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/protocol"
	"github.com/boardroom/collab/internal/queue"
)

var (
	// ErrRetriesExhausted is wrapped by ConnectionError when the attempt cap
	// was reached.
	ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrDisconnected is returned by Connect when Disconnect cancelled it.
	ErrDisconnected = errors.New("transport: disconnected")

	errHeartbeatTimeout = errors.New("transport: heartbeat timeout")
)

// ConnectionError reports a connect that gave up. Err is the last dial
// failure.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// Config holds connection tuning parameters.
type Config struct {
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	HeartbeatInterval    time.Duration // zero disables the heartbeat
	HeartbeatTimeout     time.Duration
	QueueSize            int
}

// DefaultConfig returns the defaults used by the client.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		QueueSize:            queue.DefaultMaxSize,
	}
}

// FrameHandler receives every inbound frame, in arrival order, on the link's
// read goroutine.
type FrameHandler func(data []byte)

// Outbound is a frame produced by a Greeting.
type Outbound struct {
	Type    string
	Payload interface{}
}

// Greeting returns the frames written on every new link ahead of the offline
// queue, such as document joins that let the relay catch the client up.
type Greeting func() []Outbound

type stateSub struct {
	id uint64
	fn func(ConnectionState)
}

// Manager is the single ingress and egress point of a client.
type Manager struct {
	cfg     Config
	dialer  Dialer
	queue   *queue.Queue
	onFrame FrameHandler
	greet   Greeting

	// sendMu orders every write on the link: the flush on connect and
	// application sends.
	sendMu sync.Mutex

	mu       sync.Mutex
	state    ConnectionState
	identity Identity
	link     Link
	gen      uint64
	cancel   context.CancelFunc
	lifeCtx  context.Context
	subs     []stateSub
	nextSub  uint64
	pingAt   time.Time
	pingSeq  int64

	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// NewManager creates a disconnected manager. onFrame may be nil and set later
// with SetFrameHandler before Connect.
func NewManager(cfg Config, dialer Dialer, onFrame FrameHandler) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultConfig().MaxReconnectAttempts
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		queue:   queue.New(cfg.QueueSize),
		onFrame: onFrame,
		now:     time.Now,
	}
	m.state.setStatus(StatusDisconnected)
	m.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if cfg.InitialBackoff > 0 {
			b.InitialInterval = cfg.InitialBackoff
		}
		if cfg.MaxBackoff > 0 {
			b.MaxInterval = cfg.MaxBackoff
		}
		// The attempt cap bounds retries, not elapsed time.
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	recordStatus(StatusDisconnected)
	return m
}

// SetFrameHandler installs the inbound frame callback.
func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.mu.Lock()
	m.onFrame = h
	m.mu.Unlock()
}

// SetGreeting installs the frames written first on every new link.
func (m *Manager) SetGreeting(g Greeting) {
	m.mu.Lock()
	m.greet = g
	m.mu.Unlock()
}

// State returns a copy of the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the last Connect call.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// QueueLen returns the number of frames waiting for a connection.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Discard drops queued frames for which match returns true. A Greeting calls
// it for the frames it is about to regenerate.
func (m *Manager) Discard(match func(queue.Message) bool) int {
	return m.queue.Remove(match)
}

// Subscribe registers fn to observe every state change. Callbacks run in
// registration order outside the manager's locks.
func (m *Manager) Subscribe(fn func(ConnectionState)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, stateSub{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Connect dials the relay, retrying with exponential backoff up to
// MaxReconnectAttempts. It returns nil once connected and the offline queue
// has been flushed. Calling Connect while connected is a no-op.
func (m *Manager) Connect(ctx context.Context, userID, tenantID string) error {
	m.mu.Lock()
	if m.state.Status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	m.identity = Identity{UserID: userID, TenantID: tenantID}
	lifeCtx, cancel := context.WithCancel(context.Background())
	m.lifeCtx = lifeCtx
	m.cancel = cancel
	m.mu.Unlock()

	// The attempt ends when either the caller gives up or Disconnect runs.
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	stop := context.AfterFunc(lifeCtx, cancelAttempt)
	defer stop()

	err := m.connectLoop(attemptCtx, gen)
	if err != nil && lifeCtx.Err() != nil {
		return ErrDisconnected
	}
	if err != nil && ctx.Err() != nil {
		// The caller's context ended; nothing else will retry.
		m.mu.Lock()
		if m.gen == gen {
			m.gen++
			if m.cancel != nil {
				m.cancel()
				m.cancel = nil
			}
			m.state.setStatus(StatusDisconnected)
		}
		m.mu.Unlock()
		m.notify()
	}
	return err
}

// connectLoop runs attempts for generation gen until one succeeds, the cap is
// reached or the generation is cancelled.
func (m *Manager) connectLoop(ctx context.Context, gen uint64) error {
	b := m.newBackOff()
	var lastErr error

	for attempt := 1; ; attempt++ {
		if !m.transition(gen, StatusConnecting, nil) {
			return ErrDisconnected
		}

		link, err := m.dialer.Dial(ctx, m.Identity())
		if err == nil {
			err = m.adopt(gen, link)
			if err == nil {
				return nil
			}
			link.Close()
			if errors.Is(err, ErrDisconnected) {
				return err
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("transport: connect cancelled: %w", ctx.Err())
		}

		lastErr = err
		metrics.ReconnectAttempts.Inc()
		if !m.transition(gen, StatusError, err) {
			return ErrDisconnected
		}
		log.Printf("transport: connect attempt %d/%d failed: %v", attempt, m.cfg.MaxReconnectAttempts, err)

		if attempt >= m.cfg.MaxReconnectAttempts {
			return &ConnectionError{Attempts: attempt, Err: lastErr}
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return &ConnectionError{Attempts: attempt, Err: lastErr}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("transport: connect cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// transition moves to st if gen is still current. A non-nil cause counts as
// a failed attempt.
func (m *Manager) transition(gen uint64, st Status, cause error) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.state.setStatus(st)
	if cause != nil {
		m.state.ReconnectAttempts++
		m.state.LastError = cause.Error()
	}
	m.mu.Unlock()
	recordStatus(st)
	m.notify()
	return true
}

// adopt installs a freshly dialed link, flushes the offline queue onto it and
// starts its read loop. The send lock is held throughout so no application
// frame overtakes a queued one.
func (m *Manager) adopt(gen uint64, link Link) error {
	m.sendMu.Lock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.sendMu.Unlock()
		return ErrDisconnected
	}
	m.link = link
	m.state.setStatus(StatusConnected)
	m.state.ReconnectAttempts = 0
	m.pingAt = time.Time{}
	greet := m.greet
	m.mu.Unlock()

	if err := m.writeGreeting(greet, link); err != nil {
		m.mu.Lock()
		if m.link == link {
			m.link = nil
		}
		m.mu.Unlock()
		m.sendMu.Unlock()
		return fmt.Errorf("transport: greeting: %w", err)
	}

	n, err := m.queue.Flush(func(msg queue.Message) error {
		frame, err := protocol.EncodeRaw(msg.Type, msg.Payload, m.now())
		if err != nil {
			return err
		}
		return link.WriteFrame(frame)
	})
	if err != nil {
		m.mu.Lock()
		if m.link == link {
			m.link = nil
		}
		m.mu.Unlock()
		m.sendMu.Unlock()
		return fmt.Errorf("transport: flush queued frames: %w", err)
	}
	m.sendMu.Unlock()
	if n > 0 {
		log.Printf("transport: flushed %d queued frames", n)
	}

	recordStatus(StatusConnected)
	m.notify()

	go m.readLoop(gen, link)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(gen, link)
	}
	return nil
}

func (m *Manager) writeGreeting(greet Greeting, link Link) error {
	if greet == nil {
		return nil
	}
	for _, out := range greet() {
		raw, err := marshalPayload(out.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", out.Type, err)
		}
		frame, err := protocol.EncodeRaw(out.Type, raw, m.now())
		if err != nil {
			return err
		}
		if err := link.WriteFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// Send transmits a frame, or queues it while the link is not up. The only
// error it returns is queue.ErrQueueOverflow, as backpressure for critical
// frames, or a payload marshalling error.
func (m *Manager) Send(msgType string, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", msgType, err)
	}
	msg := queue.Message{Type: msgType, Payload: raw, EnqueuedAt: m.now()}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	link, gen := m.link, m.gen
	connected := m.state.IsConnected && link != nil
	m.mu.Unlock()

	if !connected {
		return m.queue.Enqueue(msg)
	}

	frame, err := protocol.EncodeRaw(msgType, raw, m.now())
	if err != nil {
		return err
	}
	if err := link.WriteFrame(frame); err != nil {
		log.Printf("transport: write failed, queueing %s: %v", msgType, err)
		qerr := m.queue.Enqueue(msg)
		go m.linkDropped(gen, link, err)
		return qerr
	}
	return nil
}

// SendMessage is Send for a typed protocol message.
func (m *Manager) SendMessage(msg protocol.Message) error {
	return m.Send(msg.FrameType(), msg)
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}

// Disconnect closes the link and cancels any connect attempt in flight. It
// does not flush: queued frames stay queued for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	link := m.link
	m.link = nil
	changed := m.state.Status != StatusDisconnected
	m.state.setStatus(StatusDisconnected)
	m.state.ReconnectAttempts = 0
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if changed {
		recordStatus(StatusDisconnected)
		m.notify()
	}
}

func (m *Manager) readLoop(gen uint64, link Link) {
	for {
		data, err := link.ReadFrame()
		if err != nil {
			m.linkDropped(gen, link, err)
			return
		}

		m.mu.Lock()
		h := m.onFrame
		stale := m.link != link
		m.mu.Unlock()
		if stale {
			return
		}
		if h != nil {
			h(data)
		}
	}
}

// linkDropped handles a read/write failure on link: the state moves to error
// and a background reconnect starts with the same policy as Connect.
func (m *Manager) linkDropped(gen uint64, link Link, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.link != link {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.state.setStatus(StatusError)
	m.state.LastError = cause.Error()
	ctx := m.lifeCtx
	m.mu.Unlock()

	link.Close()
	log.Printf("transport: link dropped: %v", cause)
	recordStatus(StatusError)
	m.notify()

	go func() {
		if err := m.connectLoop(ctx, gen); err != nil {
			log.Printf("transport: background reconnect stopped: %v", err)
		}
	}()
}

func (m *Manager) notify() {
	m.mu.Lock()
	st := m.state
	subs := make([]stateSub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(st)
	}
}
