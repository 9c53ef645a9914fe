// Package queue implements the bounded outbound buffer used while the client
// is not connected. Messages leave the queue strictly in the order they
// entered it.
package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/protocol"
)

// DefaultMaxSize is the queue bound used when New is given a non-positive size.
const DefaultMaxSize = 1000

// ErrQueueOverflow signals backpressure: the queue is full of messages that
// may not be dropped and the caller must back off.
var ErrQueueOverflow = errors.New("queue: overflow, back off")

// Message is one buffered outbound frame.
type Message struct {
	Type       string          // frame type, e.g. protocol.TypeDocumentUpdate
	Payload    json.RawMessage // marshalled frame data
	EnqueuedAt time.Time       // carries a monotonic reading
}

// Critical reports whether the message may never be silently dropped. Only
// presence updates are expendable under pressure.
func (m Message) Critical() bool {
	return m.Type != protocol.TypePresenceUpdate
}

// Queue is a goroutine-safe bounded FIFO.
type Queue struct {
	mu      sync.Mutex
	items   []Message
	maxSize int
	now     func() time.Time
}

// New creates an empty queue holding at most maxSize messages.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{maxSize: maxSize, now: time.Now}
}

// Enqueue appends msg. When the queue is full the oldest non-critical message
// is evicted to make room. If every queued message is critical, a
// non-critical msg is dropped silently and a critical one is rejected with
// ErrQueueOverflow.
func (q *Queue) Enqueue(msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		idx := q.oldestExpendable()
		switch {
		case idx >= 0:
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			metrics.QueueDropped.WithLabelValues("evicted").Inc()
		case !msg.Critical():
			metrics.QueueDropped.WithLabelValues("dropped").Inc()
			return nil
		default:
			metrics.QueueDropped.WithLabelValues("rejected").Inc()
			return ErrQueueOverflow
		}
	}

	q.items = append(q.items, msg)
	metrics.QueueDepth.Set(float64(len(q.items)))
	return nil
}

func (q *Queue) oldestExpendable() int {
	for i, m := range q.items {
		if !m.Critical() {
			return i
		}
	}
	return -1
}

// Flush hands queued messages to send in enqueue order. It stops at the first
// send error, leaving the failed message and everything behind it queued in
// their original order. It returns the number of messages sent.
//
// Messages enqueued while Flush runs are sent in the same pass.
func (q *Queue) Flush(send func(Message) error) (int, error) {
	sent := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			metrics.QueueDepth.Set(0)
			return sent, nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := send(head); err != nil {
			return sent, err
		}

		q.mu.Lock()
		// Eviction only removes non-critical entries, so the head may have
		// moved if it was a presence update evicted mid-send.
		if len(q.items) > 0 && sameMessage(q.items[0], head) {
			q.items = q.items[1:]
		}
		metrics.QueueDepth.Set(float64(len(q.items)))
		q.mu.Unlock()
		sent++
	}
}

func sameMessage(a, b Message) bool {
	return a.Type == b.Type && a.EnqueuedAt.Equal(b.EnqueuedAt) && string(a.Payload) == string(b.Payload)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued messages in order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.items))
	copy(out, q.items)
	return out
}

// Remove drops every queued message for which match returns true, keeping the
// order of the rest, and returns how many were dropped.
func (q *Queue) Remove(match func(Message) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, m := range q.items {
		if !match(m) {
			kept = append(kept, m)
		}
	}
	n := len(q.items) - len(kept)
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = Message{}
	}
	q.items = kept
	metrics.QueueDepth.Set(float64(len(q.items)))
	return n
}

// Clear drops every queued message.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	metrics.QueueDepth.Set(0)
}
