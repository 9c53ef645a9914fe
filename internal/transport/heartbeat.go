package transport

import (
	"log"
	"time"

	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/protocol"
)

// heartbeat sends an application-level ping every HeartbeatInterval while
// link is current. A ping left unanswered for longer than HeartbeatTimeout
// counts as a dropped link.
func (m *Manager) heartbeat(gen uint64, link Link) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		if m.gen != gen || m.link != link {
			m.mu.Unlock()
			return
		}
		now := m.now()
		awaiting := m.pingAt
		timedOut := !awaiting.IsZero() && now.Sub(awaiting) > m.cfg.HeartbeatTimeout
		if awaiting.IsZero() {
			m.pingAt = now
			m.pingSeq = now.UnixMilli()
		}
		seq := m.pingSeq
		m.mu.Unlock()

		if timedOut {
			log.Printf("transport: no pong for %s", now.Sub(awaiting).Round(time.Millisecond))
			m.linkDropped(gen, link, errHeartbeatTimeout)
			return
		}
		if !awaiting.IsZero() {
			continue
		}
		if err := m.writeControl(link, protocol.Ping{SentAt: seq}); err != nil {
			log.Printf("transport: heartbeat ping failed: %v", err)
			m.linkDropped(gen, link, err)
			return
		}
	}
}

// writeControl writes a control frame directly on link. Control frames are
// never queued.
func (m *Manager) writeControl(link Link, msg protocol.Message) error {
	frame, err := protocol.EncodeAt(msg, m.now())
	if err != nil {
		return err
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return link.WriteFrame(frame)
}

// Ping sends a latency probe immediately. It is a no-op while disconnected.
func (m *Manager) Ping() error {
	m.mu.Lock()
	link := m.link
	if link == nil {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	m.pingAt = now
	m.pingSeq = now.UnixMilli()
	seq := m.pingSeq
	m.mu.Unlock()
	return m.writeControl(link, protocol.Ping{SentAt: seq})
}

// ObservePong records the round trip of the outstanding ping echoed by pong.
// Pongs that do not match the outstanding ping are ignored.
func (m *Manager) ObservePong(pong protocol.Pong) {
	m.mu.Lock()
	if m.pingAt.IsZero() || pong.SentAt != m.pingSeq {
		m.mu.Unlock()
		return
	}
	rtt := m.now().Sub(m.pingAt)
	m.pingAt = time.Time{}
	m.state.LatencyMs = rtt.Milliseconds()
	m.state.Quality = QualityFor(rtt)
	m.mu.Unlock()

	metrics.LinkLatency.Observe(rtt.Seconds())
	m.notify()
}

// AnswerPing replies to a relay-initiated application ping.
func (m *Manager) AnswerPing(ping protocol.Ping) {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return
	}
	if err := m.writeControl(link, protocol.Pong{SentAt: ping.SentAt}); err != nil {
		log.Printf("transport: pong failed: %v", err)
	}
}
