package relay

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval before eviction
}

// DefaultHeartbeatConfig returns the relay's heartbeat defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  30 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts those with
// no frame read within Interval + Timeout. It stops with the server.
func (s *Server) startHeartbeat(cfg HeartbeatConfig) {
	if cfg.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.checkConnections(cfg, now)
			}
		}
	}()
}

func (s *Server) checkConnections(cfg HeartbeatConfig, now time.Time) int {
	deadline := cfg.Interval + cfg.Timeout
	evicted := 0

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("relay: heartbeat timeout conn=%s user=%s idle=%s",
				c.ID, c.UserID, idle.Round(time.Second))
			s.RemoveConnection(c)
			evicted++
			continue
		}
		// Clients answer protocol pings automatically; the pong counts as a read.
		if err := c.WritePing(); err != nil {
			log.Printf("relay: heartbeat ping failed conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}
