package transport

import (
	"time"

	"github.com/boardroom/collab/internal/metrics"
)

// Status is the lifecycle phase of the client connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

var allStatuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusError}

// Quality is a coarse link-quality bucket derived from heartbeat latency.
type Quality string

const (
	QualityPoor      Quality = "poor"
	QualityFair      Quality = "fair"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

// QualityFor buckets a round-trip latency.
func QualityFor(latency time.Duration) Quality {
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 300*time.Millisecond:
		return QualityGood
	case latency < time.Second:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ConnectionState is an observable snapshot of the connection.
// IsConnected is true exactly when Status is StatusConnected.
type ConnectionState struct {
	Status            Status
	IsConnected       bool
	ReconnectAttempts int
	LastError         string
	Quality           Quality
	LatencyMs         int64
}

func (s *ConnectionState) setStatus(st Status) {
	s.Status = st
	s.IsConnected = st == StatusConnected
}

func recordStatus(st Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == st {
			v = 1
		}
		metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
