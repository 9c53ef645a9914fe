package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Identity is what the client presents to the relay on connect.
type Identity struct {
	UserID   string
	TenantID string
}

// Link is one established, bidirectional frame stream. ReadFrame is called
// from a single goroutine; WriteFrame may be called concurrently with it.
type Link interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens links. Dial must return promptly once ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, id Identity) (Link, error)
}

// WSDialer dials the relay over WebSocket.
type WSDialer struct {
	URL     string        // e.g. ws://localhost:8080/ws
	Token   string        // sent as a bearer token
	Timeout time.Duration // handshake timeout; zero means none
}

// Dial performs the WebSocket handshake. The identity travels as the user_id
// and tenant_id query parameters.
func (d WSDialer) Dial(ctx context.Context, id Identity) (Link, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", id.UserID)
	q.Set("tenant_id", id.TenantID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(header),
		Timeout: d.Timeout,
	}

	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.Redacted(), err)
	}

	// Frames the relay sent right after the handshake may already sit in br.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &wsLink{conn: conn, r: r}, nil
}

// wsLink frames client messages with gobwas/wsutil. Protocol-level pings
// are answered inline while reading.
type wsLink struct {
	conn    net.Conn
	r       io.Reader
	writeMu sync.Mutex
	pending [][]byte
}

func (l *wsLink) ReadFrame() ([]byte, error) {
	for len(l.pending) == 0 {
		msgs, err := wsutil.ReadServerMessage(l.r, nil)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			switch m.OpCode {
			case ws.OpText, ws.OpBinary:
				l.pending = append(l.pending, m.Payload)
			case ws.OpPing:
				if err := l.write(ws.OpPong, m.Payload); err != nil {
					return nil, err
				}
			case ws.OpClose:
				return nil, io.EOF
			}
		}
	}
	data := l.pending[0]
	l.pending = l.pending[1:]
	return data, nil
}

func (l *wsLink) WriteFrame(data []byte) error {
	return l.write(ws.OpText, data)
}

func (l *wsLink) write(op ws.OpCode, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return wsutil.WriteClientMessage(l.conn, op, data)
}

func (l *wsLink) Close() error {
	_ = l.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return l.conn.Close()
}
