package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/boardroom/collab/internal/metrics"
	"github.com/boardroom/collab/internal/ratelimit"
)

// MaxFrameBytes bounds one inbound data frame.
const MaxFrameBytes = 1 << 20

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	ServerName     string        // instance name, reported on /health
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		ServerName:     "relay-1",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts WebSocket connections on top of gobwas/ws and epoll.
// Admitted sockets are registered with the poller; ready ones are read by a
// bounded worker pool, one frame per dispatch.
type Server struct {
	config     ServerConfig
	auth       Authorizer
	limiter    ratelimit.Limiter
	cooldown   ratelimit.Cooldown
	poll       *poller
	conns      *ConnectionManager
	workerPool chan struct{}
	httpServer *http.Server

	onConnect    func(c *Connection)
	onMessage    func(c *Connection, data []byte)
	onDisconnect func(c *Connection)

	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// NewServer creates a Server. auth admits handshakes; onMessage runs on a
// worker goroutine for every complete text frame, sequentially per
// connection.
func NewServer(config ServerConfig, auth Authorizer, onMessage func(c *Connection, data []byte)) (*Server, error) {
	def := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = def.WorkerPoolSize
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = def.MaxConnections
	}
	if auth == nil {
		auth = TokenAuthorizer{}
	}

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("relay: create poller: %w", err)
	}

	s := &Server{
		config:     config,
		auth:       auth,
		poll:       p,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetLimiter enables per-user handshake rate limiting.
func (s *Server) SetLimiter(l ratelimit.Limiter) {
	s.limiter = l
}

// SetCooldown refuses handshakes from users that are cooling down.
func (s *Server) SetCooldown(c ratelimit.Cooldown) {
	s.cooldown = c
}

// SetOnConnect registers a callback run after a connection is admitted and
// before any of its frames are read.
func (s *Server) SetOnConnect(fn func(c *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once per removed connection.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) {
	s.onDisconnect = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.eventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	log.Printf("relay: %s listening on %s (workers=%d, max_conns=%d)",
		s.config.ServerName, ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	id, err := s.auth.Admit(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.cooldown != nil {
		// Fail open when the cooldown store is unreachable.
		active, left, err := s.cooldown.Active(r.Context(), id.TenantID+":"+id.UserID)
		if err != nil {
			log.Printf("relay: cooldown check for %s: %v", id.UserID, err)
		}
		if active {
			w.Header().Set("Retry-After", strconv.Itoa(int(left.Seconds())+1))
			http.Error(w, "cooling down", http.StatusTooManyRequests)
			return
		}
	}

	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), id.TenantID+":"+id.UserID, ratelimit.RuleConnect)
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("relay: upgrade failed for %s: %v", id.UserID, err)
		return
	}

	c := newConnection(uuid.NewString(), id, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.RelayConnections.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}
	if err := s.poll.Add(conn); err != nil {
		log.Printf("relay: poller add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("relay: new connection conn=%s user=%s tenant=%s fd=%d (total=%d)",
		c.ID, c.UserID, c.TenantID, c.Fd, s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Server      string `json:"server"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Server:      s.config.ServerName,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("relay: poller wait error: %v", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			go func() {
				defer func() { <-s.workerPool }()
				defer s.poll.Done(conn)
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed without reaching onMessage.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the socket again while it is read.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}
	if header.Length > MaxFrameBytes {
		log.Printf("relay: frame of %d bytes from conn=%s exceeds limit", header.Length, c.ID)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, data)
}

// RemoveConnection unregisters and closes c. Concurrent calls for the same
// connection run the disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.RelayConnections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Printf("relay: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// SendMessage writes a text frame to the connection with the given ID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("relay: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting handshakes and closes every connection without
// running the disconnect callback.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		log.Println("relay: shutting down server...")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("relay: http shutdown: %w", herr)
		}
		for _, c := range s.conns.All() {
			_ = s.poll.Remove(c.Conn)
			if s.conns.Remove(c.ID) {
				metrics.RelayConnections.Dec()
			}
		}
		_ = s.poll.Close()
		log.Printf("relay: server stopped, all connections closed")
	})
	return err
}
