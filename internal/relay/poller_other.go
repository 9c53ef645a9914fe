//go:build !linux

package relay

import (
	"net"
	"sync"
)

// poller is the development fallback for platforms without epoll. Every
// connection is reported ready once and again after Done, so a worker blocks
// in the read until data arrives or the read timeout expires.
type poller struct {
	mu        sync.Mutex
	conns     map[net.Conn]chan struct{} // rearm signal per connection
	readyCh   chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

func (p *poller) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)
	p.mu.Lock()
	p.conns[conn] = rearm
	p.mu.Unlock()
	go p.monitor(conn, rearm)
	return nil
}

func (p *poller) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Done reports conn ready again once its worker has finished.
func (p *poller) Done(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rearm, ok := p.conns[conn]; ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
}

func (p *poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rearm, ok := p.conns[conn]; ok {
		delete(p.conns, conn)
		close(rearm)
	}
	return nil
}

func (p *poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}
	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (p *poller) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
