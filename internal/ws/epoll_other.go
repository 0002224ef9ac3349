//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on macOS and Windows during development. Each connection
// gets a monitor goroutine that peeks one byte and reports the connection as
// ready; the peeked byte stays buffered for the frame reader.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*peekConn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

// peekConn routes reads through a buffered reader so readiness can be
// detected without consuming frame bytes.
type peekConn struct {
	net.Conn
	br     *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*peekConn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the wrapped conn that Wait reports
// and that frame reads must go through.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	p := &peekConn{
		Conn:   conn,
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	e.mu.Lock()
	e.conns[p] = struct{}{}
	e.mu.Unlock()

	go e.monitor(p)
	return p, nil
}

// monitor reports p as ready whenever a byte is available, then waits for
// Resume before peeking again so it never reads concurrently with the
// server's frame reader.
func (e *Epoll) monitor(p *peekConn) {
	for {
		_, err := p.br.Peek(1)

		// Errors are reported as readiness too; the server's read then
		// fails and removes the connection.
		select {
		case e.readyCh <- p:
		case <-p.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-p.resume:
		case <-p.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	if p, ok := conn.(*peekConn); ok {
		select {
		case p.resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	p, ok := conn.(*peekConn)
	if !ok {
		return nil
	}
	p.once.Do(func() { close(p.stop) })

	e.mu.Lock()
	delete(e.conns, p)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading or the
// poller is closed, and returns every connection ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller and all monitors.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[*peekConn]struct{})
	e.mu.Unlock()
	return nil
}
