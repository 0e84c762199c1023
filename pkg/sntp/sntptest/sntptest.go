// Package sntptest provides SNTP responders and fake sockets for tests.
package sntptest

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Packet builds a 48-byte server reply carrying the given transmit timestamp
func Packet(seconds, fraction uint32) []byte {
	b := make([]byte, 48)
	b[0] = 0x1C // LI=0, VN=3, Mode=4 (server)
	b[1] = 2
	binary.BigEndian.PutUint32(b[40:], seconds)
	binary.BigEndian.PutUint32(b[44:], fraction)
	return b
}

// Server answers SNTP requests on a loopback UDP socket
type Server struct {
	conn     net.PacketConn
	handler  func(req []byte, from net.Addr, conn net.PacketConn)
	requests atomic.Int64
	done     chan struct{}
}

// NewServer starts a responder that replies with reply(req). A nil result
// from reply means the request is dropped.
func NewServer(reply func(req []byte) []byte) (*Server, error) {
	return NewServerFunc(func(req []byte, from net.Addr, conn net.PacketConn) {
		if resp := reply(req); resp != nil {
			_, _ = conn.WriteTo(resp, from)
		}
	})
}

// NewServerFunc starts a responder with full control over what is sent back
func NewServerFunc(handler func(req []byte, from net.Addr, conn net.PacketConn)) (*Server, error) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		conn:    conn,
		handler: handler,
		done:    make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	defer close(s.done)
	buf := make([]byte, 512)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		s.requests.Add(1)
		req := append([]byte(nil), buf[:n]...)
		s.handler(req, from, s.conn)
	}
}

// Port returns the UDP port the server listens on
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Requests returns how many datagrams the server has received
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Close stops the server
func (s *Server) Close() {
	_ = s.conn.Close()
	<-s.done
}

type datagram struct {
	data []byte
	from net.Addr
}

// Conn is an in-memory net.PacketConn. Every WriteTo is answered by Respond,
// so tests can reach addresses that are not routable.
type Conn struct {
	// Respond builds the reply to a request sent to dst; nil drops it
	Respond func(req []byte, dst net.Addr) []byte

	mu       sync.Mutex
	deadline time.Time
	inbox    chan datagram
	closed   chan struct{}
	once     sync.Once
	closes   atomic.Int32
	sent     []net.Addr
}

// NewConn creates a fake socket answering with respond
func NewConn(respond func(req []byte, dst net.Addr) []byte) *Conn {
	return &Conn{
		Respond: respond,
		inbox:   make(chan datagram, 8),
		closed:  make(chan struct{}),
	}
}

// ReadFrom implements net.PacketConn
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-c.inbox:
		return copy(p, d.data), d.from, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo implements net.PacketConn
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	c.sent = append(c.sent, addr)
	c.mu.Unlock()

	if c.Respond != nil {
		if resp := c.Respond(append([]byte(nil), p...), addr); resp != nil {
			c.inbox <- datagram{data: resp, from: addr}
		}
	}
	return len(p), nil
}

// Close implements net.PacketConn
func (c *Conn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

// LocalAddr implements net.PacketConn
func (c *Conn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 40123}
}

// SetDeadline implements net.PacketConn
func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline implements net.PacketConn. A new deadline only applies to
// reads that start after it is set.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline implements net.PacketConn
func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil
}

// Closed reports whether Close has been called at least once
func (c *Conn) Closed() bool {
	return c.closes.Load() > 0
}

// Sent returns the destinations of every WriteTo
func (c *Conn) Sent() []net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]net.Addr(nil), c.sent...)
}
