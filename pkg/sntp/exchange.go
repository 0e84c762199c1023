package sntp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"ntp-time/pkg/logging"
	"ntp-time/pkg/policy"
)

// maxDatagram bounds a single read; anything past PacketSize is ignored by
// the decoder.
const maxDatagram = 1024

var (
	// ErrExchangeTimeout is returned when the bind or the reply did not
	// complete before the per-attempt timeout.
	ErrExchangeTimeout = errors.New("exchange timed out")

	// ErrInvalidAddress is returned for a destination that is not a usable
	// IPv4 address, such as "300.1.1.1".
	ErrInvalidAddress = errors.New("invalid IPv4 address")
)

// ListenFunc opens the socket used by one exchange
type ListenFunc func(ctx context.Context) (net.PacketConn, error)

// ListenUDP4 binds an OS-assigned port on the IPv4 wildcard address
func ListenUDP4(ctx context.Context) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
}

// Reply is the datagram accepted as the server's answer
type Reply struct {
	Data []byte
	From net.Addr
	RTT  time.Duration
}

// Exchanger performs request/response exchanges against one port.
// It holds no per-exchange state and is safe for concurrent use.
type Exchanger struct {
	port   int
	listen ListenFunc
	filter *policy.Engine
	logger *logging.Logger
}

// Option configures an Exchanger
type Option func(*Exchanger)

// WithListen replaces the socket factory
func WithListen(fn ListenFunc) Option {
	return func(e *Exchanger) {
		e.listen = fn
	}
}

// WithFilter installs an acceptance policy. Without one the first datagram
// received from any source is the reply.
func WithFilter(filter *policy.Engine) Option {
	return func(e *Exchanger) {
		e.filter = filter
	}
}

// NewExchanger creates an exchanger sending to port (0 means Port)
func NewExchanger(port int, logger *logging.Logger, opts ...Option) *Exchanger {
	if port == 0 {
		port = Port
	}
	e := &Exchanger{
		port:   port,
		listen: ListenUDP4,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Port returns the destination port
func (e *Exchanger) Port() int {
	return e.port
}

// Exchange sends one request to addr and waits for the reply. The bind and
// the receive are each bounded by timeout. The socket is opened and closed
// within the call.
func (e *Exchanger) Exchange(ctx context.Context, addr string, timeout time.Duration) (*Reply, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(e.port)))

	conn, err := e.bind(ctx, timeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	// Unblock the read if the caller gives up early
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := conn.WriteTo(Request(), dst); err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", dst, err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrExchangeTimeout
			}
			return nil, fmt.Errorf("failed to read reply: %w", err)
		}

		if !e.accept(from, dst, buf[:n]) {
			e.logger.Debug("Ignoring datagram rejected by accept rule",
				"from", from,
				"destination", dst,
				"bytes", n,
			)
			continue
		}

		return &Reply{
			Data: append([]byte(nil), buf[:n]...),
			From: from,
			RTT:  time.Since(start),
		}, nil
	}
}

// bind races the socket factory against the timeout. A socket that shows up
// after the race was lost is closed as soon as it arrives.
func (e *Exchanger) bind(ctx context.Context, timeout time.Duration) (net.PacketConn, error) {
	type result struct {
		conn net.PacketConn
		err  error
	}

	bindCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		conn, err := e.listen(bindCtx)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if r.conn != nil {
				_ = r.conn.Close()
			}
			return nil, fmt.Errorf("failed to bind UDP socket: %w", r.err)
		}
		return r.conn, nil

	case <-bindCtx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrExchangeTimeout
	}
}

func (e *Exchanger) accept(from net.Addr, dst *net.UDPAddr, data []byte) bool {
	if e.filter == nil {
		return true
	}

	h := ParseHeader(data)
	reply := policy.Reply{
		Destination:     dst.IP.String(),
		DestinationPort: dst.Port,
		Length:          len(data),
		Leap:            int(h.Leap),
		Version:         int(h.Version),
		Mode:            int(h.Mode),
		Stratum:         int(h.Stratum),
	}
	if ap, err := netip.ParseAddrPort(from.String()); err == nil {
		reply.Source = ap.Addr().Unmap().String()
		reply.SourcePort = int(ap.Port())
	} else {
		reply.Source = from.String()
	}

	return e.filter.Accept(reply)
}
