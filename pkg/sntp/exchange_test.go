package sntp

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"ntp-time/pkg/logging"
	"ntp-time/pkg/policy"
	"ntp-time/pkg/sntp/sntptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeCounter wraps a real socket and counts Close calls
type closeCounter struct {
	net.PacketConn
	closes *atomic.Int32
}

func (c closeCounter) Close() error {
	c.closes.Add(1)
	return c.PacketConn.Close()
}

func countingListen(closes, opens *atomic.Int32) ListenFunc {
	return func(ctx context.Context) (net.PacketConn, error) {
		conn, err := ListenUDP4(ctx)
		if err != nil {
			return nil, err
		}
		opens.Add(1)
		return closeCounter{PacketConn: conn, closes: closes}, nil
	}
}

func TestExchange_Success(t *testing.T) {
	var got atomic.Value
	srv, err := sntptest.NewServer(func(req []byte) []byte {
		got.Store(req)
		return sntptest.Packet(3920000000, 0)
	})
	require.NoError(t, err)
	defer srv.Close()

	var opens, closes atomic.Int32
	ex := NewExchanger(srv.Port(), logging.NewDiscard(), WithListen(countingListen(&closes, &opens)))

	reply, err := ex.Exchange(context.Background(), "127.0.0.1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, Request(), got.Load().([]byte))
	assert.Len(t, reply.Data, PacketSize)
	assert.Greater(t, reply.RTT, time.Duration(0))

	ts, err := Decode(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(1711011200), ts.Unix())

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, int64(1), srv.Requests())
}

func TestExchange_Timeout(t *testing.T) {
	// Server reads requests but never answers
	srv, err := sntptest.NewServer(func(req []byte) []byte { return nil })
	require.NoError(t, err)
	defer srv.Close()

	var opens, closes atomic.Int32
	ex := NewExchanger(srv.Port(), logging.NewDiscard(), WithListen(countingListen(&closes, &opens)))

	start := time.Now()
	reply, err := ex.Exchange(context.Background(), "127.0.0.1", 150*time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, reply)
	assert.ErrorIs(t, err, ErrExchangeTimeout)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, int32(1), closes.Load())
}

func TestExchange_BindFailure(t *testing.T) {
	ex := NewExchanger(Port, logging.NewDiscard(), WithListen(func(ctx context.Context) (net.PacketConn, error) {
		return nil, errors.New("address already in use")
	}))

	reply, err := ex.Exchange(context.Background(), "203.0.113.10", time.Second)
	assert.Nil(t, reply)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind")
}

func TestExchange_BindSlowerThanTimeout(t *testing.T) {
	late := sntptest.NewConn(nil)
	release := make(chan struct{})

	ex := NewExchanger(Port, logging.NewDiscard(), WithListen(func(ctx context.Context) (net.PacketConn, error) {
		<-release
		return late, nil
	}))

	reply, err := ex.Exchange(context.Background(), "203.0.113.10", 50*time.Millisecond)
	assert.Nil(t, reply)
	assert.ErrorIs(t, err, ErrExchangeTimeout)

	// Nothing was sent on the socket that lost the race
	close(release)
	assert.Eventually(t, late.Closed, time.Second, 10*time.Millisecond)
	assert.Empty(t, late.Sent())
}

func TestExchange_FakeConnRouting(t *testing.T) {
	conn := sntptest.NewConn(func(req []byte, dst net.Addr) []byte {
		return sntptest.Packet(3920000000, 0)
	})
	ex := NewExchanger(0, logging.NewDiscard(), WithListen(func(ctx context.Context) (net.PacketConn, error) {
		return conn, nil
	}))

	reply, err := ex.Exchange(context.Background(), "203.0.113.10", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "203.0.113.10:123", sent[0].String())
	assert.True(t, conn.Closed())
}

func TestExchange_InvalidAddress(t *testing.T) {
	var listened atomic.Bool
	ex := NewExchanger(Port, logging.NewDiscard(), WithListen(func(ctx context.Context) (net.PacketConn, error) {
		listened.Store(true)
		return nil, errors.New("unexpected bind")
	}))

	for _, addr := range []string{"300.1.1.1", "::1", "not-an-ip", ""} {
		_, err := ex.Exchange(context.Background(), addr, time.Second)
		assert.ErrorIsf(t, err, ErrInvalidAddress, "addr %q", addr)
	}
	assert.False(t, listened.Load())
}

func TestExchange_ContextCanceled(t *testing.T) {
	srv, err := sntptest.NewServer(func(req []byte) []byte { return nil })
	require.NoError(t, err)
	defer srv.Close()

	ex := NewExchanger(srv.Port(), logging.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = ex.Exchange(ctx, "127.0.0.1", 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// strayServer answers each request twice: first from an unrelated socket,
// then from the server socket itself.
func strayServer(t *testing.T, strayReply, realReply []byte) *sntptest.Server {
	t.Helper()

	stray, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = stray.Close() })

	srv, err := sntptest.NewServerFunc(func(req []byte, from net.Addr, conn net.PacketConn) {
		_, _ = stray.WriteTo(strayReply, from)
		time.Sleep(20 * time.Millisecond)
		_, _ = conn.WriteTo(realReply, from)
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestExchange_AcceptsFirstDatagramByDefault(t *testing.T) {
	srv := strayServer(t, sntptest.Packet(100, 0), sntptest.Packet(3920000000, 0))
	ex := NewExchanger(srv.Port(), logging.NewDiscard())

	reply, err := ex.Exchange(context.Background(), "127.0.0.1", time.Second)
	require.NoError(t, err)

	seconds, _, err := TransmitTimestamp(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), seconds)
}

func TestExchange_FilterDropsStrayDatagram(t *testing.T) {
	srv := strayServer(t, sntptest.Packet(100, 0), sntptest.Packet(3920000000, 0))

	filter, err := policy.NewEngineFromLogic(policy.MatchSource)
	require.NoError(t, err)
	ex := NewExchanger(srv.Port(), logging.NewDiscard(), WithFilter(filter))

	reply, err := ex.Exchange(context.Background(), "127.0.0.1", time.Second)
	require.NoError(t, err)

	seconds, _, err := TransmitTimestamp(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(3920000000), seconds)
	assert.Equal(t, srv.Port(), reply.From.(*net.UDPAddr).Port)
}

func TestExchange_ShortReplyIsReturned(t *testing.T) {
	srv, err := sntptest.NewServer(func(req []byte) []byte { return []byte{0x1C, 1, 2} })
	require.NoError(t, err)
	defer srv.Close()

	ex := NewExchanger(srv.Port(), logging.NewDiscard())
	reply, err := ex.Exchange(context.Background(), "127.0.0.1", time.Second)
	require.NoError(t, err)
	assert.Len(t, reply.Data, 3)

	_, err = Decode(reply.Data)
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestNewExchanger_DefaultPort(t *testing.T) {
	assert.Equal(t, Port, NewExchanger(0, logging.NewDiscard()).Port())
	assert.Equal(t, 1123, NewExchanger(1123, logging.NewDiscard()).Port())
}
