package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"ntp-time/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDNSServer answers A queries from records; unknown names get NXDOMAIN
func mockDNSServer(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)

		for {
			n, clientAddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}

			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}

			resp := new(dns.Msg)
			resp.SetReply(req)
			if len(req.Question) == 0 {
				resp.SetRcode(req, dns.RcodeFormatError)
			} else if addrs, ok := records[req.Question[0].Name]; ok {
				for _, addr := range addrs {
					resp.Answer = append(resp.Answer, &dns.A{
						Hdr: dns.RR_Header{
							Name:   req.Question[0].Name,
							Rrtype: dns.TypeA,
							Class:  dns.ClassINET,
							Ttl:    300,
						},
						A: net.ParseIP(addr),
					})
				}
			} else {
				resp.SetRcode(req, dns.RcodeNameError)
			}

			packed, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(packed, clientAddr)
		}
	}()

	t.Cleanup(func() {
		_ = pc.Close()
		<-done
	})

	return pc.LocalAddr().String()
}

// silentServer accepts queries and never answers
func silentServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.LocalAddr().String()
}

func TestNew(t *testing.T) {
	logger := logging.NewDiscard()

	tests := []struct {
		name      string
		upstreams []string
		want      []string
	}{
		{
			name:      "port added when missing",
			upstreams: []string{"1.1.1.1", "8.8.8.8:53"},
			want:      []string{"1.1.1.1:53", "8.8.8.8:53"},
		},
		{
			name:      "without upstreams",
			upstreams: []string{},
			want:      []string{},
		},
		{
			name:      "nil upstreams",
			upstreams: nil,
			want:      []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.upstreams, time.Second, logger)
			require.NotNil(t, r)
			assert.Equal(t, tt.want, r.Upstreams())
		})
	}
}

func TestResolver_LookupA_Upstream(t *testing.T) {
	addr := mockDNSServer(t, map[string][]string{
		"a.ntp.br.": {"200.160.0.8", "200.189.40.8"},
	})

	r := NewStrict([]string{addr}, time.Second, logging.NewDiscard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := r.LookupA(ctx, "a.ntp.br")
	require.NoError(t, err)
	assert.Equal(t, []string{"200.160.0.8", "200.189.40.8"}, addrs)
}

func TestResolver_LookupA_NXDOMAIN(t *testing.T) {
	addr := mockDNSServer(t, map[string][]string{})

	r := NewStrict([]string{addr}, time.Second, logging.NewDiscard())
	_, err := r.LookupA(context.Background(), "missing.ntp.br")
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestResolver_LookupA_NoARecords(t *testing.T) {
	addr := mockDNSServer(t, map[string][]string{
		"empty.ntp.br.": {},
	})

	r := NewStrict([]string{addr}, time.Second, logging.NewDiscard())
	_, err := r.LookupA(context.Background(), "empty.ntp.br")
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestResolver_LookupA_FallsThroughUpstreams(t *testing.T) {
	dead := silentServer(t)
	live := mockDNSServer(t, map[string][]string{
		"b.ntp.br.": {"200.192.232.8"},
	})

	r := NewStrict([]string{dead, live}, 200*time.Millisecond, logging.NewDiscard())
	addrs, err := r.LookupA(context.Background(), "b.ntp.br")
	require.NoError(t, err)
	assert.Equal(t, []string{"200.192.232.8"}, addrs)
}

func TestResolver_LookupA_StrictFailure(t *testing.T) {
	r := NewStrict([]string{silentServer(t)}, 100*time.Millisecond, logging.NewDiscard())

	_, err := r.LookupA(context.Background(), "c.ntp.br")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode")
}
