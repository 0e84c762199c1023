// Package resolver turns time-server host names into IPv4 addresses. Lookups
// go to the configured upstream DNS servers and fall back to the host
// resolver unless strict mode is on.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"ntp-time/pkg/logging"

	"github.com/miekg/dns"
)

// ErrNoRecords is returned when a name exists but has no A records
var ErrNoRecords = errors.New("no A records")

// Lookuper returns every A record of a host as a dotted-quad string
type Lookuper interface {
	LookupA(ctx context.Context, host string) ([]string, error)
}

// Resolver queries upstream DNS servers for A records
type Resolver struct {
	logger    *logging.Logger
	client    *dns.Client
	upstreams []string
	strict    bool // when true, never fall back to system resolver
	system    *net.Resolver
}

// New creates a resolver using upstreams ("host:port", port 53 added when
// missing). With no upstreams it uses the system resolver.
func New(upstreams []string, timeout time.Duration, logger *logging.Logger) *Resolver {
	return newWithOptions(upstreams, timeout, logger, false)
}

// NewStrict creates a resolver that will NOT fall back to the system resolver
// when upstreams fail.
func NewStrict(upstreams []string, timeout time.Duration, logger *logging.Logger) *Resolver {
	return newWithOptions(upstreams, timeout, logger, true)
}

func newWithOptions(upstreams []string, timeout time.Duration, logger *logging.Logger, strict bool) *Resolver {
	normalized := make([]string, len(upstreams))
	for i, upstream := range upstreams {
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			normalized[i] = net.JoinHostPort(upstream, "53")
		} else {
			normalized[i] = upstream
		}
	}

	if len(normalized) == 0 {
		logger.Debug("No upstream DNS servers configured, using system default resolver")
	} else {
		logger.Debug("DNS resolver initialized", "upstreams", normalized, "strict", strict)
	}

	return &Resolver{
		logger:    logger,
		upstreams: normalized,
		strict:    strict,
		system:    net.DefaultResolver,
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
	}
}

// LookupA resolves host to its A records. Each upstream is tried in order
// until one answers.
func (r *Resolver) LookupA(ctx context.Context, host string) ([]string, error) {
	if len(r.upstreams) == 0 {
		return r.lookupSystem(ctx, host)
	}

	var lastErr error
	for idx, upstream := range r.upstreams {
		// RFC 1035 §7.2 requires resolvers to retry alternate name servers on failure.
		addrs, err := r.queryUpstream(ctx, upstream, host)
		if err != nil {
			lastErr = err
			r.logger.Debug("DNS resolution attempt failed",
				"host", host,
				"upstream", upstream,
				"attempt", idx+1,
				"error", err,
			)
			// A definitive negative answer will not change on another upstream
			if errors.Is(err, ErrNoRecords) {
				return nil, err
			}
			continue
		}

		r.logger.Debug("DNS resolution successful",
			"host", host,
			"upstream", upstream,
			"addresses", addrs,
		)
		return addrs, nil
	}

	if r.strict {
		return nil, fmt.Errorf("failed to resolve %s via configured upstreams (strict mode): %w", host, lastErr)
	}

	r.logger.Debug("All upstream DNS servers failed, falling back to system resolver",
		"host", host,
		"attempts", len(r.upstreams),
		"error", lastErr,
	)
	addrs, err := r.lookupSystem(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s via configured upstreams: %w", host, errors.Join(lastErr, err))
	}
	return addrs, nil
}

func (r *Resolver) queryUpstream(ctx context.Context, upstream, host string) ([]string, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(host), dns.TypeA)
	req.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, req, upstream)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("received nil response from %s", upstream)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s is NXDOMAIN", ErrNoRecords, host)
	default:
		return nil, fmt.Errorf("upstream %s returned %s", upstream, dns.RcodeToString[resp.Rcode])
	}

	addrs := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, host)
	}
	return addrs, nil
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) ([]string, error) {
	ips, err := r.system.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

// Upstreams returns the configured upstream DNS servers
func (r *Resolver) Upstreams() []string {
	return r.upstreams
}
