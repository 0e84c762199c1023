package resolver

import (
	"context"
	"math/rand"

	"ntp-time/pkg/logging"
)

// Candidate is a host name bound to the address it resolved to
type Candidate struct {
	Host    string
	Address string
}

// Shuffle returns a random permutation of hosts drawn from rng. The input
// slice is left untouched.
func Shuffle(hosts []string, rng *rand.Rand) []string {
	out := append([]string(nil), hosts...)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// Selector picks the first resolvable host out of an ordered list
type Selector struct {
	lookup Lookuper
	logger *logging.Logger
}

// NewSelector creates a selector resolving through lookup
func NewSelector(lookup Lookuper, logger *logging.Logger) *Selector {
	return &Selector{
		lookup: lookup,
		logger: logger,
	}
}

// Resolve resolves a single host; see ResolveIPv4
func (s *Selector) Resolve(ctx context.Context, host string) (Candidate, bool) {
	addr, ok := ResolveIPv4(ctx, s.lookup, host, s.logger)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Host: host, Address: addr}, true
}

// Select walks hosts once, in order, and returns the first one that resolves
// to an IPv4 address. Hosts are not retried.
func (s *Selector) Select(ctx context.Context, hosts []string) (Candidate, bool) {
	c, _, ok := s.Next(ctx, hosts)
	return c, ok
}

// Next is Select that also returns the hosts after the chosen one, so a
// caller can continue the same pass where it left off.
func (s *Selector) Next(ctx context.Context, hosts []string) (Candidate, []string, bool) {
	for i, host := range hosts {
		if ctx.Err() != nil {
			return Candidate{}, nil, false
		}
		if c, ok := s.Resolve(ctx, host); ok {
			s.logger.Info("Using time server", "host", c.Host, "address", c.Address)
			return c, hosts[i+1:], true
		}
	}
	return Candidate{}, nil, false
}
