// Package ntptime resolves the current time from a pool of SNTP servers,
// retrying across servers and escalating the per-exchange timeout between
// rounds.
package ntptime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"ntp-time/pkg/logging"
	"ntp-time/pkg/resolver"
	"ntp-time/pkg/sntp"
	"ntp-time/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrAllAttemptsExhausted is returned when no server replied in any round
	ErrAllAttemptsExhausted = errors.New("all time server attempts exhausted")

	// ErrNoAddressAvailable is wrapped into ErrAllAttemptsExhausted when not a
	// single candidate resolved to an IPv4 address
	ErrNoAddressAvailable = errors.New("no time server resolved to an IPv4 address")

	// ErrMalformedReply is returned when the accepted reply cannot be decoded
	ErrMalformedReply = sntp.ErrMalformedReply
)

// State is the position of a resolution in its lifecycle
type State int

const (
	StateSelecting State = iota
	StateResolved
	StateExchanging
	StateSucceeded
	StateExhausted
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateResolved:
		return "resolved"
	case StateExchanging:
		return "exchanging"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Exchanger performs one request/response exchange
type Exchanger interface {
	Exchange(ctx context.Context, addr string, timeout time.Duration) (*sntp.Reply, error)
}

// Result is a successful resolution
type Result struct {
	Time    time.Time
	Host    string
	Address string
	Round   int
	Timeout time.Duration
	RTT     time.Duration
}

// Client resolves the time. It keeps no state between calls to Now and is
// safe for concurrent use.
type Client struct {
	servers   []string
	policy    Policy
	selector  *resolver.Selector
	exchanger Exchanger
	newSource func() rand.Source
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// Option configures a Client
type Option func(*Client)

// WithRandSource sets the factory for the source used to shuffle the server
// list. It is called once per Now.
func WithRandSource(fn func() rand.Source) Option {
	return func(c *Client) {
		c.newSource = fn
	}
}

// WithMetrics records attempts and outcomes
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracerProvider records a span per resolution and per exchange
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer("ntp-time/ntptime")
	}
}

// New creates a client for servers
func New(servers []string, lookup resolver.Lookuper, exchanger Exchanger, policy Policy, logger *logging.Logger, opts ...Option) (*Client, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no time servers configured")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	c := &Client{
		servers:   append([]string(nil), servers...),
		policy:    policy,
		selector:  resolver.NewSelector(lookup, logger),
		exchanger: exchanger,
		newSource: func() rand.Source { return rand.NewSource(time.Now().UnixNano()) },
		logger:    logger,
		tracer:    tracenoop.NewTracerProvider().Tracer("ntp-time/ntptime"),
	}
	for _, opt := range opts {
		opt(c)
	}

	logger.Debug("Time client initialized",
		"servers", c.servers,
		"schedule", policy.Schedule(),
	)
	return c, nil
}

// Servers returns the candidate list in configured order
func (c *Client) Servers() []string {
	return c.servers
}

// Now shuffles the servers, then runs the policy's rounds until one server
// answers. It returns ErrAllAttemptsExhausted when none did and
// ErrMalformedReply when the accepted reply is too short.
func (c *Client) Now(ctx context.Context) (Result, error) {
	q := &query{
		Client: c,
		logger: c.logger.WithField("query_id", uuid.NewString()),
		start:  time.Now(),
	}

	ctx, span := c.tracer.Start(ctx, "ntptime.Now")
	defer span.End()

	res, err := q.run(ctx)

	c.metrics.RecordQuery(ctx, q.state.String(), q.round, time.Since(q.start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Warn("Time resolution failed",
			"rounds", q.round,
			"elapsed", time.Since(q.start),
			"error", err,
		)
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("sntp.host", res.Host),
		attribute.Int("sntp.round", res.Round),
	)
	q.logger.Debug("Time resolved",
		"host", res.Host,
		"address", res.Address,
		"time", res.Time,
		"round", res.Round,
		"rtt", res.RTT,
	)
	return res, nil
}

// query holds the state of one Now call
type query struct {
	*Client
	logger   *logging.Logger
	start    time.Time
	state    State
	round    int
	resolved bool
}

func (q *query) setState(s State) {
	if q.state == s {
		return
	}
	q.logger.Debug("State transition", "from", q.state, "to", s, "round", q.round)
	q.state = s
}

func (q *query) run(ctx context.Context) (Result, error) {
	order := resolver.Shuffle(q.servers, rand.New(q.newSource()))

	for i, timeout := range q.policy.Schedule() {
		q.round = i + 1
		rest := order

		for len(rest) > 0 {
			q.setState(StateSelecting)
			candidate, next, ok := q.selector.Next(ctx, rest)
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			if !ok {
				q.metrics.RecordDNSMisses(ctx, len(rest))
				break
			}
			q.metrics.RecordDNSMisses(ctx, len(rest)-len(next)-1)
			q.resolved = true
			q.setState(StateResolved)

			res, err := q.exchange(ctx, candidate, timeout)
			if err == nil {
				q.setState(StateSucceeded)
				return res, nil
			}
			if errors.Is(err, ErrMalformedReply) {
				q.setState(StateExhausted)
				return Result{}, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			rest = next
		}

		q.logger.Debug("Round finished without a reply", "round", q.round, "timeout", timeout)
	}

	q.setState(StateExhausted)
	if !q.resolved {
		return Result{}, fmt.Errorf("%w: %w", ErrAllAttemptsExhausted, ErrNoAddressAvailable)
	}
	return Result{}, ErrAllAttemptsExhausted
}

func (q *query) exchange(ctx context.Context, candidate resolver.Candidate, timeout time.Duration) (Result, error) {
	q.setState(StateExchanging)

	ctx, span := q.tracer.Start(ctx, "sntp.Exchange", trace.WithAttributes(
		attribute.String("sntp.host", candidate.Host),
		attribute.String("sntp.address", candidate.Address),
		attribute.Int64("sntp.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	reply, err := q.exchanger.Exchange(ctx, candidate.Address, timeout)
	if err != nil {
		outcome := "error"
		if errors.Is(err, sntp.ErrExchangeTimeout) {
			outcome = "timeout"
		}
		q.metrics.RecordAttempt(ctx, candidate.Host, outcome)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Debug("Exchange failed",
			"host", candidate.Host,
			"address", candidate.Address,
			"round", q.round,
			"timeout", timeout,
			"error", err,
		)
		return Result{}, err
	}

	ts, err := sntp.Decode(reply.Data)
	if err != nil {
		q.metrics.RecordAttempt(ctx, candidate.Host, "malformed")
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("reply from %s (%s): %w", candidate.Host, candidate.Address, err)
	}

	q.metrics.RecordAttempt(ctx, candidate.Host, "reply")
	return Result{
		Time:    ts,
		Host:    candidate.Host,
		Address: candidate.Address,
		Round:   q.round,
		Timeout: timeout,
		RTT:     reply.RTT,
	}, nil
}
