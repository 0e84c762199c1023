package ntptime

import (
	"time"

	"ntp-time/pkg/config"

	"github.com/cenkalti/backoff/v5"
)

// maxScheduleRounds guards Schedule against a policy that never reaches its cap
const maxScheduleRounds = 64

// Policy controls how long each exchange may wait and how many rounds run.
// Every round tries each server once with the same timeout; the timeout is
// multiplied between rounds until it would reach MaxTimeout.
//
// The fixed-attempt behavior is Multiplier 1 with MaxRounds set.
type Policy struct {
	InitialTimeout time.Duration
	Multiplier     float64
	MaxTimeout     time.Duration
	MaxRounds      int // 0 = bounded by MaxTimeout only
}

// DefaultPolicy waits 1s, 2s, 4s, then 8s
func DefaultPolicy() Policy {
	return Policy{
		InitialTimeout: time.Second,
		Multiplier:     2,
		MaxTimeout:     10 * time.Second,
	}
}

// PolicyFromConfig converts the YAML policy section
func PolicyFromConfig(cfg config.PolicyConfig) Policy {
	return Policy{
		InitialTimeout: cfg.InitialTimeout,
		Multiplier:     cfg.Multiplier,
		MaxTimeout:     cfg.MaxTimeout,
		MaxRounds:      cfg.MaxRounds,
	}
}

// Validate reports whether the policy terminates
func (p Policy) Validate() error {
	return config.PolicyConfig{
		InitialTimeout: p.InitialTimeout,
		Multiplier:     p.Multiplier,
		MaxTimeout:     p.MaxTimeout,
		MaxRounds:      p.MaxRounds,
	}.Validate()
}

// Schedule returns the per-round timeouts
func (p Policy) Schedule() []time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialTimeout
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxTimeout
	b.RandomizationFactor = 0
	b.Reset()

	limit := maxScheduleRounds
	if p.MaxRounds > 0 && p.MaxRounds < limit {
		limit = p.MaxRounds
	}

	var out []time.Duration
	for len(out) < limit {
		next := b.NextBackOff()
		if next == backoff.Stop || next >= p.MaxTimeout {
			break
		}
		out = append(out, next)
	}
	return out
}
