package main

import (
	"fmt"
	"time"

	"ntp-time/pkg/config"
	"ntp-time/pkg/logging"
	"ntp-time/pkg/ntptime"
	"ntp-time/pkg/policy"
	"ntp-time/pkg/resolver"
	"ntp-time/pkg/sntp"
	"ntp-time/pkg/telemetry"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/trace"
)

// buildClient wires a time client from cfg
func buildClient(cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics, tp trace.TracerProvider) (*ntptime.Client, error) {
	var res *resolver.Resolver
	if cfg.DNS.Strict {
		res = resolver.NewStrict(cfg.DNS.Upstreams, cfg.DNS.Timeout, logger)
	} else {
		res = resolver.New(cfg.DNS.Upstreams, cfg.DNS.Timeout, logger)
	}

	filter, err := policy.NewEngineFromLogic(cfg.AcceptRule)
	if err != nil {
		return nil, fmt.Errorf("invalid accept_rule: %w", err)
	}

	exchanger := sntp.NewExchanger(cfg.Port, logger, sntp.WithFilter(filter))

	return ntptime.New(cfg.Servers, res, exchanger, ntptime.PolicyFromConfig(cfg.Policy), logger,
		ntptime.WithMetrics(metrics),
		ntptime.WithTracerProvider(tp),
	)
}

// formatResult renders the resolved time and how far the local clock is from it
func formatResult(res ntptime.Result, local time.Time) string {
	offset := res.Time.Sub(local).Milliseconds()
	sign := "+"
	if offset < 0 {
		sign = ""
	}
	return fmt.Sprintf("%s  %s (%s)  offset %s%sms  rtt %s",
		res.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		res.Host,
		res.Address,
		sign,
		humanize.Comma(offset),
		res.RTT.Round(time.Microsecond),
	)
}
