// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ntp-time/pkg/config"
	"ntp-time/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueriesFailed    metric.Int64Counter
	Attempts         metric.Int64Counter
	DNSMisses        metric.Int64Counter
	ExchangeTimeouts metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	Rounds           metric.Int64Histogram
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Debug("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	// No span exporter is wired yet; spans are recorded against the
	// global provider so an embedding program can install its own.
	if cfg.TracingEnabled {
		t.tracerProvider = otel.GetTracerProvider()
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// NewNoop returns telemetry whose providers discard everything
func NewNoop() *Telemetry {
	return &Telemetry{
		cfg:            &config.TelemetryConfig{},
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
		logger:         logging.NewDiscard(),
	}
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("ntp-time")

	queriesTotal, err := meter.Int64Counter(
		"sntp.queries.total",
		metric.WithDescription("Total number of time resolutions started"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesFailed, err := meter.Int64Counter(
		"sntp.queries.failed",
		metric.WithDescription("Time resolutions that ended without a timestamp"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed queries counter: %w", err)
	}

	attempts, err := meter.Int64Counter(
		"sntp.attempts",
		metric.WithDescription("Per-server exchange attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	dnsMisses, err := meter.Int64Counter(
		"sntp.dns.misses",
		metric.WithDescription("Candidates skipped because no IPv4 address resolved"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dns misses counter: %w", err)
	}

	exchangeTimeouts, err := meter.Int64Counter(
		"sntp.exchange.timeouts",
		metric.WithDescription("Exchanges that got no reply before the deadline"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange timeouts counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"sntp.query.duration",
		metric.WithDescription("Time resolution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	rounds, err := meter.Int64Histogram(
		"sntp.rounds",
		metric.WithDescription("Escalation rounds used per time resolution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rounds histogram: %w", err)
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		QueriesFailed:    queriesFailed,
		Attempts:         attempts,
		DNSMisses:        dnsMisses,
		ExchangeTimeouts: exchangeTimeouts,
		QueryDuration:    queryDuration,
		Rounds:           rounds,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// RecordAttempt counts one exchange attempt. Safe on a nil receiver.
func (m *Metrics) RecordAttempt(ctx context.Context, host, outcome string) {
	if m == nil || m.Attempts == nil {
		return
	}
	m.Attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("host", host),
		attribute.String("outcome", outcome),
	))
	if outcome == "timeout" && m.ExchangeTimeouts != nil {
		m.ExchangeTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("host", host)))
	}
}

// RecordDNSMisses counts candidates skipped because they did not resolve.
// Safe on a nil receiver.
func (m *Metrics) RecordDNSMisses(ctx context.Context, count int) {
	if m == nil || m.DNSMisses == nil || count <= 0 {
		return
	}
	m.DNSMisses.Add(ctx, int64(count))
}

// RecordQuery records the end of a resolution. Safe on a nil receiver.
func (m *Metrics) RecordQuery(ctx context.Context, state string, rounds int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	if m.QueriesTotal != nil {
		m.QueriesTotal.Add(ctx, 1, attrs)
	}
	if state != "succeeded" && m.QueriesFailed != nil {
		m.QueriesFailed.Add(ctx, 1, attrs)
	}
	if m.QueryDuration != nil {
		m.QueryDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if m.Rounds != nil {
		m.Rounds.Record(ctx, int64(rounds), attrs)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Debug("Telemetry shut down")
	return nil
}
