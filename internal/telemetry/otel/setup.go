// Package otel builds the OpenTelemetry tracer, meter and logger providers for the auth service
// and adapts auth events to OTel log records.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.uber.org/zap"

	"trend-reversal/backend/internal/logger"
)

const metricInterval = 10 * time.Second

// Options configures NewProviders.
type Options struct {
	// Endpoint is the OTLP gRPC collector, e.g. http://localhost:4317. Empty disables export.
	Endpoint    string
	ServiceName string
	// Insecure forces plaintext even for https endpoints (OTEL_EXPORTER_OTLP_INSECURE).
	Insecure bool
	Logger   *zap.Logger
}

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// NewProviders creates providers exporting via OTLP gRPC. Without an endpoint the providers are
// local only and Shutdown is a no-op.
func NewProviders(ctx context.Context, opts Options) (*Providers, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  metric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}
	target, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(opts.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	b := &builder{ctx: ctx, target: target, insecure: insecure || opts.Insecure, res: res}
	tp := b.tracerProvider()
	mp := b.meterProvider()
	lp := b.loggerProvider()
	if b.err != nil {
		_ = b.shutdown(ctx, zap.NewNop())
		return nil, b.err
	}
	log := logger.OrNop(opts.Logger)
	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		Shutdown:       func(ctx context.Context) error { return b.shutdown(ctx, log) },
	}, nil
}

// builder creates the three OTLP pipelines in order, stopping at the first exporter error.
type builder struct {
	ctx      context.Context
	target   string
	insecure bool
	res      *resource.Resource
	err      error
	stops    []func(context.Context) error
}

func (b *builder) tracerProvider() *sdktrace.TracerProvider {
	if b.err != nil {
		return nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(b.target)}
	if b.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(b.ctx, opts...)
	if err != nil {
		b.err = fmt.Errorf("otlp trace exporter: %w", err)
		return nil
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(b.res))
	b.stops = append(b.stops, tp.Shutdown)
	return tp
}

func (b *builder) meterProvider() *metric.MeterProvider {
	if b.err != nil {
		return nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(b.target)}
	if b.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(b.ctx, opts...)
	if err != nil {
		b.err = fmt.Errorf("otlp metric exporter: %w", err)
		return nil
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(b.res),
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(metricInterval))),
	)
	b.stops = append(b.stops, mp.Shutdown)
	return mp
}

func (b *builder) loggerProvider() *sdklog.LoggerProvider {
	if b.err != nil {
		return nil
	}
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(b.target)}
	if b.insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exp, err := otlploggrpc.New(b.ctx, opts...)
	if err != nil {
		b.err = fmt.Errorf("otlp log exporter: %w", err)
		return nil
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)), sdklog.WithResource(b.res))
	b.stops = append(b.stops, lp.Shutdown)
	return lp
}

// shutdown stops the pipelines in reverse creation order and joins their errors.
func (b *builder) shutdown(ctx context.Context, log *zap.Logger) error {
	var errs []error
	for i := len(b.stops) - 1; i >= 0; i-- {
		if err := b.stops[i](ctx); err != nil {
			log.Warn("telemetry: provider shutdown", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseEndpoint reduces an OTLP endpoint URL to the host:port gRPC dials. Paths are dropped.
// Only https endpoints use TLS.
func parseEndpoint(endpoint string) (target string, insecure bool, err error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// SetGlobal installs the tracer and meter providers and the W3C propagators globally so otelhttp
// and otelgrpc pick them up.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}
