// Package telemetry wires BookingSync to an optional OTLP gRPC collector.
// Sync passes export spans and counters; log records are mirrored to the
// collector through [NewLogHandler].
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc].
// Without a telemetry block the global providers stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/njoerd114/bookingsync/internal/config"
)

// DefaultServiceName is reported as service.name unless overridden.
const DefaultServiceName = "bookingsync"

// Config holds the collector settings. Build it from the YAML block with
// [FromConfig].
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port.
	OTLPEndpoint string
	// Insecure dials the collector without TLS.
	Insecure bool
	// ServiceName defaults to [DefaultServiceName].
	ServiceName    string
	ServiceVersion string
	// Headers are attached as gRPC metadata to every export.
	Headers map[string]string
	// MetricInterval is how often counters are exported. Zero keeps the SDK
	// default of one minute.
	MetricInterval time.Duration
}

// FromConfig converts the YAML telemetry block. It reports false when the
// block is absent.
func FromConfig(tc *config.TelemetryConfig, version string) (Config, bool) {
	if tc == nil {
		return Config{}, false
	}
	return Config{
		OTLPEndpoint:   tc.OTLPEndpoint,
		Insecure:       tc.Insecure,
		ServiceName:    tc.ServiceName,
		ServiceVersion: version,
		Headers:        tc.Headers,
		MetricInterval: tc.MetricInterval,
	}, true
}

// ShutdownFunc flushes pending exports and closes the collector connection.
// Pass a context that is not already cancelled.
type ShutdownFunc func(context.Context) error

// providers collects the shutdown hooks of everything Setup has started, in
// start order.
type providers struct {
	names []string
	stops []func(context.Context) error
}

func (p *providers) add(name string, stop func(context.Context) error) {
	p.names = append(p.names, name)
	p.stops = append(p.stops, stop)
}

// shutdown stops providers in reverse order so the connection closes last.
func (p *providers) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.stops) - 1; i >= 0; i-- {
		if err := p.stops[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", p.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Setup installs global trace, metric and log providers exporting to
// cfg.OTLPEndpoint over one gRPC connection. The returned [ShutdownFunc] is
// never nil. On error everything started so far is already stopped.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, fmt.Errorf("building OTel resource: %w", err)
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var p providers
	p.add("OTLP gRPC connection", func(context.Context) error { return conn.Close() })
	fail := func(err error) (ShutdownFunc, error) {
		_ = p.shutdown(ctx)
		return noopShutdown, err
	}

	tp, err := newTracerProvider(ctx, conn, cfg, res)
	if err != nil {
		return fail(err)
	}
	p.add("trace provider", tp.Shutdown)

	mp, err := newMeterProvider(ctx, conn, cfg, res)
	if err != nil {
		return fail(err)
	}
	p.add("metric provider", mp.Shutdown)

	lp, err := newLoggerProvider(ctx, conn, cfg, res)
	if err != nil {
		return fail(err)
	}
	p.add("log provider", lp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)
	return p.shutdown, nil
}

func noopShutdown(context.Context) error { return nil }

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	var opts []sdkmetric.PeriodicReaderOption
	if cfg.MetricInterval > 0 {
		opts = append(opts, sdkmetric.WithInterval(cfg.MetricInterval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, opts...)),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, conn *grpc.ClientConn, cfg Config, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// newResource describes this process. NewSchemaless avoids a schema URL
// clash between the SDK default resource and the semconv import.
func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}
