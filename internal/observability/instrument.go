package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Log exporters supported in addition to the stdout handler.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Options configures Instrument.
type Options struct {
	Level  slog.Level
	Format string // text|json

	// Exporter additionally ships logs through an OpenTelemetry pipeline.
	Exporter string
	// Endpoint overrides the OTLP endpoint URL; empty uses the OTEL_* environment.
	Endpoint string
	// ServiceName is the instrumentation scope of bridged records.
	ServiceName string

	// Output defaults to os.Stdout.
	Output io.Writer
}

// ShutdownFunc flushes and stops the telemetry pipeline.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger and the W3C trace-context
// propagator. The returned ShutdownFunc must be called before exit so that
// batched records are flushed.
func Instrument(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	handler, err := newStdoutHandler(opts.Output, opts.Level, opts.Format)
	if err != nil {
		return nil, err
	}

	shutdown := func(context.Context) error { return nil }

	otelHandler, otelShutdown, err := newOTelHandler(ctx, opts)
	if err != nil {
		return nil, err
	}
	if otelHandler != nil {
		handler = newFanoutHandler(handler, otelHandler)
		shutdown = otelShutdown
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.SetDefault(slog.New(newTraceContextHandler(newRedactHandler(handler))))

	return shutdown, nil
}

// newStdoutHandler creates a handler for human-readable logs.
func newStdoutHandler(w io.Writer, level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}

	return handler, nil
}

// newOTelHandler bridges slog into an OpenTelemetry logger provider.
// It returns a nil handler when no exporter is configured.
func newOTelHandler(ctx context.Context, opts Options) (slog.Handler, ShutdownFunc, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	switch strings.ToLower(opts.Exporter) {
	case "", ExporterNone:
		return nil, nil, nil
	case ExporterStdout:
		exporter, err = stdoutlog.New(stdoutlog.WithWriter(opts.Output))
	case ExporterOTLPHTTP:
		var httpOpts []otlploghttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlploghttp.WithEndpointURL(opts.Endpoint))
		}
		exporter, err = otlploghttp.New(ctx, httpOpts...)
	case ExporterOTLPGRPC:
		var grpcOpts []otlploggrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpointURL(opts.Endpoint))
		}
		exporter, err = otlploggrpc.New(ctx, grpcOpts...)
	default:
		return nil, nil, fmt.Errorf("unsupported log exporter %q (expected: none, stdout, otlp-http, otlp-grpc)", opts.Exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s log exporter: %w", opts.Exporter, err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severityFor(opts.Level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	global.SetLoggerProvider(provider)

	name := opts.ServiceName
	if name == "" {
		name = "tokenrelay"
	}
	handler := otelslog.NewHandler(name, otelslog.WithLoggerProvider(provider))

	shutdown := func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}
	return handler, shutdown, nil
}

// severityFor maps a slog level to the OpenTelemetry minimum severity.
func severityFor(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
