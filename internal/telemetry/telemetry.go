// Package telemetry sets up tracing and the Prometheus endpoint for the
// CLI.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/internal/config"
)

// Telemetry bundles the tracer and metrics handed to the engine.
type Telemetry struct {
	Tracer   trace.Tracer
	Registry *prometheus.Registry
	Metrics  *graph.PrometheusMetrics

	provider *sdktrace.TracerProvider
	server   *http.Server
	addr     string
	logger   *slog.Logger
}

// Setup initializes tracing per cfg.Tracing and, when cfg.MetricsAddr is
// set, starts serving /metrics. Spans from the stdout exporter go to out.
// Call Shutdown to flush spans and stop the server.
func Setup(ctx context.Context, cfg config.TelemetryConfig, out io.Writer, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "essaygraph"
	}

	t := &Telemetry{Registry: prometheus.NewRegistry(), logger: logger}
	t.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	t.Metrics = graph.NewPrometheusMetrics(t.Registry)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Tracing {
	case "", "none":
		t.Tracer = noop.NewTracerProvider().Tracer(serviceName)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "otlp":
		exporter, err = otlptracehttp.New(ctx, otlpEndpoint(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown tracing exporter: %s", cfg.Tracing)
	}

	if exporter != nil {
		res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		t.provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.provider)
		t.Tracer = t.provider.Tracer(serviceName)
		logger.Debug("tracing enabled", "exporter", cfg.Tracing)
	}

	if cfg.MetricsAddr != "" {
		if err := t.serve(cfg.MetricsAddr); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}
	return t, nil
}

func otlpEndpoint(endpoint string) otlptracehttp.Option {
	if strings.Contains(endpoint, "://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

func (t *Telemetry) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{Registry: t.Registry}))
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.addr = ln.Addr().String()

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("metrics server stopped", "error", err)
		}
	}()
	t.logger.Info("serving metrics", "addr", t.addr)
	return nil
}

// MetricsAddr is the address /metrics is served on, or "" when disabled.
func (t *Telemetry) MetricsAddr() string { return t.addr }

// Shutdown flushes pending spans and stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	var errs []error
	if t.server != nil {
		errs = append(errs, t.server.Shutdown(ctx))
	}
	if t.provider != nil {
		errs = append(errs, t.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
