package coeditd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// telemetryBundle owns the optional observability plumbing: the OTLP trace
// exporter, the Prometheus scrape endpoint, and the pprof listener.
type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	pprofServer    *http.Server
	pprofLn        net.Listener
	logger         pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil || h.logger == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.pprofServer != nil {
		if err := t.pprofServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("pprof server shutdown: %w", err))
		}
	}
	if t.pprofLn != nil {
		_ = t.pprofLn.Close()
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		if t.logger != nil {
			t.logger.Warn("telemetry.shutdown.partial", "error", errors.Join(errs...))
		}
		return errors.Join(errs...)
	}
	return nil
}

func setupTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetryBundle, error) {
	otlpEndpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if otlpEndpoint == "" && metricsListen == "" && pprofListen == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("coeditd")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger}
	fail := func(err error) (*telemetryBundle, error) {
		_ = bundle.Shutdown(ctx)
		return nil, err
	}

	if otlpEndpoint != "" {
		target, err := resolveOTLPTarget(otlpEndpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		bundle.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(bundle.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"insecure", target.insecure,
		)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporter, err := otelprometheus.New(
			otelprometheus.WithRegisterer(registry),
			otelprometheus.WithProducer(otelruntime.NewProducer()),
		)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		bundle.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(bundle.meterProvider)
		if err := otelruntime.Start(otelruntime.WithMeterProvider(bundle.meterProvider)); err != nil {
			logger.Warn("telemetry.runtime_metrics.failed", "error", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		bundle.metricsServer, bundle.metricsLn, err = serveAux(metricsListen, mux, "telemetry.metrics", logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("telemetry.metrics.enabled", "listen", metricsListen)
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		bundle.pprofServer, bundle.pprofLn, err = serveAux(pprofListen, mux, "telemetry.pprof", logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("telemetry.pprof.enabled", "listen", pprofListen)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

// serveAux starts a sidecar HTTP server for metrics or pprof.
func serveAux(addr string, handler http.Handler, event string, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Warn(event+".serve_error", "error", err)
			}
		}
	}()
	return srv, ln, nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")),
			))
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exporter, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return otlpTarget{protocol: "grpc", endpoint: endpoint, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	target := otlpTarget{
		endpoint: host,
		path:     strings.TrimSuffix(u.Path, "/"),
	}
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.protocol, target.insecure = "grpc", true
	case "grpcs":
		target.protocol = "grpc"
	case "http":
		target.protocol, target.insecure = "http", true
	case "https":
		target.protocol = "http"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if !strings.Contains(target.endpoint, ":") {
		port := "4317"
		if target.protocol == "http" {
			port = "4318"
		}
		target.endpoint = net.JoinHostPort(target.endpoint, port)
	}
	return target, nil
}
