// Package tracing wires OpenTelemetry for the notebook client and the
// execution backend. Without an OTLP endpoint every tracer is a no-op.
package tracing

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const endpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Options configure the exporter. Endpoint falls back to
// OTEL_EXPORTER_OTLP_ENDPOINT; a SampleRatio outside (0,1) samples everything.
type Options struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

var (
	mu       sync.Mutex
	options  = Options{ServiceName: "pegasus"}
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdk      *sdktrace.TracerProvider
	started  bool
)

// Configure replaces the options. It has no effect once a tracer was handed out.
func Configure(o Options) {
	mu.Lock()
	defer mu.Unlock()
	if o.ServiceName == "" {
		o.ServiceName = options.ServiceName
	}
	options = o
}

// start builds the provider on first use. Callers hold mu.
func start() {
	started = true
	endpoint := options.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv(endpointEnv)
	}
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, exporterOptions(endpoint, options.Insecure)...)
	if err != nil {
		return
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(options.ServiceName)))
	if err != nil {
		res = resource.Default()
	}

	sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(options.SampleRatio)),
	)
	provider = sdk
	otel.SetTracerProvider(sdk)
}

// exporterOptions accepts either host:port or a URL. An http:// scheme
// implies an insecure connection.
func exporterOptions(endpoint string, insecure bool) []otlptracehttp.Option {
	host, path := endpoint, ""
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil {
			host, path = u.Host, strings.TrimSuffix(u.Path, "/")
			insecure = insecure || u.Scheme == "http"
		}
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(path))
	}
	return opts
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	if !started {
		start()
	}
	p := provider
	mu.Unlock()
	return p.Tracer(name)
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdk
	mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
