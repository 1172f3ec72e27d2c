// Package telemetry sets up OpenTelemetry tracing for the proxy and tags spans with
// routing decisions and token usage.
package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

const defaultServiceName = "seo-llm-proxy"

var tracer trace.Tracer

type Config struct {
	ServiceName string
	Version     string
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint string
	// SampleRatio is the fraction of root traces kept. Values >= 1 keep all.
	SampleRatio float64
}

// Init installs the global tracer provider. The returned func flushes pending spans.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.Endpoint == "" {
		tracer = otel.Tracer(cfg.ServiceName)
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(cfg.ServiceName)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(ratio)
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer(defaultServiceName)
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Route is where a proxied call is going. User ids stay out of spans; the tier is
// enough to slice traces.
type Route struct {
	RequestID string
	Tier      domain.Tier
	Provider  domain.Provider
	Model     string
	KeyOrigin string
	Stream    bool
}

// StartRouteSpan opens a server span for one proxied call.
func StartRouteSpan(ctx context.Context, name string, r Route) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("request.id", r.RequestID),
		attribute.String("user.tier", string(r.Tier)),
		attribute.String("llm.provider", string(r.Provider)),
		attribute.String("llm.model", r.Model),
		attribute.String("llm.key_origin", r.KeyOrigin),
		attribute.Bool("llm.stream", r.Stream),
	))
}

// SetUsage tags the span with the usage record written for the call.
func SetUsage(span trace.Span, rec domain.UsageRecord) {
	span.SetAttributes(
		attribute.Int("tokens.prompt", rec.PromptTokens),
		attribute.Int("tokens.completion", rec.CompletionTokens),
		attribute.Int("tokens.total", rec.TotalTokens),
		attribute.Bool("tokens.estimated", rec.Estimated),
		attribute.Float64("cost.usd", rec.CostUSD),
	)
}

func SetCacheHit(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool("cache.hit", hit))
}

// RecordError marks the span failed. Upstream rejections also carry the vendor status.
func RecordError(span trace.Span, err error) {
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		span.SetAttributes(attribute.Int("llm.upstream_status", upErr.StatusCode))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
