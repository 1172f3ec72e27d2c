package httputil

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/seo-llm-proxy/internal/telemetry"
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// UpstreamConfig is the config for talking to LLM vendors. Streams can run far longer
// than any sane request timeout, so the whole-request timeout is dropped and timeout
// bounds only the wait for response headers. Callers put deadlines on buffered calls
// through the request context.
func UpstreamConfig(timeout time.Duration) ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	if timeout > 0 {
		cfg.ResponseHeaderTimeout = timeout
	}
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: NewTracingTransport(transport),
	}
}

// TracingTransport opens a client span around every round trip. The span ends when
// response headers arrive; streamed bodies are not covered.
type TracingTransport struct {
	next http.RoundTripper
}

func NewTracingTransport(next http.RoundTripper) *TracingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &TracingTransport{next: next}
}

func (t *TracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := telemetry.StartSpan(req.Context(), "upstream "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Hostname()),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("http.response.status_code", strconv.Itoa(resp.StatusCode)))
	return resp, nil
}
