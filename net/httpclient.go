package net

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/opentracing/opentracing-go"
)

const tracingTagURL = "http.url"

// Options are mostly passed to the http.Transport of the same
// name. Options.Timeout can be used as default for all timeouts that
// are not set.
type Options struct {
	// DisableKeepAlives see https://golang.org/pkg/net/http/#Transport.DisableKeepAlives
	DisableKeepAlives bool
	// DisableCompression see https://golang.org/pkg/net/http/#Transport.DisableCompression
	DisableCompression bool
	// ForceAttemptHTTP2 see https://golang.org/pkg/net/http/#Transport.ForceAttemptHTTP2
	ForceAttemptHTTP2 bool
	// MaxIdleConns see https://golang.org/pkg/net/http/#Transport.MaxIdleConns
	MaxIdleConns int
	// MaxIdleConnsPerHost see https://golang.org/pkg/net/http/#Transport.MaxIdleConnsPerHost
	MaxIdleConnsPerHost int
	// MaxResponseHeaderBytes see
	// https://golang.org/pkg/net/http/#Transport.MaxResponseHeaderBytes
	MaxResponseHeaderBytes int64
	// Timeout sets all Timeouts, that are set to 0 to the given
	// value. Basically it's the default timeout value.
	Timeout time.Duration
	// TLSHandshakeTimeout see
	// https://golang.org/pkg/net/http/#Transport.TLSHandshakeTimeout,
	// if not set or set to 0, its using Options.Timeout.
	TLSHandshakeTimeout time.Duration
	// IdleConnTimeout see
	// https://golang.org/pkg/net/http/#Transport.IdleConnTimeout,
	// if not set or set to 0, its using Options.Timeout.
	IdleConnTimeout time.Duration
	// ResponseHeaderTimeout see
	// https://golang.org/pkg/net/http/#Transport.ResponseHeaderTimeout,
	// if not set or set to 0, its using Options.Timeout.
	ResponseHeaderTimeout time.Duration
	// ExpectContinueTimeout see
	// https://golang.org/pkg/net/http/#Transport.ExpectContinueTimeout,
	// if not set or set to 0, its using Options.Timeout.
	ExpectContinueTimeout time.Duration
	// TLSClientConfig for the backend connections, nil means
	// defaults.
	TLSClientConfig *tls.Config
	// Tracer for outbound request spans, nil gets the
	// opentracing.NoopTracer.
	Tracer opentracing.Tracer
}

// Transport is a tracing-aware wrapper around http.Transport.
type Transport struct {
	tr     *http.Transport
	tracer opentracing.Tracer
}

// NewTransport creates a Transport from the options. The quit channel
// stops the background goroutine that closes idle connections.
func NewTransport(options Options, quit <-chan struct{}) *Transport {
	if options.Tracer == nil {
		options.Tracer = &opentracing.NoopTracer{}
	}

	if options.TLSHandshakeTimeout == 0 {
		options.TLSHandshakeTimeout = options.Timeout
	}
	if options.IdleConnTimeout == 0 {
		options.IdleConnTimeout = options.Timeout
	}
	if options.ResponseHeaderTimeout == 0 {
		options.ResponseHeaderTimeout = options.Timeout
	}
	if options.ExpectContinueTimeout == 0 {
		options.ExpectContinueTimeout = options.Timeout
	}
	if options.IdleConnTimeout == 0 {
		options.IdleConnTimeout = 30 * time.Second
	}

	htransport := &http.Transport{
		DisableKeepAlives:      options.DisableKeepAlives,
		DisableCompression:     options.DisableCompression,
		ForceAttemptHTTP2:      options.ForceAttemptHTTP2,
		MaxIdleConns:           options.MaxIdleConns,
		MaxIdleConnsPerHost:    options.MaxIdleConnsPerHost,
		MaxResponseHeaderBytes: options.MaxResponseHeaderBytes,
		ResponseHeaderTimeout:  options.ResponseHeaderTimeout,
		TLSHandshakeTimeout:    options.TLSHandshakeTimeout,
		IdleConnTimeout:        options.IdleConnTimeout,
		ExpectContinueTimeout:  options.ExpectContinueTimeout,
		TLSClientConfig:        options.TLSClientConfig,
	}

	go func() {
		for {
			select {
			case <-time.After(options.IdleConnTimeout):
				htransport.CloseIdleConnections()
			case <-quit:
				htransport.CloseIdleConnections()
				return
			}
		}
	}()

	return &Transport{
		tr:     htransport,
		tracer: options.Tracer,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.tr.RoundTrip(req)
}

// Do executes the request roundtrip with a child span created from
// parentSpan. parentSpan may be nil.
func (t *Transport) Do(req *http.Request, parentSpan opentracing.Span, spanName string) (*http.Response, error) {
	if parentSpan != nil {
		req = req.WithContext(opentracing.ContextWithSpan(req.Context(), parentSpan))
	}
	span := t.injectSpan(spanName, req)
	defer span.Finish()
	req = injectClientTrace(req, span)

	span.LogKV("http_do", "start")
	rsp, err := t.tr.RoundTrip(req)
	span.LogKV("http_do", "stop")

	return rsp, err
}

func (t *Transport) CloseIdleConnections() {
	t.tr.CloseIdleConnections()
}

func (t *Transport) injectSpan(childSpanName string, req *http.Request) opentracing.Span {
	span := createSpan(childSpanName, req.Context(), t.tracer)
	span.SetTag(tracingTagURL, req.URL.String())
	_ = t.tracer.Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(req.Header))
	return span
}

func createSpan(name string, ctx context.Context, tracer opentracing.Tracer) opentracing.Span {
	parentSpan := opentracing.SpanFromContext(ctx)
	if parentSpan == nil {
		return tracer.StartSpan(name)
	}
	return tracer.StartSpan(name, opentracing.ChildOf(parentSpan.Context()))
}

func injectClientTrace(req *http.Request, span opentracing.Span) *http.Request {
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			span.LogKV("DNS", "start")
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			span.LogKV("DNS", "end")
		},
		ConnectStart: func(string, string) {
			span.LogKV("connect", "start")
		},
		ConnectDone: func(string, string, error) {
			span.LogKV("connect", "end")
		},
		TLSHandshakeStart: func() {
			span.LogKV("TLS", "start")
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			span.LogKV("TLS", "end")
		},
		GetConn: func(string) {
			span.LogKV("get_conn", "start")
		},
		GotConn: func(httptrace.GotConnInfo) {
			span.LogKV("get_conn", "end")
		},
	}
	return req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
}
