// Package proxy implements the request port HTTP handler. Each
// exchange is classified, routed to a backend coordinator and
// forwarded, response URIs are rewritten to point back at the gateway,
// and the query id assigned by the coordinator is captured so
// follow-up requests stay pinned to the same backend.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	stdlibnet "net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	ot "github.com/opentracing/opentracing-go"

	"github.com/trinogate/trinogate/cluster"
	"github.com/trinogate/trinogate/flowid"
	"github.com/trinogate/trinogate/history"
	"github.com/trinogate/trinogate/logging"
	"github.com/trinogate/trinogate/metrics"
	tnet "github.com/trinogate/trinogate/net"
	"github.com/trinogate/trinogate/routing"
	"github.com/trinogate/trinogate/rules"
	"github.com/trinogate/trinogate/trino"
)

const (
	proxyBufferSize = 8192

	// deadlineMargin is subtracted from the inbound request deadline
	// for the backend call, leaving room to still write the error
	// response.
	deadlineMargin = 100 * time.Millisecond

	// clientGoneStatus is logged when the client disconnected before
	// the backend answered, following the nginx convention.
	clientGoneStatus = 499

	DefaultDialTimeout           = 30 * time.Second
	DefaultKeepAlive             = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultIdleConnsPerHost      = 64
	DefaultCloseIdleConnsPeriod  = 20 * time.Second
	DefaultFlushInterval         = 20 * time.Millisecond
)

// Request classes used for metrics and logging.
const (
	classStatement = "statement"
	classFollowUp  = "followup"
	classUI        = "ui"
	classOther     = "other"
)

var hopHeaders = map[string]bool{
	"Te":                  true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Params to initialize the proxy handler. Router is required, the
// remaining collaborators have working defaults.
type Params struct {

	// Router picks backends for new queries and resolves the bound
	// backend for follow-ups.
	Router *routing.Manager

	// Selector chooses the routing group for new statements. Defaults
	// to the routing group header.
	Selector rules.Selector

	// History receives a record of every submitted query. Optional.
	History history.Sink

	// ExternalURL is the address clients use to reach the gateway.
	// Backend URIs in response bodies are rewritten to it. When unset,
	// responses pass through unrewritten.
	ExternalURL *url.URL

	// Timeout for establishing backend connections.
	Timeout time.Duration

	// KeepAlive for backend connections.
	KeepAlive time.Duration

	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for a backend to start
	// responding. The response body itself is not limited, result
	// pages may stream for a long time.
	ResponseHeaderTimeout time.Duration

	// ClientTLS enables dedicated TLS settings for backend
	// connections.
	ClientTLS *tls.Config

	// When set, TLS certificates of the backends are not verified.
	Insecure bool

	IdleConnectionsPerHost int
	CloseIdleConnsPeriod   time.Duration

	// FlushInterval paces response flushes while streaming result
	// pages. Zero or negative flushes on every read.
	FlushInterval time.Duration

	// AccessLogDisabled turns off the access log for proxied
	// requests.
	AccessLogDisabled bool

	// FlowID generates the request correlation ids. Defaults to the
	// ULID generator.
	FlowID flowid.Generator

	Log     logging.Logger
	Metrics metrics.Metrics

	// OpenTracing tracer for backend roundtrips, defaults to the
	// global tracer.
	Tracer ot.Tracer
}

// Proxy is the request port handler.
type Proxy struct {
	router            *routing.Manager
	selector          rules.Selector
	history           history.Sink
	externalURL       *url.URL
	flowID            flowid.Generator
	roundTripper      *http.Transport
	flushInterval     time.Duration
	accessLogDisabled bool
	log               logging.Logger
	metrics           metrics.Metrics
	tracer            ot.Tracer
	quit              chan struct{}
	closeOnce         sync.Once
}

// proxyError carries the HTTP status the client should receive for a
// failed backend exchange.
type proxyError struct {
	err           error
	code          int
	dialingFailed bool
}

func (e *proxyError) Error() string {
	if e.dialingFailed {
		return fmt.Sprintf("dialing failed: %v", e.err)
	}

	return fmt.Sprintf("proxy error: %d: %v", e.code, e.err)
}

func (e *proxyError) Unwrap() error { return e.err }

// proxyDialer tags connection establishment errors so they can be
// told apart from failures after HTTP data was sent.
type proxyDialer struct {
	dial func(ctx context.Context, network, addr string) (stdlibnet.Conn, error)
}

func (d *proxyDialer) DialContext(ctx context.Context, network, addr string) (stdlibnet.Conn, error) {
	con, err := d.dial(ctx, network, addr)
	if err != nil {
		return nil, &proxyError{err: err, code: http.StatusBadGateway, dialingFailed: true}
	}

	return con, nil
}

// WithParams returns an initialized Proxy.
func WithParams(p Params) *Proxy {
	if p.Selector == nil {
		p.Selector = rules.HeaderSelector{}
	}

	if p.Timeout == 0 {
		p.Timeout = DefaultDialTimeout
	}

	if p.KeepAlive == 0 {
		p.KeepAlive = DefaultKeepAlive
	}

	if p.TLSHandshakeTimeout == 0 {
		p.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}

	if p.ResponseHeaderTimeout == 0 {
		p.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	if p.IdleConnectionsPerHost <= 0 {
		p.IdleConnectionsPerHost = DefaultIdleConnsPerHost
	}

	if p.CloseIdleConnsPeriod == 0 {
		p.CloseIdleConnsPeriod = DefaultCloseIdleConnsPeriod
	}

	if p.FlushInterval == 0 {
		p.FlushInterval = DefaultFlushInterval
	}

	if p.Log == nil {
		p.Log = &logging.DefaultLog{}
	}

	if p.Metrics == nil {
		p.Metrics = metrics.Default
	}

	if p.Tracer == nil {
		p.Tracer = ot.GlobalTracer()
	}

	if p.FlowID == nil {
		p.FlowID = flowid.NewGenerator()
	}

	d := &proxyDialer{dial: (&stdlibnet.Dialer{
		Timeout:   p.Timeout,
		KeepAlive: p.KeepAlive,
	}).DialContext}

	tr := &http.Transport{
		DialContext:           d.DialContext,
		TLSHandshakeTimeout:   p.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   p.IdleConnectionsPerHost,
		IdleConnTimeout:       p.CloseIdleConnsPeriod,
	}

	if p.ClientTLS != nil {
		tr.TLSClientConfig = p.ClientTLS
	}

	if p.Insecure {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		} else {
			tr.TLSClientConfig.InsecureSkipVerify = true
		}
	}

	quit := make(chan struct{})
	if p.CloseIdleConnsPeriod > 0 {
		go func() {
			for {
				select {
				case <-time.After(p.CloseIdleConnsPeriod):
					tr.CloseIdleConnections()
				case <-quit:
					return
				}
			}
		}()
	}

	return &Proxy{
		router:            p.Router,
		selector:          p.Selector,
		history:           p.History,
		externalURL:       p.ExternalURL,
		flowID:            p.FlowID,
		roundTripper:      tr,
		flushInterval:     p.FlushInterval,
		accessLogDisabled: p.AccessLogDisabled,
		log:               p.Log,
		metrics:           p.Metrics,
		tracer:            p.Tracer,
		quit:              quit,
	}
}

// Close releases the backend connections held by the proxy.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.roundTripper.CloseIdleConnections()
	})
}

func classify(r *http.Request) string {
	if r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == trino.StatementPath {
		return classStatement
	}

	if trino.QueryIDFromRequest(r.URL.Path, r.URL.RawQuery) != "" {
		return classFollowUp
	}

	if strings.HasPrefix(r.URL.Path, trino.UIPath) ||
		r.URL.Path == trino.InfoPath ||
		strings.HasPrefix(r.URL.Path, trino.NodePath) {
		return classUI
	}

	return classOther
}

// rewritablePath reports whether responses on this path carry
// coordinator URIs that need to point back at the gateway.
func rewritablePath(path string) bool {
	return strings.HasPrefix(path, trino.StatementPath) ||
		strings.HasPrefix(path, trino.QueryAPIPath) ||
		strings.HasPrefix(path, trino.UIQueryPath)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// reuse the flow id of the client when it already carries a valid
	// one, otherwise the exchange gets a fresh id
	flowID := r.Header.Get(flowid.HeaderName)
	if !p.flowID.IsValid(flowID) {
		flowID = p.flowID.MustGenerate()
		r.Header.Set(flowid.HeaderName, flowID)
	}

	var opts []ot.StartSpanOption
	if wire, err := p.tracer.Extract(ot.HTTPHeaders, ot.HTTPHeadersCarrier(r.Header)); err == nil {
		opts = append(opts, ot.ChildOf(wire))
	}

	span := p.tracer.StartSpan("ingress", opts...)
	defer span.Finish()
	span.SetTag("http.method", r.Method)
	span.SetTag("http.url", r.URL.Path)
	r = r.WithContext(ot.ContextWithSpan(r.Context(), span))

	lw := logging.NewLoggingWriter(w)
	class := classify(r)

	switch class {
	case classStatement:
		p.serveStatement(lw, r)
	case classFollowUp:
		p.serveFollowUp(lw, r)
	default:
		p.serveDefault(lw, r)
	}

	span.SetTag("http.status_code", lw.Code())
	p.metrics.MeasureServe(class, r.Method, lw.Code(), start)

	if !p.accessLogDisabled {
		logging.LogAccess(&logging.AccessEntry{
			Request:      r,
			StatusCode:   lw.Code(),
			ResponseSize: lw.Bytes(),
			Duration:     time.Since(start),
			RequestTime:  start,
			FlowID:       flowID,
		})
	}
}

// serveStatement handles a new query submission: extract attributes,
// select the routing group, pick a backend, forward, and bind the
// query id found in the response.
func (p *Proxy) serveStatement(w *logging.LoggingWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.log.Errorf("proxy: read statement body: %v", err)
		p.sendError(w, http.StatusBadRequest, `{"error":"request body not readable"}`, nil)
		return
	}
	r.Body.Close()

	sql := string(body)
	user := trino.ParseRequestUser(r)

	routingStart := time.Now()
	props, err := trino.ParseQueryProperties(sql, r.Header, true)
	if err != nil {
		p.log.Debugf("proxy: attribute extraction degraded: %v", err)
	}

	group := p.selector.Select(r, user, props)
	backend, err := p.router.Pick(group)
	p.metrics.MeasureRouting(routingStart)
	if err != nil {
		p.log.Warnf("proxy: no backend for group %q: %v", group, err)
		p.sendError(w, http.StatusServiceUnavailable, `{"error":"no backend available"}`,
			http.Header{"Retry-After": []string{"1"}})
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	resp, perr := p.roundtrip(r, backend, true)
	if perr != nil {
		p.respondError(w, backend, perr)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.copyResponse(w, resp, backend, false, nil)
		return
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		p.metrics.IncErrorsStreaming(backend.Name())
		p.log.Errorf("proxy: read statement response from %s: %v", backend.Name(), err)
		p.sendError(w, http.StatusBadGateway,
			fmt.Sprintf(`{"error":"backend unavailable","backend":%q}`, backend.Name()), nil)
		return
	}

	qr := trino.ParseQueryResponse(payload)
	if trino.ValidQueryID(qr.ID) {
		p.router.Bind(r.Context(), qr.ID, backend)
		p.recordHistory(qr.ID, user, group, backend, sql, r)

		if qr.IsTerminal() {
			p.router.Evict(qr.ID)
		}
	}

	rewritten := p.rewritePayload(payload, backend)

	copyHeaderExcluding(w.Header(), resp.Header, hopHeaders)
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(rewritten); err != nil {
		p.metrics.IncErrorsStreaming(backend.Name())
		p.log.Debugf("proxy: write statement response: %v", err)
	}
}

// serveFollowUp forwards a request carrying a query id to the backend
// the query is bound to, regardless of that backend's current health.
func (p *Proxy) serveFollowUp(w *logging.LoggingWriter, r *http.Request) {
	queryID := trino.QueryIDFromRequest(r.URL.Path, r.URL.RawQuery)

	routingStart := time.Now()
	backend, err := p.router.Resolve(r.Context(), queryID)
	p.metrics.MeasureRouting(routingStart)
	if err != nil {
		if errors.Is(err, routing.ErrUnknownQuery) {
			p.sendError(w, http.StatusNotFound, `{"error":"Query not found"}`, nil)
		} else {
			p.log.Errorf("proxy: resolve %s: %v", queryID, err)
			p.sendError(w, http.StatusInternalServerError, `{"error":"routing failed"}`, nil)
		}

		return
	}

	rewrite := rewritablePath(r.URL.Path)
	resp, perr := p.roundtrip(r, backend, rewrite)
	if perr != nil {
		p.respondError(w, backend, perr)
		return
	}
	defer resp.Body.Close()

	// The last page of a statement has no nextUri anymore. Watching
	// the stream for the key avoids buffering result pages.
	var scanner *tokenScanner
	if resp.StatusCode == http.StatusOK &&
		r.Method == http.MethodGet &&
		strings.HasPrefix(r.URL.Path, trino.StatementPath+"/") {
		scanner = newTokenScanner(`"nextUri"`)
	}

	err = p.copyResponse(w, resp, backend, rewrite, scanner)

	// a truncated stream may have been cut before the nextUri was
	// transmitted, keep the binding so the client can reconnect and
	// poll again
	if scanner != nil && err == nil && !scanner.Seen() {
		p.router.Evict(queryID)
	}
}

// serveDefault forwards UI, info and unclassified requests to a
// backend of the default group.
func (p *Proxy) serveDefault(w *logging.LoggingWriter, r *http.Request) {
	backend, err := p.router.Pick("")
	if err != nil {
		p.sendError(w, http.StatusServiceUnavailable, `{"error":"no backend available"}`,
			http.Header{"Retry-After": []string{"1"}})
		return
	}

	rewrite := rewritablePath(r.URL.Path)
	resp, perr := p.roundtrip(r, backend, rewrite)
	if perr != nil {
		p.respondError(w, backend, perr)
		return
	}
	defer resp.Body.Close()

	p.copyResponse(w, resp, backend, rewrite, nil)
}

// exchangeContext derives the context for the backend call. When the
// inbound request carries a deadline, the backend gets it reduced by a
// small margin.
func exchangeContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := r.Context()
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(ctx, dl.Add(-deadlineMargin))
	}

	return ctx, func() {}
}

// cancelBody releases the exchange context when the response body is
// closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// mapRequest creates the outgoing request for the chosen backend.
func (p *Proxy) mapRequest(ctx context.Context, r *http.Request, b *cluster.Backend, rewritable bool) (*http.Request, error) {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	fw := &tnet.ForwardedHeaders{For: true, Host: true, Proto: proto}
	fw.Set(r)

	u := *r.URL
	u.Scheme = b.ProxyTo().Scheme
	u.Host = b.ProxyTo().Host

	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}

	rr, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	rr.ContentLength = r.ContentLength
	rr.Header = cloneHeaderExcluding(r.Header, hopHeaders)
	trino.StripRoutingGroup(rr.Header)
	rr.Host = b.ExternalURL().Host

	if rewritable {
		// the response body gets URI substitution, it has to arrive
		// unencoded
		rr.Header.Del("Accept-Encoding")
	}

	return rr, nil
}

func (p *Proxy) roundtrip(r *http.Request, b *cluster.Backend, rewritable bool) (*http.Response, *proxyError) {
	ctx, cancel := exchangeContext(r)

	req, err := p.mapRequest(ctx, r, b, rewritable)
	if err != nil {
		cancel()
		p.log.Errorf("proxy: map request for %s: %v", b.Name(), err)
		return nil, &proxyError{err: err, code: http.StatusInternalServerError}
	}

	var opts []ot.StartSpanOption
	if parent := ot.SpanFromContext(r.Context()); parent != nil {
		opts = append(opts, ot.ChildOf(parent.Context()))
	}

	span := p.tracer.StartSpan("proxy", opts...)
	defer span.Finish()
	span.SetTag("span.kind", "client")
	span.SetTag("backend", b.Name())
	span.SetTag("http.url", req.URL.String())
	_ = p.tracer.Inject(span.Context(), ot.HTTPHeaders, ot.HTTPHeadersCarrier(req.Header))
	req = req.WithContext(ot.ContextWithSpan(req.Context(), span))

	backendStart := time.Now()
	resp, err := p.roundTripper.RoundTrip(req)
	if err != nil {
		cancel()
		span.SetTag("error", true)
		p.metrics.IncErrorsBackend(b.Name())
		return nil, mapBackendError(err, r)
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	span.SetTag("http.status_code", resp.StatusCode)
	p.metrics.MeasureBackend(b.Name(), backendStart)
	return resp, nil
}

func mapBackendError(err error, r *http.Request) *proxyError {
	var perr *proxyError
	if errors.As(err, &perr) {
		return perr
	}

	var nerr stdlibnet.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &proxyError{err: err, code: http.StatusGatewayTimeout}
	}

	if cerr := r.Context().Err(); cerr != nil {
		return &proxyError{err: cerr, code: clientGoneStatus}
	}

	return &proxyError{err: err, code: http.StatusBadGateway}
}

func (p *Proxy) respondError(w *logging.LoggingWriter, b *cluster.Backend, perr *proxyError) {
	switch perr.code {
	case clientGoneStatus:
		p.log.Debugf("proxy: client closed request for backend %s: %v", b.Name(), perr.err)
		w.WriteHeader(clientGoneStatus)
	case http.StatusGatewayTimeout:
		p.log.Errorf("proxy: timeout from backend %s: %v", b.Name(), perr.err)
		p.sendError(w, http.StatusGatewayTimeout,
			fmt.Sprintf(`{"error":"backend timeout","backend":%q}`, b.Name()), nil)
	default:
		p.log.Errorf("proxy: backend %s unavailable: %v", b.Name(), perr.err)
		p.sendError(w, http.StatusBadGateway,
			fmt.Sprintf(`{"error":"backend unavailable","backend":%q}`, b.Name()), nil)
	}
}

func (p *Proxy) sendError(w http.ResponseWriter, code int, body string, header http.Header) {
	for k, v := range header {
		w.Header()[http.CanonicalHeaderKey(k)] = v
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	io.WriteString(w, body)
}

// copyResponse relays the backend response to the client, optionally
// substituting the backend's external URL with the gateway's. The
// returned error reports whether the body arrived completely.
func (p *Proxy) copyResponse(w *logging.LoggingWriter, resp *http.Response, b *cluster.Backend, rewrite bool, scanner *tokenScanner) error {
	var body io.Reader = resp.Body
	if scanner != nil {
		body = scanReader{reader: body, scanner: scanner}
	}

	rewriting := false
	if rewrite && resp.StatusCode == http.StatusOK {
		if old, new := p.rewritePair(b); old != new {
			body = newReplacingReader(body, old, new)
			rewriting = true
		}
	}

	copyHeaderExcluding(w.Header(), resp.Header, hopHeaders)
	if rewriting {
		// the substitution changes the body length, stream chunked
		w.Header().Del("Content-Length")
	}

	w.WriteHeader(resp.StatusCode)

	err := p.copyStream(w, body)
	if err != nil {
		p.metrics.IncErrorsStreaming(b.Name())
		p.log.Errorf("proxy: streaming from %s: %v", b.Name(), err)
	}

	return err
}

func (p *Proxy) rewritePair(b *cluster.Backend) (string, string) {
	if p.externalURL == nil {
		return "", ""
	}

	return b.ExternalURL().String(), p.externalURL.String()
}

func (p *Proxy) rewritePayload(payload []byte, b *cluster.Backend) []byte {
	old, new := p.rewritePair(b)
	if old == "" || old == new {
		return payload
	}

	return bytes.ReplaceAll(payload, []byte(old), []byte(new))
}

func (p *Proxy) copyStream(w *logging.LoggingWriter, from io.Reader) error {
	b := make([]byte, proxyBufferSize)
	lastFlush := time.Now()

	for {
		n, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}

		if n > 0 {
			if _, werr := w.Write(b[:n]); werr != nil {
				return werr
			}

			if p.flushInterval <= 0 || time.Since(lastFlush) >= p.flushInterval {
				w.Flush()
				lastFlush = time.Now()
			}
		}

		if rerr == io.EOF {
			w.Flush()
			return nil
		}
	}
}

func (p *Proxy) recordHistory(queryID string, user trino.RequestUser, group string, b *cluster.Backend, sql string, r *http.Request) {
	if p.history == nil {
		return
	}

	p.history.Record(history.Entry{
		QueryID:      queryID,
		User:         user.User,
		Source:       trino.Source(r.Header),
		RoutingGroup: group,
		Backend:      b.Name(),
		SQL:          sql,
		SubmittedAt:  time.Now(),
	})
}

func copyHeaderExcluding(to, from http.Header, exclude map[string]bool) {
	for k, v := range from {
		if !exclude[k] {
			to[http.CanonicalHeaderKey(k)] = v
		}
	}
}

func cloneHeaderExcluding(h http.Header, exclude map[string]bool) http.Header {
	hh := make(http.Header)
	copyHeaderExcluding(hh, h, exclude)
	return hh
}
