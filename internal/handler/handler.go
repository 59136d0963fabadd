package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/relay/internal/listener"
	"github.com/angeloszaimis/relay/internal/metrics"
	"github.com/angeloszaimis/relay/internal/tunnel"
	"github.com/angeloszaimis/relay/internal/upstream"
)

// FailureMode selects what the client sees when a request cannot be relayed.
type FailureMode string

const (
	// FailureClose aborts the inbound connection without a response.
	FailureClose FailureMode = "close"
	// FailureStatus answers with a short 4xx/5xx text response.
	FailureStatus FailureMode = "status"
)

type ProxyHandler struct {
	logger           *slog.Logger
	client           *upstream.Client
	metricsCollector *metrics.Collector
	failureMode      FailureMode
	maxBodyBytes     int64
	propagateCancel  bool
}

type Option func(*ProxyHandler)

func WithMetrics(collector *metrics.Collector) Option {
	return func(h *ProxyHandler) { h.metricsCollector = collector }
}

func WithFailureMode(mode FailureMode) Option {
	return func(h *ProxyHandler) { h.failureMode = mode }
}

// WithMaxBodyBytes bounds the buffered inbound body. Zero means no limit.
// Upstream response bodies are bounded by the client.
func WithMaxBodyBytes(n int64) Option {
	return func(h *ProxyHandler) { h.maxBodyBytes = n }
}

// WithCancelPropagation cancels the upstream round trip when the inbound
// client goes away. By default an issued request runs to completion.
func WithCancelPropagation(enabled bool) Option {
	return func(h *ProxyHandler) { h.propagateCancel = enabled }
}

func NewProxyHandler(logger *slog.Logger, client *upstream.Client, opts ...Option) *ProxyHandler {
	h := &ProxyHandler{
		logger:      logger,
		client:      client,
		failureMode: FailureClose,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := h.logger.With(slog.String("conn", listener.ConnID(r.Context())))
	target := pathAndQuery(r)

	log.Debug("Received request",
		slog.String("from", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("target", target),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host))

	h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})

	body, err := upstream.ReadBody(r.Body, h.maxBodyBytes)
	if err != nil {
		if !errors.Is(err, upstream.ErrBodyTooLarge) {
			err = &clientError{err: err}
		}
		h.fail(w, log, r, err)
		return
	}

	ctx := r.Context()
	if !h.propagateCancel {
		ctx = context.WithoutCancel(ctx)
	}

	outReq, err := h.client.NewRequest(ctx, r.Method, target, r.Header, r.Host, body)
	if err != nil {
		h.fail(w, log, r, err)
		return
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		h.fail(w, log, r, err)
		return
	}

	if resp.Upgrade != nil {
		h.serveUpgrade(w, r, resp, log)
		return
	}

	if _, err := resp.Relay(w); err != nil {
		log.Debug("Writing response to client failed", slog.Any("err", err))
	}

	duration := time.Since(start)
	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Duration:   duration,
		StatusCode: resp.StatusCode,
	})

	log.Info("Relayed request",
		slog.String("method", r.Method),
		slog.String("target", target),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(resp.Body)),
		slog.Duration("duration", duration))
}

// serveUpgrade hands the inbound connection over to the upstream stream
// after a 101 Switching Protocols answer.
func (h *ProxyHandler) serveUpgrade(w http.ResponseWriter, r *http.Request, resp *upstream.Response, log *slog.Logger) {
	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		resp.Upgrade.Close()
		h.fail(w, log, r, fmt.Errorf("hijack inbound connection: %w", err))
		return
	}

	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	fmt.Fprintf(brw, "HTTP/1.1 %s\r\n", status)
	resp.Header.Write(brw)
	brw.WriteString("\r\n")
	if err := brw.Flush(); err != nil {
		conn.Close()
		resp.Upgrade.Close()
		log.Warn("Writing upgrade response failed", slog.Any("err", err))
		return
	}

	log.Info("Switched protocols",
		slog.String("upgrade", resp.Header.Get("Upgrade")),
		slog.String("target", pathAndQuery(r)))

	stats, err := tunnel.Splice(r.Context(), tunnel.NewBufferedConn(conn, brw.Reader), resp.Upgrade)

	h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventUpgradeCompleted})

	log.Info("Upgraded connection closed",
		slog.Int64("client_to_upstream", stats.ClientToUpstream),
		slog.Int64("upstream_to_client", stats.UpstreamToClient),
		slog.Any("err", err))
}

// fail ends one request. In FailureClose mode the handler is aborted so the
// server closes the connection without writing a response.
func (h *ProxyHandler) fail(w http.ResponseWriter, log *slog.Logger, r *http.Request, err error) {
	kind, status := classify(err)

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:    metrics.EventRequestFailed,
		Failure: kind,
	})

	log.Warn("Request failed",
		slog.String("method", r.Method),
		slog.String("target", pathAndQuery(r)),
		slog.String("kind", kind),
		slog.Any("err", err))

	if h.failureMode == FailureStatus && kind != metrics.FailureClient {
		w.Header().Set("Connection", "close")
		http.Error(w, http.StatusText(status), status)
		return
	}

	panic(http.ErrAbortHandler)
}

func classify(err error) (kind string, status int) {
	switch {
	case errors.Is(err, upstream.ErrInvalidTarget):
		return metrics.FailureInvalidTarget, http.StatusBadRequest
	case errors.Is(err, upstream.ErrResponseTooLarge):
		return metrics.FailureResponseTooLarge, http.StatusBadGateway
	case errors.Is(err, upstream.ErrBodyTooLarge):
		return metrics.FailureBodyTooLarge, http.StatusRequestEntityTooLarge
	case isClientError(err):
		return metrics.FailureClient, http.StatusBadRequest
	case upstream.IsTimeout(err):
		return metrics.FailureTimeout, http.StatusGatewayTimeout
	default:
		return metrics.FailureUpstream, http.StatusBadGateway
	}
}

// clientError marks failures on the inbound side, such as a body that
// could not be read.
type clientError struct{ err error }

func (e *clientError) Error() string { return "read request body: " + e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

func isClientError(err error) bool {
	var ce *clientError
	return errors.As(err, &ce)
}

// pathAndQuery returns the inbound request target without scheme and
// authority. Origin-form targets are used exactly as received.
func pathAndQuery(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}

	if r.URL.IsAbs() {
		return r.URL.RequestURI()
	}

	return r.RequestURI
}
