package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultIdleConnTimeout     = 30 * time.Second
	DefaultMaxIdleConnsPerHost = 100
	DefaultKeepAlive           = 30 * time.Second
)

var (
	// ErrInvalidTarget reports a base URL or request target that does not
	// form a valid upstream URL. No upstream contact is attempted.
	ErrInvalidTarget = errors.New("invalid upstream target")

	// ErrBodyTooLarge reports a body above the configured limit.
	ErrBodyTooLarge = errors.New("body exceeds size limit")

	// ErrResponseTooLarge reports an upstream response body above the
	// configured limit. It wraps ErrBodyTooLarge.
	ErrResponseTooLarge = fmt.Errorf("upstream response: %w", ErrBodyTooLarge)
)

// Client sends requests to one fixed upstream over a shared connection pool.
// It is safe for concurrent use.
type Client struct {
	base         string
	baseURL      *url.URL
	basePath     string
	transport    *http.Transport
	maxBodyBytes int64

	dials    atomic.Int64
	inFlight atomic.Int64
}

// Stats is a point-in-time view of the client's pool activity.
type Stats struct {
	// Dials counts outbound TCP connections opened so far.
	Dials int64 `json:"dials"`
	// InFlight counts round trips currently waiting on the upstream.
	InFlight int64 `json:"in_flight"`
}

type options struct {
	idleConnTimeout     time.Duration
	maxIdleConnsPerHost int
	dialTimeout         time.Duration
	keepAlive           time.Duration
	maxBodyBytes        int64
}

type Option func(*options)

// WithIdleConnTimeout drops pooled connections idle for longer than d.
func WithIdleConnTimeout(d time.Duration) Option {
	return func(o *options) { o.idleConnTimeout = d }
}

// WithMaxIdleConnsPerHost caps the idle connections kept for the upstream host.
func WithMaxIdleConnsPerHost(n int) Option {
	return func(o *options) { o.maxIdleConnsPerHost = n }
}

// WithDialTimeout bounds connection establishment. Zero means no limit.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithMaxBodyBytes bounds buffered response bodies. Zero means no limit.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// New builds a client for the upstream base URL, e.g. "http://127.0.0.1:3000".
// A trailing slash on the base is dropped so that appending an origin-form
// request target never doubles it.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := options{
		idleConnTimeout:     DefaultIdleConnTimeout,
		maxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		keepAlive:           DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := strings.TrimRight(baseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an http URL with a host", ErrInvalidTarget, baseURL)
	}

	c := &Client{
		base:         base,
		baseURL:      u,
		basePath:     u.EscapedPath(),
		maxBodyBytes: o.maxBodyBytes,
	}

	dialer := &net.Dialer{
		Timeout:   o.dialTimeout,
		KeepAlive: o.keepAlive,
	}

	c.transport = &http.Transport{
		Proxy:               nil,
		DialContext:         c.dialContext(dialer),
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: o.maxIdleConnsPerHost,
		IdleConnTimeout:     o.idleConnTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   false,
		// A non-nil empty map keeps the transport on HTTP/1.1.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	return c, nil
}

func (c *Client) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		c.dials.Add(1)

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		return conn, nil
	}
}

// Base returns the upstream base URL without a trailing slash.
func (c *Client) Base() string {
	return c.base
}

// Target concatenates the base URL with an inbound path and query. The
// result is parsed but otherwise not transformed.
func (c *Client) Target(pathAndQuery string) (*url.URL, error) {
	raw := c.base + pathAndQuery

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	if u.Scheme != c.baseURL.Scheme || u.Host != c.baseURL.Host {
		return nil, fmt.Errorf("%w: %q escapes the upstream authority", ErrInvalidTarget, raw)
	}

	return u, nil
}

// NewRequest builds the outbound request: same method and body, the inbound
// header map cloned verbatim and the inbound Host kept.
func (c *Client) NewRequest(ctx context.Context, method, pathAndQuery string, header http.Header, host string, body []byte) (*http.Request, error) {
	target, err := c.Target(pathAndQuery)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	req.URL = c.requestURL(target, pathAndQuery)

	if header != nil {
		req.Header = header.Clone()
	} else {
		req.Header = make(http.Header)
	}

	// A present but empty User-Agent stops net/http from adding its own.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = nil
	}

	if host != "" {
		req.Host = host
	}

	return req, nil
}

// requestURL keeps the request line byte for byte. URL.RequestURI would
// re-escape characters such as '{' or '^' that the inbound parser accepts
// raw, so the path and query travel in Opaque. A path starting with "//"
// cannot be carried in Opaque and keeps the parsed form.
func (c *Client) requestURL(target *url.URL, pathAndQuery string) *url.URL {
	raw := c.basePath + pathAndQuery
	if raw == "" || strings.HasPrefix(raw, "//") {
		return target
	}

	opaque, query, hasQuery := strings.Cut(raw, "?")

	u := *target
	u.Opaque = opaque
	u.RawPath = ""
	u.RawQuery = query
	u.ForceQuery = hasQuery && query == ""
	u.Fragment = ""
	u.RawFragment = ""

	return &u
}

// describe renders the outbound target for error messages.
func describe(req *http.Request) string {
	return req.URL.Scheme + "://" + req.URL.Host + req.URL.RequestURI()
}

// Do sends req over the pool and buffers the response. For a 101 Switching
// Protocols answer the body is not read; Response.Upgrade holds the raw
// stream instead and the caller owns closing it.
func (c *Client) Do(req *http.Request) (*Response, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", req.Method, describe(req), err)
	}

	out := &Response{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header,
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		rwc, ok := resp.Body.(io.ReadWriteCloser)
		if !ok {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream %s %s: switching protocols without a writable stream", req.Method, describe(req))
		}
		out.Upgrade = rwc
		return out, nil
	}

	defer resp.Body.Close()

	body, err := ReadBody(resp.Body, c.maxBodyBytes)
	if errors.Is(err, ErrBodyTooLarge) {
		return nil, fmt.Errorf("upstream %s %s: %w", req.Method, describe(req), ErrResponseTooLarge)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: read body: %w", req.Method, describe(req), err)
	}
	out.Body = body

	return out, nil
}

// Stats reports dial and in-flight counters.
func (c *Client) Stats() Stats {
	return Stats{
		Dials:    c.dials.Load(),
		InFlight: c.inFlight.Load(),
	}
}

// CloseIdleConnections closes pooled connections that are not in use.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// ReadBody reads r to the end. A positive limit fails with ErrBodyTooLarge
// once more than limit bytes arrive.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}

	if limit <= 0 {
		return io.ReadAll(r)
	}

	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}

	return body, nil
}

// IsTimeout reports whether err was caused by a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
