package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = 1 * time.Second
)

// Listener wraps a net.Listener so that Accept only fails once the listener
// is closed.
type Listener struct {
	net.Listener
	logger   *slog.Logger
	accepted atomic.Int64
	failed   atomic.Int64
	sleep    func(time.Duration)
}

// Listen binds addr over TCP.
func Listen(ctx context.Context, addr string, logger *slog.Logger) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	return Wrap(ln, logger), nil
}

// Wrap adopts an already bound listener.
func Wrap(ln net.Listener, logger *slog.Logger) *Listener {
	return &Listener{
		Listener: ln,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept() (net.Conn, error) {
	var delay time.Duration

	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			l.accepted.Add(1)
			return conn, nil
		}

		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}

		l.failed.Add(1)

		if delay == 0 {
			delay = minRetryDelay
		} else {
			delay *= 2
		}
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}

		l.logger.Warn("Accept failed, retrying",
			slog.String("addr", l.Addr().String()),
			slog.Any("err", err),
			slog.Duration("retry_in", delay))

		l.sleep(delay)
	}
}

// Accepted returns the number of connections handed out so far.
func (l *Listener) Accepted() int64 {
	return l.accepted.Load()
}

// AcceptErrors returns the number of accept failures that were retried.
func (l *Listener) AcceptErrors() int64 {
	return l.failed.Load()
}

type connIDKey struct{}

// WithConnID returns a context carrying a fresh connection ID. It is meant
// for http.Server.ConnContext.
func WithConnID(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connIDKey{}, uuid.NewString())
}

// ConnID returns the connection ID stored by WithConnID, or "".
func ConnID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
