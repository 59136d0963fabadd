package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stats counts the bytes moved in each direction.
type Stats struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

type closeWriter interface {
	CloseWrite() error
}

// DefaultDrainTimeout bounds how long the opposite direction may keep
// flowing after one side finished and the other cannot be half-closed.
const DefaultDrainTimeout = 2 * time.Second

type options struct {
	drainTimeout time.Duration
}

type Option func(*options)

// WithDrainTimeout sets the drain window. Zero or less closes both streams
// as soon as one direction finishes.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// Splice copies client→upstream and upstream→client until both directions
// finish, then closes both streams. When a source reaches EOF the matching
// destination is half-closed if it supports CloseWrite. Otherwise the
// opposite direction keeps delivering bytes already in flight until it ends
// or the drain timeout passes, and then both streams are closed. Cancelling
// ctx closes both streams.
func Splice(ctx context.Context, client, upstream io.ReadWriteCloser, opts ...Option) (Stats, error) {
	o := options{drainTimeout: DefaultDrainTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		stats     Stats
		closeOnce sync.Once
		drainOnce sync.Once
		drain     *time.Timer
	)

	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			upstream.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	finish := func(dst io.ReadWriteCloser) {
		if cw, ok := dst.(closeWriter); ok && cw.CloseWrite() == nil {
			return
		}
		if o.drainTimeout <= 0 {
			closeBoth()
			return
		}
		drainOnce.Do(func() {
			drain = time.AfterFunc(o.drainTimeout, closeBoth)
		})
	}

	var g errgroup.Group

	g.Go(func() error {
		n, err := io.Copy(upstream, client)
		stats.ClientToUpstream = n
		finish(upstream)
		return ignoreClosed(err)
	})

	g.Go(func() error {
		n, err := io.Copy(client, upstream)
		stats.UpstreamToClient = n
		finish(client)
		return ignoreClosed(err)
	})

	err := g.Wait()
	if drain != nil {
		drain.Stop()
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	return stats, err
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}

	return err
}

// BufferedConn reads through a bufio.Reader that may already hold bytes from
// conn, as returned by a hijack.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func NewBufferedConn(conn net.Conn, r *bufio.Reader) *BufferedConn {
	return &BufferedConn{Conn: conn, r: r}
}

func (c *BufferedConn) Read(p []byte) (int, error) {
	if c.r == nil {
		return c.Conn.Read(p)
	}

	return c.r.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *BufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}

	return errors.ErrUnsupported
}
