package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/angeloszaimis/relay/internal/listener"
	"github.com/angeloszaimis/relay/pkg/hostport"
	"github.com/angeloszaimis/relay/pkg/logger"
)

const (
	DefaultHeaderReadTimeout = 5 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	shutdownTimeout          = 5 * time.Second
)

// Options configures the inbound side. Zero durations take the defaults.
type Options struct {
	HeaderReadTimeout time.Duration
	IdleTimeout       time.Duration
	DisableKeepAlive  bool
	Logger            *slog.Logger
}

// Server wraps http.Server with validation, a retrying accept loop and
// graceful shutdown.
type Server struct {
	addr   string
	server *http.Server
	logger *slog.Logger

	mutex sync.Mutex
	ln    *listener.Listener
}

// New creates a server for addr. The address is validated before creating
// the server but not bound until Start.
func New(addr string, handler http.Handler, opts Options) (*Server, error) {
	if err := hostport.Validate(addr); err != nil {
		return nil, err
	}

	if opts.HeaderReadTimeout <= 0 {
		opts.HeaderReadTimeout = DefaultHeaderReadTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	srv := &Server{
		addr:   addr,
		logger: opts.Logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: opts.HeaderReadTimeout,
			IdleTimeout:       opts.IdleTimeout,
			ConnContext:       listener.WithConnID,
			ErrorLog:          logger.Bridge(opts.Logger, slog.LevelWarn),
		},
	}
	srv.server.SetKeepAlivesEnabled(!opts.DisableKeepAlive)

	return srv, nil
}

// Start binds the address and serves until Shutdown. A bind failure is
// returned immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := listener.Listen(ctx, s.addr, s.logger)
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
// Returns an error unless the server is shut down cleanly.
func (s *Server) Serve(ln *listener.Listener) error {
	s.mutex.Lock()
	s.ln = ln
	s.mutex.Unlock()

	s.logger.Info("Listening", slog.String("addr", ln.Addr().String()))

	err := s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Addr returns the bound address, or nil before Start/Serve.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Shutdown gracefully shuts down the server with a 5-second timeout.
// Hijacked connections, such as upgraded tunnels, are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}
