package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"

	"github.com/angeloszaimis/relay/config"
	"github.com/angeloszaimis/relay/internal/handler"
	"github.com/angeloszaimis/relay/internal/healthcheck"
	"github.com/angeloszaimis/relay/internal/httpserver"
	"github.com/angeloszaimis/relay/internal/listener"
	"github.com/angeloszaimis/relay/internal/metrics"
	"github.com/angeloszaimis/relay/internal/upstream"
)

// readyFunc is told the bound addresses once serving starts. admin is nil
// when the metrics listener is disabled.
type readyFunc func(proxy, admin net.Addr)

// serve wires the proxy together and runs it until ctx is cancelled or a
// listener fails.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, ready readyFunc) error {
	if cfg.Server.Workers > 0 {
		prev := runtime.GOMAXPROCS(cfg.Server.Workers)
		defer runtime.GOMAXPROCS(prev)
	}

	client, err := upstream.New(cfg.Upstream.URL,
		upstream.WithIdleConnTimeout(cfg.Upstream.IdleConnTimeoutDuration()),
		upstream.WithMaxIdleConnsPerHost(cfg.Upstream.MaxIdleConnsPerHost),
		upstream.WithDialTimeout(cfg.Upstream.DialTimeoutDuration()),
		upstream.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
	)
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}
	defer client.CloseIdleConnections()

	collector := metrics.NewCollector(cfg.Metrics.BufferSize, client.Base(), log)
	collector.Start(ctx)

	if cfg.Upstream.HealthPath != "" {
		go healthcheck.HealthCheck(ctx, client.Base()+cfg.Upstream.HealthPath,
			cfg.Upstream.HealthIntervalDuration(), log,
			func(healthy bool) {
				collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Healthy: healthy})
			})
	}

	proxyHandler := handler.NewProxyHandler(log, client,
		handler.WithMetrics(collector),
		handler.WithFailureMode(handler.FailureMode(cfg.Proxy.FailureMode)),
		handler.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
		handler.WithCancelPropagation(cfg.Proxy.PropagateCancel),
	)

	srv, err := httpserver.New(cfg.Server.Address, proxyHandler, httpserver.Options{
		HeaderReadTimeout: cfg.Server.HeaderReadTimeoutDuration(),
		IdleTimeout:       cfg.Server.IdleTimeoutDuration(),
		DisableKeepAlive:  !cfg.Server.KeepAlive,
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ln, err := listener.Listen(ctx, cfg.Server.Address, log)
	if err != nil {
		return err
	}

	servers := []*httpserver.Server{srv}
	errCh := make(chan error, 2)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	var adminAddr net.Addr
	if cfg.Metrics.Address != "" {
		admin, adminLn, err := startAdmin(ctx, cfg.Metrics.Address, setupAdminRouter(collector, client, ln), log)
		if err != nil {
			shutdown(log, servers)
			return err
		}

		servers = append(servers, admin)
		adminAddr = adminLn.Addr()

		go func() {
			errCh <- admin.Serve(adminLn)
		}()
	}

	log.Info("Proxy started",
		slog.String("listen", ln.Addr().String()),
		slog.String("upstream", client.Base()),
		slog.String("failure_mode", cfg.Proxy.FailureMode),
		slog.Int("gomaxprocs", runtime.GOMAXPROCS(0)))

	if ready != nil {
		ready(ln.Addr(), adminAddr)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		return shutdown(log, servers)

	case err := <-errCh:
		shutdown(log, servers)
		if err == nil {
			err = errors.New("server stopped unexpectedly")
		}
		log.Error("Server failed", slog.Any("err", err))
		return err
	}
}

func startAdmin(ctx context.Context, addr string, router http.Handler, log *slog.Logger) (*httpserver.Server, *listener.Listener, error) {
	admin, err := httpserver.New(addr, router, httpserver.Options{Logger: log})
	if err != nil {
		return nil, nil, fmt.Errorf("create metrics server: %w", err)
	}

	ln, err := listener.Listen(ctx, addr, log)
	if err != nil {
		return nil, nil, err
	}

	return admin, ln, nil
}

func shutdown(log *slog.Logger, servers []*httpserver.Server) error {
	var errs []error
	for _, s := range servers {
		if err := s.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
