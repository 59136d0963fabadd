package main

import (
	"net/http"

	"github.com/angeloszaimis/relay/internal/listener"
	"github.com/angeloszaimis/relay/internal/metrics"
	"github.com/angeloszaimis/relay/internal/upstream"
)

// setupAdminRouter serves operational endpoints. It is mounted on its own
// listener so the proxy listener forwards every path untouched.
func setupAdminRouter(collector *metrics.Collector, client *upstream.Client, proxyLn *listener.Listener) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", collector.Handler(func() metrics.PoolStats {
		stats := client.Stats()
		return metrics.PoolStats{Dials: stats.Dials, InFlight: stats.InFlight}
	}, func() metrics.ListenerStats {
		return metrics.ListenerStats{Accepted: proxyLn.Accepted(), AcceptErrors: proxyLn.AcceptErrors()}
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
