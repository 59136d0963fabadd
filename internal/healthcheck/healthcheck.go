package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ReportFunc receives the probe result whenever it changes.
type ReportFunc func(healthy bool)

// HealthCheck periodically sends GET requests to probeURL, e.g.
// "http://127.0.0.1:3000/health". The upstream counts as healthy when it
// answers 200 OK. The first result is always reported, later ones only on
// change. HealthCheck returns when ctx is cancelled.
func HealthCheck(
	ctx context.Context,
	probeURL string,
	interval time.Duration,
	logger *slog.Logger,
	report ReportFunc,
) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		known   bool
		healthy bool
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("upstream", probeURL))
			return

		case <-ticker.C:
			current := probe(ctx, client, probeURL)
			if known && current == healthy {
				continue
			}

			known = true
			healthy = current

			if healthy {
				logger.Info("Upstream is up",
					slog.String("upstream", probeURL))
			} else {
				logger.Warn("Upstream is down",
					slog.String("upstream", probeURL))
			}

			if report != nil {
				report(healthy)
			}
		}
	}
}

func probe(ctx context.Context, client *http.Client, probeURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false
	}

	res, err := client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	return res.StatusCode == http.StatusOK
}
