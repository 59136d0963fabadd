// Package metrics provides real-time metrics collection for the proxy.
//
// It uses a channel-based event pipeline to asynchronously collect:
//   - Inbound request counts
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution of relayed responses
//   - Failed requests by kind (invalid target, upstream, timeout, body too large)
//   - Completed protocol upgrades
//   - Upstream health as seen by the optional probe
//
// The collector runs in a dedicated goroutine and processes events without blocking
// the request path. Events are sent with non-blocking semantics and dropped when the
// buffer is full, so forwarding never waits on metrics.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, "http://127.0.0.1:3000", logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// The snapshot is only served on a separate admin listener; the proxy listener
// forwards every path upstream.
package metrics
