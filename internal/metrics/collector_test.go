package metrics_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/relay/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.DiscardHandler)
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, upstreamURL, log)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Emit", func() {
		It("should be a no-op on a nil collector", func() {
			var nilCollector *metrics.Collector
			Expect(func() {
				nilCollector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})
			}).NotTo(Panic())
		})

		It("should drop events when the buffer is full", func() {
			small := metrics.NewCollector(1, upstreamURL, log)
			small.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})
			small.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})

			small.Start(ctx)
			Eventually(func() int64 { return small.Snapshot().TotalRequests }).Should(Equal(int64(1)))
			Consistently(func() int64 { return small.Snapshot().TotalRequests }, 30*time.Millisecond).Should(Equal(int64(1)))
		})
	})

	Describe("Start and event processing", func() {
		BeforeEach(func() {
			collector.Start(ctx)
		})

		It("should process EventRequestReceived", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})
			Eventually(func() int64 { return collector.Snapshot().TotalRequests }).Should(Equal(int64(1)))
		})

		It("should process EventResponseCompleted", func() {
			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Duration:   100 * time.Millisecond,
				StatusCode: 200,
			})

			Eventually(func() int64 { return collector.Snapshot().StatusCodes[200] }).Should(Equal(int64(1)))
			Expect(collector.Snapshot().AvgResponse).To(Equal(100 * time.Millisecond))
		})

		It("should process EventRequestFailed", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestFailed, Failure: metrics.FailureTimeout})
			Eventually(func() map[string]int64 { return collector.Snapshot().Failures }).
				Should(HaveKeyWithValue(metrics.FailureTimeout, int64(1)))
		})

		It("should process EventUpgradeCompleted", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventUpgradeCompleted})
			Eventually(func() int64 { return collector.Snapshot().Upgrades }).Should(Equal(int64(1)))
		})

		It("should process EventHealthChanged", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Healthy: true})
			Eventually(func() *bool { return collector.Snapshot().Healthy }).ShouldNot(BeNil())
			Expect(*collector.Snapshot().Healthy).To(BeTrue())
		})
	})

	Describe("drain", func() {
		It("should process queued events on context cancellation", func() {
			for i := 0; i < 5; i++ {
				collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventRequestReceived}
			}

			cancel()
			collector.Start(ctx)

			Eventually(func() int64 { return collector.Snapshot().TotalRequests }).Should(Equal(int64(5)))
		})
	})

	Describe("Handler", func() {
		It("should serve the snapshot with pool and listener stats as JSON", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})
			Eventually(func() int64 { return collector.Snapshot().TotalRequests }).Should(Equal(int64(1)))

			handler := collector.Handler(func() metrics.PoolStats {
				return metrics.PoolStats{Dials: 3, InFlight: 1}
			}, func() metrics.ListenerStats {
				return metrics.ListenerStats{Accepted: 7, AcceptErrors: 2}
			})

			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.Upstream).To(Equal(upstreamURL))
			Expect(snap.TotalRequests).To(Equal(int64(1)))
			Expect(snap.Pool).To(Equal(metrics.PoolStats{Dials: 3, InFlight: 1}))
			Expect(snap.Listener).To(Equal(metrics.ListenerStats{Accepted: 7, AcceptErrors: 2}))
		})

		It("should leave stats empty without sources", func() {
			rec := httptest.NewRecorder()
			collector.Handler(nil, nil)(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.Pool).To(BeZero())
			Expect(snap.Listener).To(BeZero())
		})
	})
})
