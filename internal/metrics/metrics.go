package metrics

import (
	"sort"
	"sync"
	"time"
)

// Failure kinds recorded with EventRequestFailed.
const (
	FailureInvalidTarget = "invalid_target"
	FailureUpstream      = "upstream"
	FailureTimeout       = "timeout"
	FailureBodyTooLarge  = "body_too_large"
	FailureClient        = "client"

	FailureResponseTooLarge = "response_too_large"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      int64
	upgrades      int64
	failures      map[string]int64
	responseTimes []time.Duration
	statusCodes   map[int]int64
	healthy       *bool
	startTime     time.Time
}

type Snapshot struct {
	Upstream      string           `json:"upstream"`
	TotalRequests int64            `json:"total_requests"`
	TotalFailures int64            `json:"total_failures"`
	Upgrades      int64            `json:"upgrades"`
	Uptime        time.Duration    `json:"uptime"`
	Healthy       *bool            `json:"healthy,omitempty"`
	Failures      map[string]int64 `json:"failures"`
	StatusCodes   map[int]int64    `json:"status_codes"`
	AvgResponse   time.Duration    `json:"avg_response"`
	P50Response   time.Duration    `json:"p50_response"`
	P95Response   time.Duration    `json:"p95_response"`
	P99Response   time.Duration    `json:"p99_response"`
	Pool          PoolStats        `json:"pool"`
	Listener      ListenerStats    `json:"listener"`
}

// ListenerStats mirrors the proxy listener's accept counters.
type ListenerStats struct {
	Accepted     int64 `json:"accepted"`
	AcceptErrors int64 `json:"accept_errors"`
}

// PoolStats mirrors the upstream client's connection counters.
type PoolStats struct {
	Dials    int64 `json:"dials"`
	InFlight int64 `json:"in_flight"`
}

func (m *Metrics) IncrementRequests() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests++
}

func (m *Metrics) RecordResponse(duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes = append(m.responseTimes, duration)
	if len(m.responseTimes) > maxSamples {
		m.responseTimes = m.responseTimes[1:]
	}

	m.statusCodes[statusCode]++
}

func (m *Metrics) RecordFailure(kind string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures[kind]++
}

func (m *Metrics) RecordUpgrade() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.upgrades++
}

func (m *Metrics) UpdateHealthStatus(healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthy = &healthy
}

func (m *Metrics) Snapshot(upstream string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Upstream:      upstream,
		TotalRequests: m.requests,
		Upgrades:      m.upgrades,
		Uptime:        time.Since(m.startTime),
		Failures:      make(map[string]int64, len(m.failures)),
		StatusCodes:   make(map[int]int64, len(m.statusCodes)),
	}

	if m.healthy != nil {
		healthy := *m.healthy
		snap.Healthy = &healthy
	}

	for kind, n := range m.failures {
		snap.Failures[kind] = n
		snap.TotalFailures += n
	}

	for code, n := range m.statusCodes {
		snap.StatusCodes[code] = n
	}

	if len(m.responseTimes) > 0 {
		sorted := make([]time.Duration, len(m.responseTimes))
		copy(sorted, m.responseTimes)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i] < sorted[j]
		})

		snap.AvgResponse = average(sorted)
		snap.P50Response = percentile(sorted, 0.50)
		snap.P95Response = percentile(sorted, 0.95)
		snap.P99Response = percentile(sorted, 0.99)
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		failures:    make(map[string]int64),
		statusCodes: make(map[int]int64),
		startTime:   time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
