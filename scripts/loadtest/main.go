// Loadtest is a concurrent HTTP load generator that measures throughput,
// latency percentiles and upstream connection reuse through the proxy.
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/ping -concurrency 10 -requests 1000
//	go run ./scripts/loadtest -url http://localhost:8080/echo -method POST -body hello -out summary.json
//
// Connection reuse is read from the X-Upstream-Conn header set by
// scripts/upstream: with a healthy pool the number of distinct upstream
// connections stays close to the concurrency, not the request count.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Summary is the JSON report written with -out.
type Summary struct {
	Target              string         `json:"target"`
	Requests            int            `json:"requests"`
	Concurrency         int            `json:"concurrency"`
	Success             int64          `json:"success"`
	Failure             int64          `json:"failure"`
	DurationMs          int64          `json:"duration_ms"`
	ThroughputRPS       float64        `json:"throughput_rps"`
	StatusCodes         map[int]int64  `json:"status_codes"`
	UpstreamConnections int            `json:"upstream_connections"`
	RequestsPerConn     map[string]int `json:"requests_per_conn"`
	P50                 float64        `json:"p50_ms"`
	P90                 float64        `json:"p90_ms"`
	P95                 float64        `json:"p95_ms"`
	P99                 float64        `json:"p99_ms"`
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/ping", "Target URL")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		method      = flag.String("method", "GET", "HTTP method")
		body        = flag.String("body", "", "Request body")
		timeoutSec  = flag.Int("timeout", 10, "Per-request timeout in seconds")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
		verbose     = flag.Bool("v", false, "Verbose per-request logging to stdout")
	)
	flag.Parse()

	client := &http.Client{
		Timeout: time.Duration(*timeoutSec) * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: *concurrency,
		},
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	var success, failure atomic.Int64

	var mu sync.Mutex
	var latencies []time.Duration
	statusCodes := make(map[int]int64)
	perConn := make(map[string]int)

	testStart := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				start := time.Now()

				req, err := http.NewRequest(*method, *url, bytes.NewBufferString(*body))
				if err != nil {
					failure.Add(1)
					continue
				}

				resp, err := client.Do(req)
				dur := time.Since(start)

				if err != nil {
					failure.Add(1)
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", workerID, idx, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
					success.Add(1)
				} else {
					failure.Add(1)
				}

				conn := resp.Header.Get("X-Upstream-Conn")
				if conn == "" {
					conn = "(unknown)"
				}

				mu.Lock()
				latencies = append(latencies, dur)
				statusCodes[resp.StatusCode]++
				perConn[conn]++
				mu.Unlock()

				if *verbose {
					fmt.Printf("[%d] idx=%d conn=%s status=%d dur=%v\n", workerID, idx, conn, resp.StatusCode, dur)
				}
			}
		}(i)
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	wg.Wait()
	totalDuration := time.Since(testStart)

	summary := Summary{
		Target:              *url,
		Requests:            *requests,
		Concurrency:         *concurrency,
		Success:             success.Load(),
		Failure:             failure.Load(),
		DurationMs:          totalDuration.Milliseconds(),
		ThroughputRPS:       float64(*requests) / totalDuration.Seconds(),
		StatusCodes:         statusCodes,
		UpstreamConnections: len(perConn),
		RequestsPerConn:     perConn,
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pick := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		return latencies[int(float64(len(latencies)-1)*p)]
	}
	summary.P50 = float64(pick(0.50).Microseconds()) / 1000
	summary.P90 = float64(pick(0.90).Microseconds()) / 1000
	summary.P95 = float64(pick(0.95).Microseconds()) / 1000
	summary.P99 = float64(pick(0.99).Microseconds()) / 1000

	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s\n", summary.Target)
	fmt.Printf("Requests: %d  Concurrency: %d\n", summary.Requests, summary.Concurrency)
	fmt.Printf("Success: %d  Failure: %d\n", summary.Success, summary.Failure)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", totalDuration, summary.ThroughputRPS)

	fmt.Println("\nStatus codes:")
	var codes []int
	for k := range statusCodes {
		codes = append(codes, k)
	}
	sort.Ints(codes)
	for _, k := range codes {
		fmt.Printf("  %d -> %d\n", k, statusCodes[k])
	}

	fmt.Println("\nUpstream connections:")
	fmt.Printf("  distinct=%d for %d responses\n", summary.UpstreamConnections, len(latencies))

	fmt.Println("\nLatencies:")
	fmt.Printf("  samples=%d p50=%v p90=%v p95=%v p99=%v\n", len(latencies), pick(0.50), pick(0.90), pick(0.95), pick(0.99))

	fmt.Printf("\nGOMAXPROCS=%d  NumGoroutine=%d\n", runtime.GOMAXPROCS(0), runtime.NumGoroutine())

	if *outJSON != "" {
		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(summary)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if summary.Failure > 0 {
		os.Exit(2)
	}
}
