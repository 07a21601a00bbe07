package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// APIBenchmark fires Requests requests at a running service with at most Concurrency in flight.
type APIBenchmark struct {
	BaseURL     string
	Concurrency int
	Requests    int
	Client      *http.Client
}

// BenchmarkResult summarises one run.
type BenchmarkResult struct {
	URL            string        `json:"url"`
	Method         string        `json:"method"`
	Concurrency    int           `json:"concurrency"`
	TotalRequests  int           `json:"total_requests"`
	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	RateLimited    int           `json:"rate_limited"`
	TotalTime      time.Duration `json:"total_time"`
	AverageTime    time.Duration `json:"average_time"`
	P95Time        time.Duration `json:"p95_time"`
	MaxTime        time.Duration `json:"max_time"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	StatusCodes    map[int]int   `json:"status_codes"`
	Errors         []string      `json:"errors"`
}

type requestResult struct {
	duration   time.Duration
	statusCode int
	err        error
}

// NewAPIBenchmark creates a benchmark against baseURL (for example http://localhost:3333/api).
func NewAPIBenchmark(baseURL string, concurrency, requests int) *APIBenchmark {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &APIBenchmark{
		BaseURL:     baseURL,
		Concurrency: concurrency,
		Requests:    requests,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// RunGET benchmarks a GET endpoint.
func (b *APIBenchmark) RunGET(ctx context.Context, path string) *BenchmarkResult {
	return b.run(ctx, http.MethodGet, b.BaseURL+path, nil)
}

// RunPOST benchmarks a POST endpoint with a JSON body.
func (b *APIBenchmark) RunPOST(ctx context.Context, path string, payload interface{}) *BenchmarkResult {
	url := b.BaseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return &BenchmarkResult{URL: url, Method: http.MethodPost, Errors: []string{fmt.Sprintf("encode payload: %v", err)}}
	}
	return b.run(ctx, http.MethodPost, url, body)
}

func (b *APIBenchmark) run(ctx context.Context, method, url string, payload []byte) *BenchmarkResult {
	results := make(chan requestResult, b.Requests)
	sem := make(chan struct{}, b.Concurrency)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < b.Requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- b.do(ctx, method, url, payload)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	res := &BenchmarkResult{
		URL:           url,
		Method:        method,
		Concurrency:   b.Concurrency,
		TotalRequests: b.Requests,
		StatusCodes:   make(map[int]int),
	}
	var durations []time.Duration
	var total time.Duration
	for r := range results {
		if r.err != nil {
			res.FailureCount++
			res.Errors = append(res.Errors, r.err.Error())
			continue
		}
		durations = append(durations, r.duration)
		total += r.duration
		res.StatusCodes[r.statusCode]++
		switch {
		case r.statusCode >= 200 && r.statusCode < 300:
			res.SuccessCount++
		case r.statusCode == http.StatusTooManyRequests:
			res.RateLimited++
		default:
			res.FailureCount++
		}
	}

	res.TotalTime = time.Since(start)
	if res.TotalTime > 0 {
		res.RequestsPerSec = float64(b.Requests) / res.TotalTime.Seconds()
	}
	if n := len(durations); n > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		res.AverageTime = total / time.Duration(n)
		res.P95Time = durations[(n*95+99)/100-1]
		res.MaxTime = durations[n-1]
	}
	return res
}

func (b *APIBenchmark) do(ctx context.Context, method, url string, payload []byte) requestResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return requestResult{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return requestResult{err: err}
	}
	resp.Body.Close()
	return requestResult{duration: time.Since(start), statusCode: resp.StatusCode}
}

// Log writes the result as one structured line.
func (r *BenchmarkResult) Log(log zerolog.Logger) {
	ev := log.Info().
		Str("method", r.Method).
		Str("url", r.URL).
		Int("requests", r.TotalRequests).
		Int("ok", r.SuccessCount).
		Int("failed", r.FailureCount).
		Int("rateLimited", r.RateLimited).
		Dur("avg", r.AverageTime).
		Dur("p95", r.P95Time).
		Dur("max", r.MaxTime).
		Float64("rps", r.RequestsPerSec).
		Interface("status", r.StatusCodes)
	if len(r.Errors) > 0 {
		ev = ev.Str("firstError", r.Errors[0])
	}
	ev.Msg("benchmark")
}
