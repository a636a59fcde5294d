// Command ratebench fires requests at an inkwell endpoint and reports how
// many were admitted and how many were rate limited.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type tally struct {
	mu        sync.Mutex
	statuses  map[int]int
	failures  int
	total     time.Duration
	min, max  time.Duration
	completed int
}

func (t *tally) record(status int, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[status]++
	t.completed++
	t.total += d
	if t.min == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
}

func (t *tally) fail() {
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

func main() {
	url := flag.String("url", "http://localhost:8080/api/auth/login", "URL to benchmark")
	method := flag.String("method", http.MethodPost, "HTTP method")
	body := flag.String("body", `{"username":"bench","password":"bench"}`, "JSON request body")
	token := flag.String("token", "", "Bearer token or API key sent with each request")
	concurrency := flag.Int("c", 10, "Number of concurrent requests")
	requests := flag.Int("n", 100, "Total number of requests")
	rps := flag.Float64("rps", 0, "Client side request rate, 0 for unlimited")
	flag.Parse()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), 1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	res := &tally{statuses: make(map[int]int)}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*concurrency)
	start := time.Now()
	for i := 0; i < *requests; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, *method, *url, strings.NewReader(*body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			switch {
			case strings.HasPrefix(*token, "ink_"):
				req.Header.Set("X-API-Key", *token)
			case *token != "":
				req.Header.Set("Authorization", "Bearer "+*token)
			}

			requestStart := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				res.fail()
				return nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			res.record(resp.StatusCode, time.Since(requestStart))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Invalid request: %v", err)
	}
	elapsed := time.Since(start)

	fmt.Printf("\nBenchmark Results:\n")
	fmt.Printf("URL: %s %s\n", *method, *url)
	fmt.Printf("Concurrency Level: %d\n", *concurrency)
	fmt.Printf("Time taken: %v\n", elapsed)
	fmt.Printf("Complete requests: %d\n", res.completed)
	fmt.Printf("Failed requests: %d\n", res.failures)
	if res.completed == 0 {
		os.Exit(1)
	}
	fmt.Printf("Requests per second: %.2f\n", float64(res.completed)/elapsed.Seconds())
	fmt.Printf("Mean latency: %v\n", res.total/time.Duration(res.completed))
	fmt.Printf("Min latency: %v\n", res.min)
	fmt.Printf("Max latency: %v\n", res.max)

	codes := make([]int, 0, len(res.statuses))
	for c := range res.statuses {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	fmt.Printf("\nStatus codes:\n")
	for _, c := range codes {
		fmt.Printf("  %d %-22s %d\n", c, http.StatusText(c), res.statuses[c])
	}
	fmt.Printf("Rate limited: %d of %d\n", res.statuses[http.StatusTooManyRequests], res.completed)
}
