package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Scenarios understood by -scenario
const (
	scenarioConvert = "convert"
	scenarioWrite   = "write"
	scenarioMixed   = "mixed"
)

var currencies = []string{"USD", "EUR", "GBP", "JPY", "CAD", "AUD"}

// LoadTestConfig holds configuration for load testing
type LoadTestConfig struct {
	BaseURL         string
	Scenario        string
	ConcurrentUsers int
	RequestsPerUser int
	Timeout         time.Duration
	TestDuration    time.Duration
	RampUpDuration  time.Duration
	ThinkTime       time.Duration
}

// LoadTestResult holds the result of a single request
type LoadTestResult struct {
	Kind       string
	StatusCode int
	Duration   time.Duration
	Success    bool
	Offline    bool
	Error      error
}

// LoadTestSummary holds the summary of load test results
type LoadTestSummary struct {
	TotalRequests       int
	SuccessfulRequests  int
	FailedRequests      int
	QueuedOffline       int
	ByKind              map[string]int
	TotalDuration       time.Duration
	AverageResponseTime time.Duration
	MinResponseTime     time.Duration
	MaxResponseTime     time.Duration
	RequestsPerSecond   float64
	ErrorRate           float64
	ResponseTime50th    time.Duration
	ResponseTime95th    time.Duration
	ResponseTime99th    time.Duration
}

func main() {
	var config LoadTestConfig

	flag.StringVar(&config.BaseURL, "url", "http://localhost:8081", "Gateway base URL")
	flag.StringVar(&config.Scenario, "scenario", scenarioMixed, "convert, write or mixed")
	flag.IntVar(&config.ConcurrentUsers, "users", 10, "Number of concurrent users")
	flag.IntVar(&config.RequestsPerUser, "requests", 100, "Number of requests per user")
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "Request timeout")
	flag.DurationVar(&config.TestDuration, "duration", 0, "Test duration (0 = run until all requests complete)")
	flag.DurationVar(&config.RampUpDuration, "rampup", 5*time.Second, "Ramp-up duration")
	flag.DurationVar(&config.ThinkTime, "think", 100*time.Millisecond, "Think time between requests")
	flag.Parse()

	switch config.Scenario {
	case scenarioConvert, scenarioWrite, scenarioMixed:
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", config.Scenario)
		os.Exit(2)
	}
	if config.ConcurrentUsers <= 0 {
		config.ConcurrentUsers = 1
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	fmt.Printf("Starting load test...\n")
	fmt.Printf("Gateway: %s\n", config.BaseURL)
	fmt.Printf("Scenario: %s\n", config.Scenario)
	fmt.Printf("Concurrent Users: %d\n", config.ConcurrentUsers)
	fmt.Printf("Requests per User: %d\n", config.RequestsPerUser)
	fmt.Printf("Ramp-up Duration: %v\n", config.RampUpDuration)
	fmt.Printf("Think Time: %v\n", config.ThinkTime)
	fmt.Println()

	summary := runLoadTest(config)
	printSummary(summary)
}

func runLoadTest(config LoadTestConfig) LoadTestSummary {
	results := make(chan LoadTestResult, config.ConcurrentUsers*config.RequestsPerUser)
	client := &http.Client{Timeout: config.Timeout}

	ctx := context.Background()
	if config.TestDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.TestDuration)
		defer cancel()
	}

	startTime := time.Now()
	rampUpDelay := config.RampUpDuration / time.Duration(config.ConcurrentUsers)

	var wg sync.WaitGroup
	for userID := 0; userID < config.ConcurrentUsers; userID++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			random := rand.New(rand.NewSource(time.Now().UnixNano() + int64(uid)))

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(uid) * rampUpDelay):
			}

			for reqID := 0; reqID < config.RequestsPerUser; reqID++ {
				if ctx.Err() != nil {
					return
				}
				results <- makeRequest(ctx, client, config, random, uid)

				if config.ThinkTime > 0 {
					time.Sleep(config.ThinkTime)
				}
			}
		}(userID)
	}

	wg.Wait()
	close(results)

	return processResults(results, time.Since(startTime))
}

func makeRequest(ctx context.Context, client *http.Client, config LoadTestConfig, random *rand.Rand, userID int) LoadTestResult {
	kind := config.Scenario
	if kind == scenarioMixed {
		// mostly reads, like the app
		kind = scenarioConvert
		if random.Intn(4) == 0 {
			kind = scenarioWrite
		}
	}

	var req *http.Request
	var err error
	switch kind {
	case scenarioWrite:
		body := fmt.Sprintf(`{"amount":%.2f,"type":"expense","category":"loadtest","note":"user %d","date":"%s"}`,
			random.Float64()*500, userID, time.Now().Format(time.DateOnly))
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, config.BaseURL+"/api/transactions", strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		from := currencies[random.Intn(len(currencies))]
		to := currencies[random.Intn(len(currencies))]
		target := fmt.Sprintf("%s/api/v1/convert?amount=%.2f&from=%s&to=%s", config.BaseURL, random.Float64()*1000, from, to)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	if err != nil {
		return LoadTestResult{Kind: kind, Error: err}
	}

	start := time.Now()
	resp, err := client.Do(req)
	result := LoadTestResult{Kind: kind, Duration: time.Since(start), Error: err}
	if err != nil {
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.Offline = resp.StatusCode == http.StatusAccepted
	return result
}

func processResults(results <-chan LoadTestResult, totalDuration time.Duration) LoadTestSummary {
	summary := LoadTestSummary{TotalDuration: totalDuration, ByKind: make(map[string]int)}
	var responseTimes []time.Duration

	for result := range results {
		summary.TotalRequests++
		summary.ByKind[result.Kind]++
		responseTimes = append(responseTimes, result.Duration)

		if result.Success {
			summary.SuccessfulRequests++
		} else {
			summary.FailedRequests++
		}
		if result.Offline {
			summary.QueuedOffline++
		}
	}

	if summary.TotalRequests == 0 {
		return summary
	}

	summary.ErrorRate = float64(summary.FailedRequests) / float64(summary.TotalRequests) * 100
	summary.RequestsPerSecond = float64(summary.TotalRequests) / totalDuration.Seconds()

	sort.Slice(responseTimes, func(i, j int) bool { return responseTimes[i] < responseTimes[j] })

	var totalResponseTime time.Duration
	for _, rt := range responseTimes {
		totalResponseTime += rt
	}
	summary.MinResponseTime = responseTimes[0]
	summary.MaxResponseTime = responseTimes[len(responseTimes)-1]
	summary.AverageResponseTime = totalResponseTime / time.Duration(len(responseTimes))
	summary.ResponseTime50th = percentile(responseTimes, 50)
	summary.ResponseTime95th = percentile(responseTimes, 95)
	summary.ResponseTime99th = percentile(responseTimes, 99)

	return summary
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := len(sorted) * p / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func printSummary(summary LoadTestSummary) {
	fmt.Println("=== Load Test Results ===")
	if summary.TotalRequests == 0 {
		fmt.Println("No requests completed")
		return
	}
	fmt.Printf("Total Requests: %d (convert %d, write %d)\n", summary.TotalRequests,
		summary.ByKind[scenarioConvert], summary.ByKind[scenarioWrite])
	fmt.Printf("Successful Requests: %d (%.2f%%)\n", summary.SuccessfulRequests,
		float64(summary.SuccessfulRequests)/float64(summary.TotalRequests)*100)
	fmt.Printf("Failed Requests: %d (%.2f%%)\n", summary.FailedRequests, summary.ErrorRate)
	fmt.Printf("Writes Queued Offline: %d\n", summary.QueuedOffline)
	fmt.Printf("Total Duration: %v\n", summary.TotalDuration)
	fmt.Printf("Requests per Second: %.2f\n", summary.RequestsPerSecond)
	fmt.Printf("Average Response Time: %v\n", summary.AverageResponseTime)
	fmt.Printf("Min Response Time: %v\n", summary.MinResponseTime)
	fmt.Printf("Max Response Time: %v\n", summary.MaxResponseTime)
	fmt.Printf("50th Percentile Response Time: %v\n", summary.ResponseTime50th)
	fmt.Printf("95th Percentile Response Time: %v\n", summary.ResponseTime95th)
	fmt.Printf("99th Percentile Response Time: %v\n", summary.ResponseTime99th)

	fmt.Println("\n=== Performance Assessment ===")
	if summary.ErrorRate > 5.0 {
		fmt.Printf("⚠️  High error rate: %.2f%% (target: < 5%%)\n", summary.ErrorRate)
	} else {
		fmt.Printf("✅ Error rate: %.2f%% (good)\n", summary.ErrorRate)
	}
	if summary.ResponseTime95th > time.Second {
		fmt.Printf("⚠️  Slow p95: %v (target: < 1s)\n", summary.ResponseTime95th)
	} else {
		fmt.Printf("✅ p95 response time: %v (good)\n", summary.ResponseTime95th)
	}
	if summary.QueuedOffline > 0 {
		fmt.Printf("ℹ️  %d writes were accepted offline; check /api/v1/sync/queue\n", summary.QueuedOffline)
	}
}
