package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	checkoutID  string
	resultCode  int
	amount      int64
)

// Metrics
var (
	totalRequests uint64
	acked         uint64
	failOther     uint64
	transportErrs uint64

	latMu     sync.Mutex
	latencies []time.Duration
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "duplicate", "Workload type: duplicate | unknown")
	flag.StringVar(&checkoutID, "checkout", "", "CheckoutRequestID of a sent transaction (duplicate workload)")
	flag.IntVar(&resultCode, "result-code", 0, "ResultCode to report")
	flag.Int64Var(&amount, "amount", 100, "Amount to report on success")
}

func main() {
	flag.Parse()
	if workload == "duplicate" && checkoutID == "" {
		log.Fatal("-checkout is required for the duplicate workload")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		id := checkoutID
		if workload == "unknown" {
			// Unknown checkout IDs exercise the callback inbox.
			id = "ws_CO_bench_" + uuid.NewString()
		}
		body, _ := json.Marshal(callbackPayload(id))

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/mpesa/callback", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		t0 := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&transportErrs, 1)
			continue
		}
		elapsed := time.Since(t0)

		atomic.AddUint64(&totalRequests, 1)
		var ack struct {
			ResultCode int `json:"ResultCode"`
		}
		if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&ack) == nil && ack.ResultCode == 0 {
			atomic.AddUint64(&acked, 1)
		} else {
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()

		latMu.Lock()
		latencies = append(latencies, elapsed)
		latMu.Unlock()
	}
}

func callbackPayload(checkout string) map[string]interface{} {
	cb := map[string]interface{}{
		"MerchantRequestID": "bench-" + checkout,
		"CheckoutRequestID": checkout,
		"ResultCode":        resultCode,
		"ResultDesc":        "benchmark",
	}
	if resultCode == 0 {
		cb["CallbackMetadata"] = map[string]interface{}{
			"Item": []map[string]interface{}{
				{"Name": "Amount", "Value": amount},
				{"Name": "MpesaReceiptNumber", "Value": "BENCH0001"},
				{"Name": "PhoneNumber", "Value": 254712345678},
			},
		}
	}
	return map[string]interface{}{"Body": map[string]interface{}{"stkCallback": cb}}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&acked)
	fErr := atomic.LoadUint64(&failOther)
	tErr := atomic.LoadUint64(&transportErrs)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_rps":   float64(total) / d.Seconds(),
		"acknowledged":     ok,
		"not_acknowledged": fErr,
		"transport_errors": tErr,
		"p50_ms":           float64(percentile(latencies, 0.50).Microseconds()) / 1000,
		"p99_ms":           float64(percentile(latencies, 0.99).Microseconds()) / 1000,
	}

	// Results go to stdout and to results_<workload>.json.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)

	if workload == "duplicate" {
		log.Printf("Check the tab: a %d callback for %s must have changed its balance at most once.", resultCode, checkoutID)
	}
}
