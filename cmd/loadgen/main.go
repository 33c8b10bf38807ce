// Command loadgen drives the term statistics service: it publishes synthetic
// occurrence events to Kafka and polls the scoring endpoints, reporting
// request throughput and latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/termstats-io/termstats/internal/ingest"
	"github.com/termstats-io/termstats/pkg/config"
	"github.com/termstats-io/termstats/pkg/kafka"
)

type runConfig struct {
	BaseURL     string
	Brokers     []string
	Topic       string
	Concurrency int
	Duration    time.Duration
	Documents   int
}

type runStats struct {
	totalRequests  atomic.Int64
	successCount   atomic.Int64
	errorCount     atomic.Int64
	eventsProduced atomic.Int64
	latencies      []time.Duration
	latenciesMu    sync.Mutex
}

func (s *runStats) recordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	if err != nil || statusCode < 200 || statusCode >= 300 {
		s.errorCount.Add(1)
		return
	}
	s.successCount.Add(1)
	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()
}

var vocabulary = []string{
	"weight", "corpus", "frequency", "document", "inverse", "relevance",
	"ranking", "saturation", "normalisation", "statistic", "score", "term",
	"retrieval", "index", "feature", "extraction", "smoothing", "probabilistic",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the statistics service")
	brokers := flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
	topic := flag.String("topic", "term-occurrences", "occurrence topic")
	concurrency := flag.Int("concurrency", 8, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "run duration")
	documents := flag.Int("documents", 100, "number of synthetic documents")
	flag.Parse()

	cfg := runConfig{
		BaseURL:     *baseURL,
		Brokers:     strings.Split(*brokers, ","),
		Topic:       *topic,
		Concurrency: *concurrency,
		Duration:    *duration,
		Documents:   *documents,
	}

	fmt.Println("=== Term Statistics Load Generator ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Brokers:     %s\n", strings.Join(cfg.Brokers, ","))
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Println()

	stats := run(cfg)
	printReport(stats, cfg.Duration)
}

func run(cfg runConfig) *runStats {
	stats := &runStats{latencies: make([]time.Duration, 0, 100000)}
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	producer := kafka.NewProducer(config.KafkaConfig{Brokers: cfg.Brokers}, cfg.Topic)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	tables := []string{
		"/api/v1/tables/tfidf?variant=smooth",
		"/api/v1/tables/tfidf?variant=none",
		"/api/v1/tables/idf?variant=prob",
		"/api/v1/tables/bm25?k1=1.2&b=0.75",
		"/api/v1/tables/bm25?k1=2.0&b=0&delta=1",
	}

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerID)))
			iteration := workerID

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				docID := fmt.Sprintf("doc-%d", rng.Intn(cfg.Documents))
				terms := make([]string, 1+rng.Intn(8))
				for i := range terms {
					terms[i] = vocabulary[rng.Intn(len(vocabulary))]
				}
				err := producer.Publish(ctx, kafka.Event{
					Key: docID,
					Value: ingest.OccurrenceEvent{
						Op:    ingest.OpUpdate,
						Terms: terms,
						DocID: docID,
					},
				})
				if err == nil {
					stats.eventsProduced.Add(1)
				}

				// Every few iterations, read a score table back.
				if iteration%5 == 0 {
					path := tables[rng.Intn(len(tables))]
					start := time.Now()
					resp, err := get(ctx, client, cfg.BaseURL+path)
					elapsed := time.Since(start)
					if err != nil {
						stats.recordRequest(elapsed, 0, err)
					} else {
						io.Copy(io.Discard, resp.Body)
						resp.Body.Close()
						stats.recordRequest(elapsed, resp.StatusCode, nil)
					}
				}
				iteration++
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func printReport(stats *runStats, duration time.Duration) {
	total := stats.totalRequests.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Events Produced: %d\n", stats.eventsProduced.Load())
	fmt.Printf("Table Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", stats.successCount.Load())
	fmt.Printf("Errors:          %d\n", stats.errorCount.Load())
	if total > 0 {
		fmt.Printf("Throughput:      %.1f req/s\n", float64(total)/duration.Seconds())
	}

	stats.latenciesMu.Lock()
	latencies := stats.latencies
	stats.latenciesMu.Unlock()
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("Latency p50:     %s\n", latencies[len(latencies)*50/100])
	fmt.Printf("Latency p95:     %s\n", latencies[min(len(latencies)*95/100, len(latencies)-1)])
	fmt.Printf("Latency p99:     %s\n", latencies[min(len(latencies)*99/100, len(latencies)-1)])
}
