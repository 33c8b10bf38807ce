package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/termstats-io/termstats/pkg/kafka"
)

// AggregatedStats is a rolling summary of service usage since start (or
// since the last loaded snapshot).
type AggregatedStats struct {
	TotalScorings     int64            `json:"total_scorings"`
	TotalMutations    int64            `json:"total_mutations"`
	CacheHits         int64            `json:"cache_hits"`
	CacheMisses       int64            `json:"cache_misses"`
	ScoringsByAlgo    map[string]int64 `json:"scorings_by_algorithm"`
	AvgLatencyMs      float64          `json:"avg_latency_ms"`
	P50LatencyMs      int64            `json:"p50_latency_ms"`
	P95LatencyMs      int64            `json:"p95_latency_ms"`
	P99LatencyMs      int64            `json:"p99_latency_ms"`
	ScoringsPerMinute float64          `json:"scorings_per_minute"`
	LargestTableDocs  int              `json:"largest_table_docs"`
}

// Aggregator consumes usage events and maintains AggregatedStats.
type Aggregator struct {
	mu             sync.RWMutex
	totalScorings  atomic.Int64
	totalMutations atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	latencies      []int64
	byAlgorithm    map[string]int64
	largestTable   int
	startTime      time.Time

	consumer *kafka.Consumer
	logger   *slog.Logger
}

func NewAggregator(consumer *kafka.Consumer) *Aggregator {
	return &Aggregator{
		latencies:   make([]int64, 0, 10000),
		byAlgorithm: make(map[string]int64),
		startTime:   time.Now(),
		consumer:    consumer,
		logger:      slog.Default().With("component", "usage-aggregator"),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("usage aggregator starting")
	return a.consumer.Start(ctx)
}

// HandleEvent returns a kafka.MessageHandler feeding the aggregator. Events
// that fail to decode are logged and skipped.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		scoring, err := kafka.DecodeJSON[ScoringEvent](value)
		if err == nil && scoring.Type == EventScoring {
			agg.recordScoring(scoring)
			return nil
		}
		mutation, err := kafka.DecodeJSON[MutationEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode usage event", "error", err)
			return nil
		}
		if mutation.Type != EventMutation {
			agg.logger.Warn("unknown usage event type", "type", mutation.Type)
			return nil
		}
		agg.recordMutation(mutation)
		return nil
	}
}

func (a *Aggregator) recordScoring(event ScoringEvent) {
	a.totalScorings.Add(1)
	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}

	a.mu.Lock()
	a.latencies = append(a.latencies, event.LatencyMs)
	a.byAlgorithm[event.Algorithm]++
	if event.Documents > a.largestTable {
		a.largestTable = event.Documents
	}
	a.mu.Unlock()
}

func (a *Aggregator) recordMutation(event MutationEvent) {
	a.totalMutations.Add(1)
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalScorings:    a.totalScorings.Load(),
		TotalMutations:   a.totalMutations.Load(),
		CacheHits:        a.cacheHits.Load(),
		CacheMisses:      a.cacheMisses.Load(),
		ScoringsByAlgo:   make(map[string]int64, len(a.byAlgorithm)),
		LargestTableDocs: a.largestTable,
	}
	for algo, count := range a.byAlgorithm {
		stats.ScoringsByAlgo[algo] = count
	}

	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}

	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.ScoringsPerMinute = float64(stats.TotalScorings) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
