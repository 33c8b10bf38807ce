// Package usage tracks how the scoring service is used: every scoring call
// and mutation batch is published to Kafka, aggregated into rolling stats,
// and periodically snapshotted to PostgreSQL.
package usage

import "time"

type EventType string

const (
	EventScoring  EventType = "scoring"
	EventMutation EventType = "mutation"
)

// ScoringEvent records one score-table computation served by the API.
type ScoringEvent struct {
	Type      EventType `json:"type"`
	Algorithm string    `json:"algorithm"`
	Variant   string    `json:"variant,omitempty"`
	K1        float64   `json:"k1,omitempty"`
	B         float64   `json:"b,omitempty"`
	Delta     float64   `json:"delta,omitempty"`
	Documents int       `json:"documents"`
	CacheHit  bool      `json:"cache_hit"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// MutationEvent records one mutation request applied through the API or the
// Kafka ingest path.
type MutationEvent struct {
	Type       EventType `json:"type"`
	Op         string    `json:"op"`
	DocumentID string    `json:"document_id"`
	TermCount  int       `json:"term_count"`
	Timestamp  time.Time `json:"timestamp"`
}
