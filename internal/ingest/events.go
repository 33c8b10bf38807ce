// Package ingest consumes term-occurrence events from Kafka and applies them
// to the statistics engine. It is the streaming counterpart of the HTTP
// mutation endpoints: both feed the same engine with (term, document) pairs.
package ingest

// Op identifies a mutation carried by an OccurrenceEvent.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpUpdate Op = "update"
)

// OccurrenceEvent is the Kafka message payload for one engine mutation.
// OpAdd and OpRemove carry a single Term; OpUpdate carries Terms.
type OccurrenceEvent struct {
	Op    Op       `json:"op"`
	Term  string   `json:"term,omitempty"`
	Terms []string `json:"terms,omitempty"`
	DocID string   `json:"doc_id"`
}
