package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/termstats-io/termstats/internal/stats"
	apperrors "github.com/termstats-io/termstats/pkg/errors"
	"github.com/termstats-io/termstats/pkg/kafka"
	"github.com/termstats-io/termstats/pkg/metrics"
)

// Applier validates occurrence events and applies them to the engine.
//
// The engine itself accepts anything; validation here protects against
// malformed wire messages, not against over-removal, which remains the
// producer's responsibility.
type Applier struct {
	engine  *stats.Engine[string, string]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewApplier creates an Applier. metrics may be nil.
func NewApplier(engine *stats.Engine[string, string], m *metrics.Metrics) *Applier {
	return &Applier{
		engine:  engine,
		metrics: m,
		logger:  slog.Default().With("component", "ingest-applier"),
	}
}

// Apply executes one event against the engine.
func (a *Applier) Apply(event OccurrenceEvent) error {
	if event.DocID == "" {
		return fmt.Errorf("%w: occurrence event missing doc_id", apperrors.ErrInvalidInput)
	}

	switch event.Op {
	case OpAdd:
		if event.Term == "" {
			return fmt.Errorf("%w: add event missing term", apperrors.ErrInvalidInput)
		}
		a.engine.AddWord(event.Term, event.DocID)
	case OpRemove:
		if event.Term == "" {
			return fmt.Errorf("%w: remove event missing term", apperrors.ErrInvalidInput)
		}
		a.engine.RemoveWord(event.Term, event.DocID)
	case OpUpdate:
		if len(event.Terms) == 0 {
			return fmt.Errorf("%w: update event missing terms", apperrors.ErrInvalidInput)
		}
		a.engine.Update(event.Terms, event.DocID)
	default:
		return fmt.Errorf("%w: unknown occurrence op %q", apperrors.ErrInvalidInput, event.Op)
	}

	if a.metrics != nil {
		a.metrics.OccurrencesTotal.WithLabelValues(string(event.Op)).Inc()
		a.metrics.CorpusDocuments.Set(float64(a.engine.DocumentCount()))
		a.metrics.CorpusTerms.Set(float64(a.engine.TermCount()))
	}
	return nil
}

// Handler returns a kafka.MessageHandler that decodes and applies occurrence
// events. Malformed or invalid events are logged and skipped so the consumer
// keeps draining the topic.
func (a *Applier) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[OccurrenceEvent](value)
		if err != nil {
			a.logger.Error("failed to decode occurrence event", "error", err)
			if a.metrics != nil {
				a.metrics.IngestEventsTotal.WithLabelValues("invalid").Inc()
			}
			return nil
		}
		if err := a.Apply(event); err != nil {
			a.logger.Error("failed to apply occurrence event",
				"op", event.Op,
				"doc_id", event.DocID,
				"error", err,
			)
			if a.metrics != nil {
				a.metrics.IngestEventsTotal.WithLabelValues("invalid").Inc()
			}
			return nil
		}
		if a.metrics != nil {
			a.metrics.IngestEventsTotal.WithLabelValues("applied").Inc()
		}
		return nil
	}
}
