// Package server exposes the statistics engine over HTTP: mutation endpoints
// for recording term occurrences and scoring endpoints that render full
// TF-IDF, IDF, and BM25 tables.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/termstats-io/termstats/internal/stats"
	"github.com/termstats-io/termstats/internal/tablecache"
	"github.com/termstats-io/termstats/internal/usage"
	"github.com/termstats-io/termstats/pkg/config"
	apperrors "github.com/termstats-io/termstats/pkg/errors"
	"github.com/termstats-io/termstats/pkg/logger"
	"github.com/termstats-io/termstats/pkg/metrics"
	"github.com/termstats-io/termstats/pkg/middleware"
	"github.com/termstats-io/termstats/pkg/tracing"
)

// OccurrenceRequest is the JSON body for single-occurrence mutations.
type OccurrenceRequest struct {
	Term  string `json:"term"`
	DocID string `json:"doc_id"`
}

// UpdateRequest is the JSON body for bulk term recording against a document.
type UpdateRequest struct {
	Terms []string `json:"terms"`
}

// TableResponse wraps a rendered score table with its parameters.
type TableResponse struct {
	Algorithm string                      `json:"algorithm"`
	Variant   string                      `json:"variant,omitempty"`
	K1        *float64                    `json:"k1,omitempty"`
	B         *float64                    `json:"b,omitempty"`
	Delta     *float64                    `json:"delta,omitempty"`
	Revision  uint64                      `json:"revision"`
	Documents int                         `json:"documents"`
	Table     stats.Table[string, string] `json:"table"`
}

// Handler serves the term-statistics API. Cache, collector, and metrics are
// optional; a nil value disables the corresponding concern.
type Handler struct {
	engine    *stats.Engine[string, string]
	cache     *tablecache.TableCache
	collector *usage.Collector
	metrics   *metrics.Metrics
	cfg       config.ScoringConfig
	logger    *slog.Logger
}

func New(
	engine *stats.Engine[string, string],
	cache *tablecache.TableCache,
	collector *usage.Collector,
	m *metrics.Metrics,
	cfg config.ScoringConfig,
) *Handler {
	return &Handler{
		engine:    engine,
		cache:     cache,
		collector: collector,
		metrics:   m,
		cfg:       cfg,
		logger:    slog.Default().With("component", "api-handler"),
	}
}

// AddOccurrence records one occurrence of a term in a document.
func (h *Handler) AddOccurrence(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeOccurrence(w, r)
	if !ok {
		return
	}
	h.engine.AddWord(req.Term, req.DocID)
	h.afterMutation("add", req.DocID, 1)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "recorded",
		"count":  h.engine.Count(req.Term, req.DocID),
	})
}

// RemoveOccurrence removes one occurrence of a term from a document. The
// engine does not check that the resulting count stays non-negative; the
// response carries the new count so callers can notice over-removal.
func (h *Handler) RemoveOccurrence(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeOccurrence(w, r)
	if !ok {
		return
	}
	h.engine.RemoveWord(req.Term, req.DocID)
	h.afterMutation("remove", req.DocID, 1)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "removed",
		"count":  h.engine.Count(req.Term, req.DocID),
	})
}

// UpdateDocument records every term in the request body against the document
// named in the path.
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc")
	if docID == "" {
		h.writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Terms) == 0 {
		h.writeError(w, http.StatusBadRequest, "terms must be a non-empty array")
		return
	}
	if h.cfg.MaxTermsPerUpdate > 0 && len(req.Terms) > h.cfg.MaxTermsPerUpdate {
		h.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many terms: %d exceeds limit %d", len(req.Terms), h.cfg.MaxTermsPerUpdate))
		return
	}

	h.engine.Update(req.Terms, docID)
	h.afterMutation("update", docID, len(req.Terms))
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "recorded",
		"terms":  len(req.Terms),
	})
}

// TFIDFTable renders the TF-IDF table. Unrecognised variants are passed to
// the engine untouched, where they select the unsmoothed behaviour.
func (h *Handler) TFIDFTable(w http.ResponseWriter, r *http.Request) {
	variant := r.URL.Query().Get("variant")
	if variant == "" {
		variant = h.cfg.DefaultTFIDFVariant
	}
	h.serveTable(w, r, tablecache.Key{
		Algorithm: "tfidf",
		Variant:   variant,
		Revision:  h.engine.Revision(),
	}, func() stats.Table[string, string] {
		return h.engine.TFIDF(stats.Variant(variant))
	})
}

// IDFTable renders the IDF-only table.
func (h *Handler) IDFTable(w http.ResponseWriter, r *http.Request) {
	variant := r.URL.Query().Get("variant")
	if variant == "" {
		variant = h.cfg.DefaultIDFVariant
	}
	h.serveTable(w, r, tablecache.Key{
		Algorithm: "idf",
		Variant:   variant,
		Revision:  h.engine.Revision(),
	}, func() stats.Table[string, string] {
		return h.engine.IDF(stats.Variant(variant))
	})
}

// BM25Table renders the BM25 table. Tuning parameters default from config
// and are not range-checked; out-of-range values change the numbers, not
// the behaviour.
func (h *Handler) BM25Table(w http.ResponseWriter, r *http.Request) {
	params := stats.BM25Params{
		K1:    h.cfg.BM25K1,
		B:     h.cfg.BM25B,
		Delta: h.cfg.BM25Delta,
	}
	var parseErr error
	if v := r.URL.Query().Get("k1"); v != "" {
		params.K1, parseErr = strconv.ParseFloat(v, 64)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "k1 must be a number")
			return
		}
	}
	if v := r.URL.Query().Get("b"); v != "" {
		params.B, parseErr = strconv.ParseFloat(v, 64)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "b must be a number")
			return
		}
	}
	if v := r.URL.Query().Get("delta"); v != "" {
		params.Delta, parseErr = strconv.ParseFloat(v, 64)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "delta must be a number")
			return
		}
	}

	h.serveTable(w, r, tablecache.Key{
		Algorithm: "bm25",
		K1:        params.K1,
		B:         params.B,
		Delta:     params.Delta,
		Revision:  h.engine.Revision(),
	}, func() stats.Table[string, string] {
		return h.engine.BM25(params)
	})
}

// CorpusStats reports the engine's current document and term counts.
func (h *Handler) CorpusStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"documents": h.engine.DocumentCount(),
		"terms":     h.engine.TermCount(),
		"revision":  h.engine.Revision(),
	})
}

// CacheStats reports table-cache hit/miss counters.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

// CacheInvalidate drops every cached table.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) serveTable(
	w http.ResponseWriter,
	r *http.Request,
	key tablecache.Key,
	computeFn func() stats.Table[string, string],
) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	ctx, span := tracing.StartSpan(ctx, "serve_table", middleware.GetRequestID(ctx))
	span.SetAttr("algorithm", key.Algorithm)
	defer func() {
		span.End()
		span.Log()
	}()

	compute := func() (stats.Table[string, string], error) {
		_, computeSpan := tracing.StartChildSpan(ctx, "compute_table")
		defer computeSpan.End()
		return computeFn(), nil
	}

	var table stats.Table[string, string]
	cacheHit := false
	if h.cache != nil {
		var err error
		table, cacheHit, err = h.cache.GetOrCompute(ctx, key, compute)
		if err != nil {
			log.Error("table computation failed", "algorithm", key.Algorithm, "error", err)
			h.writeError(w, apperrors.HTTPStatusCode(err), "scoring failed")
			return
		}
	} else {
		table, _ = compute()
	}

	latencyMs := time.Since(start).Milliseconds()
	log.Info("table computed",
		"algorithm", key.Algorithm,
		"variant", key.Variant,
		"documents", len(table),
		"cache_hit", cacheHit,
		"latency_ms", latencyMs,
	)

	if h.metrics != nil {
		h.metrics.ScoringCallsTotal.WithLabelValues(key.Algorithm, key.Variant).Inc()
		h.metrics.ScoringLatency.WithLabelValues(key.Algorithm).Observe(time.Since(start).Seconds())
		h.metrics.TableEntries.WithLabelValues(key.Algorithm).Observe(float64(len(table)))
		if h.cache != nil {
			if cacheHit {
				h.metrics.CacheHitsTotal.Inc()
			} else {
				h.metrics.CacheMissesTotal.Inc()
			}
		}
	}
	if h.collector != nil {
		h.collector.Track(usage.ScoringEvent{
			Type:      usage.EventScoring,
			Algorithm: key.Algorithm,
			Variant:   key.Variant,
			K1:        key.K1,
			B:         key.B,
			Delta:     key.Delta,
			Documents: len(table),
			CacheHit:  cacheHit,
			LatencyMs: latencyMs,
			Timestamp: time.Now().UTC(),
			RequestID: middleware.GetRequestID(ctx),
		})
	}

	resp := TableResponse{
		Algorithm: key.Algorithm,
		Variant:   key.Variant,
		Revision:  key.Revision,
		Documents: len(table),
		Table:     table,
	}
	if key.Algorithm == "bm25" {
		resp.K1 = &key.K1
		resp.B = &key.B
		resp.Delta = &key.Delta
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) decodeOccurrence(w http.ResponseWriter, r *http.Request) (OccurrenceRequest, bool) {
	var req OccurrenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Term == "" {
		h.writeError(w, http.StatusBadRequest, "term is required")
		return req, false
	}
	if req.DocID == "" {
		h.writeError(w, http.StatusBadRequest, "doc_id is required")
		return req, false
	}
	return req, true
}

func (h *Handler) afterMutation(op string, docID string, termCount int) {
	if h.metrics != nil {
		h.metrics.OccurrencesTotal.WithLabelValues(op).Inc()
		h.metrics.CorpusDocuments.Set(float64(h.engine.DocumentCount()))
		h.metrics.CorpusTerms.Set(float64(h.engine.TermCount()))
	}
	if h.collector != nil {
		h.collector.Track(usage.MutationEvent{
			Type:       usage.EventMutation,
			Op:         op,
			DocumentID: docID,
			TermCount:  termCount,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
