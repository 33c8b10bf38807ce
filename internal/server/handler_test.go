package server

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/termstats-io/termstats/internal/stats"
	"github.com/termstats-io/termstats/pkg/config"
)

func newTestHandler() (*Handler, *stats.Engine[string, string]) {
	engine := stats.New[string, string]()
	cfg := config.ScoringConfig{
		DefaultTFIDFVariant: "smooth",
		DefaultIDFVariant:   "prob",
		BM25K1:              1.2,
		BM25B:               0.75,
		MaxTermsPerUpdate:   100,
	}
	return New(engine, nil, nil, nil, cfg), engine
}

func newTestMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/occurrences", h.AddOccurrence)
	mux.HandleFunc("DELETE /api/v1/occurrences", h.RemoveOccurrence)
	mux.HandleFunc("POST /api/v1/documents/{doc}/terms", h.UpdateDocument)
	mux.HandleFunc("GET /api/v1/tables/tfidf", h.TFIDFTable)
	mux.HandleFunc("GET /api/v1/tables/idf", h.IDFTable)
	mux.HandleFunc("GET /api/v1/tables/bm25", h.BM25Table)
	mux.HandleFunc("GET /api/v1/corpus/stats", h.CorpusStats)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAddOccurrence(t *testing.T) {
	h, engine := newTestHandler()
	mux := newTestMux(h)

	rec := doRequest(t, mux, "POST", "/api/v1/occurrences", `{"term":"alpha","doc_id":"doc1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if got := engine.Count("alpha", "doc1"); got != 1 {
		t.Errorf("count(alpha, doc1) = %d, want 1", got)
	}
}

func TestRemoveOccurrenceReportsNegativeCount(t *testing.T) {
	h, _ := newTestHandler()
	mux := newTestMux(h)

	rec := doRequest(t, mux, "DELETE", "/api/v1/occurrences", `{"term":"alpha","doc_id":"doc1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Count != -1 {
		t.Errorf("count = %d, want -1 (over-removal is not rejected)", resp.Count)
	}
}

func TestMutationValidation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"add missing term", "POST", "/api/v1/occurrences", `{"doc_id":"doc1"}`},
		{"add missing doc", "POST", "/api/v1/occurrences", `{"term":"x"}`},
		{"add bad json", "POST", "/api/v1/occurrences", `{`},
		{"update empty terms", "POST", "/api/v1/documents/doc1/terms", `{"terms":[]}`},
		{"update bad json", "POST", "/api/v1/documents/doc1/terms", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, engine := newTestHandler()
			mux := newTestMux(h)
			rec := doRequest(t, mux, tt.method, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if got := engine.DocumentCount(); got != 0 {
				t.Errorf("rejected request mutated engine: %d documents", got)
			}
		})
	}
}

func TestUpdateDocumentTermLimit(t *testing.T) {
	h, _ := newTestHandler()
	mux := newTestMux(h)

	terms := make([]string, 101)
	for i := range terms {
		terms[i] = "t"
	}
	body, _ := json.Marshal(UpdateRequest{Terms: terms})
	rec := doRequest(t, mux, "POST", "/api/v1/documents/doc1/terms", string(body))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestTFIDFTableEndpoint(t *testing.T) {
	h, engine := newTestHandler()
	mux := newTestMux(h)
	engine.Update([]string{"a", "a", "b"}, "doc1")
	engine.Update([]string{"b", "b", "b"}, "doc2")

	rec := doRequest(t, mux, "GET", "/api/v1/tables/tfidf", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp TableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Algorithm != "tfidf" || resp.Variant != "smooth" {
		t.Errorf("algorithm/variant = %s/%s, want tfidf/smooth", resp.Algorithm, resp.Variant)
	}
	if resp.Documents != 2 {
		t.Errorf("documents = %d, want 2", resp.Documents)
	}
	if got := resp.Table["doc1"]["a"]; math.Abs(got-2.3472) > 5e-5 {
		t.Errorf("score(doc1, a) = %v, want ≈2.3472", got)
	}
}

func TestTFIDFUnknownVariantFallsBack(t *testing.T) {
	h, engine := newTestHandler()
	mux := newTestMux(h)
	engine.Update([]string{"a", "a"}, "doc1")

	rec := doRequest(t, mux, "GET", "/api/v1/tables/tfidf?variant=bogus", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (unknown variants are not rejected)", rec.Code)
	}
	var resp TableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	// Unsmoothed behaviour: 2 * 1/1.
	if got := resp.Table["doc1"]["a"]; got != 2 {
		t.Errorf("score(doc1, a) = %v, want 2", got)
	}
}

func TestBM25TableEndpoint(t *testing.T) {
	h, engine := newTestHandler()
	mux := newTestMux(h)
	engine.Update([]string{"x", "x", "x", "x"}, "doc1")

	rec := doRequest(t, mux, "GET", "/api/v1/tables/bm25?k1=1.5&b=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp TableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.K1 == nil || *resp.K1 != 1.5 {
		t.Errorf("k1 = %v, want 1.5", resp.K1)
	}
	if got := resp.Table["doc1"]["x"]; math.Abs(got-(-1.9975)) > 5e-5 {
		t.Errorf("score(doc1, x) = %v, want ≈-1.9975", got)
	}
}

func TestBM25EmptyCorpusEndpoint(t *testing.T) {
	h, _ := newTestHandler()
	mux := newTestMux(h)

	rec := doRequest(t, mux, "GET", "/api/v1/tables/bm25", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp TableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Documents != 0 || len(resp.Table) != 0 {
		t.Errorf("empty corpus produced %d documents", resp.Documents)
	}
}

func TestBM25RejectsNonNumericParams(t *testing.T) {
	h, _ := newTestHandler()
	mux := newTestMux(h)

	for _, query := range []string{"k1=abc", "b=x", "delta=,"} {
		rec := doRequest(t, mux, "GET", "/api/v1/tables/bm25?"+query, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want %d", query, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestCorpusStatsEndpoint(t *testing.T) {
	h, engine := newTestHandler()
	mux := newTestMux(h)
	engine.Update([]string{"a", "b"}, "doc1")

	rec := doRequest(t, mux, "GET", "/api/v1/corpus/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Documents int    `json:"documents"`
		Terms     int    `json:"terms"`
		Revision  uint64 `json:"revision"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Documents != 1 || resp.Terms != 2 {
		t.Errorf("documents/terms = %d/%d, want 1/2", resp.Documents, resp.Terms)
	}
	if resp.Revision == 0 {
		t.Error("revision = 0 after mutation")
	}
}

func TestCacheEndpointsDisabled(t *testing.T) {
	h, _ := newTestHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)

	rec := doRequest(t, mux, "GET", "/api/v1/cache/stats", "")
	if rec.Code != http.StatusOK {
		t.Errorf("cache stats status = %d, want 200", rec.Code)
	}
	rec = doRequest(t, mux, "POST", "/api/v1/cache/invalidate", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("cache invalidate status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
