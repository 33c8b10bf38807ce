// Package integration contains tests that exercise the full HTTP stack of
// the statistics service: real handler, middleware chain, and health checks
// wired over httptest, with external dependencies (Kafka, Redis, PostgreSQL)
// left out.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/termstats-io/termstats/internal/server"
	"github.com/termstats-io/termstats/internal/stats"
	"github.com/termstats-io/termstats/pkg/config"
	"github.com/termstats-io/termstats/pkg/health"
	"github.com/termstats-io/termstats/pkg/middleware"
)

// newService builds a test server with the same routing and middleware chain
// as the production binary, backed by a fresh engine.
func newService(t *testing.T) (*httptest.Server, *stats.Engine[string, string]) {
	t.Helper()

	engine := stats.New[string, string]()
	h := server.New(engine, nil, nil, nil, config.ScoringConfig{
		DefaultTFIDFVariant: "smooth",
		DefaultIDFVariant:   "prob",
		BM25K1:              1.2,
		BM25B:               0.75,
		MaxTermsPerUpdate:   1000,
	})

	checker := health.NewChecker()
	checker.Register("engine", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/occurrences", h.AddOccurrence)
	mux.HandleFunc("DELETE /api/v1/occurrences", h.RemoveOccurrence)
	mux.HandleFunc("POST /api/v1/documents/{doc}/terms", h.UpdateDocument)
	mux.HandleFunc("GET /api/v1/tables/tfidf", h.TFIDFTable)
	mux.HandleFunc("GET /api/v1/tables/idf", h.IDFTable)
	mux.HandleFunc("GET /api/v1/tables/bm25", h.BM25Table)
	mux.HandleFunc("GET /api/v1/corpus/stats", h.CorpusStats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(10 * time.Second)(chain)
	chain = middleware.RequestID(chain)

	srv := httptest.NewServer(chain)
	t.Cleanup(srv.Close)
	return srv, engine
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeTable(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

// TestHealthEndpoints verifies liveness and readiness without any optional
// backends configured.
func TestHealthEndpoints(t *testing.T) {
	srv, _ := newService(t)

	for _, path := range []string{"/health/live", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

// TestMutateAndScoreFlow drives the full occurrence lifecycle over HTTP:
// record terms across documents, then read back a TF-IDF table and verify a
// known score.
func TestMutateAndScoreFlow(t *testing.T) {
	srv, _ := newService(t)

	// Corpus: doc1 has "a" twice, doc2 and doc3 each have "b" once.
	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/occurrences", `{"term":"a","doc_id":"doc1"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("add occurrence %d: expected 202, got %d", i, resp.StatusCode)
		}
	}
	for _, doc := range []string{"doc2", "doc3"} {
		resp := postJSON(t, srv.URL+"/api/v1/documents/"+doc+"/terms", `{"terms":["b"]}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("update %s: expected 202, got %d", doc, resp.StatusCode)
		}
	}

	out := decodeTable(t, mustGet(t, srv.URL+"/api/v1/tables/tfidf?variant=smooth"))
	table, ok := out["table"].(map[string]any)
	if !ok {
		t.Fatalf("response has no table: %v", out)
	}
	doc1, ok := table["doc1"].(map[string]any)
	if !ok {
		t.Fatalf("table has no doc1: %v", table)
	}
	got, _ := doc1["a"].(float64)
	// df(a)=1, df(b)=2, total=3: (1+ln 2)*ln(1+3/1)
	want := (1 + math.Log(2)) * math.Log(4)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("doc1[a] = %v, want %v", got, want)
	}

	if docs, _ := out["documents"].(float64); docs != 3 {
		t.Errorf("documents = %v, want 3", docs)
	}
}

// TestBM25OverHTTP verifies BM25 parameter handling end to end.
func TestBM25OverHTTP(t *testing.T) {
	srv, _ := newService(t)

	resp := postJSON(t, srv.URL+"/api/v1/documents/doc1/terms", `{"terms":["x","x","y"]}`)
	resp.Body.Close()

	out := decodeTable(t, mustGet(t, srv.URL+"/api/v1/tables/bm25?k1=1.5&b=0.75&delta=1"))
	if out["algorithm"] != "bm25" {
		t.Errorf("algorithm = %v, want bm25", out["algorithm"])
	}
	if k1, _ := out["k1"].(float64); k1 != 1.5 {
		t.Errorf("k1 = %v, want 1.5", k1)
	}
	table, _ := out["table"].(map[string]any)
	if _, ok := table["doc1"]; !ok {
		t.Errorf("expected doc1 in table, got %v", table)
	}
}

// TestRequestIDAssignedAndEchoed verifies the middleware chain assigns
// request identifiers and preserves client-supplied ones.
func TestRequestIDAssignedAndEchoed(t *testing.T) {
	srv, _ := newService(t)

	resp := mustGet(t, srv.URL+"/api/v1/corpus/stats")
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected generated X-Request-ID header")
	}

	req, _ := http.NewRequest("GET", srv.URL+"/api/v1/corpus/stats", nil)
	req.Header.Set("X-Request-ID", "integration-42")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); got != "integration-42" {
		t.Errorf("X-Request-ID = %q, want integration-42", got)
	}
}

// TestCorpusStatsTracksMutations verifies the stats endpoint reflects engine
// state, including documents created by removal alone.
func TestCorpusStatsTracksMutations(t *testing.T) {
	srv, engine := newService(t)

	resp := postJSON(t, srv.URL+"/api/v1/documents/doc1/terms", `{"terms":["a","b"]}`)
	resp.Body.Close()

	req, _ := http.NewRequest("DELETE", srv.URL+"/api/v1/occurrences", strings.NewReader(`{"term":"c","doc_id":"ghost"}`))
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	resp2.Body.Close()

	out := decodeTable(t, mustGet(t, srv.URL+"/api/v1/corpus/stats"))
	if docs, _ := out["documents"].(float64); docs != 2 {
		t.Errorf("documents = %v, want 2 (removal creates the document)", docs)
	}
	if engine.Count("c", "ghost") != -1 {
		t.Errorf("ghost count = %d, want -1", engine.Count("c", "ghost"))
	}
}

// TestCacheStatsWithoutRedis verifies the cache endpoint degrades cleanly
// when no Redis is configured.
func TestCacheStatsWithoutRedis(t *testing.T) {
	srv, _ := newService(t)

	resp := mustGet(t, srv.URL+"/api/v1/cache/stats")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "disabled" {
		t.Errorf("status = %v, want disabled", out["status"])
	}
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}
