// Package e2e contains end-to-end tests that exercise a running statistics
// service over HTTP, including its Kafka-backed ingest path when available.
//
// Prerequisites:
//   - termstatsd running (default http://localhost:8080)
//   - optionally Kafka, Redis, and PostgreSQL for the full pipeline
//
// Run with:
//
//	go test -v -timeout=120s ./test/e2e/...
package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

func serviceURL() string {
	if v := os.Getenv("E2E_TERMSTATS_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// skipIfDown skips the test when the service is not reachable.
func skipIfDown(t *testing.T, client *http.Client) {
	t.Helper()
	resp, err := client.Get(serviceURL() + "/health/live")
	if err != nil {
		t.Skipf("service unavailable: %v", err)
	}
	resp.Body.Close()
}

// TestServiceHealth verifies liveness and readiness of a running instance.
func TestServiceHealth(t *testing.T) {
	client := &http.Client{Timeout: 5 * time.Second}
	skipIfDown(t, client)

	for _, path := range []string{"/health/live", "/health/ready"} {
		t.Run(path, func(t *testing.T) {
			resp, err := client.Get(serviceURL() + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestRecordAndScore records occurrences for a unique term and verifies it
// shows up in the TF-IDF table with a positive score.
func TestRecordAndScore(t *testing.T) {
	client := &http.Client{Timeout: 10 * time.Second}
	skipIfDown(t, client)

	term := fmt.Sprintf("e2eterm%d", time.Now().UnixNano())
	doc := fmt.Sprintf("e2edoc%d", time.Now().UnixNano())

	payload := fmt.Sprintf(`{"term":%q,"doc_id":%q}`, term, doc)
	resp, err := client.Post(serviceURL()+"/api/v1/occurrences", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("recording occurrence: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}

	tableResp, err := client.Get(serviceURL() + "/api/v1/tables/tfidf?variant=smooth")
	if err != nil {
		t.Fatalf("fetching table: %v", err)
	}
	defer tableResp.Body.Close()

	var out struct {
		Revision  uint64                        `json:"revision"`
		Documents int                           `json:"documents"`
		Table     map[string]map[string]float64 `json:"table"`
	}
	if err := json.NewDecoder(tableResp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding table: %v", err)
	}

	scores, ok := out.Table[doc]
	if !ok {
		t.Fatalf("document %s missing from table (%d documents)", doc, out.Documents)
	}
	if scores[term] <= 0 {
		t.Errorf("score for %s = %v, want > 0", term, scores[term])
	}
	t.Logf("revision=%d documents=%d score=%v", out.Revision, out.Documents, scores[term])
}

// TestUsageStats verifies the usage endpoint reports scoring activity when
// usage tracking is enabled.
func TestUsageStats(t *testing.T) {
	client := &http.Client{Timeout: 5 * time.Second}
	skipIfDown(t, client)

	// Generate a scoring call so there is something to report.
	if resp, err := client.Get(serviceURL() + "/api/v1/tables/idf?variant=prob"); err == nil {
		resp.Body.Close()
	}

	// Usage events travel through Kafka; give the aggregator a moment.
	time.Sleep(2 * time.Second)

	resp, err := client.Get(serviceURL() + "/api/v1/usage")
	if err != nil {
		t.Fatalf("usage request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Skip("usage tracking disabled on this instance")
	}

	var usageStats map[string]any
	json.NewDecoder(resp.Body).Decode(&usageStats)
	t.Logf("usage: total_scorings=%v cache_hits=%v", usageStats["total_scorings"], usageStats["cache_hits"])
}

// TestCacheStats verifies cache statistics are reported in either the
// enabled or disabled shape.
func TestCacheStats(t *testing.T) {
	client := &http.Client{Timeout: 5 * time.Second}
	skipIfDown(t, client)

	resp, err := client.Get(serviceURL() + "/api/v1/cache/stats")
	if err != nil {
		t.Fatalf("cache stats request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var cacheStats map[string]any
	json.NewDecoder(resp.Body).Decode(&cacheStats)
	if status, ok := cacheStats["status"]; ok && status == "disabled" {
		t.Log("table cache disabled on this instance")
		return
	}
	for _, field := range []string{"hits", "misses", "total", "hit_rate"} {
		if _, ok := cacheStats[field]; !ok {
			t.Errorf("missing expected field: %s", field)
		}
	}
}
