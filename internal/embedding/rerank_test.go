package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"codescout/internal/config"
)

func TestRerankDisabledIsIdentity(t *testing.T) {
	r := NewReranker(config.RerankConfig{Enabled: false})
	idx, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if len(idx) != 2 || idx[0] != 0 || idx[1] != 1 {
		t.Fatalf("expected identity prefix, got %v", idx)
	}
}

func TestRerankOrdersByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		w.Write([]byte(`{"results": [
			{"index": 2, "relevance_score": 0.9},
			{"index": 0, "relevance_score": 0.5},
			{"index": 1, "relevance_score": 0.05}
		]}`))
	}))
	defer srv.Close()

	r := NewReranker(config.RerankConfig{
		Enabled:   true,
		BaseURL:   srv.URL,
		APIKey:    "secret",
		Threshold: 0.1,
		Timeout:   "5s",
	})

	// Index-only variant keeps everything, ordered by score.
	idx, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 3)
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if len(idx) != 3 || idx[0] != 2 || idx[1] != 0 || idx[2] != 1 {
		t.Fatalf("unexpected order: %v", idx)
	}

	// Scores variant drops the below-threshold hit.
	scored, err := r.RerankWithScores(context.Background(), "q", []string{"a", "b", "c"}, 3)
	if err != nil {
		t.Fatalf("RerankWithScores failed: %v", err)
	}
	if len(scored) != 2 || scored[0].Index != 2 || scored[1].Index != 0 {
		t.Fatalf("threshold not applied: %+v", scored)
	}
}

func TestRerankDegradesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewReranker(config.RerankConfig{
		Enabled: true,
		BaseURL: srv.URL,
		Retries: 2,
		Timeout: "2s",
	})

	idx, err := r.Rerank(context.Background(), "q", []string{"a", "b"}, 2)
	if err != nil {
		t.Fatalf("degraded rerank must not error: %v", err)
	}
	if len(idx) != 2 || idx[0] != 0 || idx[1] != 1 {
		t.Fatalf("expected input order fallback, got %v", idx)
	}
}
