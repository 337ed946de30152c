package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codescout/internal/config"
	"codescout/internal/types"
)

func testEngine(t *testing.T, serverURL string, maxTokens int) *OpenAIEngine {
	t.Helper()
	e := NewOpenAIEngine(config.EmbeddingConfig{
		Endpoint:           serverURL,
		Model:              "bge-m3",
		Dimension:          4,
		MaxTokens:          maxTokens,
		TruncationStrategy: StrategyHead,
		TruncationStep:     1000,
		MaxRetries:         3,
		BatchSize:          2,
		Timeout:            "5s",
	})
	e.retryDelay = time.Millisecond
	return e
}

func embedOK(w http.ResponseWriter, n int) {
	type item struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	items := make([]item, n)
	for i := range items {
		items[i] = item{Embedding: []float32{1, 0, 0, 0}, Index: i}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"data": items})
}

func decodeInputs(r *http.Request) []string {
	var req struct {
		Input json.RawMessage `json:"input"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	var many []string
	if err := json.Unmarshal(req.Input, &many); err == nil {
		return many
	}
	var one string
	json.Unmarshal(req.Input, &one)
	return []string{one}
}

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{
		"":       0,
		"abcd":   1,
		"abcde":  2,
		"abcdef": 2,
	}
	for text, want := range cases {
		if got := EstimateTokens(text); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", text, got, want)
		}
	}
}

func TestAdaptiveTruncationOnLengthError(t *testing.T) {
	// Server rejects anything over 3000 chars with a length error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inputs := decodeInputs(r)
		if len(inputs[0]) > 3000 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "input too long"}`))
			return
		}
		embedOK(w, 1)
	}))
	defer srv.Close()

	e := testEngine(t, srv.URL, 8192)
	vec, err := e.Embed(context.Background(), strings.Repeat("x", 5000))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("unexpected vector: %v", vec)
	}

	h := e.LastTruncation()
	if !h.Success || h.Steps != 3 || h.OriginalLength != 5000 || h.FinalLength != 3000 {
		t.Fatalf("unexpected truncation history: %+v", h)
	}
}

func TestExactBudgetPassesWithoutRetry(t *testing.T) {
	var calls int
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotLen = len(decodeInputs(r)[0])
		embedOK(w, 1)
	}))
	defer srv.Close()

	// maxTokens=100 means the char budget is exactly 400.
	e := testEngine(t, srv.URL, 100)

	if _, err := e.Embed(context.Background(), strings.Repeat("a", 400)); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if calls != 1 || gotLen != 400 {
		t.Fatalf("expected one untouched call, got calls=%d len=%d", calls, gotLen)
	}

	// One char over the budget must be pre-truncated back to it.
	if _, err := e.Embed(context.Background(), strings.Repeat("a", 401)); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if gotLen != 400 {
		t.Fatalf("expected pre-truncation to 400, got %d", gotLen)
	}
}

func TestUntruncatableLengthErrorSurfaces(t *testing.T) {
	// Server calls everything too long; with a truncation step larger than
	// the input, the engine cannot shrink further and must give up with a
	// classifiable error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "input too long"}`))
	}))
	defer srv.Close()

	e := testEngine(t, srv.URL, 8192)
	e.truncStep = 10000

	_, err := e.Embed(context.Background(), strings.Repeat("z", 500))
	if !errors.Is(err, types.ErrLength) {
		t.Fatalf("expected ErrLength, got %v", err)
	}
}

func TestTransientRetriedWithoutTruncation(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if len(decodeInputs(r)[0]) != 100 {
			t.Errorf("input was truncated on transient retry")
		}
		embedOK(w, 1)
	}))
	defer srv.Close()

	e := testEngine(t, srv.URL, 8192)
	if _, err := e.Embed(context.Background(), strings.Repeat("y", 100)); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestValidationErrorFailsFast(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "bad api key"}`))
	}))
	defer srv.Close()

	e := testEngine(t, srv.URL, 8192)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected no retries on 401, got %d calls", calls)
	}
}

func TestEmbedBatchChunks(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inputs := decodeInputs(r)
		batchSizes = append(batchSizes, len(inputs))
		embedOK(w, len(inputs))
	}))
	defer srv.Close()

	e := testEngine(t, srv.URL, 8192) // batchSize=2
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	if len(batchSizes) != 2 || batchSizes[0] != 2 || batchSizes[1] != 1 {
		t.Fatalf("unexpected chunking: %v", batchSizes)
	}
}
