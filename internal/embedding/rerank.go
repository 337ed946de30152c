package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"codescout/internal/config"
	"codescout/internal/logging"
	"codescout/internal/types"
)

// =============================================================================
// RERANK CLIENT
// =============================================================================

// Reranker reorders candidate documents by relevance to a query using a
// cross-encoder service. Failure is degraded, not fatal: callers always get
// a usable ordering back.
type Reranker struct {
	enabled   bool
	baseURL   string
	model     string
	apiKey    string
	threshold float64
	retries   int
	client    *http.Client
}

// ScoredIndex is one rerank hit: the input document position and its score.
type ScoredIndex struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// NewReranker creates a rerank client from configuration.
func NewReranker(cfg config.RerankConfig) *Reranker {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 2
	}
	return &Reranker{
		enabled:   cfg.Enabled,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		threshold: cfg.Threshold,
		retries:   retries,
		client:    &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether reranking is active.
func (r *Reranker) Enabled() bool { return r.enabled }

// Rerank returns document indices in relevance order. The index-only variant
// never drops below-threshold hits. Disabled or failing reranker returns the
// identity permutation.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]int, error) {
	scored, err := r.score(ctx, query, documents, topK)
	if err != nil {
		logging.Get(logging.CategoryRerank).Warn("Rerank degraded to input order: %v", err)
		return identity(len(documents), topK), nil
	}
	out := make([]int, len(scored))
	for i, s := range scored {
		out[i] = s.Index
	}
	return out, nil
}

// RerankWithScores returns (index, score) pairs in relevance order, dropping
// hits below the configured threshold.
func (r *Reranker) RerankWithScores(ctx context.Context, query string, documents []string, topK int) ([]ScoredIndex, error) {
	scored, err := r.score(ctx, query, documents, topK)
	if err != nil {
		logging.Get(logging.CategoryRerank).Warn("Rerank degraded to input order: %v", err)
		idx := identity(len(documents), topK)
		out := make([]ScoredIndex, len(idx))
		for i, n := range idx {
			out[i] = ScoredIndex{Index: n}
		}
		return out, nil
	}

	kept := scored[:0]
	for _, s := range scored {
		if s.Score >= r.threshold {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

// score runs the HTTP call with transient retries. Disabled reranker scores
// nothing and reports the identity order.
func (r *Reranker) score(ctx context.Context, query string, documents []string, topK int) ([]ScoredIndex, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if !r.enabled {
		idx := identity(len(documents), topK)
		out := make([]ScoredIndex, len(idx))
		for i, n := range idx {
			out[i] = ScoredIndex{Index: n, Score: 1}
		}
		return out, nil
	}

	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		scored, err := r.call(ctx, query, documents, topK)
		if err == nil {
			return scored, nil
		}
		lastErr = err
		if !isTransientError(err) || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
		}
	}
	return nil, lastErr
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *Reranker) call(ctx context.Context, query string, documents []string, topK int) ([]ScoredIndex, error) {
	body, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopK:      topK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &httpError{status: resp.StatusCode, body: string(raw)}
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode rerank response: %v", types.ErrParse, err)
	}

	out := make([]ScoredIndex, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, fmt.Errorf("%w: rerank index %d out of range", types.ErrParse, res.Index)
		}
		out = append(out, ScoredIndex{Index: res.Index, Score: res.RelevanceScore})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func identity(n, topK int) []int {
	if topK > 0 && topK < n {
		n = topK
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
