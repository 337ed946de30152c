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
	"sync"
	"time"

	"codescout/internal/config"
	"codescout/internal/logging"
	"codescout/internal/types"
)

// =============================================================================
// OPENAI-COMPATIBLE EMBEDDING ENGINE
// =============================================================================

// OpenAIEngine calls an OpenAI-compatible POST {base}/v1/embeddings endpoint.
// Transient failures (timeouts, 429, 5xx, refused connections) are retried
// with linear-in-attempt backoff; server-signaled length errors trigger
// adaptive truncation instead of plain retry.
type OpenAIEngine struct {
	endpoint   string
	model      string
	apiKey     string
	dimension  int
	maxTokens  int
	strategy   string
	truncStep  int
	maxRetries int
	batchSize  int
	retryDelay time.Duration
	client     *http.Client

	mu             sync.Mutex
	lastTruncation TruncationHistory
}

// NewOpenAIEngine creates the engine from configuration.
func NewOpenAIEngine(cfg config.EmbeddingConfig) *OpenAIEngine {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	e := &OpenAIEngine{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		dimension:  cfg.Dimension,
		maxTokens:  cfg.MaxTokens,
		strategy:   cfg.TruncationStrategy,
		truncStep:  cfg.TruncationStep,
		maxRetries: cfg.MaxRetries,
		batchSize:  cfg.BatchSize,
		retryDelay: 500 * time.Millisecond,
		client:     &http.Client{Timeout: timeout},
	}
	if e.endpoint == "" {
		e.endpoint = "http://localhost:8080"
	}
	if e.maxTokens <= 0 {
		e.maxTokens = 8192
	}
	if e.truncStep <= 0 {
		e.truncStep = 1000
	}
	if e.maxRetries <= 0 {
		e.maxRetries = 3
	}
	if e.batchSize <= 0 {
		e.batchSize = 10
	}
	if e.strategy == "" {
		e.strategy = StrategySmart
	}
	return e
}

// Embed generates an embedding for a single text with adaptive truncation.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	history := TruncationHistory{
		OriginalLength: len(text),
		Strategy:       e.strategy,
	}

	current := text
	// Pre-truncate when the estimate already exceeds the model limit.
	if EstimateTokens(current) > e.maxTokens {
		current = Truncate(current, e.maxTokens*4, e.strategy)
		logging.EmbeddingDebug("Pre-truncated input %d -> %d chars", len(text), len(current))
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		history.Steps = attempt
		vec, err := e.embedOnce(ctx, current)
		if err == nil {
			history.Success = true
			history.FinalLength = len(current)
			e.recordTruncation(history)
			return vec, nil
		}
		lastErr = err

		switch {
		case types.IsCancelled(ctx, err):
			return nil, err
		case isLengthError(err):
			target := len(current) - e.truncStep
			if target <= 0 {
				e.recordTruncation(history)
				return nil, fmt.Errorf("%w: input untruncatable below step size: %v", types.ErrLength, err)
			}
			current = Truncate(current, target, e.strategy)
			logging.EmbeddingDebug("Length error, truncated to %d chars (attempt %d)", len(current), attempt)
		case isTransientError(err):
			// Linear backoff: attempt 1 waits 1x, attempt 2 waits 2x.
			delay := time.Duration(attempt) * e.retryDelay
			logging.EmbeddingDebug("Transient error, retrying in %s: %v", delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
			}
		default:
			e.recordTruncation(history)
			return nil, err
		}
	}

	history.FinalLength = len(current)
	e.recordTruncation(history)
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", e.maxRetries, lastErr)
}

// EmbedBatch embeds texts in configured-size chunks. A length error inside a
// chunk downgrades that chunk to per-text calls so truncation can apply.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]

		vecs, err := e.embedChunk(ctx, chunk)
		if err != nil {
			if !isLengthError(err) {
				return nil, fmt.Errorf("batch %d-%d failed: %w", start, end, err)
			}
			logging.EmbeddingDebug("Batch %d-%d hit length error, retrying per-text", start, end)
			vecs = vecs[:0]
			for _, t := range chunk {
				v, err := e.Embed(ctx, t)
				if err != nil {
					return nil, err
				}
				vecs = append(vecs, v)
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimensions returns the configured embedding dimension.
func (e *OpenAIEngine) Dimensions() int { return e.dimension }

// Name returns the engine name.
func (e *OpenAIEngine) Name() string {
	return fmt.Sprintf("openai:%s", e.model)
}

// HealthCheck probes the embeddings endpoint with a tiny input.
func (e *OpenAIEngine) HealthCheck(ctx context.Context) error {
	_, err := e.embedOnce(ctx, "ping")
	return err
}

// LastTruncation returns the history of the most recent Embed call.
func (e *OpenAIEngine) LastTruncation() TruncationHistory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTruncation
}

func (e *OpenAIEngine) recordTruncation(h TruncationHistory) {
	e.mu.Lock()
	e.lastTruncation = h
	e.mu.Unlock()
}

// =============================================================================
// WIRE LEVEL
// =============================================================================

type embedRequest struct {
	Input interface{} `json:"input"`
	Model string      `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	// Simplified servers answer with a bare vector.
	Embedding []float32 `json:"embedding"`
}

// httpError carries the status and body of a non-2xx response so the retry
// loop can classify it.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("embedding server returned %d: %s", e.status, e.body)
}

func (e *OpenAIEngine) embedOnce(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.post(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", types.ErrParse)
	}
	return vecs[0], nil
}

func (e *OpenAIEngine) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	pre := make([]string, len(texts))
	for i, t := range texts {
		if EstimateTokens(t) > e.maxTokens {
			t = Truncate(t, e.maxTokens*4, e.strategy)
		}
		pre[i] = t
	}
	vecs, err := e.post(ctx, pre)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", types.ErrParse, len(vecs), len(texts))
	}
	return vecs, nil
}

func (e *OpenAIEngine) post(ctx context.Context, input interface{}) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: input, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &httpError{status: resp.StatusCode, body: string(raw)}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", types.ErrParse, err)
	}

	if len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
		out := make([][]float32, len(parsed.Data))
		for i, d := range parsed.Data {
			out[i] = d.Embedding
		}
		return out, nil
	}
	if len(parsed.Embedding) > 0 {
		return [][]float32{parsed.Embedding}, nil
	}
	return nil, fmt.Errorf("%w: response carried no embeddings", types.ErrParse)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

var lengthMarkers = []string{
	"input too long",
	"is too long",
	"maximum context length",
	"context length exceeded",
	"exceeds the maximum",
	"token limit",
}

// isLengthError recognizes a server rejection caused by input length.
func isLengthError(err error) bool {
	he, ok := asHTTPError(err)
	if !ok {
		return false
	}
	if he.status != http.StatusBadRequest && he.status != http.StatusRequestEntityTooLarge && he.status != http.StatusUnprocessableEntity {
		return false
	}
	lower := strings.ToLower(he.body)
	for _, m := range lengthMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// isTransientError recognizes failures worth retrying without truncation.
func isTransientError(err error) bool {
	if types.IsTransient(err) {
		return true
	}
	he, ok := asHTTPError(err)
	if !ok {
		return false
	}
	return he.status == http.StatusTooManyRequests || he.status >= 500
}

func asHTTPError(err error) (*httpError, bool) {
	for err != nil {
		if he, ok := err.(*httpError); ok {
			return he, true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
