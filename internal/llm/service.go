// Package llm provides a provider-agnostic chat client over an
// OpenAI-compatible HTTP interface, with simple, JSON, chat, and streaming
// request modes. The service never rewrites caller history; token budgeting
// belongs to the compactor.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"codescout/internal/config"
	"codescout/internal/logging"
	"codescout/internal/types"
)

// =============================================================================
// SERVICE INTERFACE
// =============================================================================

// ChatMessage is one turn handed to the chat endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one incremental piece of a streamed response. Reasoning
// tokens arrive separately from answer text so the caller can route them
// into different Parts.
type StreamChunk struct {
	Text      string
	Reasoning string
}

// Service is the LLM client consumed by the loops.
type Service interface {
	// Complete runs a single-prompt request and returns the text answer.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteJSON runs a single-prompt request and parses the answer into
	// out using the tiered JSON extractor.
	CompleteJSON(ctx context.Context, prompt string, out interface{}) error

	// Chat runs a multi-turn request and returns the assistant text.
	Chat(ctx context.Context, messages []ChatMessage) (string, error)

	// ChatStream runs a multi-turn request, delivering chunks in arrival
	// order. Both channels close when the stream ends; a partial stream
	// delivers an error after the chunks already sent.
	ChatStream(ctx context.Context, messages []ChatMessage) (<-chan StreamChunk, <-chan error)
}

// =============================================================================
// OPENAI-COMPATIBLE CLIENT
// =============================================================================

// Client talks to {baseURL}/chat/completions.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	maxTokens  int
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient creates a client from configuration.
func NewClient(cfg config.LLMConfig) *Client {
	timeout := 120 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete implements the simple mode.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.Chat(ctx, []ChatMessage{{Role: "user", Content: prompt}})
}

// CompleteJSON implements the json mode: simple completion plus the tiered
// extractor.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	text, err := c.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	return ExtractJSON(text, out)
}

// Chat implements the chat mode with transient-error retries.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	timer := logging.StartTimer(logging.CategoryLLM, "Chat")
	defer timer.Stop()

	c.throttle()

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
			}
		}

		text, err := c.chatOnce(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !types.IsTransient(err) || ctx.Err() != nil {
			return "", err
		}
		logging.LLMDebug("Chat attempt %d failed: %v", attempt+1, err)
	}
	return "", fmt.Errorf("chat failed after retries: %w", lastErr)
}

func (c *Client) chatOnce(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("%w: server returned %d: %s", types.ErrTransient, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("LLM returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v", types.ErrParse, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("LLM error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: response carried no choices", types.ErrParse)
	}
	return parsed.Choices[0].Message.Content, nil
}

// ChatStream implements the streaming chat mode over SSE.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		c.throttle()

		body, err := json.Marshal(chatRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   c.maxTokens,
			Temperature: 0.1,
			Stream:      true,
		})
		if err != nil {
			errs <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs <- fmt.Errorf("%w: %v", types.ErrTransient, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			errs <- fmt.Errorf("LLM stream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		sawDone := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				sawDone = true
				break
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				logging.LLMDebug("Skipping malformed stream event: %v", err)
				continue
			}
			for _, choice := range ev.Choices {
				if choice.Delta.Content == "" && choice.Delta.ReasoningContent == "" {
					continue
				}
				select {
				case chunks <- StreamChunk{Text: choice.Delta.Content, Reasoning: choice.Delta.ReasoningContent}:
				case <-ctx.Done():
					errs <- fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("%w: stream interrupted: %v", types.ErrTransient, err)
			return
		}
		if !sawDone {
			// The connection closed mid-stream; the caller saw a partial
			// answer and must not treat it as final.
			errs <- fmt.Errorf("%w: stream ended without completion marker", types.ErrTransient)
		}
	}()

	return chunks, errs
}

// throttle spaces requests at least 100ms apart.
func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
}
